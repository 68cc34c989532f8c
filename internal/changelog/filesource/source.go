// Package filesource implements changelog.Source over a newline-
// delimited JSON file, using nxadm/tail for follow-mode polling — the
// same library and Config shape the teacher uses to tail log files
// (internal/monitors/file_monitor.go), here repositioned for
// on-disk/replay change-log streams. The reader-task tests in
// internal/stream and internal/coordinator use in-memory fake sources,
// not this package.
package filesource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nxadm/tail"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// wireRecord is the on-disk JSON shape of one change record.
type wireRecord struct {
	RecordID       uint64             `json:"record_id"`
	Timestamp      time.Time          `json:"timestamp"`
	Kind           string             `json:"kind"`
	TargetObjectID uint64             `json:"target_object_id"`
	ParentObjectID uint64             `json:"parent_object_id,omitempty"`
	Name           string             `json:"name,omitempty"`
	Flags          record.Flags       `json:"flags,omitempty"`
	Ext            *record.Extension  `json:"ext,omitempty"`
}

var kindByName = map[string]record.Kind{
	"MARK": record.KindMark, "IOCTL": record.KindIoctl, "CREATE": record.KindCreate,
	"MKDIR": record.KindMkdir, "MKNOD": record.KindMknod, "UNLINK": record.KindUnlink,
	"RENAME": record.KindRename, "EXT": record.KindExt, "TRUNC": record.KindTrunc,
	"CLOSE": record.KindClose, "MTIME": record.KindMtime, "CTIME": record.KindCtime,
	"SETATTR": record.KindSetattr, "HSM": record.KindHSM, "LAYOUT": record.KindLayout,
}

func parseRecord(line string) (*record.Record, error) {
	var w wireRecord
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return nil, fmt.Errorf("filesource: unmarshal record: %w", err)
	}
	kind, ok := kindByName[strings.ToUpper(w.Kind)]
	if !ok {
		return nil, fmt.Errorf("filesource: %w: %q", changelog.ErrReopenable, w.Kind)
	}
	return &record.Record{
		RecordID:       w.RecordID,
		Timestamp:      w.Timestamp,
		Kind:           kind,
		TargetObjectID: w.TargetObjectID,
		ParentObjectID: w.ParentObjectID,
		Name:           w.Name,
		Flags:          w.Flags,
		Ext:            w.Ext,
	}, nil
}

// Source is a changelog.Source backed by a newline-delimited JSON file.
type Source struct {
	path   string
	follow bool

	tailer *tail.Tail
	file   *os.File
	reader *bufio.Reader

	startID uint64
}

// New creates a filesource.Source for path. Open must be called before
// use.
func New(path string) *Source {
	return &Source{path: path}
}

func (s *Source) Open(ctx context.Context, startID uint64, follow bool) error {
	s.startID = startID
	s.follow = follow

	if follow {
		t, err := tail.TailFile(s.path, tail.Config{
			Follow:   true,
			ReOpen:   true,
			Poll:     false,
			Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		})
		if err != nil {
			return fmt.Errorf("filesource: tail %s: %w", s.path, err)
		}
		s.tailer = t
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("filesource: open %s: %w", s.path, err)
	}
	s.file = f
	s.reader = bufio.NewReader(f)
	return nil
}

func (s *Source) ReceiveNext(ctx context.Context) (*record.Record, error) {
	if s.follow {
		select {
		case line, ok := <-s.tailer.Lines:
			if !ok {
				return nil, changelog.ErrEndOfStream
			}
			if line.Err != nil {
				return nil, fmt.Errorf("filesource: tail line: %w", line.Err)
			}
			if strings.TrimSpace(line.Text) == "" {
				return s.ReceiveNext(ctx)
			}
			rec, err := parseRecord(line.Text)
			if err != nil {
				return nil, err
			}
			if rec.RecordID < s.startID {
				return s.ReceiveNext(ctx)
			}
			return rec, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for {
		line, err := s.reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			rec, perr := parseRecord(strings.TrimSpace(line))
			if perr != nil {
				return nil, perr
			}
			if rec.RecordID >= s.startID {
				return rec, nil
			}
			continue
		}
		if err == io.EOF {
			return nil, changelog.ErrEndOfStream
		}
		if err != nil {
			return nil, fmt.Errorf("filesource: read: %w", err)
		}
	}
}

// Clear is a no-op for a plain file source: nothing server-side retains
// records past this process's own read cursor. Implementations backed
// by a real metadata server (or kafkasource) make this meaningful.
func (s *Source) Clear(ctx context.Context, upToID uint64, readerToken string) error {
	return nil
}

func (s *Source) Close() error {
	if s.tailer != nil {
		return s.tailer.Stop()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
