// Package watermark implements the persisted key/value variable layout
// from spec §4.5 and §6: the five watermark tuples, per-kind counters
// and their deltas, and the one-time migration of the deprecated
// variable names. Modeled on the teacher's CheckpointManager
// (pkg/positions/checkpoint_manager.go) generalized from a gzip
// snapshot file to a get/set-variable key/value surface. The periodic
// checkpoint ticker and the final flush on stop live in
// internal/coordinator, not here.
package watermark

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// Kind names the five watermark phases persisted per stream.
type Kind string

const (
	KindLastRead               Kind = "last_read"
	KindLastPushed             Kind = "last_pushed"
	KindLastCleared            Kind = "last_cleared"
	KindLastCommitted          Kind = "last_committed"
	KindLastCommittedPersisted Kind = "last_committed_persisted"
)

func varName(kind Kind, stream string) string {
	return fmt.Sprintf("cl_%s_%s", kind, stream)
}

// Encode renders a Watermark as "rec_id:rec_time_epoch.us:step_time_epoch.us".
func Encode(w record.Watermark) string {
	return fmt.Sprintf("%d:%s:%s", w.RecordID, formatEpochMicros(w.RecordTS), formatEpochMicros(w.StepTS))
}

func formatEpochMicros(t time.Time) string {
	if t.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// Decode parses the "rec_id:rec_time.us:step_time.us" wire format.
func Decode(s string) (record.Watermark, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return record.Watermark{}, fmt.Errorf("watermark: malformed value %q", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return record.Watermark{}, fmt.Errorf("watermark: bad record id: %w", err)
	}
	recTS, err := parseEpochMicros(parts[1])
	if err != nil {
		return record.Watermark{}, fmt.Errorf("watermark: bad record timestamp: %w", err)
	}
	stepTS, err := parseEpochMicros(parts[2])
	if err != nil {
		return record.Watermark{}, fmt.Errorf("watermark: bad step timestamp: %w", err)
	}
	return record.Watermark{RecordID: id, RecordTS: recTS, StepTS: stepTS}, nil
}

func parseEpochMicros(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	micros := int64(math.Round((f - float64(sec)) * 1e6))
	return time.Unix(sec, micros*1000).UTC(), nil
}

// Load reads one watermark variable for stream, returning ok=false if
// unset.
func Load(ctx context.Context, db database.Database, kind Kind, stream string) (record.Watermark, bool, error) {
	v, ok, err := db.GetVariable(ctx, varName(kind, stream))
	if err != nil || !ok {
		return record.Watermark{}, ok, err
	}
	w, err := Decode(v)
	return w, true, err
}

// Save writes one watermark variable for stream.
func Save(ctx context.Context, db database.Database, kind Kind, stream string, w record.Watermark) error {
	v := Encode(w)
	return db.SetVariable(ctx, varName(kind, stream), &v)
}

// LoadLastCommittedPersisted loads cl_last_committed_persisted_<stream>,
// falling back to the deprecated cl_last_committed_<stream>_old name if
// only that is present, and rewriting it under the new name before
// deleting the old one (spec §4.4 "Initialization").
func LoadLastCommittedPersisted(ctx context.Context, db database.Database, stream string) (record.Watermark, bool, error) {
	w, ok, err := Load(ctx, db, KindLastCommittedPersisted, stream)
	if err != nil {
		return record.Watermark{}, false, err
	}
	if ok {
		return w, true, nil
	}

	oldName := fmt.Sprintf("cl_last_committed_%s_old", stream)
	v, ok, err := db.GetVariable(ctx, oldName)
	if err != nil || !ok {
		return record.Watermark{}, false, err
	}
	w, err = Decode(v)
	if err != nil {
		return record.Watermark{}, false, err
	}

	if err := Save(ctx, db, KindLastCommittedPersisted, stream, w); err != nil {
		return record.Watermark{}, false, err
	}
	if err := db.SetVariable(ctx, oldName, nil); err != nil {
		return record.Watermark{}, false, err
	}
	return w, true, nil
}

// Counters tracks per-kind record counts since process start and the
// last-persisted snapshot of each, for §4.5 delta reporting.
type Counters struct {
	mu            sync.Mutex
	counts        map[record.Kind]uint64
	lastPersist   map[record.Kind]uint64
	lastPersistAt time.Time
}

func NewCounters() *Counters {
	return &Counters{
		counts:      make(map[record.Kind]uint64),
		lastPersist: make(map[record.Kind]uint64),
	}
}

func (c *Counters) Increment(kind record.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind]++
}

// Snapshot is one point-in-time stats persist: absolute counts, the
// delta since the previous persist, and the interval between the two.
type Snapshot struct {
	Counts   map[record.Kind]uint64
	Deltas   map[record.Kind]uint64
	Interval time.Duration
}

func (c *Counters) Snapshot(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[record.Kind]uint64, len(c.counts))
	deltas := make(map[record.Kind]uint64, len(c.counts))
	for k, v := range c.counts {
		counts[k] = v
		deltas[k] = v - c.lastPersist[k]
		c.lastPersist[k] = v
	}

	interval := now.Sub(c.lastPersistAt)
	c.lastPersistAt = now
	return Snapshot{Counts: counts, Deltas: deltas, Interval: interval}
}

// Checkpoint persists last_read, last_pushed, last_cleared and the
// counter snapshot for stream. last_committed_persisted is written only
// by the acknowledgment callback path (spec §4.5 "never here").
func Checkpoint(ctx context.Context, db database.Database, logger *logrus.Logger, stream string, lastRead, lastPushed, lastCleared record.Watermark, counters *Counters, now time.Time) error {
	if err := Save(ctx, db, KindLastRead, stream, lastRead); err != nil {
		return fmt.Errorf("watermark: persist last_read: %w", err)
	}
	if err := Save(ctx, db, KindLastPushed, stream, lastPushed); err != nil {
		return fmt.Errorf("watermark: persist last_pushed: %w", err)
	}
	if err := Save(ctx, db, KindLastCleared, stream, lastCleared); err != nil {
		return fmt.Errorf("watermark: persist last_cleared: %w", err)
	}

	snap := counters.Snapshot(now)
	for kind, count := range snap.Counts {
		countVal := strconv.FormatUint(count, 10)
		if err := db.SetVariable(ctx, fmt.Sprintf("cl_count_%s_%s", stream, kind.String()), &countVal); err != nil {
			return fmt.Errorf("watermark: persist count %s: %w", kind, err)
		}
		diffVal := strconv.FormatUint(snap.Deltas[kind], 10)
		if err := db.SetVariable(ctx, fmt.Sprintf("cl_diff_%s_%s", stream, kind.String()), &diffVal); err != nil {
			return fmt.Errorf("watermark: persist diff %s: %w", kind, err)
		}
	}

	intervalVal := strconv.FormatFloat(snap.Interval.Seconds(), 'f', 6, 64)
	if err := db.SetVariable(ctx, fmt.Sprintf("cl_diff_interval_%s", stream), &intervalVal); err != nil {
		return fmt.Errorf("watermark: persist diff interval: %w", err)
	}

	logger.WithField("stream", stream).Debug("watermark checkpoint persisted")
	return nil
}

// MigrateDeprecated reads the old, unscoped variable names this stream
// may have left behind (from a version predating per-stream stats) and
// rewrites them under the new per-stream names, deleting the old ones.
// Safe to call unconditionally at startup; a no-op once migrated.
func MigrateDeprecated(ctx context.Context, db database.Database, stream string) error {
	renames := []struct{ oldName, newName string }{
		{"cl_last_read_rec_id_old", varName(KindLastRead, stream)},
		{"cl_diff_interval_old", fmt.Sprintf("cl_diff_interval_%s", stream)},
	}
	for k := record.KindMark; k <= record.KindLayout; k++ {
		renames = append(renames,
			struct{ oldName, newName string }{
				fmt.Sprintf("cl_count_old_%s", k.String()),
				fmt.Sprintf("cl_count_%s_%s", stream, k.String()),
			},
			struct{ oldName, newName string }{
				fmt.Sprintf("cl_diff_old_%s", k.String()),
				fmt.Sprintf("cl_diff_%s_%s", stream, k.String()),
			},
		)
	}
	for _, r := range renames {
		v, ok, err := db.GetVariable(ctx, r.oldName)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := db.SetVariable(ctx, r.newName, &v); err != nil {
			return err
		}
		if err := db.SetVariable(ctx, r.oldName, nil); err != nil {
			return err
		}
	}
	return nil
}
