// Package record defines the wire shape of a single metadata change-log
// record and the small set of flags and extension fields the rewriter
// and coalescer need to reason about it.
package record

import "time"

// Kind enumerates the change record kinds the upstream metadata server
// can emit. The set is closed: any id outside this range is a protocol
// violation (see errors.CodeOutOfRangeKind).
type Kind int

const (
	KindUnknown Kind = iota
	KindMark
	KindIoctl
	KindCreate
	KindMkdir
	KindMknod
	KindUnlink
	KindRename
	KindExt
	KindTrunc
	KindClose
	KindMtime
	KindCtime
	KindSetattr
	KindHSM
	KindLayout
	kindSentinel // marks the end of the valid range
)

func (k Kind) Valid() bool {
	return k > KindUnknown && k < kindSentinel
}

func (k Kind) String() string {
	switch k {
	case KindMark:
		return "MARK"
	case KindIoctl:
		return "IOCTL"
	case KindCreate:
		return "CREATE"
	case KindMkdir:
		return "MKDIR"
	case KindMknod:
		return "MKNOD"
	case KindUnlink:
		return "UNLINK"
	case KindRename:
		return "RENAME"
	case KindExt:
		return "EXT"
	case KindTrunc:
		return "TRUNC"
	case KindClose:
		return "CLOSE"
	case KindMtime:
		return "MTIME"
	case KindCtime:
		return "CTIME"
	case KindSetattr:
		return "SETATTR"
	case KindHSM:
		return "HSM"
	case KindLayout:
		return "LAYOUT"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitset carried on a record. Only a handful of bits are
// meaningful to this core; the rest pass through untouched.
type Flags uint32

const (
	FlagLastUnlink      Flags = 1 << iota // this unlink removed the last link (or a rename clobbered the last link)
	FlagJobID                             // a job-id extension is present
	FlagRename                             // the rename carries extended (single-record) rename payload
	FlagHSMExists                         // the overwritten target had HSM-archived copies
	FlagCheckIfLast                       // defer-to-pipeline: pipeline must check whether this was the last link
	FlagLookupObjectID                    // defer-to-pipeline: pipeline must resolve the object id from the DB
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Extension carries the optional rename/unlink payload fields a record
// may hold in addition to its primary target/parent/name.
type Extension struct {
	SourceParentID uint64
	SourceName     string
	SourceObjectID uint64
	JobID          string
}

// Record is one change-log entry. RecordID is monotonically increasing
// within a Stream; ordering and suppression logic operate entirely on
// RecordID.
type Record struct {
	RecordID       uint64
	Timestamp      time.Time
	Kind           Kind
	TargetObjectID uint64
	ParentObjectID uint64
	Name           string
	Flags          Flags
	Ext            *Extension
}

// Clone returns a deep-enough copy for safe mutation by the rewriter
// (which rewrites Kind/TargetObjectID on the original record while also
// needing to keep synthesized siblings independent).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Ext != nil {
		ext := *r.Ext
		c.Ext = &ext
	}
	return &c
}

// Watermark is a (record id, record time, step time) triple marking a
// stream's position in some processing phase (read/pushed/committed/
// committed-persisted/cleared — see spec §3).
type Watermark struct {
	RecordID uint64
	RecordTS time.Time
	StepTS   time.Time
}

// Before reports whether w precedes other strictly by record id. Equal
// ids are never "before" each other regardless of timestamps — record
// id is the sole ordering key within a stream.
func (w Watermark) Before(other Watermark) bool {
	return w.RecordID < other.RecordID
}
