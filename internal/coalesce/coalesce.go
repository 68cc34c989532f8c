// Package coalesce implements the per-stream, per-object de-duplication
// and reordering queue described in spec §4.2: a FIFO of staged
// operations fronted by a hash index keyed by object id, so that a
// redundant record touching an object already staged can be dropped (or
// merged into the covering operation) instead of reaching the pipeline.
//
// The hash-index-over-a-FIFO shape is modeled on the teacher codebase's
// LRU cache pattern (map + doubly linked list) in its pkg/deduplication, with
// xxhash as the bucket key hash exactly as that package uses it for its
// cache keys. Unlike that cache, entries here are never evicted by
// recency — only by suppression or by pipeline drainage — so there is
// no separate LRU list, just the arrival-order FIFO plus the object-id
// index into it.
package coalesce

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// CompletionFunc is invoked by the pipeline exactly once per pushed
// StagedOp, after the record's effects are durably committed.
type CompletionFunc func(op *StagedOp)

// StagedOp is one operation staged in a stream's coalescing queue. It
// owns its Record until it is pushed to the pipeline.
type StagedOp struct {
	Record      *record.Record
	Stream      string
	ObjectID    uint64
	ParentID    uint64
	Arrived     time.Time
	AcksThrough uint64 // suppressed records folded into this op are acknowledged once this op commits
	Completion  CompletionFunc

	// intrusive FIFO links; queue package state only, never touched
	// by callers outside this package.
	prev, next *StagedOp
	bucketNext *StagedOp // intrusive link within its object-id bucket
}

// coveragePolicy describes, for an incoming record kind, whether it is always
// dropped, never dropped, or dropped only when a prior staged op on the
// same object has a kind in its coverage mask — the static table from
// spec §4.2.
type coveragePolicy int

const (
	policyNeverDrop coveragePolicy = iota
	policyAlwaysDrop
	policyDropIfCovered
)

var alwaysDropKinds = map[record.Kind]bool{
	record.KindMark:  true,
	record.KindIoctl: true,
}

// coverageMask maps an incoming record kind (subject to drop-if-covered
// policy) to the set of staged kinds that suppress it.
var coverageMask = map[record.Kind]map[record.Kind]bool{
	record.KindTrunc: {
		record.KindTrunc:  true,
		record.KindClose:  true,
		record.KindMtime:  true,
		record.KindCreate: true,
	},
	record.KindClose: {
		record.KindTrunc:  true,
		record.KindClose:  true,
		record.KindMtime:  true,
		record.KindCreate: true,
	},
	record.KindMtime: {
		record.KindTrunc:  true,
		record.KindClose:  true,
		record.KindMtime:  true,
		record.KindCreate: true,
		record.KindMknod:  true,
		record.KindMkdir:  true,
	},
	record.KindCtime: {
		record.KindCtime:   true,
		record.KindSetattr: true,
		record.KindCreate:  true,
		record.KindMknod:   true,
		record.KindMkdir:   true,
	},
	record.KindSetattr: {
		record.KindCtime:   true,
		record.KindSetattr: true,
		record.KindCreate:  true,
		record.KindMknod:   true,
		record.KindMkdir:   true,
	},
}

func policyFor(k record.Kind) coveragePolicy {
	if alwaysDropKinds[k] {
		return policyAlwaysDrop
	}
	if _, ok := coverageMask[k]; ok {
		return policyDropIfCovered
	}
	return policyNeverDrop
}

// Outcome reports what the queue did with an incoming record.
type Outcome struct {
	Staged   *StagedOp // non-nil if the record was staged
	Dropped  bool
	Reason   string    // "always_drop", "covered_by_<kind>", ""
	MergedTo *StagedOp // the covering op whose AcksThrough was extended, if any
}

// bucketKey hashes an object id into an index bucket key with xxhash.
// A plain map keyed by the uint64 object id would do as well; this
// mirrors the hashing idiom the teacher codebase uses for cache keys.
// Ids whose hashes collide share a bucket, and findCoveringOp tells
// them apart by ObjectID.
func bucketKey(objectID uint64) uint64 {
	h := xxhash.New()
	h.Write([]byte(strconv.FormatUint(objectID, 10)))
	return h.Sum64()
}

// Queue is one stream's coalescing queue: a FIFO of staged operations
// plus a hash index from object id to the staged operations touching
// it. It is owned exclusively by its reader task — spec §5 requires no
// locking here, and this type provides none; callers must not share a
// Queue across goroutines.
type Queue struct {
	stream string

	head, tail *StagedOp // FIFO sentinels are unused; head/tail are the real first/last when non-nil
	size       int

	index map[uint64]*StagedOp // bucketKey -> head of that object's intrusive bucket list
}

func NewQueue(stream string) *Queue {
	return &Queue{
		stream: stream,
		index:  make(map[uint64]*StagedOp),
	}
}

func (q *Queue) Len() int { return q.size }

func (q *Queue) OldestArrival() (time.Time, bool) {
	if q.head == nil {
		return time.Time{}, false
	}
	return q.head.Arrived, true
}

// Classify applies the static coverage table to rec and either stages
// it, drops it outright, or folds its id into a covering op's
// AcksThrough. completion is bound only if the op is staged.
func (q *Queue) Classify(rec *record.Record, stream string, parentID uint64, now time.Time, completion CompletionFunc) Outcome {
	switch policyFor(rec.Kind) {
	case policyAlwaysDrop:
		return Outcome{Dropped: true, Reason: "always_drop"}

	case policyDropIfCovered:
		if covering := q.findCoveringOp(rec.TargetObjectID, rec.Kind); covering != nil {
			if rec.RecordID == covering.AcksThrough+1 {
				covering.AcksThrough = rec.RecordID
			}
			return Outcome{Dropped: true, Reason: "covered_by_" + covering.Record.Kind.String(), MergedTo: covering}
		}
		fallthrough

	default: // policyNeverDrop, or drop-if-covered with nothing covering it
		op := &StagedOp{
			Record:      rec,
			Stream:      stream,
			ObjectID:    rec.TargetObjectID,
			ParentID:    parentID,
			Arrived:     now,
			AcksThrough: rec.RecordID,
			Completion:  completion,
		}
		q.stage(op)
		return Outcome{Staged: op}
	}
}

// findCoveringOp returns a previously staged op on objectID whose kind
// is in kind's coverage mask, or nil.
func (q *Queue) findCoveringOp(objectID uint64, kind record.Kind) *StagedOp {
	mask := coverageMask[kind]
	key := bucketKey(objectID)
	for op := q.index[key]; op != nil; op = op.bucketNext {
		if op.ObjectID != objectID {
			continue
		}
		if mask[op.Record.Kind] {
			return op
		}
	}
	return nil
}

// stage appends op to the FIFO tail and links it into its object-id
// bucket.
func (q *Queue) stage(op *StagedOp) {
	if q.tail == nil {
		q.head, q.tail = op, op
	} else {
		q.tail.next = op
		op.prev = q.tail
		q.tail = op
	}
	q.size++

	key := bucketKey(op.ObjectID)
	op.bucketNext = q.index[key]
	q.index[key] = op
}

// PopFront removes and returns the oldest staged op, or nil if empty.
func (q *Queue) PopFront() *StagedOp {
	op := q.head
	if op == nil {
		return nil
	}
	q.head = op.next
	if q.head == nil {
		q.tail = nil
	} else {
		q.head.prev = nil
	}
	op.next = nil
	q.size--

	q.unlinkFromBucket(op)
	return op
}

func (q *Queue) unlinkFromBucket(op *StagedOp) {
	key := bucketKey(op.ObjectID)
	var prev *StagedOp
	for cur := q.index[key]; cur != nil; cur = cur.bucketNext {
		if cur == op {
			if prev == nil {
				if cur.bucketNext == nil {
					delete(q.index, key)
				} else {
					q.index[key] = cur.bucketNext
				}
			} else {
				prev.bucketNext = cur.bucketNext
			}
			return
		}
		prev = cur
	}
}

// Drain pops staged ops from the head, oldest-first, invoking push for
// each, until size is below maxSize and the new head is younger than
// maxAge (or the queue is empty). If force is true, every entry is
// drained regardless of thresholds — used for the final flush on stop
// (spec §4.1 step 4, §4.2 "strictly arrival-order").
func (q *Queue) Drain(now time.Time, maxSize int, maxAge time.Duration, force bool, push func(*StagedOp)) int {
	drained := 0
	for q.size > 0 {
		if !force {
			oldest, _ := q.OldestArrival()
			belowMax := q.size < maxSize
			youngEnough := now.Sub(oldest) <= maxAge
			if belowMax && youngEnough {
				break
			}
		}
		op := q.PopFront()
		push(op)
		drained++
	}
	return drained
}
