// Package rewriter implements the rename/extension record synthesis
// and server-capability discovery described in spec §4.3: it turns one
// or two raw RENAME/EXT records into the ordered set of records the
// pipeline actually needs, injecting a synthesized unlink when a rename
// overwrites an existing target and a synthesized "rename-from" record
// when the single-record (extended) rename form collapses the source
// side into one record.
//
// Following the tagged-variant shape spec §9 recommends, the single
// pending-rename slot is modeled as a nilable *record.Record (nil =
// Idle) and emission is a declarative Action list rather than direct
// side effects, so callers can iterate without re-entering the
// rewriter.
package rewriter

import (
	"sync/atomic"

	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// ActionKind distinguishes a plain emission from a synthesized one —
// metrics and logging care about the distinction even though both
// result in the record being staged.
type ActionKind int

const (
	ActionEmit ActionKind = iota
	ActionEmitSynthesized
)

// Action is one emission the caller must stage, in order.
type Action struct {
	Kind   ActionKind
	Record *record.Record
}

// Result is the outcome of processing one raw record.
type Result struct {
	Actions           []Action
	ProtocolViolation bool // a pending rename was discarded without pairing, or an EXT with no pending rename was dropped (spec §7)
}

// Rewriter holds one stream's pending-rename slot and its discovered
// server capability flags. Not safe for concurrent use — owned
// exclusively by its stream's reader task, same as the coalescing
// queue.
type Rewriter struct {
	stream string

	pending *record.Record // nil == Idle; non-nil == RenameAwaitingExt

	// Capability flags are "sticky" atomics: once flipped to true by
	// observing a single-record extended rename, they never revert
	// (spec §9 "keep them per-stream atomic booleans — once true, they
	// stay true").
	renameLastKnown atomic.Bool
	lastExistsKnown atomic.Bool
}

// New creates a Rewriter for stream, seeded with the configured
// capability hints (spec §6 "server capability hints").
func New(stream string, renameLastHint, lastExistsHint bool) *Rewriter {
	r := &Rewriter{stream: stream}
	if renameLastHint {
		r.renameLastKnown.Store(true)
	}
	if lastExistsHint {
		r.lastExistsKnown.Store(true)
	}
	return r
}

// CapabilitiesKnown reports the current discovered (or hinted)
// capability state, for diagnostics.
func (r *Rewriter) CapabilitiesKnown() (renameLast, lastExists bool) {
	return r.renameLastKnown.Load(), r.lastExistsKnown.Load()
}

// Process classifies rec and returns the ordered emission actions.
// RENAME and EXT records are intercepted for synthesis; every other
// kind passes through as a single Emit action.
func (r *Rewriter) Process(rec *record.Record) Result {
	switch rec.Kind {
	case record.KindRename:
		if rec.Flags.Has(record.FlagRename) {
			return r.processSingleRecordRename(rec)
		}
		return r.processRenameStart(rec)
	case record.KindExt:
		return r.processExt(rec)
	default:
		return Result{Actions: []Action{{Kind: ActionEmit, Record: rec}}}
	}
}

// processSingleRecordRename handles the newer-server form where one
// RENAME record carries both the destination (primary fields) and the
// source (extension payload) — spec §4.3 "Single-record rename".
func (r *Rewriter) processSingleRecordRename(rec *record.Record) Result {
	violation := false
	if r.pending != nil {
		violation = true
		r.pending = nil
	}

	// Observing a single-record rename means the source advertises the
	// extended form; both capability flags flip permanently (spec §4.3
	// "Server capability discovery").
	r.renameLastKnown.Store(true)
	r.lastExistsKnown.Store(true)

	var actions []Action
	synthID := rec.RecordID - 1

	if rec.TargetObjectID != 0 {
		unlink := &record.Record{
			RecordID:       synthID,
			Timestamp:      rec.Timestamp,
			Kind:           record.KindUnlink,
			TargetObjectID: rec.TargetObjectID,
			ParentObjectID: rec.ParentObjectID,
			Name:           rec.Name,
			Flags:          r.translateRenameFlags(rec.Flags),
		}
		actions = append(actions, Action{Kind: ActionEmitSynthesized, Record: unlink})
	}

	var renameFrom *record.Record
	if rec.Ext != nil {
		renameFrom = &record.Record{
			RecordID:       synthID,
			Timestamp:      rec.Timestamp,
			Kind:           record.KindRename,
			TargetObjectID: rec.Ext.SourceObjectID,
			ParentObjectID: rec.Ext.SourceParentID,
			Name:           rec.Ext.SourceName,
		}
	} else {
		renameFrom = &record.Record{RecordID: synthID, Timestamp: rec.Timestamp, Kind: record.KindRename}
	}
	actions = append(actions, Action{Kind: ActionEmitSynthesized, Record: renameFrom})

	rewritten := rec.Clone()
	rewritten.Kind = record.KindExt
	if rec.Ext != nil {
		rewritten.TargetObjectID = rec.Ext.SourceObjectID
	}
	actions = append(actions, Action{Kind: ActionEmit, Record: rewritten})

	return Result{Actions: actions, ProtocolViolation: violation}
}

// processRenameStart handles the first half of the older two-record
// form: stash the RENAME and wait for its paired EXT.
func (r *Rewriter) processRenameStart(rec *record.Record) Result {
	violation := r.pending != nil
	r.pending = rec.Clone()
	return Result{ProtocolViolation: violation}
}

// processExt handles the second half of the two-record form.
func (r *Rewriter) processExt(extRec *record.Record) Result {
	if r.pending == nil {
		return Result{ProtocolViolation: true}
	}

	pending := r.pending
	r.pending = nil

	var actions []Action
	if extRec.TargetObjectID != 0 {
		unlink := &record.Record{
			RecordID:       extRec.RecordID - 1,
			Timestamp:      extRec.Timestamp,
			Kind:           record.KindUnlink,
			TargetObjectID: extRec.TargetObjectID,
			ParentObjectID: extRec.ParentObjectID,
			Name:           extRec.Name,
			Flags:          r.translateRenameFlags(pending.Flags),
		}
		actions = append(actions, Action{Kind: ActionEmitSynthesized, Record: unlink})
	}

	rewrittenExt := extRec.Clone()
	rewrittenExt.TargetObjectID = pending.TargetObjectID

	actions = append(actions, Action{Kind: ActionEmit, Record: pending})
	actions = append(actions, Action{Kind: ActionEmit, Record: rewrittenExt})

	return Result{Actions: actions}
}

// translateRenameFlags implements the rename->unlink flag translation
// table from spec §4.3: when the server capability is known, the rename
// flag is translated directly; when it isn't, the decision is deferred
// to the pipeline via a "check" hint flag.
func (r *Rewriter) translateRenameFlags(renameFlags record.Flags) record.Flags {
	var out record.Flags

	if r.renameLastKnown.Load() {
		if renameFlags.Has(record.FlagLastUnlink) {
			out |= record.FlagLastUnlink
		}
	} else {
		out |= record.FlagCheckIfLast
	}

	if r.lastExistsKnown.Load() {
		if renameFlags.Has(record.FlagHSMExists) {
			out |= record.FlagHSMExists
		}
	} else {
		out |= record.FlagLookupObjectID
	}

	return out
}
