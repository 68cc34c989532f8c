// Package stream implements the per-metadata-server reader task (spec
// §4.1), the watermark bookkeeping and acknowledgment callback (spec
// §4.4), and the gluing together of the coalescing queue, the rename
// rewriter, and the pipeline for one stream. This is the piece the
// coordinator spawns one of per configured server.
//
// Grounded on the teacher's per-container tail loop (internal/monitors
// plus internal/dispatcher's ack-after-commit flow): one long-lived
// goroutine owning private state (here, the coalescing queue and both
// "read-side" watermarks), talking to the rest of the system only
// through channels and a narrow, mutex-guarded set of "commit-side"
// watermark fields the completion callback mutates from a different
// goroutine.
package stream

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/internal/coalesce"
	"github.com/cea-hpc/rbh-changelog/internal/database"
	apperrors "github.com/cea-hpc/rbh-changelog/internal/errors"
	"github.com/cea-hpc/rbh-changelog/internal/metrics"
	"github.com/cea-hpc/rbh-changelog/internal/pipeline"
	"github.com/cea-hpc/rbh-changelog/internal/rewriter"
	"github.com/cea-hpc/rbh-changelog/internal/tracing"
	"github.com/cea-hpc/rbh-changelog/internal/watermark"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

const transientRetryDelay = 250 * time.Millisecond

// Params configures one Stream. The app builds this from a
// config.StreamConfig plus the process-wide threshold settings.
type Params struct {
	Name     string
	ReaderID string

	Source   changelog.Source
	Pipeline pipeline.Pipeline
	DB       database.Database
	Logger   *logrus.Logger
	Tracer   *tracing.Manager

	RenameLastHint bool
	LastExistsHint bool

	QueueMaxSize       int
	QueueMaxAge        time.Duration
	QueueCheckInterval time.Duration

	BatchAckCount int

	CommitUpdateMaxDelta uint64
	CommitUpdateMaxDelay time.Duration

	ForcePolling    bool
	PollingInterval time.Duration
}

// Stats is a point-in-time snapshot of a stream's watermarks and
// counters, for the coordinator's dump-stats/status-api surfaces.
type Stats struct {
	Name                   string
	LastRead               record.Watermark
	LastPushed             record.Watermark
	LastCommitted          record.Watermark
	LastCommittedPersisted record.Watermark
	LastCleared            record.Watermark
	ReopenCount            uint64
	QueueDepth             int
}

// Stream is one metadata server's reader task plus its watermark state.
type Stream struct {
	name     string
	readerID string

	source   changelog.Source
	pl       pipeline.Pipeline
	db       database.Database
	logger   *logrus.Logger
	tracer   *tracing.Manager

	queue    *coalesce.Queue
	rewriter *rewriter.Rewriter
	counters *watermark.Counters

	queueMaxSize       int
	queueMaxAge        time.Duration
	queueCheckInterval time.Duration

	batchAckCount int

	commitUpdateMaxDelta uint64
	commitUpdateMaxDelay time.Duration

	forcePolling    bool
	pollingInterval time.Duration
	followMode      bool

	// read-side watermarks: written only by run(), read (under mu) by
	// the commit callback's acknowledgment decision.
	mu         sync.Mutex
	lastRead   record.Watermark
	lastPushed record.Watermark

	// commit-side watermarks: written only by onCommit(), read (under
	// mu) by run()'s stats snapshot.
	lastCommitted          record.Watermark
	lastCommittedPersisted record.Watermark
	lastCleared            record.Watermark

	reopenCount atomic.Uint64
	forceStop   atomic.Bool

	done chan struct{}
}

// New constructs a Stream. Call Start to recover watermarks, open the
// source, and spawn the reader goroutine.
func New(p Params) *Stream {
	return &Stream{
		name:     p.Name,
		readerID: p.ReaderID,

		source: p.Source,
		pl:     p.Pipeline,
		db:     p.DB,
		logger: p.Logger,
		tracer: p.Tracer,

		queue:    coalesce.NewQueue(p.Name),
		rewriter: rewriter.New(p.Name, p.RenameLastHint, p.LastExistsHint),
		counters: watermark.NewCounters(),

		queueMaxSize:       p.QueueMaxSize,
		queueMaxAge:        p.QueueMaxAge,
		queueCheckInterval: p.QueueCheckInterval,

		batchAckCount: p.BatchAckCount,

		commitUpdateMaxDelta: p.CommitUpdateMaxDelta,
		commitUpdateMaxDelay: p.CommitUpdateMaxDelay,

		forcePolling:    p.ForcePolling,
		pollingInterval: p.PollingInterval,

		done: make(chan struct{}),
	}
}

// Start recovers last_committed_persisted (spec §4.4 "Initialization"),
// seeds every watermark to it, opens the source at its id+1, and spawns
// the reader goroutine.
func (s *Stream) Start(ctx context.Context) error {
	if err := watermark.MigrateDeprecated(ctx, s.db, s.name); err != nil {
		return apperrors.New(apperrors.SeverityCritical, apperrors.CodeDatabaseFailure, "stream", "migrate", "migrate deprecated watermark variables").WithStream(s.name).Wrap(err)
	}

	persisted, ok, err := watermark.LoadLastCommittedPersisted(ctx, s.db, s.name)
	if err != nil {
		return apperrors.New(apperrors.SeverityCritical, apperrors.CodeDatabaseFailure, "stream", "load_watermark", "load last_committed_persisted").WithStream(s.name).Wrap(err)
	}
	if !ok {
		persisted = record.Watermark{}
	}

	s.mu.Lock()
	s.lastRead = persisted
	s.lastPushed = persisted
	s.lastCommitted = persisted
	s.lastCommittedPersisted = persisted
	s.lastCleared = persisted
	s.mu.Unlock()

	s.followMode = !s.forcePolling

	if err := s.source.Open(ctx, persisted.RecordID+1, s.followMode); err != nil {
		return apperrors.New(apperrors.SeverityCritical, apperrors.CodeSourceTransient, "stream", "open", "open upstream source").WithStream(s.name).Wrap(err)
	}

	go s.run(ctx)
	return nil
}

// Terminate requests the reader stop at its next opportunity; it does
// not block. Call Join to wait for the queue to flush and the
// goroutine to exit.
func (s *Stream) Terminate() {
	s.forceStop.Store(true)
}

// Join blocks until the reader goroutine has exited.
func (s *Stream) Join(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current watermarks and counters for status
// reporting.
func (s *Stream) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:                   s.name,
		LastRead:               s.lastRead,
		LastPushed:             s.lastPushed,
		LastCommitted:          s.lastCommitted,
		LastCommittedPersisted: s.lastCommittedPersisted,
		LastCleared:            s.lastCleared,
		ReopenCount:            s.reopenCount.Load(),
		QueueDepth:             s.queue.Len(),
	}
}

// Checkpoint persists last_read, last_pushed, last_cleared and the
// counter snapshot (spec §4.5).
func (s *Stream) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	lastRead, lastPushed, lastCleared := s.lastRead, s.lastPushed, s.lastCleared
	s.mu.Unlock()

	timer := metrics.CheckpointDuration.WithLabelValues(s.name)
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	return watermark.Checkpoint(ctx, s.db, s.logger, s.name, lastRead, lastPushed, lastCleared, s.counters, time.Now())
}

// run is the per-stream reader task loop (spec §4.1).
func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	nextDrain := time.Now().Add(s.queueCheckInterval)

	for {
		if s.forceStop.Load() {
			s.flush()
			return
		}

		if s.queue.Len() >= s.queueMaxSize || time.Now().After(nextDrain) {
			s.drain(ctx, false)
			nextDrain = time.Now().Add(s.queueCheckInterval)
		}

		pullCtx, endSpan := s.span(ctx, "stream.pull")
		rec, err := s.source.ReceiveNext(pullCtx)
		endSpan(err)
		switch {
		case err == nil:
			s.handleRecord(rec)

		case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
			s.flush()
			return

		case stderrors.Is(err, changelog.ErrEndOfStream), stderrors.Is(err, changelog.ErrReopenable):
			if !s.followMode {
				s.flush()
				return
			}
			if !s.reopen(ctx) {
				s.flush()
				return
			}

		default:
			s.logger.WithFields(logrus.Fields{"stream": s.name, "error": err}).Warn("transient source error, retrying")
			if !sleepCtx(ctx, transientRetryDelay) {
				s.flush()
				return
			}
		}
	}
}

// flush performs the final, unconditional queue drain on the way out of
// run(). It deliberately uses a fresh background context rather than
// run's ctx: ctx may already be canceled — cancellation is exactly what
// unblocks a reader parked in ReceiveNext with nothing new to read — and
// racing that same cancellation against the flush's pipeline pushes
// would drop staged records instead of pushing every one of them (spec
// §4.1 step 4, §5 "a stopped reader flushes its queue before exit").
func (s *Stream) flush() {
	s.drain(context.Background(), true)
}

// handleRecord advances last_read, runs the rename/ext rewriter, and
// stages every resulting action.
func (s *Stream) handleRecord(rec *record.Record) {
	s.mu.Lock()
	s.lastRead = record.Watermark{RecordID: rec.RecordID, RecordTS: rec.Timestamp, StepTS: time.Now()}
	s.mu.Unlock()

	metrics.RecordsRead.WithLabelValues(s.name, rec.Kind.String()).Inc()
	metrics.WatermarkRecordID.WithLabelValues(s.name, "last_read").Set(float64(rec.RecordID))

	if !rec.Kind.Valid() {
		appErr := apperrors.New(apperrors.SeverityCritical, apperrors.CodeOutOfRangeKind, "stream", "classify", "out-of-range record kind").WithStream(s.name)
		s.logger.WithFields(appErr.Fields()).Error(appErr.Error())
		metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityCritical)).Inc()
		return
	}

	result := s.rewriter.Process(rec)
	if result.ProtocolViolation {
		appErr := apperrors.New(apperrors.SeverityCritical, apperrors.CodeProtocolViolation, "stream", "rewrite", "rename/ext pairing protocol violation").WithStream(s.name)
		s.logger.WithFields(appErr.Fields()).Error(appErr.Error())
		metrics.ProtocolViolations.WithLabelValues(s.name).Inc()
		metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityCritical)).Inc()
	}

	for _, action := range result.Actions {
		s.stage(action.Record, action.Kind == rewriter.ActionEmitSynthesized)
	}
}

// stage classifies a record through the coalescing queue.
func (s *Stream) stage(rec *record.Record, synthesized bool) {
	outcome := s.queue.Classify(rec, s.name, rec.ParentObjectID, time.Now(), nil)
	if outcome.Dropped {
		metrics.RecordsSuppressed.WithLabelValues(s.name, outcome.Reason).Inc()
		return
	}
	if synthesized {
		metrics.RecordsSynthesized.WithLabelValues(s.name, rec.Kind.String()).Inc()
	}
}

// drain pushes staged ops to the pipeline, oldest first, subject to the
// size/age thresholds (or unconditionally when force is true).
func (s *Stream) drain(ctx context.Context, force bool) {
	s.queue.Drain(time.Now(), s.queueMaxSize, s.queueMaxAge, force, func(op *coalesce.StagedOp) {
		s.pushOp(ctx, op)
	})
	metrics.QueueDepth.WithLabelValues(s.name).Set(float64(s.queue.Len()))
}

// pushOp hands one staged op to the pipeline and advances last_pushed.
// last_pushed advances to AcksThrough, not just the pushed record's own
// id, since acknowledgment of this op later releases every suppressed
// id folded into it (spec §5 safety invariant).
func (s *Stream) pushOp(ctx context.Context, op *coalesce.StagedOp) {
	item := s.pl.Allocate()
	item.Record = op.Record
	item.Stream = s.name
	item.FromChangeRecord = true
	item.CheckIfLast = op.Record.Flags.Has(record.FlagCheckIfLast)
	item.GetFidFromDB = op.Record.Flags.Has(record.FlagLookupObjectID)
	item.Completion = func(db database.Database, _ *pipeline.WorkItem) {
		s.onCommit(db, op)
	}

	s.pl.SetEntryID(item, op.Record.RecordID)

	pushCtx, endSpan := s.span(ctx, "stream.pipeline_push")
	err := s.pl.Push(pushCtx, item)
	endSpan(err)
	if err != nil {
		appErr := apperrors.New(apperrors.SeverityCritical, apperrors.CodePipelinePushFailed, "stream", "push", "pipeline push failed").WithStream(s.name).Wrap(err)
		s.logger.WithFields(appErr.Fields()).Error(appErr.Error())
		metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityCritical)).Inc()
		return
	}

	wm := record.Watermark{RecordID: op.AcksThrough, RecordTS: op.Record.Timestamp, StepTS: time.Now()}
	s.mu.Lock()
	s.lastPushed = wm
	s.mu.Unlock()

	metrics.RecordsPushed.WithLabelValues(s.name).Inc()
	metrics.WatermarkRecordID.WithLabelValues(s.name, "last_pushed").Set(float64(wm.RecordID))
}

// onCommit is the pipeline completion callback (spec §4.4). It runs on
// a pipeline worker goroutine, never on the reader goroutine.
func (s *Stream) onCommit(db database.Database, op *coalesce.StagedOp) {
	now := time.Now()
	commitWM := record.Watermark{RecordID: op.AcksThrough, RecordTS: op.Record.Timestamp, StepTS: now}

	s.mu.Lock()
	defer s.mu.Unlock()

	if commitWM.RecordID < s.lastCommitted.RecordID {
		s.logger.WithFields(logrus.Fields{"stream": s.name, "commit_id": commitWM.RecordID, "last_committed": s.lastCommitted.RecordID}).Fatal("watermark regression on commit")
		return
	}
	s.lastCommitted = commitWM
	s.counters.Increment(op.Record.Kind)
	metrics.WatermarkRecordID.WithLabelValues(s.name, "last_committed").Set(float64(commitWM.RecordID))

	persistDue := (commitWM.RecordID - s.lastCommittedPersisted.RecordID) >= s.commitUpdateMaxDelta ||
		now.Sub(s.lastCommittedPersisted.StepTS) >= s.commitUpdateMaxDelay

	ack := s.batchAckCount == 1 ||
		commitWM.RecordID == s.lastPushed.RecordID ||
		(commitWM.RecordID-s.lastCleared.RecordID) >= uint64(s.batchAckCount)

	if ack {
		clearCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.source.Clear(clearCtx, commitWM.RecordID, s.readerID)
		cancel()

		if err != nil {
			appErr := apperrors.New(apperrors.SeverityRetry, apperrors.CodeUpstreamClearFailed, "stream", "clear", "upstream clear failed").WithStream(s.name).Wrap(err)
			s.logger.WithFields(appErr.Fields()).Warn(appErr.Error())
			metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityRetry)).Inc()
		} else {
			s.lastCleared = commitWM
			metrics.AcknowledgedTotal.WithLabelValues(s.name).Inc()
			metrics.WatermarkRecordID.WithLabelValues(s.name, "last_cleared").Set(float64(commitWM.RecordID))
			persistDue = true // unconditional persist after a successful ack (spec §4.4 step 4)
		}
	}

	if persistDue {
		if err := watermark.Save(context.Background(), db, watermark.KindLastCommittedPersisted, s.name, commitWM); err != nil {
			appErr := apperrors.New(apperrors.SeverityRetry, apperrors.CodeDatabaseFailure, "stream", "persist_commit", "persist last_committed_persisted failed").WithStream(s.name).Wrap(err)
			s.logger.WithFields(appErr.Fields()).Warn(appErr.Error())
			metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityRetry)).Inc()
			return
		}
		s.lastCommittedPersisted = commitWM
		metrics.WatermarkRecordID.WithLabelValues(s.name, "last_committed_persisted").Set(float64(commitWM.RecordID))
	}
}

// reopen closes the source, sleeps, and reopens it at last_read+1. run
// calls it only in follow mode (a non-follow stream stops at end of
// stream instead), so the sleep is always one second and
// pollingInterval is never used. Returns false if ctx was canceled
// during a sleep.
func (s *Stream) reopen(ctx context.Context) bool {
	_ = s.source.Close()

	sleepDur := s.pollingInterval
	if s.followMode {
		sleepDur = 1 * time.Second
	}
	if !sleepCtx(ctx, sleepDur) {
		return false
	}

	s.mu.Lock()
	startID := s.lastRead.RecordID + 1
	s.mu.Unlock()

	if err := s.source.Open(ctx, startID, s.followMode); err != nil {
		appErr := apperrors.New(apperrors.SeverityRetry, apperrors.CodeSourceTransient, "stream", "reopen", "reopen upstream source failed").WithStream(s.name).Wrap(err)
		s.logger.WithFields(appErr.Fields()).Warn(appErr.Error())
		metrics.ErrorsTotal.WithLabelValues("stream", string(apperrors.SeverityRetry)).Inc()
		return sleepCtx(ctx, transientRetryDelay)
	}

	s.reopenCount.Add(1)
	metrics.ReopenTotal.WithLabelValues(s.name).Inc()
	return true
}

// span starts a trace span for one suspension point if tracing is
// configured; otherwise it is a no-op that still returns a valid end
// function.
func (s *Stream) span(ctx context.Context, operation string) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}
	return s.tracer.Span(ctx, operation, attribute.String("stream", s.name))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
