package stream

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/internal/pipeline"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// TestMain verifies that every reader goroutine spawned by Start()
// actually exits once a test calls Terminate()/Join() on it — the
// goroutine-per-stream design this package implements (spec §4.1,
// §4.6) is exactly the shape a leaked reader task would show up in.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testDB(t *testing.T) database.Database {
	db := database.NewFileKV(filepath.Join(t.TempDir(), "vars.json"), testLogger())
	require.NoError(t, db.Init(context.Background()))
	return db
}

// fakeSource is an in-memory changelog.Source: it delivers a fixed list
// of records in order, then either reports ErrEndOfStream repeatedly or
// blocks on the caller's context until canceled, depending on the test.
type fakeSource struct {
	mu         sync.Mutex
	records    []*record.Record
	blockOnEOF bool

	openCalls []openCall
	clears    []clearCall
	closes    int
}

type openCall struct {
	startID uint64
	follow  bool
}

type clearCall struct {
	upToID uint64
	token  string
}

func (f *fakeSource) Open(ctx context.Context, startID uint64, follow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls = append(f.openCalls, openCall{startID: startID, follow: follow})
	return nil
}

func (f *fakeSource) ReceiveNext(ctx context.Context) (*record.Record, error) {
	f.mu.Lock()
	if len(f.records) > 0 {
		r := f.records[0]
		f.records = f.records[1:]
		f.mu.Unlock()
		return r, nil
	}
	block := f.blockOnEOF
	f.mu.Unlock()

	if !block {
		return nil, changelog.ErrEndOfStream
	}

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Clear(ctx context.Context, upToID uint64, readerToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, clearCall{upToID: upToID, token: readerToken})
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) snapshotOpenCalls() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.openCalls...)
}

func (f *fakeSource) snapshotClears() []clearCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clearCall(nil), f.clears...)
}

func (f *fakeSource) reopenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeSource) pushRecords(recs ...*record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recs...)
}

// fakePipeline is a single-worker stand-in for the real worker pool: a
// FIFO of pushed items drained by one goroutine, which preserves the
// intra-stream commit ordering the pipeline contract requires (spec §5)
// without the full worker-pool machinery.
type fakePipeline struct {
	db     database.Database
	pushed atomic.Int64
	queue  chan *pipeline.WorkItem
}

func newFakePipeline(t *testing.T, db database.Database) *fakePipeline {
	p := &fakePipeline{db: db, queue: make(chan *pipeline.WorkItem, 10000)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for item := range p.queue {
			item.Completion(p.db, item)
		}
	}()
	t.Cleanup(func() {
		close(p.queue)
		<-done
	})
	return p
}

func (p *fakePipeline) Allocate() *pipeline.WorkItem {
	return &pipeline.WorkItem{StageCursor: "get-info-from-db"}
}

func (p *fakePipeline) SetEntryID(item *pipeline.WorkItem, id uint64) {
	if item.Record != nil {
		item.Record.RecordID = id
	}
}

func (p *fakePipeline) Push(ctx context.Context, item *pipeline.WorkItem) error {
	p.pushed.Add(1)
	p.queue <- item
	return nil
}

func (p *fakePipeline) Terminate(ctx context.Context, flush bool) error { return nil }

// syncPipeline queues pushed items without processing them; the test
// triggers commitAll explicitly, so the push/commit interleaving is
// fully deterministic (needed to pin down the exact batch-ack
// threshold crossing in TestBatchedAcknowledgment rather than racing
// against a background worker goroutine).
type syncPipeline struct {
	db    database.Database
	items []*pipeline.WorkItem
}

func newSyncPipeline(db database.Database) *syncPipeline {
	return &syncPipeline{db: db}
}

func (p *syncPipeline) Allocate() *pipeline.WorkItem {
	return &pipeline.WorkItem{StageCursor: "get-info-from-db"}
}

func (p *syncPipeline) SetEntryID(item *pipeline.WorkItem, id uint64) {
	if item.Record != nil {
		item.Record.RecordID = id
	}
}

func (p *syncPipeline) Push(ctx context.Context, item *pipeline.WorkItem) error {
	p.items = append(p.items, item)
	return nil
}

func (p *syncPipeline) Terminate(ctx context.Context, flush bool) error { return nil }

// commitAll invokes every queued item's completion in push order, then
// clears the queue.
func (p *syncPipeline) commitAll() {
	items := p.items
	p.items = nil
	for _, item := range items {
		item.Completion(p.db, item)
	}
}

func baseParams(t *testing.T, src changelog.Source, pl pipeline.Pipeline, db database.Database) Params {
	return Params{
		Name:     "mds0",
		ReaderID: "reader-mds0",

		Source:   src,
		Pipeline: pl,
		DB:       db,
		Logger:   testLogger(),

		QueueMaxSize:       10000,
		QueueMaxAge:        time.Hour,
		QueueCheckInterval: 10 * time.Second,

		BatchAckCount: 1,

		CommitUpdateMaxDelta: 1,
		CommitUpdateMaxDelay: time.Hour,

		ForcePolling:    false,
		PollingInterval: 50 * time.Millisecond,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func mkRecord(id uint64, kind record.Kind) *record.Record {
	return &record.Record{RecordID: id, Kind: kind, Timestamp: time.Now()}
}

// TestBatchedAcknowledgment exercises spec §8 scenario 4 directly
// against the coalescing/push/commit path, bypassing the reader loop.
func TestBatchedAcknowledgment(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{}
	pl := newSyncPipeline(db)

	p := baseParams(t, src, pl, db)
	p.BatchAckCount = 5
	s := New(p)

	seed := record.Watermark{RecordID: 100}
	s.lastCleared = seed
	s.lastCommitted = seed
	s.lastPushed = seed
	s.lastCommittedPersisted = seed

	ctx := context.Background()
	for id := uint64(101); id <= 105; id++ {
		s.handleRecord(mkRecord(id, record.KindUnlink))
	}
	// push all five before any commits land, so last_pushed reaches
	// 105 before the batch threshold is evaluated for any of them.
	s.drain(ctx, true)
	assert.Equal(t, uint64(105), s.Snapshot().LastPushed.RecordID)
	require.Empty(t, src.snapshotClears())

	pl.commitAll()

	assert.Equal(t, uint64(105), s.Snapshot().LastCleared.RecordID)

	clears := src.snapshotClears()
	require.Len(t, clears, 1)
	assert.Equal(t, uint64(105), clears[0].upToID)
	assert.Equal(t, "reader-mds0", clears[0].token)
}

// TestReopenAfterEOFInFollowMode exercises spec §8 scenario 5: the
// reader closes and reopens at last_read+1 after hitting end-of-stream
// in follow mode, without emitting gaps or duplicates.
func TestReopenAfterEOFInFollowMode(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{}
	pl := newFakePipeline(t, db)

	recs := make([]*record.Record, 0, 200)
	for id := uint64(1); id <= 200; id++ {
		recs = append(recs, mkRecord(id, record.KindUnlink))
	}
	src.pushRecords(recs...)

	p := baseParams(t, src, pl, db)
	p.PollingInterval = 10 * time.Millisecond
	s := New(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))

	eventually(t, 3*time.Second, func() bool {
		return s.reopenCount.Load() >= 1
	})

	eventually(t, time.Second, func() bool {
		return s.Snapshot().LastRead.RecordID == 200
	})

	s.Terminate()
	cancel()
	require.NoError(t, s.Join(context.Background()))

	calls := src.snapshotOpenCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, uint64(1), calls[0].startID)
	assert.True(t, calls[0].follow)
	assert.Equal(t, uint64(201), calls[1].startID)
	assert.True(t, calls[1].follow)
	assert.GreaterOrEqual(t, src.reopenCount(), 1)
}

// TestGracefulStopFlushesQueue exercises spec §8 scenario 6: records
// staged below the drain thresholds are still pushed in full, in
// order, when the reader is asked to stop.
func TestGracefulStopFlushesQueue(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{blockOnEOF: true}
	pl := newFakePipeline(t, db)

	recs := make([]*record.Record, 0, 50)
	for id := uint64(1); id <= 50; id++ {
		recs = append(recs, mkRecord(id, record.KindUnlink))
	}
	src.pushRecords(recs...)

	p := baseParams(t, src, pl, db)
	s := New(p)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))

	eventually(t, time.Second, func() bool {
		return s.Snapshot().QueueDepth == 50
	})

	cancel()
	require.NoError(t, s.Join(context.Background()))

	eventually(t, time.Second, func() bool {
		return s.Snapshot().LastCommittedPersisted.RecordID == 50
	})

	assert.Equal(t, 0, s.Snapshot().QueueDepth)
	clears := src.snapshotClears()
	require.NotEmpty(t, clears)
	assert.Equal(t, uint64(50), clears[len(clears)-1].upToID)
}

func TestStartSeedsWatermarksFromPersisted(t *testing.T) {
	db := testDB(t)
	seeded := record.Watermark{RecordID: 42}
	require.NoError(t, db.SetVariable(context.Background(), "cl_last_committed_persisted_mds0", strPtr("42:0.000000:0.000000")))

	src := &fakeSource{blockOnEOF: true}
	pl := newFakePipeline(t, db)
	p := baseParams(t, src, pl, db)
	s := New(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		s.Terminate()
		cancel()
		_ = s.Join(context.Background())
	}()

	snap := s.Snapshot()
	assert.Equal(t, seeded.RecordID, snap.LastRead.RecordID)
	assert.Equal(t, seeded.RecordID, snap.LastCommittedPersisted.RecordID)

	calls := src.snapshotOpenCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(43), calls[0].startID)
}

func strPtr(s string) *string { return &s }
