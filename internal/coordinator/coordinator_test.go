package coordinator

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/internal/pipeline"
	"github.com/cea-hpc/rbh-changelog/internal/stream"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

// TestMain verifies that StartReaders' per-stream reader goroutines and
// the coordinator's own stats/resource-sampler loops all exit once a
// test runs TerminateReaders/JoinReaders/Done on them.
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

// fakeSource is a minimal changelog.Source that blocks on ReceiveNext
// until its context is canceled, so the reader task stays alive (and
// Join returns) exactly when the coordinator asks it to stop.
type fakeSource struct {
	mu     sync.Mutex
	clears int
}

func (f *fakeSource) Open(ctx context.Context, startID uint64, follow bool) error { return nil }

func (f *fakeSource) ReceiveNext(ctx context.Context) (*record.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Clear(ctx context.Context, upToID uint64, readerToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeSource) Close() error { return nil }

// fakePipeline runs completions inline on the calling goroutine; no
// concurrency to coordinate since these streams push nothing.
type fakePipeline struct{ db database.Database }

func (p *fakePipeline) Allocate() *pipeline.WorkItem {
	return &pipeline.WorkItem{StageCursor: "get-info-from-db"}
}
func (p *fakePipeline) SetEntryID(item *pipeline.WorkItem, id uint64) {
	if item.Record != nil {
		item.Record.RecordID = id
	}
}
func (p *fakePipeline) Push(ctx context.Context, item *pipeline.WorkItem) error {
	item.Completion(p.db, item)
	return nil
}
func (p *fakePipeline) Terminate(ctx context.Context, flush bool) error { return nil }

func newTestStream(t *testing.T, name string) (*stream.Stream, database.Database) {
	db := testDB(t)
	s := stream.New(stream.Params{
		Name:     name,
		ReaderID: "reader-" + name,

		Source:   &fakeSource{},
		Pipeline: &fakePipeline{db: db},
		DB:       db,
		Logger:   testLogger(),

		QueueMaxSize:       1024,
		QueueMaxAge:        time.Hour,
		QueueCheckInterval: time.Hour,

		BatchAckCount:        1,
		CommitUpdateMaxDelta: 1,
		CommitUpdateMaxDelay: time.Hour,

		ForcePolling:    true,
		PollingInterval: time.Hour,
	})
	return s, db
}

func TestCoordinatorStartJoinDone(t *testing.T) {
	c := New(DefaultConfig(), testDB(t), testLogger())

	s1, _ := newTestStream(t, "mds0")
	s2, _ := newTestStream(t, "mds1")
	c.AddStream(s1)
	c.AddStream(s2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.StartReaders(ctx))

	stats := c.DumpStats()
	require.Len(t, stats, 2)

	c.TerminateReaders()
	cancel()
	require.NoError(t, c.JoinReaders(context.Background()))

	require.NoError(t, c.Done(context.Background()))
}

func TestCoordinatorDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.StatsInterval, time.Duration(0))
	assert.Greater(t, cfg.ResourceInterval, time.Duration(0))
}

func TestCoordinatorNewAppliesDefaultsForZeroConfig(t *testing.T) {
	c := New(Config{}, testDB(t), testLogger())
	assert.Greater(t, c.statsInterval, time.Duration(0))
	assert.Greater(t, c.resourceInterval, time.Duration(0))
}

func TestCoordinatorDumpStatsEmpty(t *testing.T) {
	c := New(DefaultConfig(), testDB(t), testLogger())
	assert.Empty(t, c.DumpStats())
}

func TestCoordinatorStoreStatsPersistsCheckpoint(t *testing.T) {
	c := New(DefaultConfig(), testDB(t), testLogger())
	s, db := newTestStream(t, "mds0")
	c.AddStream(s)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.StartReaders(ctx))
	defer func() {
		c.TerminateReaders()
		cancel()
		_ = c.JoinReaders(context.Background())
		_ = c.Done(context.Background())
	}()

	require.NoError(t, c.StoreStats(context.Background()))

	_, ok, err := db.GetVariable(context.Background(), "cl_last_read_mds0")
	require.NoError(t, err)
	assert.True(t, ok)
}

var _ changelog.Source = (*fakeSource)(nil)
