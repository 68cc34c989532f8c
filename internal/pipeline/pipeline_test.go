package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/pkg/record"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestWorkerPoolAllocateSetsStageCursor(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())
	defer p.Terminate(context.Background(), false)

	item := p.Allocate()
	assert.Equal(t, "get-info-from-db", item.StageCursor)
}

func TestWorkerPoolSetEntryID(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())
	defer p.Terminate(context.Background(), false)

	item := &WorkItem{Record: &record.Record{RecordID: 1}}
	p.SetEntryID(item, 42)
	assert.Equal(t, uint64(42), item.Record.RecordID)
}

func TestWorkerPoolPushInvokesCompletionExactlyOnce(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 2, QueueSize: 16}, nil, testLogger())

	const n = 50
	var count int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		item := p.Allocate()
		item.Completion = func(_ database.Database, _ *WorkItem) {
			atomic.AddInt64(&count, 1)
			wg.Done()
		}
		require.NoError(t, p.Push(context.Background(), item))
	}

	wg.Wait()
	assert.Equal(t, int64(n), count)

	require.NoError(t, p.Terminate(context.Background(), true))
}

func TestWorkerPoolPushBlocksUntilContextCanceled(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())
	defer p.Terminate(context.Background(), true)

	gate := make(chan struct{})

	// occupies the single worker goroutine until the gate is closed
	busy := p.Allocate()
	busy.Completion = func(_ database.Database, _ *WorkItem) { <-gate }
	require.NoError(t, p.Push(context.Background(), busy))

	// fills the one buffered slot
	buffered := p.Allocate()
	buffered.Completion = func(_ database.Database, _ *WorkItem) { <-gate }
	require.NoError(t, p.Push(context.Background(), buffered))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	blocked := p.Allocate()
	blocked.Completion = func(_ database.Database, _ *WorkItem) {}
	err := p.Push(ctx, blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
}

func TestWorkerPoolTerminateIsIdempotent(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 1, QueueSize: 1}, nil, testLogger())
	require.NoError(t, p.Terminate(context.Background(), true))
	require.NoError(t, p.Terminate(context.Background(), true))
}

func TestWorkerPoolRecoversFromPanicInCompletion(t *testing.T) {
	p := NewWorkerPool(Config{Workers: 1, QueueSize: 2}, nil, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)

	panicky := p.Allocate()
	panicky.Completion = func(_ database.Database, _ *WorkItem) { panic("boom") }
	require.NoError(t, p.Push(context.Background(), panicky))

	survivor := p.Allocate()
	survivor.Completion = func(_ database.Database, _ *WorkItem) { wg.Done() }
	require.NoError(t, p.Push(context.Background(), survivor))

	wg.Wait()
	require.NoError(t, p.Terminate(context.Background(), true))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.Workers, 0)
	assert.Greater(t, cfg.QueueSize, 0)
}
