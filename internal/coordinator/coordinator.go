// Package coordinator owns the set of configured streams end to end:
// starting their reader tasks, propagating a stop signal, waiting for
// them to drain and exit, and writing the final stats flush (spec §4.6).
// Done issues no final upstream acknowledgment: records committed after
// a stream's last clear stay on the upstream source. Grounded on the
// teacher's supervisor loop
// (internal/app's container-monitor fan-out) generalized from "one
// monitor per container" to "one reader task per metadata-server
// stream", with a gopsutil-based resource sampler standing in for the
// teacher's own process-health reporting.
package coordinator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/internal/metrics"
	"github.com/cea-hpc/rbh-changelog/internal/stream"
)

// Coordinator owns a process's full set of stream reader tasks.
type Coordinator struct {
	logger *logrus.Logger
	db     database.Database

	statsInterval    time.Duration
	resourceInterval time.Duration

	mu      sync.Mutex
	streams []*stream.Stream

	cancelResource context.CancelFunc
	cancelStats    context.CancelFunc
	bgWG           sync.WaitGroup
}

// Config configures the coordinator's own background cadences.
type Config struct {
	StatsInterval    time.Duration
	ResourceInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		StatsInterval:    10 * time.Second,
		ResourceInterval: 15 * time.Second,
	}
}

func New(cfg Config, db database.Database, logger *logrus.Logger) *Coordinator {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}
	if cfg.ResourceInterval <= 0 {
		cfg.ResourceInterval = 15 * time.Second
	}
	return &Coordinator{
		logger:           logger,
		db:               db,
		statsInterval:    cfg.StatsInterval,
		resourceInterval: cfg.ResourceInterval,
	}
}

// AddStream registers a constructed-but-not-yet-started stream.
func (c *Coordinator) AddStream(s *stream.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = append(c.streams, s)
}

// StartReaders opens every registered stream's source and spawns its
// reader task, then starts the periodic stats checkpoint and resource
// sampler.
func (c *Coordinator) StartReaders(ctx context.Context) error {
	c.mu.Lock()
	streams := append([]*stream.Stream(nil), c.streams...)
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}

	statsCtx, cancelStats := context.WithCancel(context.Background())
	c.cancelStats = cancelStats
	c.bgWG.Add(1)
	go c.runStatsLoop(statsCtx)

	resourceCtx, cancelResource := context.WithCancel(context.Background())
	c.cancelResource = cancelResource
	c.bgWG.Add(1)
	go c.runResourceSampler(resourceCtx)

	c.logger.WithField("stream_count", len(streams)).Info("coordinator started readers")
	return nil
}

// TerminateReaders asynchronously signals every stream to stop; it
// does not block for them to finish.
func (c *Coordinator) TerminateReaders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		s.Terminate()
	}
}

// JoinReaders blocks until every stream's reader goroutine has exited.
func (c *Coordinator) JoinReaders(ctx context.Context) error {
	c.mu.Lock()
	streams := append([]*stream.Stream(nil), c.streams...)
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Done performs the final flush: stop the background loops, wait for
// them to exit, then write one last stats checkpoint per stream.
func (c *Coordinator) Done(ctx context.Context) error {
	if c.cancelStats != nil {
		c.cancelStats()
	}
	if c.cancelResource != nil {
		c.cancelResource()
	}
	c.bgWG.Wait()

	return c.StoreStats(ctx)
}

// DumpStats returns a snapshot of every stream's watermarks and queue
// depth, for the status API and for operator diagnostics.
func (c *Coordinator) DumpStats() []stream.Stats {
	c.mu.Lock()
	streams := append([]*stream.Stream(nil), c.streams...)
	c.mu.Unlock()

	out := make([]stream.Stats, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Snapshot())
	}
	return out
}

// StoreStats persists every stream's watermark/counter checkpoint.
func (c *Coordinator) StoreStats(ctx context.Context) error {
	c.mu.Lock()
	streams := append([]*stream.Stream(nil), c.streams...)
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Checkpoint(ctx); err != nil {
			c.logger.WithError(err).WithField("stream", s.Snapshot().Name).Warn("stats checkpoint failed")
		}
	}
	return nil
}

func (c *Coordinator) runStatsLoop(ctx context.Context) {
	defer c.bgWG.Done()
	ticker := time.NewTicker(c.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.StoreStats(ctx); err != nil {
				c.logger.WithError(err).Warn("periodic stats checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// runResourceSampler periodically samples this process's CPU and RSS
// via gopsutil and publishes them as gauges, a lightweight stand-in for
// the teacher's own process-health collectors.
func (c *Coordinator) runResourceSampler(ctx context.Context) {
	defer c.bgWG.Done()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.WithError(err).Warn("resource sampler: could not open self process handle")
		return
	}

	ticker := time.NewTicker(c.resourceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if pct, err := proc.CPUPercent(); err == nil {
				metrics.ProcessCPUPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				metrics.ProcessMemoryBytes.Set(float64(mem.RSS))
			}
		case <-ctx.Done():
			return
		}
	}
}
