package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Streams: []StreamConfig{{Name: "mds0", ReaderID: "rbh-changelog"}},
	}

	applyDefaults(cfg)

	assert.Equal(t, "rbh-changelog", cfg.App.Name)
	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, 1*time.Second, cfg.PollingInterval)
	assert.Equal(t, 1024, cfg.QueueMaxSize)
	assert.Equal(t, 5*time.Second, cfg.QueueMaxAge)
	assert.Equal(t, 1, cfg.BatchAckCount)
	assert.Equal(t, uint64(100), cfg.CommitUpdateMaxDelta)
	assert.Equal(t, "/var/lib/rbh-changelog/variables.json", cfg.Database.Path)
	assert.Equal(t, 9101, cfg.Metrics.Port)
	assert.Equal(t, 8101, cfg.StatusAPI.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Streams[0].Source.Type)
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &Config{
		QueueMaxSize:  4096,
		BatchAckCount: 50,
	}

	applyDefaults(cfg)

	assert.Equal(t, 4096, cfg.QueueMaxSize)
	assert.Equal(t, 50, cfg.BatchAckCount)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("RBH_LOG_LEVEL", "debug")
	t.Setenv("RBH_BATCH_ACK_COUNT", "25")
	t.Setenv("RBH_FORCE_POLLING", "true")

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 25, cfg.BatchAckCount)
	assert.True(t, cfg.ForcePolling)
}
