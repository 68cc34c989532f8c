// Package config loads and validates the ingestion core's configuration:
// the stream list, queue/commit thresholds, and the ambient database,
// metrics, status API, and tracing sections. Modeled on this codebase's
// three-phase load (file, then environment overrides, then validation)
// and ConfigValidator idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cea-hpc/rbh-changelog/internal/errors"
	"github.com/cea-hpc/rbh-changelog/internal/tracing"
)

// AppConfig carries process identity used in logging and tracing.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// FileSourceConfig configures a filesource.Source-backed stream.
type FileSourceConfig struct {
	Path string `yaml:"path"`
}

// KafkaSASLConfig configures SCRAM auth on a Kafka-backed stream.
type KafkaSASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // "scram-sha-256" or "scram-sha-512"
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// KafkaSourceConfig configures a kafkasource.Source-backed stream: one
// topic-partition per stream, consumer-group-backed offset tracking.
type KafkaSourceConfig struct {
	Brokers   []string        `yaml:"brokers"`
	Topic     string          `yaml:"topic"`
	Partition int32           `yaml:"partition"`
	GroupID   string          `yaml:"group_id"`
	SASL      KafkaSASLConfig `yaml:"sasl"`
}

// SourceConfig selects and configures one stream's upstream change-log
// source.
type SourceConfig struct {
	Type  string             `yaml:"type"` // "file" or "kafka"
	File  FileSourceConfig   `yaml:"file"`
	Kafka KafkaSourceConfig  `yaml:"kafka"`
}

// StreamConfig describes one configured metadata-server stream (spec §6
// "list of streams (each with name + reader-id)").
type StreamConfig struct {
	Name           string       `yaml:"name"`
	ReaderID       string       `yaml:"reader_id"`
	Source         SourceConfig `yaml:"source"`
	RenameLastHint bool         `yaml:"rename_last_hint"` // initial capability guess, refined by observation
	LastExistsHint bool         `yaml:"last_exists_hint"`
}

// DatabaseConfig configures the list-manager backing store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig holds Prometheus exposition settings. ValidateConfig
// checks Port when Enabled is set, but no component reads these fields
// to serve metrics: the metrics are served at /metrics by the status API
// server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// StatusAPIConfig configures the gorilla/mux status/health HTTP surface.
type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig configures the process-wide logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HotReloadConfig enables watching the config file for changes. A reload
// re-reads and validates the file and keeps the result as the Reloader's
// current Config; running streams keep the thresholds they were built
// with, and the stream list is not re-read.
type HotReloadConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// Config is the ingestion core's full configuration, covering exactly
// the option table in spec §6 plus the ambient sections.
type Config struct {
	App AppConfig `yaml:"app"`

	Streams []StreamConfig `yaml:"streams"`

	ForcePolling    bool          `yaml:"force_polling"`
	PollingInterval time.Duration `yaml:"polling_interval"`

	QueueMaxSize       int           `yaml:"queue_max_size"`
	QueueMaxAge        time.Duration `yaml:"queue_max_age"`
	QueueCheckInterval time.Duration `yaml:"queue_check_interval"`

	BatchAckCount int `yaml:"batch_ack_count"`

	CommitUpdateMaxDelta uint64        `yaml:"commit_update_max_delta"`
	CommitUpdateMaxDelay time.Duration `yaml:"commit_update_max_delay"`

	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
	Tracing   tracing.Config  `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
	HotReload HotReloadConfig `yaml:"hot_reload"`

	// loadedFrom records the path LoadConfig read, empty for defaults-only.
	loadedFrom string
}

// LoadConfig loads configuration from a YAML file (if configFile is
// non-empty), applies defaults to anything unset, applies environment
// variable overrides, then validates. Mirrors the teacher's
// file -> defaults -> env -> validate ordering.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, cfg); err != nil {
			return nil, err
		}
		cfg.loadedFrom = configFile
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadConfigFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.New(errors.SeverityCritical, errors.CodeDatabaseFailure, "config", "load_file", "read config file").Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.New(errors.SeverityCritical, errors.CodeDatabaseFailure, "config", "parse_file", "parse config file").Wrap(err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "rbh-changelog"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "production"
	}

	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = 1 * time.Second
	}
	if cfg.QueueMaxSize == 0 {
		cfg.QueueMaxSize = 1024
	}
	if cfg.QueueMaxAge == 0 {
		cfg.QueueMaxAge = 5 * time.Second
	}
	if cfg.QueueCheckInterval == 0 {
		cfg.QueueCheckInterval = 1 * time.Second
	}
	if cfg.BatchAckCount == 0 {
		cfg.BatchAckCount = 1
	}
	if cfg.CommitUpdateMaxDelta == 0 {
		cfg.CommitUpdateMaxDelta = 100
	}
	if cfg.CommitUpdateMaxDelay == 0 {
		cfg.CommitUpdateMaxDelay = 5 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/rbh-changelog/variables.json"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9101
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.StatusAPI.Port == 0 {
		cfg.StatusAPI.Port = 8101
	}
	if cfg.StatusAPI.Host == "" {
		cfg.StatusAPI.Host = "0.0.0.0"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.HotReload.DebounceInterval == 0 {
		cfg.HotReload.DebounceInterval = 500 * time.Millisecond
	}

	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if s.Source.Type == "" {
			s.Source.Type = "file"
		}
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("RBH_APP_NAME", cfg.App.Name)
	cfg.App.Environment = getEnvString("RBH_APP_ENVIRONMENT", cfg.App.Environment)

	cfg.Logging.Level = getEnvString("RBH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvString("RBH_LOG_FORMAT", cfg.Logging.Format)

	cfg.Database.Path = getEnvString("RBH_DATABASE_PATH", cfg.Database.Path)

	cfg.Metrics.Enabled = getEnvBool("RBH_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvInt("RBH_METRICS_PORT", cfg.Metrics.Port)

	cfg.StatusAPI.Enabled = getEnvBool("RBH_STATUS_API_ENABLED", cfg.StatusAPI.Enabled)
	cfg.StatusAPI.Port = getEnvInt("RBH_STATUS_API_PORT", cfg.StatusAPI.Port)

	cfg.ForcePolling = getEnvBool("RBH_FORCE_POLLING", cfg.ForcePolling)
	cfg.BatchAckCount = getEnvInt("RBH_BATCH_ACK_COUNT", cfg.BatchAckCount)
	cfg.QueueMaxSize = getEnvInt("RBH_QUEUE_MAX_SIZE", cfg.QueueMaxSize)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// ValidateConfig performs comprehensive configuration validation,
// collecting every violation before returning (rather than failing on
// the first), following the teacher's ConfigValidator idiom.
func ValidateConfig(cfg *Config) error {
	v := &validator{cfg: cfg}
	v.validateStreams()
	v.validateThresholds()
	v.validateDatabase()
	v.validateMetrics()
	v.validateStatusAPI()

	if len(v.errs) > 0 {
		return v.buildError()
	}
	return nil
}

type validator struct {
	cfg  *Config
	errs []error
}

func (v *validator) addError(component, operation, message string) {
	v.errs = append(v.errs, errors.New(errors.SeverityCritical, errors.CodeConfigInvalid, component, operation, message))
}

func (v *validator) validateStreams() {
	if len(v.cfg.Streams) == 0 {
		v.addError("config", "validate_streams", "at least one stream must be configured")
		return
	}
	seen := make(map[string]bool, len(v.cfg.Streams))
	for _, s := range v.cfg.Streams {
		if s.Name == "" {
			v.addError("config", "validate_stream_name", "stream name cannot be empty")
			continue
		}
		if seen[s.Name] {
			v.addError("config", "validate_stream_name", fmt.Sprintf("duplicate stream name: %s", s.Name))
		}
		seen[s.Name] = true

		if s.ReaderID == "" {
			v.addError("config", "validate_reader_id", fmt.Sprintf("stream %s: reader id cannot be empty", s.Name))
		}

		switch s.Source.Type {
		case "file":
			if s.Source.File.Path == "" {
				v.addError("config", "validate_source", fmt.Sprintf("stream %s: file source path cannot be empty", s.Name))
			}
		case "kafka":
			if s.Source.Kafka.Topic == "" {
				v.addError("config", "validate_source", fmt.Sprintf("stream %s: kafka topic cannot be empty", s.Name))
			}
			if len(s.Source.Kafka.Brokers) == 0 {
				v.addError("config", "validate_source", fmt.Sprintf("stream %s: kafka brokers cannot be empty", s.Name))
			}
		default:
			v.addError("config", "validate_source", fmt.Sprintf("stream %s: unknown source type %q", s.Name, s.Source.Type))
		}
	}
}

func (v *validator) validateThresholds() {
	if v.cfg.QueueMaxSize <= 0 {
		v.addError("config", "validate_queue_max_size", "queue_max_size must be positive")
	}
	if v.cfg.QueueMaxAge <= 0 {
		v.addError("config", "validate_queue_max_age", "queue_max_age must be positive")
	}
	if v.cfg.BatchAckCount <= 0 {
		v.addError("config", "validate_batch_ack_count", "batch_ack_count must be positive")
	}
	if v.cfg.PollingInterval <= 0 {
		v.addError("config", "validate_polling_interval", "polling_interval must be positive")
	}
}

func (v *validator) validateDatabase() {
	if v.cfg.Database.Path == "" {
		v.addError("config", "validate_database", "database.path cannot be empty")
	}
}

func (v *validator) validateMetrics() {
	if v.cfg.Metrics.Enabled && (v.cfg.Metrics.Port <= 0 || v.cfg.Metrics.Port > 65535) {
		v.addError("config", "validate_metrics_port", fmt.Sprintf("invalid metrics port: %d", v.cfg.Metrics.Port))
	}
}

func (v *validator) validateStatusAPI() {
	if v.cfg.StatusAPI.Enabled && (v.cfg.StatusAPI.Port <= 0 || v.cfg.StatusAPI.Port > 65535) {
		v.addError("config", "validate_status_api_port", fmt.Sprintf("invalid status api port: %d", v.cfg.StatusAPI.Port))
	}
}

func (v *validator) buildError() error {
	if len(v.errs) == 1 {
		return v.errs[0]
	}
	msgs := make([]string, len(v.errs))
	for i, e := range v.errs {
		msgs[i] = e.Error()
	}
	return errors.New(errors.SeverityCritical, errors.CodeConfigInvalid, "config", "validate", fmt.Sprintf("multiple validation errors: %s", strings.Join(msgs, "; ")))
}
