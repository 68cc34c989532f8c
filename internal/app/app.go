// Package app wires together configuration, the shadow-variable
// database, the pipeline, every configured stream, the coordinator, and
// the optional status/metrics HTTP surface into one runnable process.
// Structured after the teacher's own App composition root
// (sequential initializeComponents, then Start/Stop/Run with signal
// handling), generalized from "monitors + dispatcher + sinks" to
// "streams + coordinator + pipeline".
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cea-hpc/rbh-changelog/internal/changelog"
	"github.com/cea-hpc/rbh-changelog/internal/changelog/filesource"
	"github.com/cea-hpc/rbh-changelog/internal/changelog/kafkasource"
	"github.com/cea-hpc/rbh-changelog/internal/config"
	"github.com/cea-hpc/rbh-changelog/internal/coordinator"
	"github.com/cea-hpc/rbh-changelog/internal/database"
	"github.com/cea-hpc/rbh-changelog/internal/pipeline"
	"github.com/cea-hpc/rbh-changelog/internal/statusapi"
	"github.com/cea-hpc/rbh-changelog/internal/stream"
	"github.com/cea-hpc/rbh-changelog/internal/tracing"
)

// App is the top-level, runnable ingestion process.
type App struct {
	config *config.Config
	logger *logrus.Logger

	db          database.Database
	tracer      *tracing.Manager
	pl          pipeline.Pipeline
	coord       *coordinator.Coordinator
	statusAPI   *statusapi.Server
	reloader    *config.Reloader

	ctx        context.Context
	cancel     context.CancelFunc
	configFile string
}

// New loads and validates configuration, then initializes every
// component. The returned App has not been started yet.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		configFile: configFile,
	}

	if err := a.initComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("initialize components: %w", err)
	}

	return a, nil
}

func (a *App) initComponents() error {
	a.db = database.NewFileKV(a.config.Database.Path, a.logger)
	if err := a.db.Init(a.ctx); err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	tracer, err := tracing.NewManager(a.config.Tracing, a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer

	// Workers: 1 is required, not a tuning knob — WorkerPool's own doc
	// comment warns that >1 worker can fire completions for one stream
	// out of push order, and stream.onCommit treats any such regression
	// as fatal (spec §5 requires the pipeline to preserve intra-stream
	// commit order).
	plCfg := pipeline.DefaultConfig()
	plCfg.Workers = 1
	a.pl = pipeline.NewWorkerPool(plCfg, a.db, a.logger)
	a.coord = coordinator.New(coordinator.DefaultConfig(), a.db, a.logger)

	for _, sc := range a.config.Streams {
		src, err := buildSource(sc.Source)
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}

		s := stream.New(stream.Params{
			Name:     sc.Name,
			ReaderID: sc.ReaderID,

			Source:   src,
			Pipeline: a.pl,
			DB:       a.db,
			Logger:   a.logger,
			Tracer:   a.tracer,

			RenameLastHint: sc.RenameLastHint,
			LastExistsHint: sc.LastExistsHint,

			QueueMaxSize:       a.config.QueueMaxSize,
			QueueMaxAge:        a.config.QueueMaxAge,
			QueueCheckInterval: a.config.QueueCheckInterval,

			BatchAckCount: a.config.BatchAckCount,

			CommitUpdateMaxDelta: a.config.CommitUpdateMaxDelta,
			CommitUpdateMaxDelay: a.config.CommitUpdateMaxDelay,

			ForcePolling:    a.config.ForcePolling,
			PollingInterval: a.config.PollingInterval,
		})
		a.coord.AddStream(s)
	}

	if a.config.StatusAPI.Enabled {
		a.statusAPI = statusapi.New(statusapi.Config{
			Host: a.config.StatusAPI.Host,
			Port: a.config.StatusAPI.Port,
		}, a.coord, a.logger)
	}

	if a.config.HotReload.Enabled {
		reloader, err := config.NewReloader(a.configFile, a.config, a.logger)
		if err != nil {
			return fmt.Errorf("init config reloader: %w", err)
		}
		reloader.OnReload(func(newCfg *config.Config) {
			a.logger.Info("configuration reloaded; threshold changes apply to newly started streams only")
		})
		a.reloader = reloader
	}

	return nil
}

// buildSource constructs the changelog.Source for one stream's
// configured upstream kind.
func buildSource(sc config.SourceConfig) (changelog.Source, error) {
	switch sc.Type {
	case "file":
		return filesource.New(sc.File.Path), nil
	case "kafka":
		return kafkasource.New(kafkasource.Config{
			Brokers:       sc.Kafka.Brokers,
			Topic:         sc.Kafka.Topic,
			Partition:     sc.Kafka.Partition,
			GroupID:       sc.Kafka.GroupID,
			SASLEnabled:   sc.Kafka.SASL.Enabled,
			SASLMechanism: sc.Kafka.SASL.Mechanism,
			SASLUsername:  sc.Kafka.SASL.Username,
			SASLPassword:  sc.Kafka.SASL.Password,
		}), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// Start opens every stream's source and spawns its reader task, and
// starts the optional status API and config reloader.
func (a *App) Start() error {
	a.logger.Info("starting change-log ingestion core")

	if err := a.coord.StartReaders(a.ctx); err != nil {
		return fmt.Errorf("start readers: %w", err)
	}

	if a.statusAPI != nil {
		a.statusAPI.Start()
	}
	if a.reloader != nil {
		go a.reloader.Run()
	}

	a.logger.Info("change-log ingestion core started")
	return nil
}

// Stop requests every stream to terminate, waits for them to flush and
// exit, writes the final stats flush, and releases resources. No final
// upstream acknowledgment is issued.
func (a *App) Stop() error {
	a.logger.Info("stopping change-log ingestion core")
	a.cancel()

	a.coord.TerminateReaders()

	joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.coord.JoinReaders(joinCtx); err != nil {
		a.logger.WithError(err).Warn("timed out waiting for readers to join")
	}

	doneCtx, cancelDone := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDone()
	if err := a.coord.Done(doneCtx); err != nil {
		a.logger.WithError(err).Error("final stats flush failed")
	}

	if a.reloader != nil {
		a.reloader.Stop()
	}
	if a.statusAPI != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := a.statusAPI.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("status api shutdown failed")
		}
	}
	if a.tracer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("tracing shutdown failed")
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("database close failed")
	}

	a.logger.Info("change-log ingestion core stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then stops it.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")

	return a.Stop()
}
