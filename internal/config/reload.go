package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches a config file and re-runs LoadConfig whenever it
// changes, swapping in the new Config atomically. Only the tunable
// thresholds are expected to differ between reloads — the stream list
// is read by callers at their own discretion since changing it requires
// restarting reader tasks. Modeled on this codebase's fsnotify-backed
// hot-reload watcher, trimmed to a single current-config slot.
type Reloader struct {
	path   string
	logger *logrus.Logger

	debounce time.Duration

	watcher *fsnotify.Watcher
	current atomic.Value // *Config

	onReload func(*Config)

	stopOnce sync.Once
	done     chan struct{}
}

// NewReloader creates a Reloader for the config file at path, seeded
// with the already-loaded cfg.
func NewReloader(path string, cfg *Config, logger *logrus.Logger) (*Reloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	r := &Reloader{
		path:     path,
		logger:   logger,
		debounce: cfg.HotReload.DebounceInterval,
		watcher:  w,
		done:     make(chan struct{}),
	}
	r.current.Store(cfg)
	return r, nil
}

// OnReload registers a callback invoked with the new Config after a
// successful reload. Only one callback is supported.
func (r *Reloader) OnReload(fn func(*Config)) { r.onReload = fn }

// Current returns the most recently loaded Config.
func (r *Reloader) Current() *Config { return r.current.Load().(*Config) }

// Run watches for file-change events until Stop is called. Debounces
// rapid-fire writes (editors often emit several events per save) before
// reloading.
func (r *Reloader) Run() {
	var pending *time.Timer
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(r.debounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("config watcher error")

		case <-r.done:
			return
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("config reload failed, keeping previous configuration")
		return
	}

	r.current.Store(cfg)
	r.logger.Info("configuration reloaded")
	if r.onReload != nil {
		r.onReload(cfg)
	}
}

// Stop closes the watcher and ends Run.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.watcher.Close()
	})
}
