package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileKV is a JSON-on-disk Database, modeled on this codebase's
// mutex-guarded, atomic-temp-file-then-rename persistence idiom. It
// stands in for the real shadow database's key/value variable table
// during development and in tests.
type FileKV struct {
	mu       sync.RWMutex
	path     string
	vars     map[string]string
	logger   *logrus.Logger
}

// NewFileKV creates a FileKV backed by path. The file is not read until
// Init is called.
func NewFileKV(path string, logger *logrus.Logger) *FileKV {
	return &FileKV{
		path:   path,
		vars:   make(map[string]string),
		logger: logger,
	}
}

func (f *FileKV) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("filekv: create directory: %w", err)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.logger.Info("filekv: no existing variable store, starting fresh")
			return nil
		}
		return fmt.Errorf("filekv: read store: %w", err)
	}

	var vars map[string]string
	if err := json.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("filekv: unmarshal store: %w", err)
	}
	f.vars = vars

	f.logger.WithField("variables", len(vars)).Info("filekv: loaded variable store")
	return nil
}

func (f *FileKV) Close() error {
	return f.flush()
}

func (f *FileKV) GetVariable(ctx context.Context, name string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.vars[name]
	return v, ok, nil
}

func (f *FileKV) SetVariable(ctx context.Context, name string, value *string) error {
	f.mu.Lock()
	if value == nil {
		delete(f.vars, name)
	} else {
		f.vars[name] = *value
	}
	f.mu.Unlock()

	return f.flush()
}

// flush writes the whole variable map atomically: temp file then rename.
func (f *FileKV) flush() error {
	f.mu.RLock()
	snapshot := make(map[string]string, len(f.vars))
	for k, v := range f.vars {
		snapshot[k] = v
	}
	f.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("filekv: marshal store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filekv: write temp store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filekv: rename store: %w", err)
	}
	return nil
}
