package service

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigWatcher watches a YAML file holding EngineConfig overrides and
// hot-reloads it on write, so whoever holds the watcher can read new
// iteration/budget/retry limits without a restart. Safe for concurrent reads
// from any number of Agent Loop Engines. The Orchestrator and the agentcli
// command do not construct one.
//
// Usage:
//
//	watcher, _ := NewConfigWatcher("~/.agentcore/engine.yaml", logger)
//	go watcher.Start()
//	defer watcher.Stop()
//	cfg := watcher.Config() // always the latest successfully parsed value
type ConfigWatcher struct {
	path    string
	mu      sync.RWMutex
	config  EngineConfig
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewConfigWatcher builds a watcher seeded with DefaultEngineConfig. If path
// doesn't exist or fails to parse, the defaults stand until a valid write
// occurs.
func NewConfigWatcher(path string, logger *zap.Logger) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &ConfigWatcher{
		path:    path,
		config:  DefaultEngineConfig(),
		watcher: fsw,
		stopCh:  make(chan struct{}),
		logger:  logger.With(zap.String("component", "config-watcher")),
	}

	if err := w.reload(); err != nil {
		w.logger.Warn("initial engine config load failed, using defaults",
			zap.String("path", path), zap.Error(err))
	}

	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Config returns the current config (thread-safe).
func (w *ConfigWatcher) Config() EngineConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start consumes fsnotify events until Stop is called. Run it in its own
// goroutine.
func (w *ConfigWatcher) Start() {
	w.logger.Info("config watcher started", zap.String("path", w.path))
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("engine config reload failed", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Stop stops the underlying fsnotify watcher and the Start loop.
func (w *ConfigWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

// reload reads and applies the config file, overlaying it onto
// DefaultEngineConfig so a partial file only overrides the fields it sets.
func (w *ConfigWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	newConfig := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &newConfig); err != nil {
		return err
	}

	w.mu.Lock()
	w.config = newConfig
	w.mu.Unlock()

	w.logger.Info("engine config reloaded",
		zap.String("path", w.path), zap.String("model", newConfig.Model))
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
