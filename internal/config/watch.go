package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file whenever it changes on disk and hands
// validated snapshots to registered listeners. A rewrite that fails to load
// or validate is logged and ignored; the previous config stays active, so a
// bad edit can never stop the evaluation loop.
type Watcher struct {
	path string
	log  zerolog.Logger

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)
}

// NewWatcher seeds the watcher with an already validated config.
func NewWatcher(path string, initial *Config, log zerolog.Logger) *Watcher {
	return &Watcher{path: path, current: initial, log: log}
}

// Current returns the latest valid config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked with each new valid config.
// Callbacks run on the watcher goroutine and must not block.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Run watches the config file until the context is canceled. The parent
// directory is watched rather than the file itself so editors that replace
// the file via rename are still picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload failed, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn().Err(err).Msg("config reload invalid, keeping previous")
		return
	}

	w.mu.Lock()
	w.current = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.log.Info().Str("path", w.path).Msg("config reloaded")
	for _, fn := range listeners {
		fn(cfg)
	}
}
