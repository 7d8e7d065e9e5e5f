package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, path string, cooldownSecs int) {
	t.Helper()
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Policy.CooldownSecs = cooldownSecs
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 3600)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	w := NewWatcher(path, initial, zerolog.Nop())
	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the watcher attach

	writeConfig(t, path, 1800)

	select {
	case cfg := <-reloaded:
		if cfg.Policy.CooldownSecs != 1800 {
			t.Fatalf("expected reloaded cooldown 1800, got %d", cfg.Policy.CooldownSecs)
		}
		if w.Current().Policy.CooldownSecs != 1800 {
			t.Fatalf("Current not updated after reload")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
}

func TestWatcherKeepsPreviousOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, 3600)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	w := NewWatcher(path, initial, zerolog.Nop())
	notified := make(chan struct{}, 1)
	w.OnChange(func(*Config) { notified <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid weights: sum != 1. The watcher must keep the old snapshot.
	bad, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	bad.Policy.Targets = map[string]float64{"BTC": 0.9, "ETH": 0.4}
	if err := Save(path, bad); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	select {
	case <-notified:
		t.Fatalf("listener fired for invalid config")
	case <-time.After(500 * time.Millisecond):
	}
	if w.Current().Policy.Targets["BTC"] != 0.6 {
		t.Fatalf("expected previous config retained, got %+v", w.Current().Policy.Targets)
	}

	// Sanity: the file really was rewritten.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
}
