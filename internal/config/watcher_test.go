package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
)

type driftRecorder struct {
	mu     sync.Mutex
	drifts []bus.ConfigDrift
}

func (r *driftRecorder) Emit(p bus.Payload) {
	if d, ok := p.(bus.ConfigDrift); ok {
		r.mu.Lock()
		r.drifts = append(r.drifts, d)
		r.mu.Unlock()
	}
}

func (r *driftRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drifts)
}

func TestWatcher_ReportsConfigDrift(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	rec := &driftRecorder{}
	w := config.NewWatcher(homeDir, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports it; notification readiness
	// varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			if rec.count() == 0 {
				t.Fatal("drift event not emitted")
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_WatchesHomeWhenConfigMissing(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	w.Wait()
	if _, ok := <-w.Events(); ok {
		t.Fatal("events channel should be closed after stop")
	}
}
