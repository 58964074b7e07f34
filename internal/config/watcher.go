package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
)

type DriftEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml. Configuration is read once at
// startup, so a change only means the running daemon has drifted from the
// file; it is surfaced as a config.drift event and a warning.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	emitter audit.Emitter
	events  chan DriftEvent
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher. emitter may be nil.
func NewWatcher(homeDir string, emitter audit.Emitter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		emitter: emitter,
		events:  make(chan DriftEvent, 16),
	}
}

func (w *Watcher) Events() <-chan DriftEvent {
	return w.events
}

// Start watches until ctx ends. Wait blocks until the watch goroutine exits.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := ConfigPath(w.homeDir)
	if err := fsw.Add(path); err != nil {
		// No config file yet: watch the directory for its creation.
		if err := fsw.Add(w.homeDir); err != nil {
			fsw.Close()
			return err
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if w.emitter != nil {
					w.emitter.Emit(bus.ConfigDrift{Path: ev.Name, Op: ev.Op.String()})
				}
				select {
				case w.events <- DriftEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Warn("config file changed; restart to apply", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) Wait() {
	w.wg.Wait()
}
