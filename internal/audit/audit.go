// Package audit is the append-only event sink for control-plane transitions.
// Each event is written to logs/audit.jsonl, optionally persisted through a
// Sink, and republished on the bus, in occurrence order and exactly once.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/shared"
)

const defaultRecentSize = 512

// Event is the flat, validated record of one transition.
type Event struct {
	Seq       int64             `json:"seq"`
	Kind      string            `json:"kind"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Result    string            `json:"result"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent validates a payload's envelope and builds an unsequenced Event.
func NewEvent(p bus.Payload) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("nil payload")
	}
	env := p.Envelope()
	switch {
	case p.Topic() == "":
		return Event{}, fmt.Errorf("event has empty kind")
	case env.Actor == "":
		return Event{}, fmt.Errorf("%s: empty actor", p.Topic())
	case env.Action == "":
		return Event{}, fmt.Errorf("%s: empty action", p.Topic())
	case env.Resource == "":
		return Event{}, fmt.Errorf("%s: empty resource", p.Topic())
	case env.Result == "":
		return Event{}, fmt.Errorf("%s: empty result", p.Topic())
	}
	meta := make(map[string]string, len(env.Metadata))
	for k, v := range env.Metadata {
		if shared.SecretKey(k) {
			meta[k] = shared.Redacted
			continue
		}
		meta[k] = shared.Redact(v)
	}
	return Event{
		Kind:     p.Topic(),
		Actor:    env.Actor,
		Action:   env.Action,
		Resource: env.Resource,
		Result:   env.Result,
		Metadata: meta,
	}, nil
}

// Emitter is what control-plane components depend on to report transitions.
type Emitter interface {
	Emit(p bus.Payload)
}

// Sink persists events durably. *persistence.Store implements it.
type Sink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// Options configures a Log. Every field is optional.
type Options struct {
	HomeDir    string // enables logs/audit.jsonl when set
	Sink       Sink
	Bus        *bus.Bus
	Logger     *slog.Logger
	RecentSize int
}

// Log is the process-wide event sink.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	sink   Sink
	bus    *bus.Bus
	logger *slog.Logger
	seq    int64
	recent []Event
	limit  int
}

// Open creates a Log. With no HomeDir the log keeps only the in-memory ring.
func Open(opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.RecentSize
	if limit <= 0 {
		limit = defaultRecentSize
	}
	l := &Log{sink: opts.Sink, bus: opts.Bus, logger: logger, limit: limit}
	if opts.HomeDir != "" {
		logDir := filepath.Join(opts.HomeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// SetSink attaches a durable sink once the store is open.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Close closes the JSONL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Emit records p. Invalid payloads are logged and dropped; they indicate a
// programming error, not a runtime condition.
func (l *Log) Emit(p bus.Payload) {
	ev, err := NewEvent(p)
	if err != nil {
		l.logger.Error("audit: invalid event", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	ev.Timestamp = time.Now().UTC()

	if l.file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.sink != nil {
		if err := l.sink.AppendEvent(context.Background(), ev); err != nil {
			l.logger.Warn("audit: persist event failed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
		}
	}

	l.recent = append(l.recent, ev)
	if len(l.recent) > l.limit {
		l.recent = append([]Event(nil), l.recent[len(l.recent)-l.limit:]...)
	}

	if l.bus != nil {
		l.bus.Publish(ev.Kind, ev)
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns all retained.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	return append([]Event(nil), l.recent[len(l.recent)-n:]...)
}

// Filter returns retained events of the given kind, oldest first.
func (l *Log) Filter(kind string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.recent {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
