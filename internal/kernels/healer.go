package kernels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/readiness"
)

// Healer is a healer kernel (self_healing, coding_agent). It follows kernel
// transitions on the bus and keeps the latest observed state per kernel. The
// repair coordinator judges it through Load: a backed-up subscription is a
// backlog, and busy time without progress reads as stuck.
type Healer struct {
	name         string
	bus          *bus.Bus
	beatInterval time.Duration
	logger       *slog.Logger

	processed atomic.Uint64
	busy      atomic.Int64 // nanoseconds spent handling events

	mu         sync.Mutex
	sub        *bus.Subscription
	observed   map[string]string // kernel -> last state seen
	sampledAt  time.Time
	sampleBusy int64
	cpu        float64 // busy share over the last sample window
	weights    WeightsInfo
}

var (
	_ kernel.Kernel   = (*Healer)(nil)
	_ kernel.Reporter = (*Healer)(nil)
)

func NewHealer(name string, b *bus.Bus, beatInterval time.Duration, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		name:         name,
		bus:          b,
		beatInterval: orInterval(beatInterval),
		logger:       logger.With("kernel", name),
		observed:     make(map[string]string),
	}
}

func (h *Healer) Name() string { return h.name }

func (h *Healer) Start(ctx context.Context, beat kernel.Beat) error {
	if h.bus == nil {
		return errors.New("healer: message bus not configured")
	}
	beat()
	return ctx.Err()
}

func (h *Healer) Run(ctx context.Context, beat kernel.Beat) error {
	sub := h.bus.Subscribe("kernel.")
	h.mu.Lock()
	h.sub = sub
	h.sampledAt, h.cpu = time.Time{}, 0
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.sub = nil
		h.mu.Unlock()
		h.bus.Unsubscribe(sub)
	}()

	ticker := time.NewTicker(h.beatInterval)
	defer ticker.Stop()
	beat()
	h.sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			beat()
			h.sample(now)
		case ev, ok := <-sub.Ch():
			if !ok {
				return errors.New("healer: subscription closed")
			}
			h.observe(ev)
		}
	}
}

func (h *Healer) observe(ev bus.Event) {
	start := time.Now()
	defer func() {
		h.busy.Add(int64(time.Since(start)))
		h.processed.Add(1)
	}()
	rec, ok := ev.Payload.(audit.Event)
	if !ok || rec.Resource == "" {
		return
	}
	state := rec.Metadata["to"]
	if state == "" {
		return
	}
	h.mu.Lock()
	h.observed[rec.Resource] = state
	h.mu.Unlock()
}

// Observed returns the latest kernel states this healer has seen.
func (h *Healer) Observed() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.observed)
}

// sample closes the current CPU window. Run calls it once per beat interval,
// so every reader of Load sees the same window.
func (h *Healer) sample(now time.Time) {
	busy := h.busy.Load()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sampledAt.IsZero() {
		if elapsed := now.Sub(h.sampledAt); elapsed > 0 {
			h.cpu = min(100, float64(busy-h.sampleBusy)/float64(elapsed)*100)
		}
	}
	h.sampledAt = now
	h.sampleBusy = busy
}

// Load reports the subscription backlog and the share of wall time spent
// handling events over the last completed sample window. Reading it has no
// side effects.
func (h *Healer) Load() kernel.Load {
	h.mu.Lock()
	depth := 0
	if h.sub != nil {
		depth = h.sub.Backlog()
	}
	cpu := h.cpu
	h.mu.Unlock()
	return kernel.Load{QueueDepth: depth, CPUPercent: cpu, Processed: h.processed.Load()}
}

// WeightsInfo describes the model weights a healer last loaded.
type WeightsInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LoadedAt time.Time `json:"loaded_at"`
}

// RestoreWeights reloads model weights from path. The weights themselves are
// opaque; the file must be readable and non-empty.
func (h *Healer) RestoreWeights(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(io.Discard, readerCtx{ctx: ctx, r: f})
	if err != nil {
		return fmt.Errorf("read weights: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("weights file %s is empty", path)
	}
	h.mu.Lock()
	h.weights = WeightsInfo{Path: path, Size: n, LoadedAt: time.Now().UTC()}
	h.mu.Unlock()
	h.logger.InfoContext(ctx, "model weights restored", "path", path, "bytes", n)
	return nil
}

// Weights returns the last restored weights.
func (h *Healer) Weights() WeightsInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.weights
}

func (h *Healer) SelfTest() readiness.SelfTest {
	return readiness.All(readiness.Condition("subscribed", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.sub != nil
	}, "not following kernel transitions"))
}

type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
