package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/shared"
)

// Action is what one healer watchdog check did.
type Action string

const (
	ActionNone      Action = "none"      // at least one healer up
	ActionWaiting   Action = "waiting"   // both down, inside the grace window
	ActionRecovered Action = "recovered" // emergency restart brought both back
	ActionPartial   Action = "partial"   // one came back; delegation kept
	ActionFailed    Action = "failed"    // neither came back; alert raised
	ActionReleased  Action = "released"  // close watch ended with both healthy
)

const (
	defaultGuardGrace    = 45 * time.Second
	defaultGuardInterval = 5 * time.Second
	defaultCloseInterval = time.Second
	defaultVerifyTimeout = 15 * time.Second
	defaultVerifyPoll    = 100 * time.Millisecond
)

// HealerWatchdogConfig wires a HealerWatchdog.
type HealerWatchdogConfig struct {
	Control        Control
	Healers        [2]string
	FallbackAgents []string
	Delegates      *Delegates

	GraceWindow   time.Duration // how long both healers may be down before intervening
	Interval      time.Duration
	CloseInterval time.Duration // check interval while under close watch
	StaleAfter    time.Duration
	VerifyTimeout time.Duration
	VerifyPoll    time.Duration

	Events  audit.Emitter
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// HealerWatchdog watches the healer pair and intervenes when both have been
// down past the grace window.
type HealerWatchdog struct {
	control   Control
	healers   [2]string
	fallback  []string
	delegates *Delegates
	events    audit.Emitter
	logger    *slog.Logger
	metrics   *otel.Metrics

	grace         time.Duration
	interval      time.Duration
	closeInterval time.Duration
	staleAfter    time.Duration
	verifyTimeout time.Duration
	verifyPoll    time.Duration

	mu         sync.Mutex
	downSince  time.Time
	closeWatch bool
	checking   sync.Mutex

	kick   chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealerWatchdog creates a HealerWatchdog.
func NewHealerWatchdog(cfg HealerWatchdogConfig) (*HealerWatchdog, error) {
	if cfg.Control == nil {
		return nil, fmt.Errorf("healer watchdog: control plane is required")
	}
	if cfg.Healers[0] == "" || cfg.Healers[1] == "" {
		return nil, fmt.Errorf("healer watchdog: two healer kernels are required")
	}
	if len(cfg.FallbackAgents) == 0 {
		return nil, fmt.Errorf("healer watchdog: at least one fallback agent is required")
	}
	w := &HealerWatchdog{
		control:       cfg.Control,
		healers:       cfg.Healers,
		fallback:      slices.Clone(cfg.FallbackAgents),
		delegates:     cfg.Delegates,
		events:        cfg.Events,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		grace:         orDuration(cfg.GraceWindow, defaultGuardGrace),
		interval:      orDuration(cfg.Interval, defaultGuardInterval),
		closeInterval: orDuration(cfg.CloseInterval, defaultCloseInterval),
		staleAfter:    orDuration(cfg.StaleAfter, defaultStaleAfter),
		verifyTimeout: orDuration(cfg.VerifyTimeout, defaultVerifyTimeout),
		verifyPoll:    orDuration(cfg.VerifyPoll, defaultVerifyPoll),
		kick:          make(chan string, 1),
	}
	if w.events == nil {
		w.events = nopEmitter{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.delegates == nil {
		w.delegates = NewDelegates(nil, w.events, w.logger)
	}
	return w, nil
}

// isDown treats a healer that is restarting or held by an operator as not
// down; only failure starts the grace window.
func (w *HealerWatchdog) isDown(name string, now time.Time) bool {
	snap, err := w.control.Snapshot(name)
	if err != nil {
		return true
	}
	return down(snap, w.staleAfter, now)
}

func (w *HealerWatchdog) isUp(name string, now time.Time) bool {
	snap, err := w.control.Snapshot(name)
	if err != nil {
		return false
	}
	cond, _ := classify(snap, w.staleAfter, now)
	return cond == condUp
}

// CloseWatch reports whether the healers are under close watch after a
// partial or failed recovery.
func (w *HealerWatchdog) CloseWatch() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeWatch
}

// CheckOnce samples both healers and intervenes if needed.
func (w *HealerWatchdog) CheckOnce(ctx context.Context) (Action, error) {
	w.checking.Lock()
	defer w.checking.Unlock()

	now := time.Now()
	aDown, bDown := w.isDown(w.healers[0], now), w.isDown(w.healers[1], now)
	bothUp := w.isUp(w.healers[0], now) && w.isUp(w.healers[1], now)

	w.mu.Lock()
	if !aDown || !bDown {
		w.downSince = time.Time{}
		release := w.closeWatch && bothUp
		if release {
			w.closeWatch = false
		}
		w.mu.Unlock()
		if !release {
			return ActionNone, nil
		}
		w.logger.Info("healers healthy, leaving close watch")
		if _, err := w.delegates.Revoke(ctx, "healers recovered under close watch"); err != nil {
			return ActionReleased, err
		}
		return ActionReleased, nil
	}
	if w.downSince.IsZero() {
		w.downSince = now
	}
	waited := now.Sub(w.downSince)
	w.mu.Unlock()

	if waited < w.grace {
		w.logger.Warn("both healers down, inside grace window", "down_for", waited.Round(time.Millisecond), "grace", w.grace)
		return ActionWaiting, nil
	}
	return w.intervene(ctx, waited)
}

// intervene grants emergency authority, force-restarts both healers, and
// verifies the result.
func (w *HealerWatchdog) intervene(ctx context.Context, waited time.Duration) (Action, error) {
	ctx = shared.WithActor(ctx, shared.ActorHealerGuard)
	reason := fmt.Sprintf("both healers down for %s", waited.Round(time.Millisecond))
	w.logger.Error("healer emergency, delegating to fallback agents", "agents", w.fallback, "reason", reason)

	var errs []error
	if _, err := w.delegates.Grant(ctx, w.fallback, shared.ActorHealerGuard, reason); err != nil {
		errs = append(errs, err)
	}
	for _, name := range w.healers {
		err := w.control.ForceRestart(ctx, name)
		ev := bus.Repair{Target: name, Actor: shared.ActorHealerGuard, Mode: "emergency"}
		if err != nil {
			ev.Error = err.Error()
			errs = append(errs, fmt.Errorf("force restart %s: %w", name, err))
		}
		w.events.Emit(ev)
		w.metrics.RecordRepair(ctx, name, "emergency")
	}

	up := w.verify(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	switch len(up) {
	case 2:
		w.downSince = time.Time{}
		w.closeWatch = false
		if _, err := w.delegates.Revoke(ctx, "healers recovered"); err != nil {
			errs = append(errs, err)
		}
		w.logger.Info("healer emergency recovered")
		return ActionRecovered, errors.Join(errs...)
	case 1:
		w.downSince = time.Time{}
		w.closeWatch = true
		w.logger.Warn("healer emergency partially recovered, keeping delegation", "up", up)
		return ActionPartial, errors.Join(errs...)
	default:
		// Re-arm a full grace window before the next attempt.
		w.downSince = time.Now()
		w.closeWatch = true
		msg := fmt.Sprintf("healers %s and %s did not recover after emergency restart; manual intervention required", w.healers[0], w.healers[1])
		w.events.Emit(bus.Alert{Severity: "critical", Message: msg, Kernels: w.healers[:]})
		w.logger.Error("healer emergency failed", "message", msg)
		return ActionFailed, errors.Join(errs...)
	}
}

// verify polls until both healers are up or the verify timeout passes, and
// returns the healers that are up.
func (w *HealerWatchdog) verify(ctx context.Context) []string {
	deadline := time.NewTimer(w.verifyTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(w.verifyPoll)
	defer poll.Stop()
	for {
		var up []string
		now := time.Now()
		for _, name := range w.healers {
			if w.isUp(name, now) {
				up = append(up, name)
			}
		}
		if len(up) == len(w.healers) {
			return up
		}
		select {
		case <-ctx.Done():
			return up
		case <-deadline.C:
			return up
		case <-poll.C:
		}
	}
}

// Escalated wakes the loop for an immediate check. It never blocks.
func (w *HealerWatchdog) Escalated(reason string) {
	w.logger.Warn("escalation from repair coordinator", "reason", reason)
	select {
	case w.kick <- reason:
	default:
	}
}

// Start checks the healers every interval, or every close interval while
// under close watch, until Stop or ctx ends.
func (w *HealerWatchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("healer watchdog started", "healers", w.healers, "grace", w.grace)
}

// Stop cancels the loop and waits for it to exit.
func (w *HealerWatchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("healer watchdog stopped")
}

func (w *HealerWatchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.kick:
		}
		action, err := w.CheckOnce(ctx)
		if err != nil {
			w.logger.Error("healer watchdog check failed", "action", action, "error", err)
		}
		next := w.interval
		if w.CloseWatch() {
			next = w.closeInterval
		}
		timer.Reset(next)
	}
}
