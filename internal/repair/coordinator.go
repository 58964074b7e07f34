// Package repair supervises the two healer kernels. The Coordinator lets each
// healer restart the other and breaks the case where both are down; the
// HealerWatchdog is the last automated tier, granting emergency authority to
// fallback agents and force-restarting the pair.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/shared"
)

// ErrRepairInProgress is returned when a health check finds another repair
// cycle still running.
var ErrRepairInProgress = errors.New("repair already in progress")

// SnapshotSource reads kernel runtimes.
type SnapshotSource interface {
	Snapshot(name string) (controlplane.Snapshot, error)
}

// Control is the part of the control plane the repair layer drives.
// RestartGeneration must refuse with controlplane.ErrStaleGeneration when the
// generation it was given has already been replaced.
type Control interface {
	SnapshotSource
	RestartGeneration(ctx context.Context, name string, gen uint64) error
	ForceRestart(ctx context.Context, name string) error
}

// MetricsSource samples self-reported kernel load. *controlplane.ControlPlane
// implements it through kernel.Reporter.
type MetricsSource interface {
	Load(name string) (kernel.Load, bool)
}

// EmergencyHandler receives escalations the coordinator could not resolve.
type EmergencyHandler interface {
	Escalated(reason string)
}

// EscalationState is the coordinator's view of the healer pair.
type EscalationState struct {
	Healthy            map[string]bool `json:"healthy"`
	StuckCounter       map[string]int  `json:"stuck_counter"`
	RepairInProgress   bool            `json:"repair_in_progress"`
	EmergencyDelegates []string        `json:"emergency_delegates"`
}

// Health is one healer's assessment. A settling healer is mid-lifecycle or
// held by an operator; it gets no verdict until it settles.
type Health struct {
	Kernel     string   `json:"kernel"`
	Healthy    bool     `json:"healthy"`
	Settling   bool     `json:"settling,omitempty"`
	Generation uint64   `json:"generation"`
	Issues     []string `json:"issues,omitempty"`
}

// Outcome is what a coordinator check did.
type Outcome string

const (
	OutcomeHealthy          Outcome = "healthy"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeMutualRepair     Outcome = "mutual_repair"
	OutcomeDeadlockResolved Outcome = "deadlock_resolved"
	OutcomeEscalated        Outcome = "escalated"
)

// CheckResult reports one coordinator check.
type CheckResult struct {
	Outcome  Outcome  `json:"outcome"`
	Health   []Health `json:"health"`
	Repaired []string `json:"repaired,omitempty"`
}

const (
	defaultCheckInterval    = 5 * time.Second
	defaultBacklogThreshold = 100
	defaultCPUThreshold     = 90.0
	defaultStuckSamples     = 3
	defaultStaleAfter       = 30 * time.Second
	defaultStabilizeTimeout = 10 * time.Second
	defaultStabilizePoll    = 100 * time.Millisecond
)

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Control   Control
	Metrics   MetricsSource // nil: backlog and stuck checks are skipped
	Healers   [2]string     // Healers[0] is lower risk and is restarted first on deadlock
	Delegates *Delegates
	Guard     EmergencyHandler

	Interval         time.Duration
	BacklogThreshold int
	CPUThreshold     float64
	StuckSamples     int
	StaleAfter       time.Duration // heartbeat age that makes a healer unhealthy
	StabilizeTimeout time.Duration
	StabilizePoll    time.Duration

	Events    audit.Emitter
	Logger    *slog.Logger
	Telemetry *otel.Metrics
}

// Coordinator runs the mutual repair loop.
type Coordinator struct {
	control   Control
	metrics   MetricsSource
	healers   [2]string
	delegates *Delegates
	guard     EmergencyHandler
	events    audit.Emitter
	logger    *slog.Logger
	telemetry *otel.Metrics

	interval         time.Duration
	backlog          int
	cpu              float64
	stuckSamples     int
	staleAfter       time.Duration
	stabilizeTimeout time.Duration
	stabilizePoll    time.Duration

	inProgress atomic.Bool

	mu            sync.Mutex
	healthy       map[string]bool
	stuck         map[string]int
	lastProcessed map[string]uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Control == nil {
		return nil, fmt.Errorf("repair: control plane is required")
	}
	if cfg.Healers[0] == "" || cfg.Healers[1] == "" || cfg.Healers[0] == cfg.Healers[1] {
		return nil, fmt.Errorf("repair: two distinct healer kernels are required, got %v", cfg.Healers)
	}
	c := &Coordinator{
		control:          cfg.Control,
		metrics:          cfg.Metrics,
		healers:          cfg.Healers,
		delegates:        cfg.Delegates,
		guard:            cfg.Guard,
		events:           cfg.Events,
		logger:           cfg.Logger,
		telemetry:        cfg.Telemetry,
		interval:         orDuration(cfg.Interval, defaultCheckInterval),
		backlog:          cfg.BacklogThreshold,
		cpu:              cfg.CPUThreshold,
		stuckSamples:     cfg.StuckSamples,
		staleAfter:       orDuration(cfg.StaleAfter, defaultStaleAfter),
		stabilizeTimeout: orDuration(cfg.StabilizeTimeout, defaultStabilizeTimeout),
		stabilizePoll:    orDuration(cfg.StabilizePoll, defaultStabilizePoll),
		healthy:          map[string]bool{cfg.Healers[0]: true, cfg.Healers[1]: true},
		stuck:            make(map[string]int),
		lastProcessed:    make(map[string]uint64),
	}
	if c.backlog <= 0 {
		c.backlog = defaultBacklogThreshold
	}
	if c.cpu <= 0 {
		c.cpu = defaultCPUThreshold
	}
	if c.stuckSamples <= 0 {
		c.stuckSamples = defaultStuckSamples
	}
	if c.events == nil {
		c.events = nopEmitter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.delegates == nil {
		c.delegates = NewDelegates(nil, c.events, c.logger)
	}
	return c, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// condition is how the repair layer reads a healer's run state.
type condition int

const (
	condUp      condition = iota // alive with fresh beats
	condDown                     // Failed, or alive but silent or exited
	condBusy                     // Starting or Restarting
	condHeld                     // Paused or Stopped
)

// classify checks the run state of a healer, independent of load.
func classify(snap controlplane.Snapshot, staleAfter time.Duration, now time.Time) (condition, []string) {
	switch snap.State {
	case kernel.StateRunning, kernel.StateDegraded:
		var issues []string
		if snap.WorkerExited {
			issues = append(issues, "worker exited")
		}
		if age := now.Sub(snap.LastHeartbeat); age > staleAfter {
			issues = append(issues, fmt.Sprintf("heartbeat stale for %s", age.Round(time.Millisecond)))
		}
		if len(issues) > 0 {
			return condDown, issues
		}
		return condUp, nil
	case kernel.StateStarting, kernel.StateRestarting:
		return condBusy, []string{fmt.Sprintf("lifecycle in progress (state %s)", snap.State)}
	case kernel.StatePaused, kernel.StateStopped:
		return condHeld, []string{fmt.Sprintf("held (state %s)", snap.State)}
	default:
		return condDown, []string{fmt.Sprintf("not running (state %s)", snap.State)}
	}
}

// down reports whether snap is a failing healer, as opposed to an up, busy,
// or deliberately held one.
func down(snap controlplane.Snapshot, staleAfter time.Duration, now time.Time) bool {
	cond, _ := classify(snap, staleAfter, now)
	return cond == condDown
}

// Assess samples one healer and updates its stuck counter.
func (c *Coordinator) Assess(name string) Health {
	h := Health{Kernel: name}
	snap, err := c.control.Snapshot(name)
	if err != nil {
		h.Issues = append(h.Issues, err.Error())
		return h
	}
	h.Generation = snap.Generation
	cond, issues := classify(snap, c.staleAfter, time.Now())
	h.Issues = issues
	if cond == condBusy || cond == condHeld {
		h.Settling = true
		return h
	}

	if c.metrics != nil {
		if load, ok := c.metrics.Load(name); ok {
			if load.QueueDepth > c.backlog {
				h.Issues = append(h.Issues, fmt.Sprintf("backlog %d above %d", load.QueueDepth, c.backlog))
			}
			c.mu.Lock()
			prev, seen := c.lastProcessed[name]
			if seen && load.CPUPercent >= c.cpu && load.Processed == prev {
				c.stuck[name]++
			} else {
				c.stuck[name] = 0
			}
			c.lastProcessed[name] = load.Processed
			n := c.stuck[name]
			c.mu.Unlock()
			if n >= c.stuckSamples {
				h.Issues = append(h.Issues, fmt.Sprintf("stuck: cpu %.0f%% with no progress for %d samples", load.CPUPercent, n))
			}
		}
	}
	h.Healthy = len(h.Issues) == 0
	return h
}

// CheckOnce assesses both healers and repairs as needed. It returns
// ErrRepairInProgress without doing anything if another check is repairing.
func (c *Coordinator) CheckOnce(ctx context.Context) (CheckResult, error) {
	if !c.inProgress.CompareAndSwap(false, true) {
		return CheckResult{}, ErrRepairInProgress
	}
	defer c.inProgress.Store(false)

	a, b := c.Assess(c.healers[0]), c.Assess(c.healers[1])
	c.recordHealth(a, b)
	res := CheckResult{Health: []Health{a, b}}

	if a.Settling || b.Settling {
		res.Outcome = OutcomeDeferred
		c.logger.Debug("healer settling, repair deferred", "first", a.Issues, "second", b.Issues)
		return res, nil
	}

	switch {
	case a.Healthy && b.Healthy:
		res.Outcome = OutcomeHealthy
		return res, c.reset(ctx)

	case a.Healthy != b.Healthy:
		good, bad := a, b
		if !a.Healthy {
			good, bad = b, a
		}
		c.logger.Warn("healer unhealthy, mutual repair", "kernel", bad.Kernel, "repairer", good.Kernel, "issues", bad.Issues)
		restarted, err := c.restart(shared.WithActor(ctx, good.Kernel), bad, good.Kernel, "mutual")
		res.Outcome = OutcomeMutualRepair
		if restarted {
			res.Repaired = []string{bad.Kernel}
		} else if err == nil {
			res.Outcome = OutcomeDeferred
		}
		return res, err

	default:
		return c.breakDeadlock(ctx, res)
	}
}

// breakDeadlock restarts the lower-risk healer, waits for it, restarts the
// other, and re-checks both. Anything still unhealthy goes to the guard.
func (c *Coordinator) breakDeadlock(ctx context.Context, res CheckResult) (CheckResult, error) {
	c.logger.Error("both healers unhealthy, breaking deadlock",
		"first", c.healers[0], "second", c.healers[1],
		"issues_first", res.Health[0].Issues, "issues_second", res.Health[1].Issues,
	)
	ctx = shared.WithActor(ctx, shared.ActorCoordinator)
	var errs []error
	for i, name := range c.healers {
		restarted, err := c.restart(ctx, res.Health[i], shared.ActorCoordinator, "deadlock")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if restarted {
			res.Repaired = append(res.Repaired, name)
		}
		if !c.awaitStable(ctx, name) {
			c.logger.Warn("healer did not stabilize", "kernel", name, "waited", c.stabilizeTimeout)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	a, b := c.Assess(c.healers[0]), c.Assess(c.healers[1])
	c.recordHealth(a, b)
	res.Health = []Health{a, b}
	if a.Healthy && b.Healthy {
		res.Outcome = OutcomeDeadlockResolved
		c.logger.Info("healer deadlock resolved")
		return res, c.reset(ctx)
	}

	res.Outcome = OutcomeEscalated
	reason := "healer pair still unhealthy after deadlock restart"
	if len(errs) > 0 {
		reason = fmt.Sprintf("%s: %v", reason, errors.Join(errs...))
	}
	c.logger.Error("escalating to healer watchdog", "reason", reason)
	if c.guard != nil {
		c.guard.Escalated(reason)
	}
	return res, nil
}

// restart restarts the generation of h.Kernel that was assessed. It reports
// false with no error when another operation replaced that generation first.
func (c *Coordinator) restart(ctx context.Context, h Health, actor, mode string) (bool, error) {
	target := h.Kernel
	err := c.control.RestartGeneration(ctx, target, h.Generation)
	if errors.Is(err, controlplane.ErrStaleGeneration) {
		c.logger.Info("healer already replaced, skipping repair", "kernel", target, "assessed_generation", h.Generation, "mode", mode)
		return false, nil
	}
	ev := bus.Repair{Target: target, Actor: actor, Mode: mode}
	if err != nil {
		ev.Error = err.Error()
		err = fmt.Errorf("%s repair of %s: %w", mode, target, err)
	}
	c.events.Emit(ev)
	c.telemetry.RecordRepair(ctx, target, mode)

	c.mu.Lock()
	c.stuck[target] = 0
	delete(c.lastProcessed, target)
	c.mu.Unlock()
	return err == nil, err
}

func (c *Coordinator) awaitStable(ctx context.Context, name string) bool {
	deadline := time.NewTimer(c.stabilizeTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.stabilizePoll)
	defer poll.Stop()
	for {
		if snap, err := c.control.Snapshot(name); err == nil {
			if cond, _ := classify(snap, c.staleAfter, time.Now()); cond == condUp {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
		}
	}
}

func (c *Coordinator) recordHealth(hs ...Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hs {
		if !h.Settling {
			c.healthy[h.Kernel] = h.Healthy
		}
	}
}

// reset clears the escalation state once both healers are healthy again.
func (c *Coordinator) reset(ctx context.Context) error {
	c.mu.Lock()
	for k := range c.stuck {
		c.stuck[k] = 0
	}
	c.mu.Unlock()
	revoked, err := c.delegates.Revoke(ctx, "both healers healthy")
	if revoked {
		c.logger.Info("escalation state reset")
	}
	return err
}

// State returns a copy of the escalation state.
func (c *Coordinator) State() EscalationState {
	c.mu.Lock()
	st := EscalationState{
		Healthy:      maps.Clone(c.healthy),
		StuckCounter: maps.Clone(c.stuck),
	}
	c.mu.Unlock()
	st.RepairInProgress = c.inProgress.Load()
	st.EmergencyDelegates = c.delegates.Active()
	return st
}

// Escalate runs a check immediately; the heartbeat watchdog calls it when
// both healers are failing. A check already in progress covers the request.
func (c *Coordinator) Escalate(ctx context.Context, kernels []string) error {
	c.logger.Warn("healer pair escalation received", "kernels", kernels)
	_, err := c.CheckOnce(ctx)
	if errors.Is(err, ErrRepairInProgress) {
		return nil
	}
	return err
}

// Start runs CheckOnce every interval until Stop or ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("mutual repair coordinator started", "healers", c.healers, "interval", c.interval)
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("mutual repair coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.CheckOnce(ctx)
			switch {
			case errors.Is(err, ErrRepairInProgress):
			case err != nil:
				c.logger.Error("repair check failed", "outcome", res.Outcome, "error", err)
			}
		}
	}
}
