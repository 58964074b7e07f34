// Package controlplane owns the run state of every kernel. It starts, stops,
// pauses and restarts kernels, supervises their workers, sweeps heartbeats,
// and exposes the remediation primitives the repair layer calls.
//
// All mutation of a kernel's runtime goes through ControlPlane methods. Each
// kernel has an operation lock that serializes lifecycle calls, so at most one
// worker generation of a kernel is live at any time.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/shared"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultSweepInterval    = 5 * time.Second
	defaultSettleDelay      = time.Second
	defaultStopTimeout      = 10 * time.Second
)

// Config holds the dependencies and timing for a ControlPlane.
type Config struct {
	Registry *kernel.Registry
	Events   audit.Emitter
	Logger   *slog.Logger
	Metrics  *otel.Metrics

	HeartbeatTimeout time.Duration // steady-state hard timeout
	SweepInterval    time.Duration
	SettleDelay      time.Duration // pause between stop and boot on restart
	StopTimeout      time.Duration // how long Stop waits for a worker to exit

	// Remediation collaborators. Nil collaborators make the matching
	// primitive return ErrCapabilityUnavailable.
	Authorizer Authorizer
	Scaler     WorkerScaler
	Weights    WeightRestorer
}

// runtime is the mutable record of one kernel. Fields below mu are guarded
// by mu; op serializes lifecycle operations.
type runtime struct {
	desc kernel.Descriptor
	impl kernel.Kernel
	op   sync.Mutex

	mu            sync.Mutex
	state         kernel.State
	startedAt     time.Time
	lastHeartbeat time.Time
	beats         uint64 // beats from the current generation's callback
	restartCount  int
	exhausted     bool
	recovering    bool // a sweep restart failed; the sweep retries it
	cached        any
	generation    uint64
	cancel        context.CancelFunc
	done          chan struct{}
	pending       chan struct{} // worker that outlived its stop timeout
	exited        bool
	exitErr       error
}

// ControlPlane is the single owner of kernel runtimes.
type ControlPlane struct {
	registry *kernel.Registry
	events   audit.Emitter
	logger   *slog.Logger
	metrics  *otel.Metrics

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	settleDelay      time.Duration
	stopTimeout      time.Duration

	runtimes map[string]*runtime
	order    []string

	base       context.Context
	baseCancel context.CancelFunc

	mu              sync.Mutex
	degradedKernels map[string]string

	// remMu is taken before any kernel op lock.
	remMu sync.Mutex
	rem   remediationState

	authorizer Authorizer
	scaler     WorkerScaler
	weights    WeightRestorer

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

type nopEmitter struct{}

func (nopEmitter) Emit(bus.Payload) {}

// New creates a ControlPlane with one Stopped runtime per registered kernel.
func New(cfg Config) (*ControlPlane, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("controlplane: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = nopEmitter{}
	}
	cp := &ControlPlane{
		registry:         cfg.Registry,
		events:           events,
		logger:           logger,
		metrics:          cfg.Metrics,
		heartbeatTimeout: orDuration(cfg.HeartbeatTimeout, defaultHeartbeatTimeout),
		sweepInterval:    orDuration(cfg.SweepInterval, defaultSweepInterval),
		settleDelay:      cfg.SettleDelay,
		stopTimeout:      orDuration(cfg.StopTimeout, defaultStopTimeout),
		runtimes:         make(map[string]*runtime, cfg.Registry.Len()),
		order:            cfg.Registry.Names(),
		degradedKernels:  make(map[string]string),
		rem:              newRemediationState(),
		authorizer:       cfg.Authorizer,
		scaler:           cfg.Scaler,
		weights:          cfg.Weights,
	}
	if cfg.SettleDelay < 0 {
		cp.settleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cp.settleDelay = defaultSettleDelay
	}
	cp.base, cp.baseCancel = context.WithCancel(context.Background())
	for _, name := range cp.order {
		d, _ := cfg.Registry.Descriptor(name)
		impl, _ := cfg.Registry.Kernel(name)
		cp.runtimes[name] = &runtime{desc: d, impl: impl, state: kernel.StateStopped}
	}
	return cp, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Registry returns the registry the control plane was built from.
func (cp *ControlPlane) Registry() *kernel.Registry {
	return cp.registry
}

// HeartbeatTimeout returns the steady-state heartbeat timeout.
func (cp *ControlPlane) HeartbeatTimeout() time.Duration {
	return cp.heartbeatTimeout
}

func (cp *ControlPlane) lookup(name string) (*runtime, error) {
	rt, ok := cp.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKernel, name)
	}
	return rt, nil
}

// setState moves rt to `to` and emits exactly one transition event. Callers
// hold rt.op, which keeps per-kernel events in occurrence order.
func (cp *ControlPlane) setState(rt *runtime, to kernel.State, action, actor, reason string) {
	rt.mu.Lock()
	from := rt.state
	rt.state = to
	gen := rt.generation
	rt.mu.Unlock()
	if from == to {
		return
	}

	cp.events.Emit(bus.KernelTransition{
		Kernel:     rt.desc.Name,
		From:       from,
		To:         to,
		Action:     action,
		Actor:      actor,
		Reason:     reason,
		Generation: gen,
	})
	ctx := context.Background()
	cp.metrics.RecordTransition(ctx, rt.desc.Name, string(from), string(to))
	switch {
	case !from.Alive() && to.Alive():
		cp.metrics.RecordRunning(ctx, rt.desc.Name, 1)
	case from.Alive() && !to.Alive():
		cp.metrics.RecordRunning(ctx, rt.desc.Name, -1)
	}
	cp.logger.Debug("kernel transition",
		"kernel", rt.desc.Name,
		"from", from,
		"to", to,
		"action", action,
		"actor", actor,
		"generation", gen,
	)
}

// beatFor returns the heartbeat callback for one worker generation. Beats
// from a superseded generation, or while the kernel is not live, are dropped.
func (cp *ControlPlane) beatFor(rt *runtime, gen uint64) kernel.Beat {
	return func() {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if rt.generation != gen {
			return
		}
		switch rt.state {
		case kernel.StateStarting, kernel.StateRunning, kernel.StatePaused, kernel.StateDegraded:
			rt.lastHeartbeat = time.Now()
			rt.beats++
		}
	}
}

// Heartbeat records liveness for name. It never touches any other field.
func (cp *ControlPlane) Heartbeat(name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	gen := rt.generation
	rt.mu.Unlock()
	cp.beatFor(rt, gen)()
	return nil
}

// Boot starts a Stopped or Failed kernel: Starting, then Running with a
// supervised worker. A start error leaves the kernel Failed and returns a
// *BootError.
func (cp *ControlPlane) Boot(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return cp.bootLocked(ctx, rt, "boot", shared.ActorOr(ctx, shared.ActorControlPlane), false)
}

// BootDegraded starts a kernel through its reduced-functionality path. It is
// the boot orchestrator's fallback once normal retries are exhausted.
func (cp *ControlPlane) BootDegraded(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	if _, ok := rt.impl.(kernel.Degradable); !ok {
		return fmt.Errorf("%w: %s has no degraded start path", ErrCapabilityUnavailable, name)
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return cp.bootLocked(ctx, rt, "degrade", shared.ActorOr(ctx, shared.ActorBoot), true)
}

func (cp *ControlPlane) bootLocked(ctx context.Context, rt *runtime, action, actor string, degraded bool) error {
	rt.mu.Lock()
	from := rt.state
	rt.mu.Unlock()
	switch from {
	case kernel.StateStopped, kernel.StateFailed:
	default:
		return transitionErr(rt.desc.Name, string(from), action)
	}
	if err := cp.awaitPendingLocked(ctx, rt); err != nil {
		return err
	}

	now := time.Now()
	rt.mu.Lock()
	rt.generation++
	gen := rt.generation
	rt.startedAt = now
	rt.lastHeartbeat = now
	rt.beats = 0
	rt.exited = false
	rt.exitErr = nil
	cached := rt.cached
	rt.mu.Unlock()
	cp.setState(rt, kernel.StateStarting, action, actor, "")

	beat := cp.beatFor(rt, gen)
	startCtx := shared.WithGeneration(ctx, gen)
	err := runSafely(func() error {
		if degraded {
			return rt.impl.(kernel.Degradable).StartDegraded(startCtx, beat)
		}
		if r, ok := rt.impl.(kernel.Resumable); ok {
			snap, err := r.StartFrom(startCtx, cached, beat)
			if snap != nil {
				rt.mu.Lock()
				rt.cached = snap
				rt.mu.Unlock()
			}
			return err
		}
		return rt.impl.Start(startCtx, beat)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cp.setState(rt, kernel.StateFailed, action, actor, err.Error())
		cp.logger.Warn("kernel start failed", "kernel", rt.desc.Name, "degraded", degraded, "error", err)
		return &BootError{Kernel: rt.desc.Name, Critical: rt.desc.Critical, Err: err}
	}

	rt.mu.Lock()
	rt.lastHeartbeat = time.Now()
	rt.recovering = false
	rt.mu.Unlock()
	cp.spawnLocked(rt, gen, beat)

	to := kernel.StateRunning
	if degraded {
		to = kernel.StateDegraded
	}
	cp.setState(rt, to, action, actor, "")
	cp.logger.Info("kernel started", "kernel", rt.desc.Name, "state", to, "generation", gen)
	return nil
}

// spawnLocked starts the supervised worker for generation gen.
func (cp *ControlPlane) spawnLocked(rt *runtime, gen uint64, beat kernel.Beat) {
	wctx, cancel := context.WithCancel(shared.WithGeneration(cp.base, gen))
	done := make(chan struct{})
	rt.mu.Lock()
	rt.cancel = cancel
	rt.done = done
	rt.mu.Unlock()

	go func() {
		defer close(done)
		err := runSafely(func() error { return rt.impl.Run(wctx, beat) })
		if wctx.Err() != nil {
			return
		}
		rt.mu.Lock()
		if rt.generation == gen {
			rt.exited = true
			rt.exitErr = err
		}
		rt.mu.Unlock()
		cp.logger.Warn("kernel worker exited unexpectedly", "kernel", rt.desc.Name, "generation", gen, "error", err)
	}()
}

// stopWorkerLocked cancels the live worker and waits for it to exit. A
// worker still running after the stop timeout is recorded as pending and
// ErrWorkerStuck is returned; no new generation boots until it exits.
func (cp *ControlPlane) stopWorkerLocked(rt *runtime) error {
	rt.mu.Lock()
	cancel, done := rt.cancel, rt.done
	rt.cancel, rt.done = nil, nil
	rt.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t := time.NewTimer(cp.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	}
	rt.mu.Lock()
	rt.pending = done
	rt.mu.Unlock()
	cp.logger.Error("kernel worker ignored cancellation", "kernel", rt.desc.Name, "waited", cp.stopTimeout)
	return fmt.Errorf("%w: %s after %s", ErrWorkerStuck, rt.desc.Name, cp.stopTimeout)
}

// awaitPendingLocked waits up to the stop timeout for a worker that outlived
// an earlier stop.
func (cp *ControlPlane) awaitPendingLocked(ctx context.Context, rt *runtime) error {
	rt.mu.Lock()
	pending := rt.pending
	rt.mu.Unlock()
	if pending == nil {
		return nil
	}
	t := time.NewTimer(cp.stopTimeout)
	defer t.Stop()
	select {
	case <-pending:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("%w: %s still running from an earlier generation", ErrWorkerStuck, rt.desc.Name)
	}
	rt.mu.Lock()
	rt.pending = nil
	rt.mu.Unlock()
	return nil
}

// Stop cancels the kernel's worker, waits for it to exit, and leaves the
// kernel Stopped with no heartbeat. Stopping a Stopped kernel is a no-op.
func (cp *ControlPlane) Stop(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return cp.stopLocked(rt, "stop", shared.ActorOr(ctx, shared.ActorControlPlane), "")
}

// stopLocked leaves the kernel Stopped, or Failed when its worker would not
// exit in time.
func (cp *ControlPlane) stopLocked(rt *runtime, action, actor, reason string) error {
	err := cp.stopWorkerLocked(rt)
	rt.mu.Lock()
	rt.lastHeartbeat = time.Time{}
	rt.exited = false
	rt.recovering = false
	rt.mu.Unlock()
	if err != nil {
		cp.setState(rt, kernel.StateFailed, action, actor, err.Error())
		return err
	}
	cp.setState(rt, kernel.StateStopped, action, actor, reason)
	return nil
}

// Fail abandons a kernel: a live worker is stopped first (the kernel passes
// through Stopped), then the kernel is left Failed. The boot orchestrator
// uses it for attempts that came up but never passed readiness.
func (cp *ControlPlane) Fail(ctx context.Context, name, reason string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	actor := shared.ActorOr(ctx, shared.ActorControlPlane)
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	rt.mu.Lock()
	rt.recovering = false
	rt.mu.Unlock()
	if state == kernel.StateFailed {
		return nil
	}
	if state != kernel.StateStopped {
		err = cp.stopLocked(rt, "fail", actor, reason)
	}
	cp.setState(rt, kernel.StateFailed, "fail", actor, reason)
	return err
}

// Pause moves a Running kernel to Paused. Pausing a Paused kernel is a no-op.
func (cp *ControlPlane) Pause(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	_, err = cp.pauseLocked(rt, shared.ActorOr(ctx, shared.ActorOperator), "")
	return err
}

func (cp *ControlPlane) pauseLocked(rt *runtime, actor, reason string) (bool, error) {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	switch state {
	case kernel.StatePaused:
		return false, nil
	case kernel.StateRunning:
	default:
		return false, transitionErr(rt.desc.Name, string(state), "pause")
	}
	if p, ok := rt.impl.(kernel.Pausable); ok {
		p.Pause()
	}
	cp.setState(rt, kernel.StatePaused, "pause", actor, reason)
	return true, nil
}

// Resume moves a Paused kernel back to Running. Resuming a Running kernel is a no-op.
func (cp *ControlPlane) Resume(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	_, err = cp.resumeLocked(rt, shared.ActorOr(ctx, shared.ActorOperator), "")
	return err
}

func (cp *ControlPlane) resumeLocked(rt *runtime, actor, reason string) (bool, error) {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	switch state {
	case kernel.StateRunning:
		return false, nil
	case kernel.StatePaused:
	default:
		return false, transitionErr(rt.desc.Name, string(state), "resume")
	}
	if p, ok := rt.impl.(kernel.Pausable); ok {
		p.Resume()
	}
	// A paused kernel is not swept; restart its heartbeat clock.
	rt.mu.Lock()
	rt.lastHeartbeat = time.Now()
	rt.mu.Unlock()
	cp.setState(rt, kernel.StateRunning, "resume", actor, reason)
	return true, nil
}

// Restart stops and reboots a kernel after the settle delay. restart_count is
// incremented unconditionally. A kernel the sweep has failed for good must be
// force-restarted instead.
func (cp *ControlPlane) Restart(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return cp.restartLocked(ctx, rt, "restart", shared.ActorOr(ctx, shared.ActorOperator), false)
}

// RestartGeneration restarts name like Restart, but only while gen is still
// its live generation. If another operation has already replaced gen it
// returns ErrStaleGeneration and leaves the kernel alone.
func (cp *ControlPlane) RestartGeneration(ctx context.Context, name string, gen uint64) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	rt.mu.Lock()
	cur := rt.generation
	rt.mu.Unlock()
	if cur != gen {
		return fmt.Errorf("%w: %s is at generation %d, not %d", ErrStaleGeneration, name, cur, gen)
	}
	return cp.restartLocked(ctx, rt, "restart", shared.ActorOr(ctx, shared.ActorOperator), false)
}

// ForceRestart restarts a kernel even when its restart budget is exhausted.
// The count still increments, so the normal cap applies again afterwards.
func (cp *ControlPlane) ForceRestart(ctx context.Context, name string) error {
	rt, err := cp.lookup(name)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return cp.restartLocked(ctx, rt, "force_restart", shared.ActorOr(ctx, shared.ActorHealerGuard), true)
}

func (cp *ControlPlane) restartLocked(ctx context.Context, rt *runtime, action, actor string, force bool) error {
	rt.mu.Lock()
	state := rt.state
	exhausted := rt.exhausted
	if !force && exhausted {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s (restart_count=%d, max_restarts=%d)", ErrRestartsExhausted, rt.desc.Name, rt.restartCount, rt.desc.MaxRestarts)
	}
	rt.restartCount++
	rt.exhausted = false
	count := rt.restartCount
	rt.mu.Unlock()

	cp.metrics.RecordRestart(ctx, rt.desc.Name, actor)
	cp.logger.Info("restarting kernel", "kernel", rt.desc.Name, "from", state, "restart_count", count, "actor", actor, "forced", force)

	cp.setState(rt, kernel.StateRestarting, action, actor, "")
	if err := cp.stopLocked(rt, action, actor, ""); err != nil {
		return err
	}

	if cp.settleDelay > 0 {
		t := time.NewTimer(cp.settleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return cp.bootLocked(ctx, rt, action, actor, false)
}

// Shutdown stops every kernel in reverse registration order and releases the
// control plane's worker context. Call StopSweeper first.
func (cp *ControlPlane) Shutdown(ctx context.Context) {
	for i := len(cp.order) - 1; i >= 0; i-- {
		_ = cp.Stop(ctx, cp.order[i])
	}
	cp.baseCancel()
}

// markSystemDegraded records that a critical kernel is permanently failed.
func (cp *ControlPlane) markSystemDegraded(name, reason string) {
	cp.mu.Lock()
	_, seen := cp.degradedKernels[name]
	cp.degradedKernels[name] = reason
	cp.mu.Unlock()
	if seen {
		return
	}
	cp.events.Emit(bus.SystemDegraded{Kernel: name, Reason: reason})
	cp.logger.Error("system degraded: critical kernel failed permanently", "kernel", name, "reason", reason)
}

// SystemDegraded reports whether any critical kernel has failed for good, and which.
func (cp *ControlPlane) SystemDegraded() (bool, []string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var names []string
	for _, name := range cp.order {
		if _, ok := cp.degradedKernels[name]; ok {
			names = append(names, name)
		}
	}
	return len(names) > 0, names
}

func runSafely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
