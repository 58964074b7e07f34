// Package boot brings a kernel registry up wave by wave. Each wave boots
// concurrently, and a wave starts only after every kernel of the previous
// wave resolved as booted, skipped, degraded or failed.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/readiness"
	"github.com/basket/grace/internal/shared"
)

const (
	defaultBackoffBase  = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultHeavyLimit   = 1
	defaultPollInterval = 50 * time.Millisecond
	defaultBootTimeout  = 30 * time.Second
)

// Lifecycle is the part of the control plane the orchestrator drives.
type Lifecycle interface {
	Boot(ctx context.Context, name string) error
	BootDegraded(ctx context.Context, name string) error
	Fail(ctx context.Context, name, reason string) error
	Stop(ctx context.Context, name string) error
	Snapshot(name string) (controlplane.Snapshot, error)
}

// Config wires an Orchestrator.
type Config struct {
	Registry  *kernel.Registry
	Control   Lifecycle
	Readiness readiness.Checker // nil: every kernel is ready once Running
	Flags     map[string]bool
	Events    audit.Emitter
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	BackoffBase  time.Duration // wait after a failed attempt n is BackoffBase * 2^(n-1)
	MaxBackoff   time.Duration
	HeavyLimit   int64         // concurrent attempts of resource-intensive kernels
	PollInterval time.Duration // readiness and heartbeat polling during an attempt
	BootTimeout  time.Duration // fallback when a descriptor sets none
}

// Orchestrator boots and shuts down a registry of kernels.
type Orchestrator struct {
	registry  *kernel.Registry
	control   Lifecycle
	readiness readiness.Checker
	flags     map[string]bool
	events    audit.Emitter
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer

	backoffBase  time.Duration
	maxBackoff   time.Duration
	pollInterval time.Duration
	bootTimeout  time.Duration
	heavy        *semaphore.Weighted
}

type nopEmitter struct{}

func (nopEmitter) Emit(bus.Payload) {}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("boot: registry is required")
	}
	if cfg.Control == nil {
		return nil, fmt.Errorf("boot: control plane is required")
	}
	o := &Orchestrator{
		registry:     cfg.Registry,
		control:      cfg.Control,
		readiness:    cfg.Readiness,
		flags:        cfg.Flags,
		events:       cfg.Events,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		backoffBase:  cfg.BackoffBase,
		maxBackoff:   cfg.MaxBackoff,
		pollInterval: cfg.PollInterval,
		bootTimeout:  cfg.BootTimeout,
	}
	if o.events == nil {
		o.events = nopEmitter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if o.backoffBase < 0 {
		o.backoffBase = 0
	} else if o.backoffBase == 0 {
		o.backoffBase = defaultBackoffBase
	}
	if o.maxBackoff <= 0 {
		o.maxBackoff = defaultMaxBackoff
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.bootTimeout <= 0 {
		o.bootTimeout = defaultBootTimeout
	}
	limit := cfg.HeavyLimit
	if limit <= 0 {
		limit = defaultHeavyLimit
	}
	o.heavy = semaphore.NewWeighted(limit)
	return o, nil
}

// BootAll plans the registry into waves and boots them in order. A
// dependency cycle aborts before any kernel starts. A critical kernel that
// exhausts its attempts aborts the boot once the rest of its wave resolved;
// the returned error then matches ErrCriticalBoot. The report is returned in
// every case.
func (o *Orchestrator) BootAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	bootID := shared.NewBootID()
	ctx = shared.WithBootID(shared.WithActor(ctx, shared.ActorBoot), bootID)
	ctx, span := otel.StartSpan(ctx, o.tracer, "boot.all", otel.AttrBootID.String(bootID))
	defer span.End()

	waves, err := Plan(o.registry)
	if err != nil {
		report := &Report{BootID: bootID, Started: start}
		o.finish(ctx, span, report, err)
		return report, err
	}

	report := newReport(bootID, waves)
	o.logger.InfoContext(ctx, "boot started", "waves", len(waves), "kernels", o.registry.Len())

	for i, wave := range waves {
		if err := o.bootWave(ctx, report, i, wave); err != nil {
			o.finish(ctx, span, report, err)
			return report, err
		}
	}
	o.finish(ctx, span, report, nil)
	return report, nil
}

func (o *Orchestrator) bootWave(ctx context.Context, report *Report, idx int, wave Wave) error {
	ctx, span := otel.StartSpan(ctx, o.tracer, "boot.wave", otel.AttrWave.Int(idx))
	defer span.End()
	o.logger.InfoContext(ctx, "boot wave", "wave", idx, "kernels", wave.Names())

	// Plain Group: a critical failure must not cancel its wave siblings.
	var g errgroup.Group
	for _, d := range wave {
		g.Go(func() error { return o.bootKernel(ctx, report, idx, d) })
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return ctx.Err()
}

func (o *Orchestrator) bootKernel(ctx context.Context, report *Report, wave int, d kernel.Descriptor) error {
	start := time.Now()
	if !d.Enabled(o.flags) {
		report.set(d.Name, func(kr *KernelResult) { kr.Outcome = OutcomeSkipped })
		o.emitAttempt(ctx, bus.BootAttempt{
			Kernel:  d.Name,
			Outcome: string(OutcomeSkipped),
			Error:   fmt.Sprintf("feature flag %s disabled", d.FeatureFlag),
		})
		o.logger.InfoContext(ctx, "kernel skipped", "kernel", d.Name, "feature_flag", d.FeatureFlag)
		return nil
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "boot.kernel",
		otel.AttrKernel.String(d.Name),
		otel.AttrTier.String(d.Tier.String()),
		otel.AttrWave.Int(wave),
	)
	defer span.End()

	maxAttempts := d.MaxRetries + 1
	extended := false
	attempts := 0
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		res := o.attempt(ctx, d, attempt, maxAttempts)
		extended = extended || res.extended
		if res.err == nil {
			report.set(d.Name, func(kr *KernelResult) {
				kr.Outcome = OutcomeBooted
				kr.Attempts = attempt
				kr.Extended = extended
				kr.Elapsed = time.Since(start)
			})
			span.SetAttributes(otel.AttrOutcome.String(string(OutcomeBooted)), otel.AttrAttempt.Int(attempt))
			return nil
		}
		lastErr = res.err
		if ctx.Err() != nil || attempt == maxAttempts {
			break
		}
		if err := sleepCtx(ctx, o.backoff(attempt)); err != nil {
			break
		}
	}

	if d.Critical {
		err := &CriticalError{Kernel: d.Name, Attempts: attempts, Err: lastErr}
		report.set(d.Name, func(kr *KernelResult) {
			kr.Outcome = OutcomeFailed
			kr.Attempts = attempts
			kr.Extended = extended
			kr.Error = lastErr.Error()
			kr.Elapsed = time.Since(start)
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("critical kernel failed to boot", "kernel", d.Name, "attempts", attempts, "error", lastErr)
		return err
	}

	outcome, err := o.degrade(ctx, d)
	if err != nil {
		lastErr = err
	}
	report.set(d.Name, func(kr *KernelResult) {
		kr.Outcome = outcome
		kr.Attempts = attempts
		kr.Extended = extended
		kr.Error = lastErr.Error()
		kr.Elapsed = time.Since(start)
	})
	span.SetAttributes(otel.AttrOutcome.String(string(outcome)))
	if outcome == OutcomeDegraded {
		o.logger.Warn("kernel booted degraded", "kernel", d.Name, "attempts", attempts, "error", lastErr)
	} else {
		o.logger.Warn("kernel failed to boot", "kernel", d.Name, "attempts", attempts, "error", lastErr)
	}
	return nil
}

// degrade runs the reduced-functionality start path of a non-critical kernel
// whose normal attempts are exhausted.
func (o *Orchestrator) degrade(ctx context.Context, d kernel.Descriptor) (Outcome, error) {
	start := time.Now()
	if d.ResourceIntensive {
		if err := o.heavy.Acquire(ctx, 1); err != nil {
			return OutcomeFailed, err
		}
		defer o.heavy.Release(1)
	}
	dctx, cancel := context.WithTimeout(ctx, o.timeoutFor(d)+d.GraceWindow)
	defer cancel()

	err := o.control.BootDegraded(dctx, d.Name)
	outcome := OutcomeDegraded
	ev := bus.BootAttempt{Kernel: d.Name, Outcome: string(OutcomeDegraded), Elapsed: time.Since(start)}
	switch {
	case errors.Is(err, controlplane.ErrCapabilityUnavailable):
		// No degraded path; leave the kernel Failed.
		outcome = OutcomeFailed
		_ = o.control.Fail(ctx, d.Name, "boot attempts exhausted")
		ev.Outcome = string(OutcomeFailed)
		ev.Error = "no degraded start path"
		err = nil
	case err != nil:
		outcome = OutcomeFailed
		ev.Outcome = string(OutcomeFailed)
		ev.Error = err.Error()
		err = fmt.Errorf("degraded start: %w", err)
	}
	o.emitAttempt(ctx, ev)
	o.metrics.RecordBootAttempt(ctx, d.Name, ev.Outcome, ev.Elapsed.Seconds())
	return outcome, err
}

type attemptResult struct {
	err      error
	extended bool
}

// attempt runs one boot attempt: Boot, then wait for readiness, all within
// the boot timeout. The timeout is extended once by the grace window when the
// kernel is seen heartbeating. A kernel left alive by a failed attempt is
// failed before returning, so the next attempt boots a fresh generation.
func (o *Orchestrator) attempt(ctx context.Context, d kernel.Descriptor, n, maxAttempts int) attemptResult {
	start := time.Now()
	ev := bus.BootAttempt{Kernel: d.Name, Attempt: n, MaxAttempts: maxAttempts}
	var res attemptResult
	defer func() {
		ev.Elapsed = time.Since(start)
		ev.Extended = res.extended
		if snap, err := o.control.Snapshot(d.Name); err == nil {
			ev.CachedState = snap.CachedState
		}
		o.emitAttempt(ctx, ev)
		o.metrics.RecordBootAttempt(ctx, d.Name, ev.Outcome, ev.Elapsed.Seconds())
	}()

	if d.ResourceIntensive {
		if err := o.heavy.Acquire(ctx, 1); err != nil {
			res.err = err
			ev.Outcome, ev.Error = "error", err.Error()
			return res
		}
		defer o.heavy.Release(1)
	}

	before, _ := o.control.Snapshot(d.Name)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.bootAndAwaitReady(actx, d.Name) }()

	deadline := start.Add(o.timeoutFor(d))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	poll := time.NewTicker(o.pollInterval)
	defer poll.Stop()

	timedOut := false
	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-poll.C:
			if !res.extended && d.GraceWindow > 0 && o.heartbeatSeen(d.Name, before.Generation) {
				res.extended = true
				deadline = deadline.Add(d.GraceWindow)
				timer.Reset(time.Until(deadline))
				o.logger.Debug("boot timeout extended", "kernel", d.Name, "attempt", n, "grace_window", d.GraceWindow)
			}
		case <-timer.C:
			timedOut = true
			cancel()
			err = <-done
			break wait
		}
	}

	if err == nil {
		ev.Outcome = string(OutcomeBooted)
		return res
	}
	switch {
	case errors.Is(err, ErrNotReady):
		ev.Outcome = "not_ready"
	case timedOut:
		ev.Outcome = "timeout"
		err = fmt.Errorf("%w after %s: %w", ErrBootTimeout, time.Since(start).Round(time.Millisecond), err)
	default:
		ev.Outcome = "error"
	}
	ev.Error = err.Error()
	res.err = err
	if snap, serr := o.control.Snapshot(d.Name); serr == nil && snap.State != kernel.StateFailed {
		_ = o.control.Fail(context.WithoutCancel(ctx), d.Name, ev.Outcome)
	}
	o.logger.WarnContext(ctx, "boot attempt failed", "kernel", d.Name, "attempt", n, "max_attempts", maxAttempts, "outcome", ev.Outcome, "error", err)
	return res
}

func (o *Orchestrator) bootAndAwaitReady(ctx context.Context, name string) error {
	if err := o.control.Boot(ctx, name); err != nil {
		return err
	}
	if o.readiness == nil {
		return nil
	}
	for {
		res := o.readiness.Check(ctx, name)
		if res.OverallReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrNotReady, res.Summary())
		case <-time.After(o.pollInterval):
		}
	}
}

// heartbeatSeen reports whether a generation newer than before has called
// its beat callback. The heartbeat stamp set when Start returns is not a beat.
func (o *Orchestrator) heartbeatSeen(name string, before uint64) bool {
	s, err := o.control.Snapshot(name)
	if err != nil {
		return false
	}
	return s.Generation > before && s.Beats > 0
}

func (o *Orchestrator) timeoutFor(d kernel.Descriptor) time.Duration {
	if d.BootTimeout > 0 {
		return d.BootTimeout
	}
	return o.bootTimeout
}

func (o *Orchestrator) backoff(failedAttempt int) time.Duration {
	wait := o.backoffBase
	for i := 1; i < failedAttempt && wait < o.maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, o.maxBackoff)
}

func (o *Orchestrator) emitAttempt(ctx context.Context, ev bus.BootAttempt) {
	ev.BootID = shared.BootID(ctx)
	o.events.Emit(ev)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, report *Report, err error) {
	report.Duration = time.Since(report.Started)
	outcome := "ok"
	if err != nil {
		report.Aborted = true
		report.Reason = err.Error()
		outcome = "aborted"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if len(report.Failed()) > 0 || len(report.Degraded()) > 0 {
		outcome = "partial"
	}
	ev := bus.BootCompleted{
		BootID:   report.BootID,
		Waves:    len(report.Waves),
		Booted:   len(report.Booted()),
		Skipped:  len(report.Skipped()),
		Degraded: len(report.Degraded()),
		Failed:   len(report.Failed()),
		Aborted:  report.Aborted,
		Reason:   report.Reason,
	}
	o.events.Emit(ev)
	o.metrics.RecordBoot(ctx, outcome, report.Duration.Seconds())
	span.SetAttributes(otel.AttrOutcome.String(outcome))

	if err != nil {
		o.logger.Error("boot aborted", "boot_id", report.BootID, "duration", report.Duration, "error", err)
		return
	}
	o.logger.Info("boot completed",
		"boot_id", report.BootID,
		"duration", report.Duration,
		"booted", ev.Booted,
		"skipped", ev.Skipped,
		"degraded", ev.Degraded,
		"failed", ev.Failed,
	)
}

// ShutdownAll stops kernels in reverse wave order; kernels within a wave stop
// concurrently.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	waves, err := Plan(o.registry)
	if err != nil {
		return err
	}
	ctx = shared.WithActor(ctx, shared.ActorBoot)
	for i := len(waves) - 1; i >= 0; i-- {
		var g errgroup.Group
		for _, d := range waves[i] {
			g.Go(func() error {
				if err := o.control.Stop(ctx, d.Name); err != nil {
					return fmt.Errorf("stop %s: %w", d.Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	o.logger.Info("all kernels stopped", "waves", len(waves))
	return nil
}

// CriticalError reports a critical kernel that exhausted its boot attempts.
// It matches ErrCriticalBoot and unwraps to the last attempt's error.
type CriticalError struct {
	Kernel   string
	Attempts int
	Err      error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical kernel %s failed to boot after %d attempt(s): %v", e.Kernel, e.Attempts, e.Err)
}

func (e *CriticalError) Unwrap() []error {
	return []error{ErrCriticalBoot, e.Err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
