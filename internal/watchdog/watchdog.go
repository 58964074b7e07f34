// Package watchdog samples the heartbeats of a configured critical set and
// classifies how bad things are. It never restarts anything itself: single
// failures are left to the control plane's sweep, correlated failures open a
// diagnostic task, and a failing healer pair is handed to the repair layer.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/otel"
)

// Severity is the watchdog's classification of the critical set.
type Severity string

const (
	SeverityNormal     Severity = "normal"
	SeverityDiagnostic Severity = "diagnostic"
	SeverityEmergency  Severity = "emergency"
	SeverityHealerPair Severity = "healer_pair"
)

const (
	defaultInterval            = 2 * time.Second
	defaultSingleThreshold     = 30 * time.Second
	defaultCorrelatedThreshold = 15 * time.Second

	silentForever = time.Duration(math.MaxInt64)
)

// SnapshotSource reads kernel runtimes.
type SnapshotSource interface {
	Snapshot(name string) (controlplane.Snapshot, error)
}

// Diagnoser runs a diagnostic task over failing kernels and returns findings.
type Diagnoser interface {
	Diagnose(ctx context.Context, kernels []string) ([]string, error)
}

// Escalator takes over when both healers are failing.
type Escalator interface {
	Escalate(ctx context.Context, kernels []string) error
}

// Config wires a Trigger.
type Config struct {
	Source      SnapshotSource
	CriticalSet []string
	Healers     []string

	Interval            time.Duration
	SingleThreshold     time.Duration // one kernel this stale is degraded
	CorrelatedThreshold time.Duration // two or more this stale is an emergency

	Diagnoser Diagnoser
	Escalator Escalator
	Events    audit.Emitter
	Logger    *slog.Logger
	Metrics   *otel.Metrics
}

// Classification is the result of one sample of the critical set.
type Classification struct {
	Severity   Severity
	Degraded   []string // older than the single-kernel threshold
	Correlated []string // older than the correlated threshold
	At         time.Time
}

func (c Classification) key() string {
	return string(c.Severity) + "|" + strings.Join(c.Correlated, ",") + "|" + strings.Join(c.Degraded, ",")
}

// Trigger is the heartbeat watchdog.
type Trigger struct {
	source     SnapshotSource
	critical   []string
	healers    []string
	interval   time.Duration
	single     time.Duration
	correlated time.Duration
	diagnoser  Diagnoser
	escalator  Escalator
	events     audit.Emitter
	logger     *slog.Logger
	metrics    *otel.Metrics

	mu      sync.Mutex
	last    Classification
	lastKey string

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
}

type nopEmitter struct{}

func (nopEmitter) Emit(bus.Payload) {}

// New creates a Trigger.
func New(cfg Config) (*Trigger, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("watchdog: snapshot source is required")
	}
	t := &Trigger{
		source:     cfg.Source,
		critical:   slices.Clone(cfg.CriticalSet),
		healers:    slices.Clone(cfg.Healers),
		interval:   cfg.Interval,
		single:     cfg.SingleThreshold,
		correlated: cfg.CorrelatedThreshold,
		diagnoser:  cfg.Diagnoser,
		escalator:  cfg.Escalator,
		events:     cfg.Events,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		last:       Classification{Severity: SeverityNormal},
	}
	if t.interval <= 0 {
		t.interval = defaultInterval
	}
	if t.single <= 0 {
		t.single = defaultSingleThreshold
	}
	if t.correlated <= 0 {
		t.correlated = defaultCorrelatedThreshold
	}
	if t.correlated > t.single {
		return nil, fmt.Errorf("watchdog: correlated threshold %s must not exceed single threshold %s", t.correlated, t.single)
	}
	if t.events == nil {
		t.events = nopEmitter{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.lastKey = t.last.key()
	return t, nil
}

// staleness returns how long name has been silent, and whether it is
// watched right now. Stopped, paused or transitional kernels are not judged;
// a failed kernel or an exited worker counts as silent forever.
func (t *Trigger) staleness(name string, now time.Time) (time.Duration, bool) {
	s, err := t.source.Snapshot(name)
	if err != nil {
		return 0, false
	}
	switch s.State {
	case kernel.StateFailed:
		return silentForever, true
	case kernel.StateRunning, kernel.StateDegraded:
		if s.WorkerExited {
			return silentForever, true
		}
		return now.Sub(s.LastHeartbeat), true
	default:
		return 0, false
	}
}

// Classify samples the critical set once without side effects.
func (t *Trigger) Classify(now time.Time) Classification {
	c := Classification{Severity: SeverityNormal, At: now}
	for _, name := range t.critical {
		age, watched := t.staleness(name, now)
		if !watched {
			continue
		}
		if age > t.correlated {
			c.Correlated = append(c.Correlated, name)
		}
		if age > t.single {
			c.Degraded = append(c.Degraded, name)
		}
	}
	switch {
	case len(c.Correlated) >= 2 && t.healersIn(c.Correlated):
		c.Severity = SeverityHealerPair
	case len(c.Correlated) >= 2:
		c.Severity = SeverityEmergency
	case len(c.Degraded) > 0:
		c.Severity = SeverityDiagnostic
	}
	return c
}

func (t *Trigger) healersIn(names []string) bool {
	if len(t.healers) < 2 {
		return false
	}
	for _, h := range t.healers {
		if !slices.Contains(names, h) {
			return false
		}
	}
	return true
}

// Last returns the most recent classification.
func (t *Trigger) Last() Classification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Tick samples once and dispatches if the classification changed. It
// reports whether an escalation event was emitted.
func (t *Trigger) Tick(ctx context.Context) (Classification, bool) {
	c := t.Classify(time.Now())
	key := c.key()

	t.mu.Lock()
	changed := key != t.lastKey
	t.last = c
	t.lastKey = key
	t.mu.Unlock()
	if !changed {
		return c, false
	}

	kernels := c.Correlated
	if c.Severity == SeverityDiagnostic || c.Severity == SeverityNormal {
		kernels = c.Degraded
	}
	detail := t.describe(c)
	t.events.Emit(bus.Escalation{Severity: string(c.Severity), Kernels: kernels, Detail: detail})
	t.metrics.RecordEscalation(ctx, string(c.Severity))

	switch c.Severity {
	case SeverityNormal:
		t.logger.Info("critical set healthy")
	case SeverityDiagnostic:
		t.logger.Warn("critical kernel degraded", "kernels", kernels, "detail", detail)
	case SeverityEmergency:
		t.logger.Error("correlated critical failure", "kernels", kernels, "detail", detail)
		t.spawn(ctx, func(ctx context.Context) { t.diagnose(ctx, kernels) })
	case SeverityHealerPair:
		t.logger.Error("healer pair failing, handing off to repair", "kernels", kernels)
		t.spawn(ctx, func(ctx context.Context) {
			if t.escalator == nil {
				return
			}
			if err := t.escalator.Escalate(ctx, kernels); err != nil {
				t.logger.Error("healer pair escalation failed", "error", err)
			}
		})
	}
	return c, true
}

func (t *Trigger) describe(c Classification) string {
	switch c.Severity {
	case SeverityNormal:
		return "all critical kernels heartbeating"
	case SeverityDiagnostic:
		return fmt.Sprintf("%d kernel(s) silent longer than %s; control plane restart applies", len(c.Degraded), t.single)
	default:
		return fmt.Sprintf("%d kernel(s) silent longer than %s", len(c.Correlated), t.correlated)
	}
}

func (t *Trigger) diagnose(ctx context.Context, kernels []string) {
	if t.diagnoser == nil {
		return
	}
	findings, err := t.diagnoser.Diagnose(ctx, kernels)
	if err != nil {
		findings = append(findings, "diagnosis incomplete: "+err.Error())
	}
	t.events.Emit(bus.Diagnosis{Kernels: kernels, Findings: findings})
	t.logger.Info("diagnosis complete", "kernels", kernels, "findings", len(findings))
}

func (t *Trigger) spawn(ctx context.Context, fn func(context.Context)) {
	t.taskWG.Add(1)
	go func() {
		defer t.taskWG.Done()
		fn(ctx)
	}()
}

// Wait blocks until dispatched diagnostic and escalation tasks finish.
func (t *Trigger) Wait() {
	t.taskWG.Wait()
}

// Start samples the critical set every interval until Stop or ctx ends.
func (t *Trigger) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.loopWG.Add(1)
	go t.loop(ctx)
	t.logger.Info("heartbeat watchdog started",
		"interval", t.interval,
		"critical_set", t.critical,
		"single_threshold", t.single,
		"correlated_threshold", t.correlated,
	)
}

// Stop cancels the loop and waits for it and any dispatched tasks.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.loopWG.Wait()
	t.taskWG.Wait()
	t.logger.Info("heartbeat watchdog stopped")
}

func (t *Trigger) loop(ctx context.Context) {
	defer t.loopWG.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}
