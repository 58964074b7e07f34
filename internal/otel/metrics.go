package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the control-plane instruments.
type Metrics struct {
	BootAttemptDuration metric.Float64Histogram
	BootAttempts        metric.Int64Counter
	BootDuration        metric.Float64Histogram
	KernelTransitions   metric.Int64Counter
	KernelRestarts      metric.Int64Counter
	HeartbeatMisses     metric.Int64Counter
	KernelsRunning      metric.Int64UpDownCounter
	Escalations         metric.Int64Counter
	RepairActions       metric.Int64Counter
	RemediationCalls    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BootAttemptDuration, err = meter.Float64Histogram("grace.boot.attempt.duration",
		metric.WithDescription("Duration of a single kernel boot attempt in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BootAttempts, err = meter.Int64Counter("grace.boot.attempts",
		metric.WithDescription("Kernel boot attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.BootDuration, err = meter.Float64Histogram("grace.boot.duration",
		metric.WithDescription("Full BootAll duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.KernelTransitions, err = meter.Int64Counter("grace.kernel.transitions",
		metric.WithDescription("Kernel state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.KernelRestarts, err = meter.Int64Counter("grace.kernel.restarts",
		metric.WithDescription("Kernel restarts, including forced restarts"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatMisses, err = meter.Int64Counter("grace.heartbeat.misses",
		metric.WithDescription("Heartbeat misses detected by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.KernelsRunning, err = meter.Int64UpDownCounter("grace.kernel.running",
		metric.WithDescription("Number of kernels with a live worker"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("grace.escalations",
		metric.WithDescription("Watchdog escalations by severity"),
	)
	if err != nil {
		return nil, err
	}

	m.RepairActions, err = meter.Int64Counter("grace.repair.actions",
		metric.WithDescription("Repair actions taken by the healer layer"),
	)
	if err != nil {
		return nil, err
	}

	m.RemediationCalls, err = meter.Int64Counter("grace.remediation.calls",
		metric.WithDescription("Remediation primitive invocations by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The Record helpers are safe on a nil *Metrics so components can run
// without telemetry.

func (m *Metrics) RecordTransition(ctx context.Context, kernel, from, to string) {
	if m == nil {
		return
	}
	m.KernelTransitions.Add(ctx, 1, metric.WithAttributes(AttrKernel.String(kernel), AttrFrom.String(from), AttrTo.String(to)))
}

func (m *Metrics) RecordRunning(ctx context.Context, kernel string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.KernelsRunning.Add(ctx, delta, metric.WithAttributes(AttrKernel.String(kernel)))
}

func (m *Metrics) RecordRestart(ctx context.Context, kernel, actor string) {
	if m == nil {
		return
	}
	m.KernelRestarts.Add(ctx, 1, metric.WithAttributes(AttrKernel.String(kernel), AttrActor.String(actor)))
}

func (m *Metrics) RecordHeartbeatMiss(ctx context.Context, kernel string) {
	if m == nil {
		return
	}
	m.HeartbeatMisses.Add(ctx, 1, metric.WithAttributes(AttrKernel.String(kernel)))
}

func (m *Metrics) RecordBootAttempt(ctx context.Context, kernel, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrKernel.String(kernel), AttrOutcome.String(outcome))
	m.BootAttempts.Add(ctx, 1, attrs)
	m.BootAttemptDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordBoot(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.BootDuration.Record(ctx, seconds, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordEscalation(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.Escalations.Add(ctx, 1, metric.WithAttributes(AttrSeverity.String(severity)))
}

func (m *Metrics) RecordRepair(ctx context.Context, target, mode string) {
	if m == nil {
		return
	}
	m.RepairActions.Add(ctx, 1, metric.WithAttributes(AttrKernel.String(target), attribute.String("grace.repair.mode", mode)))
}

func (m *Metrics) RecordRemediation(ctx context.Context, primitive, result string) {
	if m == nil {
		return
	}
	m.RemediationCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("grace.remediation", primitive), AttrOutcome.String(result)))
}
