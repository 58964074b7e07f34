package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	instruments := map[string]any{
		"BootAttemptDuration": m.BootAttemptDuration,
		"BootAttempts":        m.BootAttempts,
		"BootDuration":        m.BootDuration,
		"KernelTransitions":   m.KernelTransitions,
		"KernelRestarts":      m.KernelRestarts,
		"HeartbeatMisses":     m.HeartbeatMisses,
		"KernelsRunning":      m.KernelsRunning,
		"Escalations":         m.Escalations,
		"RepairActions":       m.RepairActions,
		"RemediationCalls":    m.RemediationCalls,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}

	// Recording must not panic.
	ctx := context.Background()
	m.RecordTransition(ctx, "message_bus", "STARTING", "RUNNING")
	m.RecordRunning(ctx, "message_bus", 1)
	m.RecordRestart(ctx, "message_bus", "heartbeat_sweep")
	m.RecordHeartbeatMiss(ctx, "message_bus")
	m.RecordBootAttempt(ctx, "message_bus", "booted", 0.2)
	m.RecordBoot(ctx, "success", 1.5)
	m.RecordEscalation(ctx, "emergency")
	m.RecordRepair(ctx, "coding_agent", "mutual")
	m.RecordRemediation(ctx, "shed_load", "success")
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// A disabled provider hands out a noop meter; instruments still construct.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransition(ctx, "k", "a", "b")
	m.RecordRunning(ctx, "k", -1)
	m.RecordRestart(ctx, "k", "x")
	m.RecordHeartbeatMiss(ctx, "k")
	m.RecordBootAttempt(ctx, "k", "timeout", 1)
	m.RecordBoot(ctx, "failure", 1)
	m.RecordEscalation(ctx, "normal")
	m.RecordRepair(ctx, "k", "deadlock")
	m.RecordRemediation(ctx, "scale_workers", "noop")
}
