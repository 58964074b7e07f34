package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorKey struct{}
type bootIDKey struct{}
type generationKey struct{}

// Well-known actors. Healer kernel names double as actor identities.
const (
	ActorControlPlane = "control_plane"
	ActorOperator     = "operator"
	ActorWatchdog     = "heartbeat_watchdog"
	ActorCoordinator  = "repair_coordinator"
	ActorHealerGuard  = "healer_watchdog"
	ActorSweep        = "heartbeat_sweep"
	ActorBoot         = "boot_orchestrator"
)

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActor records who is invoking a control-plane operation.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the invoking actor. Returns "" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// ActorOr returns the context actor, or def when none is set.
func ActorOr(ctx context.Context, def string) string {
	if a := Actor(ctx); a != "" {
		return a
	}
	return def
}

// WithBootID attaches the id of the BootAll run in progress.
func WithBootID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, bootIDKey{}, id)
}

// BootID extracts the boot id. Returns "" if absent.
func BootID(ctx context.Context) string {
	if v, ok := ctx.Value(bootIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewBootID generates a new boot id.
func NewBootID() string {
	return uuid.NewString()
}

// WithGeneration attaches the worker generation a kernel goroutine belongs to.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

// Generation extracts the worker generation (0 if absent).
func Generation(ctx context.Context) uint64 {
	if v, ok := ctx.Value(generationKey{}).(uint64); ok {
		return v
	}
	return 0
}
