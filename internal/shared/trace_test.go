package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestActor_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Actor(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ActorOr(ctx, ActorOperator); got != ActorOperator {
		t.Fatalf("expected fallback, got %q", got)
	}
	ctx = WithActor(ctx, "self_healing")
	if got := ActorOr(ctx, ActorOperator); got != "self_healing" {
		t.Fatalf("expected self_healing, got %q", got)
	}
}

func TestBootID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := BootID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithBootID(ctx, "b-1")
	if got := BootID(ctx); got != "b-1" {
		t.Fatalf("expected b-1, got %q", got)
	}
	if NewBootID() == NewBootID() {
		t.Fatal("boot ids should be unique")
	}
}

func TestGeneration_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Generation(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithGeneration(ctx, 7)
	if got := Generation(ctx); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
