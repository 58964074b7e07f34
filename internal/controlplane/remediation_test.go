package controlplane_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/shared"
)

type fakeScaler struct {
	mu      sync.Mutex
	workers map[string]int
	sets    int
}

func (s *fakeScaler) Workers(queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.workers[queue]
	if !ok {
		return 0, errors.New("no such queue")
	}
	return n, nil
}

func (s *fakeScaler) SetWorkers(queue string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[queue] = n
	s.sets++
	return nil
}

type fakeWeights struct {
	mu    sync.Mutex
	paths []string
}

func (w *fakeWeights) RestoreWeights(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = append(w.paths, path)
	return nil
}

func TestScaleWorkers_RelativeToBaseline(t *testing.T) {
	sc := &fakeScaler{workers: map[string]int{"inference": 4}}
	cp, rec := newPlane(t, controlplane.Config{Scaler: sc}, entry("a", &fakeKernel{}))
	ctx := context.Background()

	res, err := cp.ScaleWorkers(ctx, "inference", 2)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if !res.Changed || sc.workers["inference"] != 6 {
		t.Fatalf("first scale: %+v workers=%d", res, sc.workers["inference"])
	}

	res, err = cp.ScaleWorkers(ctx, "inference", 2)
	if err != nil {
		t.Fatalf("repeat scale: %v", err)
	}
	if res.Changed || sc.sets != 1 {
		t.Fatalf("repeat scale changed state: %+v sets=%d", res, sc.sets)
	}

	if _, err := cp.ScaleWorkers(ctx, "inference", -10); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if sc.workers["inference"] != 1 {
		t.Fatalf("workers = %d, want floor of 1", sc.workers["inference"])
	}

	if _, err := cp.ScaleWorkers(ctx, "missing", 1); err == nil {
		t.Fatal("expected error for unknown queue")
	}
	if n := rec.count(bus.TopicRemediation); n != 3 {
		t.Fatalf("remediation events = %d, want 3 (two changes, one failure)", n)
	}
}

func TestScaleWorkers_NoScaler(t *testing.T) {
	cp, _ := newPlane(t, controlplane.Config{}, entry("a", &fakeKernel{}))
	if _, err := cp.ScaleWorkers(context.Background(), "q", 1); !errors.Is(err, controlplane.ErrCapabilityUnavailable) {
		t.Fatalf("got %v, want ErrCapabilityUnavailable", err)
	}
}

func TestRemediation_Unauthorized(t *testing.T) {
	sc := &fakeScaler{workers: map[string]int{"q": 1}}
	auth := controlplane.AnyOf(
		controlplane.AllowActors(shared.ActorOperator),
		controlplane.AuthorizerFunc(func(actor string) bool { return actor == "self_healing" }),
	)
	cp, rec := newPlane(t, controlplane.Config{Scaler: sc, Authorizer: auth}, entry("a", &fakeKernel{}))

	ctx := shared.WithActor(context.Background(), "intruder")
	if _, err := cp.ScaleWorkers(ctx, "q", 1); !errors.Is(err, controlplane.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if _, err := cp.ShedLoad(ctx, "x"); !errors.Is(err, controlplane.ErrUnauthorized) {
		t.Fatalf("shed: got %v, want ErrUnauthorized", err)
	}
	if sc.sets != 0 || rec.count(bus.TopicRemediation) != 0 {
		t.Fatal("unauthorized call changed state")
	}

	ctx = shared.WithActor(context.Background(), "self_healing")
	if _, err := cp.ScaleWorkers(ctx, "q", 1); err != nil {
		t.Fatalf("healer scale: %v", err)
	}
	// No actor in context means operator.
	if _, err := cp.ScaleWorkers(context.Background(), "q", 2); err != nil {
		t.Fatalf("operator scale: %v", err)
	}
}

func TestShedAndRestoreLoad(t *testing.T) {
	agent := &fakeKernel{}
	service := &fakeKernel{}
	cp, _ := newPlane(t, controlplane.Config{},
		entry("message_bus", &fakeKernel{}, func(d *kernel.Descriptor) { d.Tier = kernel.TierCoreInfra }),
		entry("planner", agent, func(d *kernel.Descriptor) { d.Tier = kernel.TierAgentic }),
		entry("gateway", service, func(d *kernel.Descriptor) { d.Tier = kernel.TierServices; d.Critical = true }),
		entry("reports", service, func(d *kernel.Descriptor) { d.Tier = kernel.TierServices }),
	)
	ctx := context.Background()
	for _, n := range []string{"message_bus", "planner", "gateway", "reports"} {
		if err := cp.Boot(ctx, n); err != nil {
			t.Fatalf("boot %s: %v", n, err)
		}
	}

	res, err := cp.ShedLoad(ctx, "cpu saturated")
	if err != nil {
		t.Fatalf("shed: %v", err)
	}
	if !res.Changed || len(res.Kernels) != 2 || res.Kernels[0] != "planner" || res.Kernels[1] != "reports" {
		t.Fatalf("shed result = %+v", res)
	}
	mustState(t, cp, "planner", kernel.StatePaused)
	mustState(t, cp, "reports", kernel.StatePaused)
	mustState(t, cp, "gateway", kernel.StateRunning)
	mustState(t, cp, "message_bus", kernel.StateRunning)

	res, err = cp.ShedLoad(ctx, "cpu saturated")
	if err != nil || res.Changed {
		t.Fatalf("repeat shed: %+v %v", res, err)
	}
	if got := cp.ShedKernels(); len(got) != 2 {
		t.Fatalf("shed kernels = %v", got)
	}

	res, err = cp.RestoreLoad(ctx)
	if err != nil || !res.Changed || len(res.Kernels) != 2 {
		t.Fatalf("restore: %+v %v", res, err)
	}
	mustState(t, cp, "planner", kernel.StateRunning)
	mustState(t, cp, "reports", kernel.StateRunning)

	res, err = cp.RestoreLoad(ctx)
	if err != nil || res.Changed {
		t.Fatalf("repeat restore: %+v %v", res, err)
	}
}

func TestRestoreModelWeights(t *testing.T) {
	w := &fakeWeights{}
	cp, rec := newPlane(t, controlplane.Config{Weights: w}, entry("a", &fakeKernel{}))
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	if res, err := cp.RestoreModelWeights(ctx, path); err != nil || !res.Changed {
		t.Fatalf("restore: %+v %v", res, err)
	}
	if res, err := cp.RestoreModelWeights(ctx, path); err != nil || res.Changed {
		t.Fatalf("repeat restore: %+v %v", res, err)
	}
	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("rewrite weights: %v", err)
	}
	if res, err := cp.RestoreModelWeights(ctx, path); err != nil || !res.Changed {
		t.Fatalf("restore changed file: %+v %v", res, err)
	}
	if len(w.paths) != 2 {
		t.Fatalf("restorer calls = %d, want 2", len(w.paths))
	}
	if _, err := cp.RestoreModelWeights(ctx, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if n := rec.count(bus.TopicRemediation); n != 3 {
		t.Fatalf("remediation events = %d, want 3", n)
	}
}
