package kernel_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/grace/internal/kernel"
)

func TestParseTier(t *testing.T) {
	cases := map[string]kernel.Tier{
		"core-infra": kernel.TierCoreInfra,
		"":           kernel.TierCoreInfra,
		"Execution":  kernel.TierExecution,
		"agentic":    kernel.TierAgentic,
		" services ": kernel.TierServices,
	}
	for in, want := range cases {
		got, err := kernel.ParseTier(in)
		if err != nil {
			t.Fatalf("ParseTier(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseTier(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := kernel.ParseTier("kernel-space"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
	if s := kernel.Tier(9).String(); s != "tier(9)" {
		t.Fatalf("unknown tier string = %q", s)
	}
}

func TestStateAlive(t *testing.T) {
	alive := map[kernel.State]bool{
		kernel.StateStopped:    false,
		kernel.StateStarting:   false,
		kernel.StateRunning:    true,
		kernel.StatePaused:     true,
		kernel.StateRestarting: false,
		kernel.StateFailed:     false,
		kernel.StateDegraded:   true,
	}
	for s, want := range alive {
		if s.Alive() != want {
			t.Fatalf("%s.Alive() = %v, want %v", s, s.Alive(), want)
		}
	}
}

func TestDescriptorEnabled(t *testing.T) {
	always := kernel.Descriptor{Name: "a"}
	if !always.Enabled(nil) {
		t.Fatal("unflagged kernel should be enabled")
	}
	gated := kernel.Descriptor{Name: "b", FeatureFlag: "experimental_agents"}
	if gated.Enabled(map[string]bool{}) {
		t.Fatal("kernel with absent flag should be disabled")
	}
	if gated.Enabled(map[string]bool{"experimental_agents": false}) {
		t.Fatal("kernel with false flag should be disabled")
	}
	if !gated.Enabled(map[string]bool{"experimental_agents": true}) {
		t.Fatal("kernel with true flag should be enabled")
	}
}

func TestFuncs_Defaults(t *testing.T) {
	var f kernel.Funcs
	if err := f.Start(context.Background(), func() {}); err != nil {
		t.Fatalf("nil StartFn: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, func() {}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nil RunFn: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("nil RunFn did not honor cancellation")
	}
}

func TestBeatEvery(t *testing.T) {
	var beats atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := kernel.BeatEvery(ctx, 5*time.Millisecond, func() { beats.Add(1) }); err != nil {
		t.Fatalf("BeatEvery: %v", err)
	}
	if beats.Load() < 2 {
		t.Fatalf("beats = %d, want several", beats.Load())
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	k := kernel.Funcs{}
	cases := []struct {
		name    string
		entries []kernel.Entry
		want    string
	}{
		{"empty name", []kernel.Entry{{Descriptor: kernel.Descriptor{}, Kernel: k}}, "empty name"},
		{"duplicate", []kernel.Entry{
			{Descriptor: kernel.Descriptor{Name: "a"}, Kernel: k},
			{Descriptor: kernel.Descriptor{Name: "a"}, Kernel: k},
		}, "duplicate"},
		{"no impl", []kernel.Entry{{Descriptor: kernel.Descriptor{Name: "a"}}}, "no implementation"},
		{"self dep", []kernel.Entry{{Descriptor: kernel.Descriptor{Name: "a", DependsOn: []string{"a"}}, Kernel: k}}, "itself"},
		{"unknown dep", []kernel.Entry{{Descriptor: kernel.Descriptor{Name: "a", DependsOn: []string{"z"}}, Kernel: k}}, "unknown kernel z"},
		{"negative", []kernel.Entry{{Descriptor: kernel.Descriptor{Name: "a", MaxRestarts: -1}, Kernel: k}}, "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kernel.NewRegistry(tc.entries...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestRegistry_Lookups(t *testing.T) {
	k := kernel.Funcs{}
	reg, err := kernel.NewRegistry(
		kernel.Entry{Descriptor: kernel.Descriptor{Name: "log", Tier: kernel.TierCoreInfra}, Kernel: k},
		kernel.Entry{Descriptor: kernel.Descriptor{Name: "bus", Tier: kernel.TierCoreInfra}, Kernel: k},
		kernel.Entry{Descriptor: kernel.Descriptor{Name: "api", Tier: kernel.TierServices, DependsOn: []string{"bus", "log"}}, Kernel: k},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("len = %d", reg.Len())
	}
	if names := reg.Names(); strings.Join(names, ",") != "log,bus,api" {
		t.Fatalf("names = %v", names)
	}

	d, ok := reg.Descriptor("api")
	if !ok || len(d.DependsOn) != 2 {
		t.Fatalf("descriptor api = %+v %v", d, ok)
	}
	d.DependsOn[0] = "mutated"
	d2, _ := reg.Descriptor("api")
	if d2.DependsOn[0] != "bus" {
		t.Fatal("descriptor copy shares DependsOn with registry")
	}

	if _, ok := reg.Descriptor("ghost"); ok {
		t.Fatal("unknown descriptor found")
	}
	if _, ok := reg.Kernel("log"); !ok {
		t.Fatal("kernel log missing")
	}

	tiers := reg.ByTier()
	if got := strings.Join(tiers[kernel.TierCoreInfra], ","); got != "bus,log" {
		t.Fatalf("core tier = %s", got)
	}
	if got := strings.Join(tiers[kernel.TierServices], ","); got != "api" {
		t.Fatalf("services tier = %s", got)
	}
	if len(reg.Descriptors()) != 3 {
		t.Fatal("descriptors length mismatch")
	}
}
