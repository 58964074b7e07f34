package watchdog_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/watchdog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]controlplane.Snapshot
}

func newFakeSource(names ...string) *fakeSource {
	s := &fakeSource{snaps: map[string]controlplane.Snapshot{}}
	for _, n := range names {
		s.snaps[n] = controlplane.Snapshot{Name: n, State: kernel.StateRunning, LastHeartbeat: time.Now()}
	}
	return s
}

func (s *fakeSource) Snapshot(name string) (controlplane.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[name]
	if !ok {
		return controlplane.Snapshot{}, controlplane.ErrUnknownKernel
	}
	return snap, nil
}

func (s *fakeSource) silence(name string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snaps[name]
	snap.LastHeartbeat = time.Now().Add(-age)
	s.snaps[name] = snap
}

func (s *fakeSource) setState(name string, st kernel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snaps[name]
	snap.State = st
	s.snaps[name] = snap
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Payload
}

func (r *recorder) Emit(p bus.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) escalations() []bus.Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Escalation
	for _, p := range r.events {
		if e, ok := p.(bus.Escalation); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) diagnoses() []bus.Diagnosis {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Diagnosis
	for _, p := range r.events {
		if d, ok := p.(bus.Diagnosis); ok {
			out = append(out, d)
		}
	}
	return out
}

type fakeDiagnoser struct {
	mu    sync.Mutex
	calls [][]string
}

func (d *fakeDiagnoser) Diagnose(_ context.Context, kernels []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, kernels)
	return []string{"message_bus: heartbeat stale"}, errors.New("log kernel unreachable")
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls [][]string
}

func (e *fakeEscalator) Escalate(_ context.Context, kernels []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, kernels)
	return nil
}

func (e *fakeEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTrigger(t *testing.T, src *fakeSource, cfg watchdog.Config) (*watchdog.Trigger, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg.Source = src
	cfg.Events = rec
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.SingleThreshold == 0 {
		cfg.SingleThreshold = time.Minute
	}
	if cfg.CorrelatedThreshold == 0 {
		cfg.CorrelatedThreshold = 20 * time.Second
	}
	tr, err := watchdog.New(cfg)
	if err != nil {
		t.Fatalf("new trigger: %v", err)
	}
	return tr, rec
}

func TestClassify(t *testing.T) {
	critical := []string{"message_bus", "immutable_log", "self_healing", "coding_agent"}
	cases := []struct {
		name  string
		setup func(*fakeSource)
		want  watchdog.Severity
	}{
		{"all fresh", func(*fakeSource) {}, watchdog.SeverityNormal},
		{"one past correlated only", func(s *fakeSource) { s.silence("message_bus", 30*time.Second) }, watchdog.SeverityNormal},
		{"one past single", func(s *fakeSource) { s.silence("message_bus", 2*time.Minute) }, watchdog.SeverityDiagnostic},
		{"two past correlated", func(s *fakeSource) {
			s.silence("message_bus", 30*time.Second)
			s.silence("immutable_log", 25*time.Second)
		}, watchdog.SeverityEmergency},
		{"healer pair", func(s *fakeSource) {
			s.silence("self_healing", 30*time.Second)
			s.setState("coding_agent", kernel.StateFailed)
		}, watchdog.SeverityHealerPair},
		{"one healer plus other", func(s *fakeSource) {
			s.silence("self_healing", 30*time.Second)
			s.silence("message_bus", 30*time.Second)
		}, watchdog.SeverityEmergency},
		{"paused kernels are not judged", func(s *fakeSource) {
			s.silence("message_bus", time.Hour)
			s.setState("message_bus", kernel.StatePaused)
		}, watchdog.SeverityNormal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeSource(critical...)
			tc.setup(src)
			tr, _ := newTrigger(t, src, watchdog.Config{
				CriticalSet: critical,
				Healers:     []string{"self_healing", "coding_agent"},
			})
			if got := tr.Classify(time.Now()).Severity; got != tc.want {
				t.Fatalf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTick_EmitsOnChangeOnly(t *testing.T) {
	src := newFakeSource("a", "b")
	tr, rec := newTrigger(t, src, watchdog.Config{CriticalSet: []string{"a", "b"}})
	ctx := context.Background()

	if _, emitted := tr.Tick(ctx); emitted {
		t.Fatal("normal state at start should not emit")
	}
	src.silence("a", 2*time.Minute)
	for i := range 3 {
		_, emitted := tr.Tick(ctx)
		if emitted != (i == 0) {
			t.Fatalf("tick %d emitted = %v", i, emitted)
		}
	}
	src.silence("a", 0)
	if c, emitted := tr.Tick(ctx); !emitted || c.Severity != watchdog.SeverityNormal {
		t.Fatalf("recovery tick = %+v emitted=%v", c, emitted)
	}

	escs := rec.escalations()
	if len(escs) != 2 || escs[0].Severity != "diagnostic" || escs[1].Severity != "normal" {
		t.Fatalf("escalations = %+v", escs)
	}
	if !slices.Equal(escs[0].Kernels, []string{"a"}) {
		t.Fatalf("diagnostic kernels = %v", escs[0].Kernels)
	}
	tr.Wait()
}

func TestTick_EmergencyOpensDiagnosis(t *testing.T) {
	src := newFakeSource("message_bus", "immutable_log")
	diag := &fakeDiagnoser{}
	tr, rec := newTrigger(t, src, watchdog.Config{
		CriticalSet: []string{"message_bus", "immutable_log"},
		Diagnoser:   diag,
	})
	src.silence("message_bus", 30*time.Second)
	src.silence("immutable_log", 30*time.Second)

	c, emitted := tr.Tick(context.Background())
	if !emitted || c.Severity != watchdog.SeverityEmergency {
		t.Fatalf("tick = %+v emitted=%v", c, emitted)
	}
	tr.Wait()

	if len(diag.calls) != 1 || !slices.Equal(diag.calls[0], []string{"message_bus", "immutable_log"}) {
		t.Fatalf("diagnoser calls = %v", diag.calls)
	}
	ds := rec.diagnoses()
	if len(ds) != 1 || len(ds[0].Findings) != 2 {
		t.Fatalf("diagnosis events = %+v", ds)
	}
}

func TestTick_HealerPairHandsOff(t *testing.T) {
	src := newFakeSource("self_healing", "coding_agent")
	esc := &fakeEscalator{}
	tr, _ := newTrigger(t, src, watchdog.Config{
		CriticalSet: []string{"self_healing", "coding_agent"},
		Healers:     []string{"self_healing", "coding_agent"},
		Escalator:   esc,
	})
	src.setState("self_healing", kernel.StateFailed)
	src.setState("coding_agent", kernel.StateFailed)

	if c, _ := tr.Tick(context.Background()); c.Severity != watchdog.SeverityHealerPair {
		t.Fatalf("severity = %s", c.Severity)
	}
	tr.Tick(context.Background())
	tr.Wait()
	if esc.count() != 1 {
		t.Fatalf("escalations = %d, want 1 (unchanged classification)", esc.count())
	}
}

func TestNew_RejectsInvertedThresholds(t *testing.T) {
	_, err := watchdog.New(watchdog.Config{
		Source:              newFakeSource(),
		SingleThreshold:     time.Second,
		CorrelatedThreshold: time.Minute,
	})
	if err == nil {
		t.Fatal("expected error when correlated threshold exceeds single")
	}
}

func TestStartStop(t *testing.T) {
	src := newFakeSource("a", "b")
	tr, rec := newTrigger(t, src, watchdog.Config{
		CriticalSet: []string{"a", "b"},
		Interval:    5 * time.Millisecond,
	})
	src.silence("a", 2*time.Minute)
	tr.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for len(rec.escalations()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tr.Stop()
	if got := tr.Last().Severity; got != watchdog.SeverityDiagnostic {
		t.Fatalf("last severity = %s", got)
	}
	if len(rec.escalations()) != 1 {
		t.Fatalf("escalations = %d", len(rec.escalations()))
	}
}
