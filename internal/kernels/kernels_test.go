package kernels_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/cron"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/kernels"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "grace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// run starts k and its Run loop, returning a stop func that waits for Run to
// exit and reports its error.
func run(t *testing.T, k kernel.Kernel) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int32
	beat := func() { beats.Add(1) }
	if err := k.Start(ctx, beat); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, beat) }()
	stopped := false
	var runErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			runErr = <-done
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	pool := kernels.NewWorkerPool(kernels.PoolConfig{Queues: []string{"default"}, Workers: 2, BeatInterval: 20 * time.Millisecond})
	run(t, pool)

	var done atomic.Int32
	for range 5 {
		if err := pool.Submit("default", func(context.Context) error { done.Add(1); return nil }); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := pool.Submit("default", func(context.Context) error { return errors.New("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return pool.Load().Processed == 6 })
	if done.Load() != 5 {
		t.Fatalf("done = %d", done.Load())
	}
	st := pool.Status()
	if st.Failed != 1 || st.LastError != "boom" {
		t.Fatalf("status = %+v", st)
	}
	if err := pool.Submit("nope", func(context.Context) error { return nil }); !errors.Is(err, kernels.ErrUnknownQueue) {
		t.Fatalf("err = %v, want ErrUnknownQueue", err)
	}
}

func TestWorkerPool_PauseHoldsTasks(t *testing.T) {
	pool := kernels.NewWorkerPool(kernels.PoolConfig{Workers: 1, BeatInterval: 20 * time.Millisecond})
	run(t, pool)

	pool.Pause()
	pool.Pause()
	var ran atomic.Bool
	if err := pool.Submit("default", func(context.Context) error { ran.Store(true); return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A worker blocked on the queue before Pause may take one task; give it a
	// moment, then submit a second one that must stay queued.
	time.Sleep(50 * time.Millisecond)
	ran.Store(false)
	if err := pool.Submit("default", func(context.Context) error { ran.Store(true); return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Fatal("task ran while paused")
	}
	if pool.Load().QueueDepth == 0 {
		t.Fatal("expected queued task while paused")
	}
	pool.Resume()
	waitFor(t, 2*time.Second, ran.Load)
}

func TestWorkerPool_SetWorkers(t *testing.T) {
	pool := kernels.NewWorkerPool(kernels.PoolConfig{Queues: []string{"default", "maintenance"}, Workers: 2, BeatInterval: 20 * time.Millisecond})
	var scaler controlplane.WorkerScaler = pool
	if err := scaler.SetWorkers("default", 5); err != nil {
		t.Fatalf("set workers before run: %v", err)
	}
	run(t, pool)
	if n, _ := scaler.Workers("default"); n != 5 {
		t.Fatalf("workers = %d", n)
	}
	if err := scaler.SetWorkers("default", 0); err == nil {
		t.Fatal("expected error for zero workers")
	}
	if _, err := scaler.Workers("missing"); !errors.Is(err, kernels.ErrUnknownQueue) {
		t.Fatalf("err = %v", err)
	}

	// Five concurrent blockers prove five workers are live.
	release := make(chan struct{})
	var started atomic.Int32
	for range 5 {
		_ = pool.Submit("default", func(ctx context.Context) error {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
	}
	waitFor(t, 2*time.Second, func() bool { return started.Load() == 5 })
	close(release)
}

func TestWorkerPool_DegradedRunsOneWorker(t *testing.T) {
	pool := kernels.NewWorkerPool(kernels.PoolConfig{Workers: 3, BeatInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.StartDegraded(ctx, func() {}); err != nil {
		t.Fatalf("start degraded: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, func() {}) }()

	release := make(chan struct{})
	var started atomic.Int32
	for range 2 {
		_ = pool.Submit("default", func(ctx context.Context) error {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
	}
	waitFor(t, 2*time.Second, func() bool { return started.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if started.Load() != 1 {
		t.Fatalf("started = %d, want a single worker", started.Load())
	}
	close(release)
	cancel()
	<-done
}

func TestMessageBus_RoundTrip(t *testing.T) {
	b := bus.New()
	mb := kernels.NewMessageBus(b, 20*time.Millisecond)
	run(t, mb)
	reg := readiness.NewRegistry()
	if err := reg.Register("message_bus", mb.SelfTest()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if res := reg.Check(context.Background(), "message_bus"); !res.OverallReady {
		t.Fatalf("not ready: %s", res.Summary())
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("self-check subscription leaked: %d", b.SubscriberCount())
	}
}

func TestImmutableLog_AttachesSink(t *testing.T) {
	home := t.TempDir()
	store := openTestStore(t)
	log, err := audit.Open(audit.Options{HomeDir: home, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	k := kernels.NewImmutableLog(log, store, home, 20*time.Millisecond, quietLogger())
	cached, err := k.StartFrom(context.Background(), nil, func() {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := cached.(int); !ok {
		t.Fatalf("cached = %#v, want schema version", cached)
	}

	log.Emit(bus.Alert{Severity: "critical", Message: "both healers down", Kernels: []string{"self_healing", "coding_agent"}})
	n, err := store.EventCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("persisted %d events, want 1", n)
	}
	checks, err := k.SelfTest()(context.Background())
	if err != nil {
		t.Fatalf("self-test: %v", err)
	}
	for _, c := range checks {
		if !c.Passed {
			t.Fatalf("check %s failed: %s", c.Name, c.Detail)
		}
	}
}

func TestImmutableLog_RunFailsWhenStoreCloses(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "grace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, _ := audit.Open(audit.Options{Logger: quietLogger()})
	k := kernels.NewImmutableLog(log, store, t.TempDir(), 20*time.Millisecond, quietLogger())
	if err := k.Start(context.Background(), func() {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, func() {}) }()

	_ = store.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after the store closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not notice the closed store")
	}
}

type fixedSnapshots []controlplane.Snapshot

func (f fixedSnapshots) Snapshots() []controlplane.Snapshot { return f }

func TestMaintenance_SnapshotAndRetention(t *testing.T) {
	store := openTestStore(t)
	sched := cron.NewScheduler(cron.Config{Store: store, Logger: quietLogger(), Interval: 20 * time.Millisecond})
	pool := kernels.NewWorkerPool(kernels.PoolConfig{Queues: []string{"maintenance"}, Workers: 1, BeatInterval: 20 * time.Millisecond})
	m := kernels.NewMaintenance(kernels.MaintenanceConfig{
		Store:        store,
		Scheduler:    sched,
		Pool:         pool,
		StatusSpec:   "@every 1m",
		EventDays:    30,
		BeatInterval: 20 * time.Millisecond,
		Logger:       quietLogger(),
	})
	m.SetSource(fixedSnapshots{
		{Name: "message_bus", TierName: "core-infra", State: kernel.StateRunning, Critical: true, Generation: 1, LastHeartbeat: time.Now()},
		{Name: "api_gateway", TierName: "services", State: kernel.StatePaused, Generation: 2},
	})

	ctx := context.Background()
	if err := m.SnapshotStatus(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	rows, err := store.ListStatus(ctx)
	if err != nil {
		t.Fatalf("list status: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if err := m.Retention(ctx); err != nil {
		t.Fatalf("retention: %v", err)
	}

	run(t, pool)
	run(t, m)
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	names := map[string]bool{}
	for _, s := range schedules {
		names[s.Name] = true
	}
	if !names[kernels.JobSnapshotStatus] || !names[kernels.JobRetention] {
		t.Fatalf("schedules = %+v", schedules)
	}
}

func TestStatusRows(t *testing.T) {
	rows := kernels.StatusRows([]controlplane.Snapshot{
		{Name: "worker_pool", TierName: "execution", State: kernel.StateFailed, RestartCount: 3},
	})
	if len(rows) != 1 || rows[0].State != "FAILED" || rows[0].RestartCount != 3 || rows[0].LastHeartbeat != nil {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestHealer_ObservesTransitions(t *testing.T) {
	b := bus.New()
	log, _ := audit.Open(audit.Options{Bus: b, Logger: quietLogger()})
	h := kernels.NewHealer("self_healing", b, 20*time.Millisecond, quietLogger())
	run(t, h)
	waitFor(t, 2*time.Second, func() bool { return b.SubscriberCount() == 1 })

	log.Emit(bus.KernelTransition{Kernel: "worker_pool", From: kernel.StateRunning, To: kernel.StateRestarting, Action: "restart"})
	waitFor(t, 2*time.Second, func() bool { return h.Observed()["worker_pool"] == string(kernel.StateRestarting) })

	load := h.Load()
	if load.Processed == 0 {
		t.Fatalf("load = %+v", load)
	}
	if load.CPUPercent < 0 || load.CPUPercent > 100 {
		t.Fatalf("cpu = %v", load.CPUPercent)
	}
}

func TestHealer_RestoreWeights(t *testing.T) {
	h := kernels.NewHealer("coding_agent", bus.New(), 0, quietLogger())
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.RestoreWeights(context.Background(), empty); err == nil {
		t.Fatal("expected error for empty weights")
	}
	good := filepath.Join(dir, "weights.bin")
	if err := os.WriteFile(good, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.RestoreWeights(context.Background(), good); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if w := h.Weights(); w.Path != good || w.Size != 10 {
		t.Fatalf("weights = %+v", w)
	}
}

func TestHTTPServer_PauseShedsRoutes(t *testing.T) {
	srv := kernels.NewHTTPServer("127.0.0.1:0", 20*time.Millisecond, quietLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api/kernels", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv.SetHandler(mux)
	stop := run(t, srv)

	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()
	get := func(path string) int {
		t.Helper()
		resp, err := client.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := get("/api/kernels"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	srv.Pause()
	if code := get("/api/kernels"); code != http.StatusServiceUnavailable {
		t.Fatalf("paused status = %d", code)
	}
	if code := get("/healthz"); code != http.StatusOK {
		t.Fatalf("healthz while paused = %d", code)
	}
	srv.Resume()
	if code := get("/api/kernels"); code != http.StatusOK {
		t.Fatalf("resumed status = %d", code)
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHTTPServer_StartWithoutHandler(t *testing.T) {
	srv := kernels.NewHTTPServer("127.0.0.1:0", 0, quietLogger())
	if err := srv.Start(context.Background(), func() {}); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestBuild_StarterKernels(t *testing.T) {
	home := t.TempDir()
	cfg := &config.Config{
		HomeDir:     home,
		BindAddr:    "127.0.0.1:0",
		MaxRestarts: 3,
		Kernels:     config.StarterKernels(),
		Repair:      config.RepairConfig{Healers: []string{"self_healing", "coding_agent"}},
		Remediation: config.RemediationConfig{WorkerQueues: []string{"default", "maintenance"}, WorkerCount: 2},
	}
	store := openTestStore(t)
	ready := readiness.NewRegistry()
	set, err := kernels.Build(cfg, kernels.Deps{
		Bus:       bus.New(),
		Store:     store,
		Scheduler: cron.NewScheduler(cron.Config{Store: store, Logger: quietLogger()}),
		Readiness: ready,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	reg, err := set.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if reg.Len() != 7 {
		t.Fatalf("registry has %d kernels", reg.Len())
	}
	if len(set.Healers) != 2 || set.Pool == nil || set.Gateway == nil || set.Maintenance == nil {
		t.Fatalf("set = %+v", set)
	}
	if set.WeightRestorer(cfg) != set.Healers["coding_agent"] {
		t.Fatal("weights owned by the wrong healer")
	}
	for _, name := range reg.Names() {
		if !ready.Has(name) {
			t.Fatalf("no self-test for %s", name)
		}
	}

	cfg.Kernels = append(cfg.Kernels, config.KernelConfig{Name: "vault", Tier: "services"})
	if _, err := kernels.Build(cfg, kernels.Deps{Bus: bus.New()}); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
