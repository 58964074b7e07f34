package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/grace/internal/cron"
	"github.com/basket/grace/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
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

func newScheduler(store *persistence.Store) *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval: 50 * time.Millisecond,
	})
}

// backdate makes a registered schedule due now.
func backdate(t *testing.T, store *persistence.Store, name, expr string, enabled bool) {
	t.Helper()
	past := time.Now().Add(-5 * time.Minute)
	if err := store.UpsertSchedule(context.Background(), persistence.Schedule{
		Name: name, Job: name, CronExpr: expr, Enabled: enabled, NextRunAt: &past,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
}

func TestScheduler_RunsDueJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sched := newScheduler(store)

	var runs atomic.Int32
	backdate(t, store, "snapshot_status", "*/5 * * * *", true)
	if err := sched.Register(ctx, "snapshot_status", "*/5 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	sched.Start(ctx)
	defer sched.Stop()
	waitFor(t, 3*time.Second, func() bool { return runs.Load() > 0 })
}

func TestScheduler_RegisterKeepsNextRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sched := newScheduler(store)

	backdate(t, store, "retention", "@daily", true)
	if err := sched.Register(ctx, "retention", "@daily", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if n := sched.RunDue(ctx); n != 1 {
		t.Fatalf("ran %d jobs, want the persisted due schedule to run", n)
	}
	if n := sched.RunDue(ctx); n != 0 {
		t.Fatalf("ran %d jobs on second pass, want 0", n)
	}
}

func TestScheduler_DisabledSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sched := newScheduler(store)

	var runs atomic.Int32
	if err := sched.Register(ctx, "retention", "*/5 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	backdate(t, store, "retention", "*/5 * * * *", false)

	if n := sched.RunDue(ctx); n != 0 || runs.Load() != 0 {
		t.Fatalf("disabled schedule ran: n=%d runs=%d", n, runs.Load())
	}
}

func TestScheduler_FailedJobStillAdvances(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sched := newScheduler(store)

	if err := sched.Register(ctx, "snapshot_status", "*/10 * * * *", func(context.Context) error {
		return errors.New("store busy")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	backdate(t, store, "snapshot_status", "*/10 * * * *", true)

	if n := sched.RunDue(ctx); n != 0 {
		t.Fatalf("failed job counted as ran: %d", n)
	}
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(schedules) != 1 || schedules[0].LastRunAt == nil || schedules[0].NextRunAt == nil {
		t.Fatalf("schedules = %+v", schedules)
	}
	if !schedules[0].NextRunAt.After(time.Now()) {
		t.Fatalf("next run %v not in the future", schedules[0].NextRunAt)
	}
	if schedules[0].NextRunAt.Minute()%10 != 0 {
		t.Fatalf("next run minute = %d, want multiple of 10", schedules[0].NextRunAt.Minute())
	}
}

func TestRegister_RejectsBadExpression(t *testing.T) {
	sched := newScheduler(openTestStore(t))
	if err := sched.Register(context.Background(), "x", "every tuesday", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime_Descriptors(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("@every 1m", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := next.Sub(base); got != time.Minute {
		t.Fatalf("next - base = %s", got)
	}
}
