package kernels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/cron"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
)

// Maintenance job names, as persisted in the schedules table.
const (
	JobSnapshotStatus = "snapshot_status"
	JobRetention      = "retention"
)

// maintenanceQueue is the worker pool queue maintenance jobs run on.
const maintenanceQueue = "maintenance"

// SnapshotSource yields the control plane's current view of every kernel.
type SnapshotSource interface {
	Snapshots() []controlplane.Snapshot
}

type MaintenanceConfig struct {
	Store     *persistence.Store
	Scheduler *cron.Scheduler
	// Pool runs jobs off the maintenance loop when set; jobs run inline
	// otherwise or when the queue is full.
	Pool *WorkerPool

	StatusSpec     string
	RetentionSpec  string
	EventDays      int
	StatusDays     int
	DelegationDays int

	BeatInterval time.Duration
	Logger       *slog.Logger
}

// Maintenance is the maintenance kernel: it snapshots kernel status into the
// store and prunes old records on cron schedules.
type Maintenance struct {
	cfg    MaintenanceConfig
	logger *slog.Logger

	mu     sync.Mutex
	source SnapshotSource
	last   persistence.RetentionResult
}

func NewMaintenance(cfg MaintenanceConfig) *Maintenance {
	if cfg.StatusSpec == "" {
		cfg.StatusSpec = "@every 1m"
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = "@daily"
	}
	cfg.BeatInterval = orInterval(cfg.BeatInterval)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{cfg: cfg, logger: logger.With("kernel", "maintenance")}
}

// SetSource binds the snapshot source once the control plane exists.
func (m *Maintenance) SetSource(src SnapshotSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

func (m *Maintenance) Start(ctx context.Context, beat kernel.Beat) error {
	if m.cfg.Store == nil || m.cfg.Scheduler == nil {
		return errors.New("maintenance: store and scheduler required")
	}
	if err := m.cfg.Scheduler.Register(ctx, JobSnapshotStatus, m.cfg.StatusSpec, m.dispatch(m.SnapshotStatus)); err != nil {
		return err
	}
	beat()
	return m.cfg.Scheduler.Register(ctx, JobRetention, m.cfg.RetentionSpec, m.dispatch(m.Retention))
}

// Run drives the scheduler from the kernel's own loop so a stuck job shows
// up as a missed heartbeat.
func (m *Maintenance) Run(ctx context.Context, beat kernel.Beat) error {
	tick := min(m.cfg.Scheduler.Interval(), m.cfg.BeatInterval)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	beat()
	lastRun := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(lastRun) >= m.cfg.Scheduler.Interval() {
				m.cfg.Scheduler.RunDue(ctx)
				lastRun = now
			}
			beat()
		}
	}
}

func (m *Maintenance) dispatch(job cron.Job) cron.Job {
	if m.cfg.Pool == nil {
		return job
	}
	return func(ctx context.Context) error {
		err := m.cfg.Pool.Submit(maintenanceQueue, Task(job))
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrUnknownQueue) {
			return job(ctx)
		}
		return err
	}
}

// SnapshotStatus records the current state of every kernel.
func (m *Maintenance) SnapshotStatus(ctx context.Context) error {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()
	if src == nil {
		return nil
	}
	return m.cfg.Store.RecordStatus(ctx, StatusRows(src.Snapshots()))
}

// Retention prunes records older than the configured windows.
func (m *Maintenance) Retention(ctx context.Context) error {
	res, err := m.cfg.Store.RunRetention(ctx, m.cfg.EventDays, m.cfg.StatusDays, m.cfg.DelegationDays)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "retention complete",
		"purged_events", res.PurgedEvents,
		"purged_status_history", res.PurgedStatusHistory,
		"purged_revoked_grants", res.PurgedRevokedGrants,
	)
	return nil
}

// LastRetention returns the counts from the most recent retention run.
func (m *Maintenance) LastRetention() persistence.RetentionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Maintenance) SelfTest() readiness.SelfTest {
	return readiness.All(readiness.Probe("store", m.cfg.Store.Ping))
}

// StatusRows converts snapshots to persisted status rows.
func StatusRows(snaps []controlplane.Snapshot) []persistence.KernelStatus {
	rows := make([]persistence.KernelStatus, 0, len(snaps))
	for _, s := range snaps {
		row := persistence.KernelStatus{
			Name:         s.Name,
			Tier:         s.TierName,
			State:        string(s.State),
			RestartCount: s.RestartCount,
			Generation:   s.Generation,
			Critical:     s.Critical,
		}
		if !s.LastHeartbeat.IsZero() {
			hb := s.LastHeartbeat
			row.LastHeartbeat = &hb
		}
		rows = append(rows, row)
	}
	return rows
}
