package kernels

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/cron"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
)

// Kernel kinds understood by Build. A kernel entry without a kind uses its
// name as the kind.
const (
	KindMessageBus   = "message_bus"
	KindImmutableLog = "immutable_log"
	KindWorkerPool   = "worker_pool"
	KindMaintenance  = "maintenance"
	KindHealer       = "healer"
	KindAPIGateway   = "api_gateway"
)

type Deps struct {
	Bus          *bus.Bus
	Audit        *audit.Log
	Store        *persistence.Store
	Scheduler    *cron.Scheduler
	Readiness    *readiness.Registry
	BeatInterval time.Duration
	Logger       *slog.Logger
}

// Set is the built registry entries plus typed handles the daemon wires into
// the control plane and gateway.
type Set struct {
	Entries     []kernel.Entry
	MessageBus  *MessageBus
	Log         *ImmutableLog
	Pool        *WorkerPool
	Maintenance *Maintenance
	Gateway     *HTTPServer
	Healers     map[string]*Healer
}

type selfTester interface {
	SelfTest() readiness.SelfTest
}

// Build creates one kernel per configured entry and registers each kernel's
// self-test. Healer kernels are the configured repair pair and any entry of
// kind "healer".
func Build(cfg *config.Config, deps Deps) (*Set, error) {
	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	healers := make(map[string]bool, len(cfg.Repair.Healers))
	for _, h := range cfg.Repair.Healers {
		healers[h] = true
	}

	set := &Set{Healers: make(map[string]*Healer)}
	for i, kc := range cfg.Kernels {
		kind := kc.KindOrName()
		if healers[kc.Name] && kc.Kind == "" {
			kind = KindHealer
		}
		var k kernel.Kernel
		switch kind {
		case KindMessageBus:
			set.MessageBus = NewMessageBus(deps.Bus, deps.BeatInterval)
			k = set.MessageBus
		case KindImmutableLog:
			set.Log = NewImmutableLog(deps.Audit, deps.Store, cfg.HomeDir, deps.BeatInterval, logger)
			k = set.Log
		case KindWorkerPool:
			set.Pool = NewWorkerPool(PoolConfig{
				Queues:       cfg.Remediation.WorkerQueues,
				Workers:      cfg.Remediation.WorkerCount,
				BeatInterval: deps.BeatInterval,
				Logger:       logger,
			})
			k = set.Pool
		case KindMaintenance:
			set.Maintenance = NewMaintenance(MaintenanceConfig{
				Store:          deps.Store,
				Scheduler:      deps.Scheduler,
				StatusSpec:     cfg.Maintenance.StatusSnapshotSpec,
				RetentionSpec:  cfg.Maintenance.RetentionSpec,
				EventDays:      cfg.Maintenance.RetentionEventsDays,
				StatusDays:     cfg.Maintenance.RetentionStatusDays,
				DelegationDays: cfg.Maintenance.RetentionDelegationsDays,
				BeatInterval:   deps.BeatInterval,
				Logger:         logger,
			})
			k = set.Maintenance
		case KindHealer:
			h := NewHealer(kc.Name, deps.Bus, deps.BeatInterval, logger)
			set.Healers[kc.Name] = h
			k = h
		case KindAPIGateway:
			set.Gateway = NewHTTPServer(cfg.BindAddr, deps.BeatInterval, logger)
			k = set.Gateway
		default:
			return nil, fmt.Errorf("kernel %s: unknown kind %q", kc.Name, kind)
		}
		set.Entries = append(set.Entries, kernel.Entry{Descriptor: descs[i], Kernel: k})

		if st, ok := k.(selfTester); ok && deps.Readiness != nil {
			if err := deps.Readiness.Register(kc.Name, st.SelfTest()); err != nil {
				return nil, err
			}
		}
	}
	if set.Maintenance != nil && set.Pool != nil {
		set.Maintenance.cfg.Pool = set.Pool
	}
	return set, nil
}

// Registry builds the kernel registry from the set.
func (s *Set) Registry() (*kernel.Registry, error) {
	return kernel.NewRegistry(s.Entries...)
}

// WeightRestorer returns the healer that owns model weights: the second
// healer of the pair, which runs the model-backed agent.
func (s *Set) WeightRestorer(cfg *config.Config) *Healer {
	if len(cfg.Repair.Healers) < 2 {
		return nil
	}
	return s.Healers[cfg.Repair.Healers[1]]
}
