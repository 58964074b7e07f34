// Package kernel defines what a kernel is: its immutable descriptor, its
// lifecycle states, and the contract every managed subsystem satisfies.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tier is a coarse dependency layer used for boot ordering and watchdog grouping.
type Tier int

const (
	TierCoreInfra Tier = iota
	TierExecution
	TierAgentic
	TierServices
)

func (t Tier) String() string {
	switch t {
	case TierCoreInfra:
		return "core-infra"
	case TierExecution:
		return "execution"
	case TierAgentic:
		return "agentic"
	case TierServices:
		return "services"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier maps a config tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "core-infra", "core_infra", "core", "":
		return TierCoreInfra, nil
	case "execution":
		return TierExecution, nil
	case "agentic":
		return TierAgentic, nil
	case "services", "service":
		return TierServices, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// State is a kernel's run state as owned by the control plane.
type State string

const (
	StateStopped    State = "STOPPED"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateRestarting State = "RESTARTING"
	StateFailed     State = "FAILED"
	// StateDegraded is a terminal-but-alive substate of Running, reachable
	// only through the boot orchestrator's fallback path.
	StateDegraded State = "DEGRADED"
)

// Alive reports whether a kernel in this state has a live worker.
func (s State) Alive() bool {
	return s == StateRunning || s == StatePaused || s == StateDegraded
}

// Descriptor is the immutable definition of a kernel.
type Descriptor struct {
	Name              string
	Tier              Tier
	DependsOn         []string
	Critical          bool          // failure here halts boot
	BootTimeout       time.Duration // per boot attempt
	GraceWindow       time.Duration // extra time granted once a heartbeat is seen
	MaxRetries        int           // boot attempts = MaxRetries+1
	MaxRestarts       int           // heartbeat-miss restarts before permanent failure
	Priority          int           // higher boots first within a wave
	ResourceIntensive bool          // gated by the heavy-kernel semaphore
	FeatureFlag       string        // empty = always enabled
}

// Enabled reports whether the descriptor is allowed to boot under flags.
// A kernel gated on a flag that is absent from the map does not boot.
func (d Descriptor) Enabled(flags map[string]bool) bool {
	if d.FeatureFlag == "" {
		return true
	}
	return flags[d.FeatureFlag]
}

// Beat records liveness for the kernel that received it.
type Beat func()

// Kernel is the contract every managed subsystem exposes to the core.
type Kernel interface {
	// Start performs setup. It must honor ctx and may call beat to show
	// progress while slow.
	Start(ctx context.Context, beat Beat) error
	// Run is the long-running loop. It must call beat periodically and
	// return once ctx is done.
	Run(ctx context.Context, beat Beat) error
}

// Degradable kernels offer a reduced-functionality start path used after
// normal boot retries are exhausted.
type Degradable interface {
	StartDegraded(ctx context.Context, beat Beat) error
}

// Resumable kernels hand back setup state from an attempt so the next attempt
// can skip redundant work. The returned snapshot is kept even when err != nil.
type Resumable interface {
	StartFrom(ctx context.Context, cached any, beat Beat) (snapshot any, err error)
}

// Pausable kernels stop taking new work while paused for load shedding.
type Pausable interface {
	Pause()
	Resume()
}

// Load is a point-in-time sample a kernel reports about itself.
type Load struct {
	QueueDepth int
	CPUPercent float64
	Processed  uint64 // monotonic count of completed work items
}

// Reporter kernels expose load samples used by the repair coordinator.
type Reporter interface {
	Load() Load
}

// Funcs adapts plain functions to Kernel. A nil StartFn is a no-op.
type Funcs struct {
	StartFn func(ctx context.Context, beat Beat) error
	RunFn   func(ctx context.Context, beat Beat) error
}

func (f Funcs) Start(ctx context.Context, beat Beat) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx, beat)
}

func (f Funcs) Run(ctx context.Context, beat Beat) error {
	if f.RunFn == nil {
		<-ctx.Done()
		return nil
	}
	return f.RunFn(ctx, beat)
}

// BeatEvery calls beat on every tick until ctx is done.
func BeatEvery(ctx context.Context, interval time.Duration, beat Beat) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			beat()
		}
	}
}
