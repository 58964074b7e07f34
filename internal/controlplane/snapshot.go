package controlplane

import (
	"time"

	"github.com/basket/grace/internal/kernel"
)

// Snapshot is a read-only copy of one kernel's runtime.
type Snapshot struct {
	Name          string        `json:"name"`
	Tier          kernel.Tier   `json:"-"`
	TierName      string        `json:"tier"`
	Critical      bool          `json:"critical"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	State         kernel.State  `json:"state"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitzero"`
	HeartbeatAge  time.Duration `json:"heartbeat_age_ns"`
	Beats         uint64        `json:"beats"`
	RestartCount  int           `json:"restart_count"`
	MaxRestarts   int           `json:"max_restarts"`
	Exhausted     bool          `json:"exhausted,omitempty"`
	Recovering    bool          `json:"recovering,omitempty"`
	Generation    uint64        `json:"generation"`
	WorkerExited  bool          `json:"worker_exited,omitempty"`
	ExitError     string        `json:"exit_error,omitempty"`
	CachedState   bool          `json:"cached_state,omitempty"`
}

func (rt *runtime) snapshot(now time.Time) Snapshot {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s := Snapshot{
		Name:          rt.desc.Name,
		Tier:          rt.desc.Tier,
		TierName:      rt.desc.Tier.String(),
		Critical:      rt.desc.Critical,
		DependsOn:     append([]string(nil), rt.desc.DependsOn...),
		State:         rt.state,
		StartedAt:     rt.startedAt,
		LastHeartbeat: rt.lastHeartbeat,
		Beats:         rt.beats,
		RestartCount:  rt.restartCount,
		MaxRestarts:   rt.desc.MaxRestarts,
		Exhausted:     rt.exhausted,
		Recovering:    rt.recovering,
		Generation:    rt.generation,
		WorkerExited:  rt.exited,
		CachedState:   rt.cached != nil,
	}
	if !rt.lastHeartbeat.IsZero() {
		s.HeartbeatAge = now.Sub(rt.lastHeartbeat)
	}
	if rt.exitErr != nil {
		s.ExitError = rt.exitErr.Error()
	}
	return s
}

// Snapshot returns the current runtime of name.
func (cp *ControlPlane) Snapshot(name string) (Snapshot, error) {
	rt, err := cp.lookup(name)
	if err != nil {
		return Snapshot{}, err
	}
	return rt.snapshot(time.Now()), nil
}

// Snapshots returns every kernel's runtime in registration order.
func (cp *ControlPlane) Snapshots() []Snapshot {
	now := time.Now()
	out := make([]Snapshot, 0, len(cp.order))
	for _, name := range cp.order {
		out = append(out, cp.runtimes[name].snapshot(now))
	}
	return out
}

// Load returns the self-reported load of name, if its kernel reports one.
func (cp *ControlPlane) Load(name string) (kernel.Load, bool) {
	rt, ok := cp.runtimes[name]
	if !ok {
		return kernel.Load{}, false
	}
	r, ok := rt.impl.(kernel.Reporter)
	if !ok {
		return kernel.Load{}, false
	}
	return r.Load(), true
}
