package controlplane

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/shared"
)

// SweepResult summarizes one heartbeat sweep.
type SweepResult struct {
	Checked   int
	Missed    []string
	Restarted []string
	Failed    []string
	Skipped   []string // busy with another lifecycle operation
	Errors    map[string]error
}

// SweepHeartbeats checks every Running kernel once. A kernel whose heartbeat
// is older than the heartbeat timeout, or whose worker exited, is restarted
// while restart_count < max_restarts and otherwise failed for good; a
// permanently failed critical kernel marks the system degraded. A kernel left
// Failed by one of the sweep's own restarts is retried on later sweeps under
// the same budget. Restarts of different kernels run concurrently.
func (cp *ControlPlane) SweepHeartbeats(ctx context.Context) SweepResult {
	res := SweepResult{Errors: map[string]error{}}
	ctx = shared.WithActor(ctx, shared.ActorSweep)
	now := time.Now()

	var due []*runtime
	for _, name := range cp.order {
		rt := cp.runtimes[name]
		rt.mu.Lock()
		state, hb, exited, recovering := rt.state, rt.lastHeartbeat, rt.exited, rt.recovering
		rt.mu.Unlock()
		switch {
		case state == kernel.StateFailed && recovering:
			res.Checked++
			due = append(due, rt)
		case state == kernel.StateRunning:
			res.Checked++
			if now.Sub(hb) > cp.heartbeatTimeout || exited {
				due = append(due, rt)
			}
		}
	}

	type outcome struct {
		name      string
		missed    bool
		restarted bool
		failed    bool
		skipped   bool
		err       error
	}
	outcomes := make([]outcome, len(due))

	var g errgroup.Group
	for i, rt := range due {
		g.Go(func() error {
			o := outcome{name: rt.desc.Name}
			defer func() { outcomes[i] = o }()

			if !rt.op.TryLock() {
				o.skipped = true
				return nil
			}
			defer rt.op.Unlock()

			// Re-check under the op lock; the kernel may have been restarted
			// or stopped since the scan.
			rt.mu.Lock()
			state, hb, exited, recovering := rt.state, rt.lastHeartbeat, rt.exited, rt.recovering
			count, maxRestarts := rt.restartCount, rt.desc.MaxRestarts
			rt.mu.Unlock()

			decision := "restart"
			if count >= maxRestarts {
				decision = "fail"
			}

			if state == kernel.StateFailed {
				if !recovering {
					return nil
				}
				if decision == "fail" {
					cp.exhaustLocked(rt, fmt.Sprintf("restart failed after %d restarts", count))
					o.failed = true
					return nil
				}
				cp.logger.Warn("retrying failed restart", "kernel", o.name, "restart_count", count, "max_restarts", maxRestarts)
				o.err = cp.sweepRestartLocked(ctx, rt)
				o.restarted = o.err == nil
				o.failed = rt.isExhausted()
				return nil
			}

			age := time.Since(hb)
			if state != kernel.StateRunning || (age <= cp.heartbeatTimeout && !exited) {
				return nil
			}
			o.missed = true
			cp.metrics.RecordHeartbeatMiss(ctx, o.name)

			cp.events.Emit(bus.HeartbeatMiss{
				Kernel:       o.name,
				Age:          age,
				WorkerExited: exited,
				RestartCount: count,
				MaxRestarts:  maxRestarts,
				Decision:     decision,
			})
			cp.logger.Warn("heartbeat miss",
				"kernel", o.name,
				"age", age,
				"worker_exited", exited,
				"restart_count", count,
				"max_restarts", maxRestarts,
				"decision", decision,
			)

			if decision == "restart" {
				o.err = cp.sweepRestartLocked(ctx, rt)
				o.restarted = o.err == nil
				o.failed = rt.isExhausted()
				return nil
			}

			reason := fmt.Sprintf("heartbeat missed after %d restarts", count)
			if exited {
				reason = fmt.Sprintf("worker exited after %d restarts", count)
			}
			if err := cp.stopWorkerLocked(rt); err != nil {
				o.err = err
			}
			cp.exhaustLocked(rt, reason)
			o.failed = true
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.skipped {
			res.Skipped = append(res.Skipped, o.name)
			continue
		}
		if o.missed {
			res.Missed = append(res.Missed, o.name)
		}
		if o.restarted {
			res.Restarted = append(res.Restarted, o.name)
		}
		if o.failed {
			res.Failed = append(res.Failed, o.name)
		}
		if o.err != nil {
			res.Errors[o.name] = o.err
		}
	}
	return res
}

// sweepRestartLocked restarts rt for the sweep. A restart that leaves the
// kernel Failed is either retried by a later sweep or, with the budget used
// up, made permanent.
func (cp *ControlPlane) sweepRestartLocked(ctx context.Context, rt *runtime) error {
	err := cp.restartLocked(ctx, rt, "restart", shared.ActorSweep, false)
	if err == nil {
		return nil
	}
	rt.mu.Lock()
	failed := rt.state == kernel.StateFailed
	count, maxRestarts := rt.restartCount, rt.desc.MaxRestarts
	if failed && count < maxRestarts {
		rt.recovering = true
	}
	rt.mu.Unlock()
	if failed && count >= maxRestarts {
		cp.exhaustLocked(rt, fmt.Sprintf("restart failed after %d restarts: %v", count, err))
	}
	return err
}

// exhaustLocked fails rt for good. Only ForceRestart brings it back; a
// critical kernel marks the system degraded.
func (cp *ControlPlane) exhaustLocked(rt *runtime, reason string) {
	rt.mu.Lock()
	rt.exhausted = true
	rt.recovering = false
	rt.mu.Unlock()
	cp.setState(rt, kernel.StateFailed, "fail", shared.ActorSweep, reason)
	if rt.desc.Critical {
		cp.markSystemDegraded(rt.desc.Name, reason)
	}
}

func (rt *runtime) isExhausted() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.exhausted
}

// StartSweeper runs SweepHeartbeats on the sweep interval until StopSweeper
// or ctx ends.
func (cp *ControlPlane) StartSweeper(ctx context.Context) {
	ctx, cp.sweepCancel = context.WithCancel(ctx)
	cp.sweepWG.Add(1)
	go cp.sweepLoop(ctx)
	cp.logger.Info("heartbeat sweep started", "interval", cp.sweepInterval, "timeout", cp.heartbeatTimeout)
}

// StopSweeper cancels the sweep loop and waits for it to exit.
func (cp *ControlPlane) StopSweeper() {
	if cp.sweepCancel != nil {
		cp.sweepCancel()
	}
	cp.sweepWG.Wait()
	cp.logger.Info("heartbeat sweep stopped")
}

func (cp *ControlPlane) sweepLoop(ctx context.Context) {
	defer cp.sweepWG.Done()

	ticker := time.NewTicker(cp.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := cp.SweepHeartbeats(ctx)
			for name, err := range res.Errors {
				cp.logger.Error("sweep restart failed", "kernel", name, "error", err)
			}
		}
	}
}
