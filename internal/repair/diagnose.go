package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Diagnostics builds findings for failing kernels from their runtime and
// load. It implements the heartbeat watchdog's Diagnoser.
type Diagnostics struct {
	Source  SnapshotSource
	Metrics MetricsSource // optional
}

// Diagnose returns one finding per kernel. Kernels that cannot be read are
// reported in the error; findings for the rest are still returned.
func (d *Diagnostics) Diagnose(ctx context.Context, kernels []string) ([]string, error) {
	var (
		findings []string
		errs     []error
	)
	now := time.Now()
	for _, name := range kernels {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		snap, err := d.Source.Snapshot(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("diagnose %s: %w", name, err))
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s: state=%s restarts=%d/%d generation=%d", name, snap.State, snap.RestartCount, snap.MaxRestarts, snap.Generation)
		if !snap.LastHeartbeat.IsZero() {
			fmt.Fprintf(&b, " heartbeat_age=%s", now.Sub(snap.LastHeartbeat).Round(time.Millisecond))
		}
		if snap.Exhausted {
			b.WriteString(" restart budget exhausted")
		}
		if snap.WorkerExited {
			b.WriteString(" worker exited")
			if snap.ExitError != "" {
				fmt.Fprintf(&b, " (%s)", snap.ExitError)
			}
		}
		if d.Metrics != nil {
			if load, ok := d.Metrics.Load(name); ok {
				fmt.Fprintf(&b, " queue=%d cpu=%.0f%% processed=%d", load.QueueDepth, load.CPUPercent, load.Processed)
			}
		}
		for _, dep := range snap.DependsOn {
			if ds, err := d.Source.Snapshot(dep); err == nil && !ds.State.Alive() {
				fmt.Fprintf(&b, " dependency %s is %s", dep, ds.State)
			}
		}
		findings = append(findings, b.String())
	}
	return findings, errors.Join(errs...)
}
