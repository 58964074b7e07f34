package controlplane

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/shared"
)

// Remediation primitive names, as they appear in events and the HTTP API.
const (
	PrimitiveScaleWorkers = "scale_workers"
	PrimitiveShedLoad     = "shed_load"
	PrimitiveRestoreLoad  = "restore_load"
	PrimitiveRestoreModel = "restore_model_weights"
)

// Authorizer decides whether an actor may invoke remediation primitives.
type Authorizer interface {
	Authorized(actor string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(actor string) bool

func (f AuthorizerFunc) Authorized(actor string) bool { return f(actor) }

// AllowActors authorizes a fixed set of actors.
func AllowActors(actors ...string) Authorizer {
	set := make(map[string]bool, len(actors))
	for _, a := range actors {
		set[a] = true
	}
	return AuthorizerFunc(func(actor string) bool { return set[actor] })
}

// AnyOf authorizes an actor accepted by any of auths.
func AnyOf(auths ...Authorizer) Authorizer {
	return AuthorizerFunc(func(actor string) bool {
		for _, a := range auths {
			if a != nil && a.Authorized(actor) {
				return true
			}
		}
		return false
	})
}

// WorkerScaler is the collaborator that owns worker pools.
type WorkerScaler interface {
	Workers(queue string) (int, error)
	SetWorkers(queue string, n int) error
}

// WeightRestorer reloads model weights from a file.
type WeightRestorer interface {
	RestoreWeights(ctx context.Context, path string) error
}

// RemediationResult reports what a primitive did. Changed is false when the
// system was already in the requested state.
type RemediationResult struct {
	Primitive string   `json:"primitive"`
	Target    string   `json:"target,omitempty"`
	Changed   bool     `json:"changed"`
	Detail    string   `json:"detail,omitempty"`
	Kernels   []string `json:"kernels,omitempty"`
}

type remediationState struct {
	baseline   map[string]int // queue -> worker count before the first scale
	shed       []string       // kernels paused by ShedLoad, in pause order
	shedReason string
	weightPath string
	weightHash uint64
}

func newRemediationState() remediationState {
	return remediationState{baseline: make(map[string]int)}
}

func (cp *ControlPlane) authorize(ctx context.Context, primitive string) (string, error) {
	actor := shared.ActorOr(ctx, shared.ActorOperator)
	if cp.authorizer != nil && !cp.authorizer.Authorized(actor) {
		cp.metrics.RecordRemediation(ctx, primitive, bus.ResultFailure)
		return actor, fmt.Errorf("%w: %s may not call %s", ErrUnauthorized, actor, primitive)
	}
	return actor, nil
}

func (cp *ControlPlane) reportRemediation(ctx context.Context, actor string, res RemediationResult, err error) {
	result := bus.ResultNoop
	switch {
	case err != nil:
		result = bus.ResultFailure
	case res.Changed:
		result = bus.ResultSuccess
	}
	cp.metrics.RecordRemediation(ctx, res.Primitive, result)
	if result == bus.ResultNoop {
		return
	}
	ev := bus.Remediation{Primitive: res.Primitive, Target: res.Target, Actor: actor, Detail: res.Detail}
	if err != nil {
		ev.Error = err.Error()
	}
	cp.events.Emit(ev)
	cp.logger.Info("remediation applied", "primitive", res.Primitive, "target", res.Target, "actor", actor, "detail", res.Detail, "error", err)
}

// ScaleWorkers sets queue's worker count to its baseline plus delta. The
// baseline is the count observed on the first call for that queue, so
// repeating a call with the same delta is a no-op.
func (cp *ControlPlane) ScaleWorkers(ctx context.Context, queue string, delta int) (RemediationResult, error) {
	res := RemediationResult{Primitive: PrimitiveScaleWorkers, Target: queue}
	actor, err := cp.authorize(ctx, res.Primitive)
	if err != nil {
		return res, err
	}
	if cp.scaler == nil {
		return res, fmt.Errorf("%w: no worker scaler configured", ErrCapabilityUnavailable)
	}
	if queue == "" {
		return res, fmt.Errorf("scale workers: empty queue name")
	}

	cp.remMu.Lock()
	defer cp.remMu.Unlock()

	current, err := cp.scaler.Workers(queue)
	if err != nil {
		err = fmt.Errorf("scale workers: read %s: %w", queue, err)
		cp.reportRemediation(ctx, actor, res, err)
		return res, err
	}
	base, ok := cp.rem.baseline[queue]
	if !ok {
		base = current
		cp.rem.baseline[queue] = base
	}
	target := max(base+delta, 1)
	if target == current {
		res.Detail = fmt.Sprintf("%s already at %d workers", queue, current)
		cp.reportRemediation(ctx, actor, res, nil)
		return res, nil
	}
	if err := cp.scaler.SetWorkers(queue, target); err != nil {
		err = fmt.Errorf("scale workers: set %s to %d: %w", queue, target, err)
		cp.reportRemediation(ctx, actor, res, err)
		return res, err
	}
	res.Changed = true
	res.Detail = fmt.Sprintf("%s: %d -> %d workers (baseline %d)", queue, current, target, base)
	cp.reportRemediation(ctx, actor, res, nil)
	return res, nil
}

// ShedLoad pauses every Running non-critical kernel in the agentic and
// services tiers. Calling it while load is already shed is a no-op.
func (cp *ControlPlane) ShedLoad(ctx context.Context, reason string) (RemediationResult, error) {
	res := RemediationResult{Primitive: PrimitiveShedLoad, Target: "system"}
	actor, err := cp.authorize(ctx, res.Primitive)
	if err != nil {
		return res, err
	}

	cp.remMu.Lock()
	defer cp.remMu.Unlock()

	for _, name := range cp.order {
		rt := cp.runtimes[name]
		if rt.desc.Critical || rt.desc.Tier < kernel.TierAgentic {
			continue
		}
		rt.op.Lock()
		changed, err := cp.pauseLocked(rt, actor, "shed load: "+reason)
		rt.op.Unlock()
		if err != nil {
			// Not Running: nothing to shed.
			continue
		}
		if changed {
			cp.rem.shed = append(cp.rem.shed, name)
			res.Kernels = append(res.Kernels, name)
		}
	}
	if len(res.Kernels) > 0 {
		res.Changed = true
		cp.rem.shedReason = reason
		res.Detail = fmt.Sprintf("paused %s: %s", strings.Join(res.Kernels, ","), reason)
	} else {
		res.Detail = "no sheddable kernels running"
	}
	cp.reportRemediation(ctx, actor, res, nil)
	return res, nil
}

// RestoreLoad resumes the kernels ShedLoad paused. Kernels restarted or
// stopped in the meantime are left alone.
func (cp *ControlPlane) RestoreLoad(ctx context.Context) (RemediationResult, error) {
	res := RemediationResult{Primitive: PrimitiveRestoreLoad, Target: "system"}
	actor, err := cp.authorize(ctx, res.Primitive)
	if err != nil {
		return res, err
	}

	cp.remMu.Lock()
	defer cp.remMu.Unlock()

	for _, name := range cp.rem.shed {
		rt := cp.runtimes[name]
		rt.op.Lock()
		changed, err := cp.resumeLocked(rt, actor, "restore load")
		rt.op.Unlock()
		if err == nil && changed {
			res.Kernels = append(res.Kernels, name)
		}
	}
	cp.rem.shed = nil
	cp.rem.shedReason = ""
	if len(res.Kernels) > 0 {
		res.Changed = true
		res.Detail = "resumed " + strings.Join(res.Kernels, ",")
	} else {
		res.Detail = "no shed kernels to resume"
	}
	cp.reportRemediation(ctx, actor, res, nil)
	return res, nil
}

// ShedKernels returns the kernels currently paused by ShedLoad.
func (cp *ControlPlane) ShedKernels() []string {
	cp.remMu.Lock()
	defer cp.remMu.Unlock()
	return slices.Clone(cp.rem.shed)
}

// RestoreModelWeights reloads weights from file through the WeightRestorer.
// Restoring the same file with unchanged contents is a no-op.
func (cp *ControlPlane) RestoreModelWeights(ctx context.Context, file string) (RemediationResult, error) {
	res := RemediationResult{Primitive: PrimitiveRestoreModel, Target: file}
	actor, err := cp.authorize(ctx, res.Primitive)
	if err != nil {
		return res, err
	}
	if cp.weights == nil {
		return res, fmt.Errorf("%w: no weight restorer configured", ErrCapabilityUnavailable)
	}

	sum, err := hashFile(file)
	if err != nil {
		err = fmt.Errorf("restore model weights: %w", err)
		cp.reportRemediation(ctx, actor, res, err)
		return res, err
	}

	cp.remMu.Lock()
	defer cp.remMu.Unlock()
	if cp.rem.weightPath == file && cp.rem.weightHash == sum {
		res.Detail = "weights already restored from this file"
		cp.reportRemediation(ctx, actor, res, nil)
		return res, nil
	}
	if err := cp.weights.RestoreWeights(ctx, file); err != nil {
		err = fmt.Errorf("restore model weights: %w", err)
		cp.reportRemediation(ctx, actor, res, err)
		return res, err
	}
	cp.rem.weightPath = file
	cp.rem.weightHash = sum
	res.Changed = true
	res.Detail = fmt.Sprintf("restored (fnv64a %016x)", sum)
	cp.reportRemediation(ctx, actor, res, nil)
	return res, nil
}

func hashFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := fnv.New64a()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
