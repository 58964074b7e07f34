package bus

import (
	"strconv"
	"strings"
	"time"

	"github.com/basket/grace/internal/kernel"
)

// Control-plane event topics.
const (
	TopicKernelTransition = "kernel.transition"
	TopicKernelHeartbeat  = "kernel.heartbeat_miss"
	TopicBootAttempt      = "boot.attempt"
	TopicBootCompleted    = "boot.completed"
	TopicSystemDegraded   = "system.degraded"
	TopicEscalation       = "escalation.raised"
	TopicDiagnosis        = "escalation.diagnosis"
	TopicRepair           = "repair.action"
	TopicDelegation       = "delegation.changed"
	TopicAlert            = "alert.raised"
	TopicRemediation      = "remediation.applied"
	TopicConfigDrift      = "config.drift"
)

// Result values used in envelopes.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultNoop    = "noop"
	ResultWarning = "warning"
)

// Envelope is the flat record every payload reduces to for the audit log:
// {actor, action, resource, result, metadata}.
type Envelope struct {
	Actor    string
	Action   string
	Resource string
	Result   string
	Metadata map[string]string
}

// Payload is implemented by every typed event kind.
type Payload interface {
	Topic() string
	Envelope() Envelope
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// KernelTransition is emitted once per kernel state change.
type KernelTransition struct {
	Kernel     string
	From       kernel.State
	To         kernel.State
	Action     string // boot, stop, pause, resume, restart, fail, degrade, force_restart
	Actor      string
	Reason     string
	Generation uint64
}

func (e KernelTransition) Topic() string { return TopicKernelTransition }

func (e KernelTransition) Envelope() Envelope {
	result := ResultSuccess
	if e.To == kernel.StateFailed {
		result = ResultFailure
	}
	meta := map[string]string{
		"from":       string(e.From),
		"to":         string(e.To),
		"generation": strconv.FormatUint(e.Generation, 10),
	}
	if e.Reason != "" {
		meta["reason"] = e.Reason
	}
	return Envelope{
		Actor:    orDefault(e.Actor, "control_plane"),
		Action:   orDefault(e.Action, "transition"),
		Resource: e.Kernel,
		Result:   result,
		Metadata: meta,
	}
}

// HeartbeatMiss is emitted by the sweep when a running kernel went silent.
type HeartbeatMiss struct {
	Kernel       string
	Age          time.Duration
	WorkerExited bool
	RestartCount int
	MaxRestarts  int
	Decision     string // restart or fail
}

func (e HeartbeatMiss) Topic() string { return TopicKernelHeartbeat }

func (e HeartbeatMiss) Envelope() Envelope {
	return Envelope{
		Actor:    "heartbeat_sweep",
		Action:   "heartbeat_miss",
		Resource: e.Kernel,
		Result:   ResultWarning,
		Metadata: map[string]string{
			"age_ms":        strconv.FormatInt(e.Age.Milliseconds(), 10),
			"worker_exited": strconv.FormatBool(e.WorkerExited),
			"restart_count": strconv.Itoa(e.RestartCount),
			"max_restarts":  strconv.Itoa(e.MaxRestarts),
			"decision":      e.Decision,
		},
	}
}

// BootAttempt is emitted for each resolved boot attempt and for skips.
type BootAttempt struct {
	BootID      string
	Kernel      string
	Attempt     int
	MaxAttempts int
	Outcome     string // booted, skipped, degraded, timeout, not_ready, error, failed
	Error       string
	Elapsed     time.Duration
	Extended    bool // grace window was granted
	CachedState bool // attempt reused a cached boot state
}

func (e BootAttempt) Topic() string { return TopicBootAttempt }

func (e BootAttempt) Envelope() Envelope {
	result := ResultFailure
	switch e.Outcome {
	case "booted", "skipped":
		result = ResultSuccess
	case "degraded":
		result = ResultWarning
	}
	meta := map[string]string{
		"boot_id":      e.BootID,
		"attempt":      strconv.Itoa(e.Attempt),
		"max_attempts": strconv.Itoa(e.MaxAttempts),
		"outcome":      e.Outcome,
		"elapsed_ms":   strconv.FormatInt(e.Elapsed.Milliseconds(), 10),
		"extended":     strconv.FormatBool(e.Extended),
		"cached_state": strconv.FormatBool(e.CachedState),
	}
	if e.Error != "" {
		meta["error"] = e.Error
	}
	return Envelope{
		Actor:    "boot_orchestrator",
		Action:   "boot_attempt",
		Resource: e.Kernel,
		Result:   result,
		Metadata: meta,
	}
}

// BootCompleted summarizes a BootAll run.
type BootCompleted struct {
	BootID   string
	Waves    int
	Booted   int
	Skipped  int
	Degraded int
	Failed   int
	Aborted  bool
	Reason   string
}

func (e BootCompleted) Topic() string { return TopicBootCompleted }

func (e BootCompleted) Envelope() Envelope {
	result := ResultSuccess
	if e.Aborted {
		result = ResultFailure
	} else if e.Failed > 0 || e.Degraded > 0 {
		result = ResultWarning
	}
	meta := map[string]string{
		"boot_id":  e.BootID,
		"waves":    strconv.Itoa(e.Waves),
		"booted":   strconv.Itoa(e.Booted),
		"skipped":  strconv.Itoa(e.Skipped),
		"degraded": strconv.Itoa(e.Degraded),
		"failed":   strconv.Itoa(e.Failed),
	}
	if e.Reason != "" {
		meta["reason"] = e.Reason
	}
	return Envelope{
		Actor:    "boot_orchestrator",
		Action:   "boot_all",
		Resource: "system",
		Result:   result,
		Metadata: meta,
	}
}

// SystemDegraded is emitted when a critical kernel fails permanently.
type SystemDegraded struct {
	Kernel string
	Reason string
}

func (e SystemDegraded) Topic() string { return TopicSystemDegraded }

func (e SystemDegraded) Envelope() Envelope {
	return Envelope{
		Actor:    "control_plane",
		Action:   "mark_degraded",
		Resource: "system",
		Result:   ResultWarning,
		Metadata: map[string]string{"kernel": e.Kernel, "reason": e.Reason},
	}
}

// Escalation is emitted by the heartbeat watchdog when its classification changes.
type Escalation struct {
	Severity string // normal, diagnostic, emergency, healer_pair
	Kernels  []string
	Detail   string
}

func (e Escalation) Topic() string { return TopicEscalation }

func (e Escalation) Envelope() Envelope {
	result := ResultWarning
	if e.Severity == "normal" {
		result = ResultSuccess
	}
	return Envelope{
		Actor:    "heartbeat_watchdog",
		Action:   "escalate",
		Resource: "critical_set",
		Result:   result,
		Metadata: map[string]string{
			"severity": e.Severity,
			"kernels":  strings.Join(e.Kernels, ","),
			"detail":   e.Detail,
		},
	}
}

// Diagnosis carries findings of a diagnostic task opened by the watchdog.
type Diagnosis struct {
	Kernels  []string
	Findings []string
}

func (e Diagnosis) Topic() string { return TopicDiagnosis }

func (e Diagnosis) Envelope() Envelope {
	return Envelope{
		Actor:    "repair_coordinator",
		Action:   "diagnose",
		Resource: strings.Join(e.Kernels, ","),
		Result:   ResultSuccess,
		Metadata: map[string]string{"findings": strings.Join(e.Findings, "; ")},
	}
}

// Repair is emitted for each repair action the healer layer takes.
type Repair struct {
	Target string
	Actor  string
	Mode   string // mutual, deadlock, emergency
	Error  string
}

func (e Repair) Topic() string { return TopicRepair }

func (e Repair) Envelope() Envelope {
	result := ResultSuccess
	meta := map[string]string{"mode": e.Mode}
	if e.Error != "" {
		result = ResultFailure
		meta["error"] = e.Error
	}
	action := "repair"
	if e.Mode == "mutual" {
		action = "mutual_repair"
	}
	return Envelope{
		Actor:    orDefault(e.Actor, "repair_coordinator"),
		Action:   action,
		Resource: e.Target,
		Result:   result,
		Metadata: meta,
	}
}

// Delegation is emitted when emergency repair authority is granted or revoked.
type Delegation struct {
	GrantID string
	Agents  []string
	Granted bool
	Reason  string
}

func (e Delegation) Topic() string { return TopicDelegation }

func (e Delegation) Envelope() Envelope {
	action := "revoke_delegation"
	if e.Granted {
		action = "grant_delegation"
	}
	return Envelope{
		Actor:    "healer_watchdog",
		Action:   action,
		Resource: strings.Join(e.Agents, ","),
		Result:   ResultSuccess,
		Metadata: map[string]string{"grant_id": e.GrantID, "reason": e.Reason},
	}
}

// Alert is a human-actionable notification: automated recovery is exhausted.
type Alert struct {
	Severity string
	Message  string
	Kernels  []string
}

func (e Alert) Topic() string { return TopicAlert }

func (e Alert) Envelope() Envelope {
	return Envelope{
		Actor:    "healer_watchdog",
		Action:   "alert",
		Resource: strings.Join(e.Kernels, ","),
		Result:   ResultFailure,
		Metadata: map[string]string{"severity": e.Severity, "message": e.Message},
	}
}

// Remediation is emitted when a remediation primitive changes system state.
type Remediation struct {
	Primitive string // scale_workers, shed_load, restore_load, restore_model_weights
	Target    string
	Actor     string
	Detail    string
	Error     string
}

func (e Remediation) Topic() string { return TopicRemediation }

func (e Remediation) Envelope() Envelope {
	result := ResultSuccess
	meta := map[string]string{"detail": e.Detail}
	if e.Error != "" {
		result = ResultFailure
		meta["error"] = e.Error
	}
	return Envelope{
		Actor:    orDefault(e.Actor, "operator"),
		Action:   e.Primitive,
		Resource: orDefault(e.Target, "system"),
		Result:   result,
		Metadata: meta,
	}
}

// ConfigDrift is emitted when a config file changes after startup.
type ConfigDrift struct {
	Path string
	Op   string
}

func (e ConfigDrift) Topic() string { return TopicConfigDrift }

func (e ConfigDrift) Envelope() Envelope {
	return Envelope{
		Actor:    "config_watcher",
		Action:   "config_changed",
		Resource: e.Path,
		Result:   ResultWarning,
		Metadata: map[string]string{"op": e.Op, "note": "restart required to apply"},
	}
}
