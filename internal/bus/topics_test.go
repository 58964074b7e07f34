package bus

import (
	"testing"
	"time"

	"github.com/basket/grace/internal/kernel"
)

func TestTopics_Unique(t *testing.T) {
	topics := []string{
		TopicKernelTransition, TopicKernelHeartbeat, TopicBootAttempt, TopicBootCompleted,
		TopicSystemDegraded, TopicEscalation, TopicDiagnosis, TopicRepair,
		TopicDelegation, TopicAlert, TopicRemediation, TopicConfigDrift,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestKernelTransition_Envelope(t *testing.T) {
	env := KernelTransition{
		Kernel:     "immutable_log",
		From:       kernel.StateRunning,
		To:         kernel.StateFailed,
		Action:     "fail",
		Generation: 3,
	}.Envelope()

	if env.Actor != "control_plane" {
		t.Fatalf("actor = %q, want control_plane", env.Actor)
	}
	if env.Resource != "immutable_log" {
		t.Fatalf("resource = %q", env.Resource)
	}
	if env.Result != ResultFailure {
		t.Fatalf("result = %q, want failure", env.Result)
	}
	if env.Metadata["from"] != "RUNNING" || env.Metadata["to"] != "FAILED" {
		t.Fatalf("metadata = %v", env.Metadata)
	}
	if env.Metadata["generation"] != "3" {
		t.Fatalf("generation = %q", env.Metadata["generation"])
	}
}

func TestBootAttempt_ResultMapping(t *testing.T) {
	cases := map[string]string{
		"booted":    ResultSuccess,
		"skipped":   ResultSuccess,
		"degraded":  ResultWarning,
		"timeout":   ResultFailure,
		"not_ready": ResultFailure,
	}
	for outcome, want := range cases {
		env := BootAttempt{Kernel: "k", Outcome: outcome, Elapsed: time.Second}.Envelope()
		if env.Result != want {
			t.Fatalf("outcome %s: result = %q, want %q", outcome, env.Result, want)
		}
		if env.Metadata["elapsed_ms"] != "1000" {
			t.Fatalf("elapsed_ms = %q", env.Metadata["elapsed_ms"])
		}
	}
}

func TestRepair_MutualAction(t *testing.T) {
	env := Repair{Target: "coding_agent", Actor: "self_healing", Mode: "mutual"}.Envelope()
	if env.Action != "mutual_repair" {
		t.Fatalf("action = %q, want mutual_repair", env.Action)
	}
	if env.Actor != "self_healing" {
		t.Fatalf("actor = %q", env.Actor)
	}

	failed := Repair{Target: "coding_agent", Mode: "deadlock", Error: "boom"}.Envelope()
	if failed.Result != ResultFailure || failed.Metadata["error"] != "boom" {
		t.Fatalf("unexpected envelope: %+v", failed)
	}
}

func TestDelegation_GrantRevoke(t *testing.T) {
	grant := Delegation{GrantID: "g1", Agents: []string{"a", "b"}, Granted: true}.Envelope()
	if grant.Action != "grant_delegation" || grant.Resource != "a,b" {
		t.Fatalf("grant envelope = %+v", grant)
	}
	revoke := Delegation{GrantID: "g1", Agents: []string{"a"}}.Envelope()
	if revoke.Action != "revoke_delegation" {
		t.Fatalf("revoke action = %q", revoke.Action)
	}
}
