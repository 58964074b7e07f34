package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/doctor"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	if !strings.Contains(buf.String(), "usage: grace daemon [--help]") {
		t.Fatalf("usage output missing daemon usage: %q", buf.String())
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and points
// GRACE_HOME at it.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GRACE_HOME", home)
	t.Setenv("GRACE_API_TOKEN", "")
	doc := `bind_addr: "` + addr + `"` + "\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func kernelsServer(t *testing.T, resp kernelsResponse) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/kernels" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunStatusCommand_Healthy(t *testing.T) {
	ts := kernelsServer(t, kernelsResponse{Kernels: []controlplane.Snapshot{
		{Name: "message_bus", TierName: "core-infra", Critical: true, State: kernel.StateRunning, Generation: 1},
	}})
	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_Degraded(t *testing.T) {
	ts := kernelsServer(t, kernelsResponse{SystemDegraded: true, Kernels: []controlplane.Snapshot{
		{Name: "immutable_log", TierName: "core-infra", Critical: true, State: kernel.StateFailed},
	}})
	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(kernelsResponse{
		Kernels: []controlplane.Snapshot{
			{Name: "worker_pool", TierName: "services", State: kernel.StatePaused, Generation: 4, RestartCount: 3, MaxRestarts: 3, Exhausted: true},
			{Name: "healer", TierName: "agents", State: kernel.StateRunning, LastHeartbeat: time.Now(), HeartbeatAge: 1500 * time.Millisecond},
		},
		Shed: []string{"worker_pool"},
	}, false)
	for _, want := range []string{"worker_pool", "PAUSED", "3/3 !", "1.5s", "system: ok", "shed: worker_pool"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}

func TestAPIURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790":    "http://127.0.0.1:18790/healthz",
		"0.0.0.0:9000":       "http://127.0.0.1:9000/healthz",
		"http://grace.local": "http://grace.local/healthz",
	}
	for in, want := range cases {
		if got := apiURL(in, "/healthz"); got != want {
			t.Errorf("apiURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPlan_StarterWaves(t *testing.T) {
	cfg := config.Config{Kernels: config.StarterKernels(), Features: map[string]bool{"api_gateway": true}}
	out, err := buildPlan(&cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(out.Waves) != 3 {
		t.Fatalf("waves = %d, want 3", len(out.Waves))
	}
	seen := make(map[string]int)
	for _, w := range out.Waves {
		for _, k := range w.Kernels {
			seen[k.Name] = w.Wave
		}
	}
	for _, k := range cfg.Kernels {
		for _, dep := range k.DependsOn {
			if seen[dep] >= seen[k.Name] {
				t.Fatalf("%s (wave %d) does not boot after %s (wave %d)", k.Name, seen[k.Name], dep, seen[dep])
			}
		}
	}
}

func TestRunPlanCommand_YAML(t *testing.T) {
	setTestConfig(t, "127.0.0.1:18790")
	var buf bytes.Buffer
	if code := runPlanCommand(&buf, nil); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var out planOutput
	if err := yaml.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("yaml: %v\n%s", err, buf.String())
	}
	if len(out.Waves) == 0 || out.ConfigFingerprint == "" {
		t.Fatalf("plan = %+v", out)
	}
}

func TestRunPlanCommand_Cycle(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:18790")
	doc := `kernels:
  - {name: a, kind: message_bus, tier: core-infra, depends_on: [b]}
  - {name: b, kind: immutable_log, tier: core-infra, depends_on: [a]}
  - {name: self_healing, kind: healer, tier: agentic}
  - {name: coding_agent, kind: healer, tier: agentic}
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if code := runPlanCommand(&bytes.Buffer{}, nil); code != 1 {
		t.Fatalf("exit code %d, want 1 for dependency cycle", code)
	}
}

func TestRunEventsCommand(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:18790")
	store, err := persistence.Open(filepath.Join(home, "grace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, err := audit.Open(audit.Options{Sink: store})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	log.Emit(bus.KernelTransition{Kernel: "worker_pool", From: kernel.StateRunning, To: kernel.StatePaused, Action: "pause", Actor: "operator"})
	log.Emit(bus.KernelTransition{Kernel: "healer", From: kernel.StateStopped, To: kernel.StateRunning, Action: "boot"})
	_ = store.Close()

	var buf bytes.Buffer
	if code := runEventsCommand(context.Background(), &buf, []string{"-resource", "worker_pool", "-since", "1h"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	out := buf.String()
	if !strings.Contains(out, "worker_pool") || !strings.Contains(out, "to=PAUSED") || strings.Contains(out, "healer") {
		t.Fatalf("events output:\n%s", out)
	}

	if code := runEventsCommand(context.Background(), &buf, []string{"-since", "last tuesday"}); code != 2 {
		t.Fatalf("bad -since exit code %d, want 2", code)
	}
}

func TestRenderDoctor(t *testing.T) {
	out := renderDoctor(doctor.Diagnosis{
		Timestamp: time.Now(),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24.1"},
		Results: []doctor.CheckResult{
			{Name: "Registry", Status: "PASS", Message: "7 kernels in 3 waves"},
			{Name: "Database", Status: "FAIL", Message: "cannot open", Detail: "/nonexistent/grace.db"},
		},
	}, false)
	for _, want := range []string{"linux/amd64", "PASS  Registry", "FAIL  Database", "/nonexistent/grace.db"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRunDoctorCommand_JSON(t *testing.T) {
	setTestConfig(t, "127.0.0.1:18790")
	var buf bytes.Buffer
	code := runDoctorCommand(context.Background(), &buf, []string{"-json"})
	var diag doctor.Diagnosis
	if err := json.Unmarshal(buf.Bytes(), &diag); err != nil {
		t.Fatalf("json: %v\n%s", err, buf.String())
	}
	if len(diag.Results) == 0 {
		t.Fatal("no checks reported")
	}
	if (code == 1) != diag.Failed() {
		t.Fatalf("exit code %d does not match Failed()=%v", code, diag.Failed())
	}
	if code := runDoctorCommand(context.Background(), &buf, []string{"extra"}); code != 2 {
		t.Fatalf("extra arg exit code %d, want 2", code)
	}
}
