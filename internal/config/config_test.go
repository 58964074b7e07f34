package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/kernel"
)

func writeHome(t *testing.T, yaml string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "grace")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if yaml != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("GRACE_HOME", home)
	return home
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := writeHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Missing {
		t.Fatal("expected Missing=true when config.yaml is absent")
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.DBPath != filepath.Join(home, "grace.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if len(cfg.Kernels) != len(config.StarterKernels()) {
		t.Fatalf("kernels = %d, want starter registry", len(cfg.Kernels))
	}
	if !slices.Equal(cfg.Repair.Healers, []string{"self_healing", "coding_agent"}) {
		t.Fatalf("healers = %v", cfg.Repair.Healers)
	}
	want := []string{"message_bus", "immutable_log", "self_healing", "coding_agent"}
	if !slices.Equal(cfg.Watchdog.CriticalSet, want) {
		t.Fatalf("critical set = %v, want %v", cfg.Watchdog.CriticalSet, want)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	writeHome(t, `
max_restarts: 5
log_level: debug
features:
  experimental: true
kernels:
  - name: a
    critical: true
  - name: b
    depends_on: [a]
    max_restarts: 1
    boot_timeout_seconds: 2.5
repair:
  healers: [a, b]
`)
	t.Setenv("GRACE_LOG_LEVEL", "warn")
	t.Setenv("GRACE_FEATURE_API_GATEWAY", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want env override", cfg.LogLevel)
	}
	if !cfg.Features["experimental"] || cfg.Features["api_gateway"] {
		t.Fatalf("features = %v", cfg.Features)
	}
	ds, err := cfg.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	if ds[0].MaxRestarts != 5 || ds[1].MaxRestarts != 1 {
		t.Fatalf("max restarts = %d, %d", ds[0].MaxRestarts, ds[1].MaxRestarts)
	}
	if ds[1].BootTimeout != 2500*time.Millisecond || ds[1].MaxRetries != 2 {
		t.Fatalf("b descriptor = %+v", ds[1])
	}
	if ds[0].Tier != kernel.TierCoreInfra {
		t.Fatalf("default tier = %s", ds[0].Tier)
	}
}

func TestLoad_SchemaRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "wrker_count: 3\n",
		"bad tier":      "kernels:\n  - name: a\n    tier: cosmic\n",
		"negative cap":  "max_restarts: -1\n",
		"three healers": "repair:\n  healers: [a, b, c]\n",
		"nameless":      "kernels:\n  - tier: execution\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			writeHome(t, doc)
			if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "invalid config.yaml") {
				t.Fatalf("err = %v, want schema error", err)
			}
		})
	}
}

func TestLoad_RejectsUnknownHealer(t *testing.T) {
	writeHome(t, "kernels:\n  - name: a\nrepair:\n  healers: [a, ghost]\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	writeHome(t, "watchdog:\n  single_threshold_seconds: 10\n  correlated_threshold_seconds: 20\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for correlated threshold above single")
	}
}

func TestFingerprint(t *testing.T) {
	writeHome(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := config.Load()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.MaxRestarts++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores max_restarts")
	}
}

func TestWrite_RoundTrips(t *testing.T) {
	writeHome(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.MaxRestarts = 7
	if err := config.Write(cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Missing || again.MaxRestarts != 7 {
		t.Fatalf("reloaded = missing:%v restarts:%d", again.Missing, again.MaxRestarts)
	}
}

func TestStarterKernels_FormADAG(t *testing.T) {
	cfg := config.Config{MaxRestarts: 3, Kernels: config.StarterKernels()}
	ds, err := cfg.Descriptors()
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	entries := make([]kernel.Entry, 0, len(ds))
	for _, d := range ds {
		entries = append(entries, kernel.Entry{Descriptor: d, Kernel: kernel.Funcs{}})
	}
	if _, err := kernel.NewRegistry(entries...); err != nil {
		t.Fatalf("starter registry invalid: %v", err)
	}
}
