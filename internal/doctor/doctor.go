// Package doctor runs offline diagnostics for `grace doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/basket/grace/internal/boot"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
)

const minFreeDisk = 64 << 20

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkRegistry,
		checkSupervision,
		checkDatabase,
		checkPermissions,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; using the starter kernel registry", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

// buildRegistry builds a registry of inert kernels, enough to validate the
// graph without starting anything.
func buildRegistry(cfg *config.Config) (*kernel.Registry, error) {
	ds, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}
	entries := make([]kernel.Entry, 0, len(ds))
	for _, d := range ds {
		entries = append(entries, kernel.Entry{Descriptor: d, Kernel: kernel.Funcs{}})
	}
	return kernel.NewRegistry(entries...)
}

func checkRegistry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Kernel Registry", Status: "SKIP", Message: "Config missing"}
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return CheckResult{Name: "Kernel Registry", Status: "FAIL", Message: err.Error()}
	}
	waves, err := boot.Plan(reg)
	if err != nil {
		return CheckResult{Name: "Kernel Registry", Status: "FAIL", Message: err.Error()}
	}
	var detail []string
	disabled := 0
	for i, w := range waves {
		detail = append(detail, fmt.Sprintf("wave %d: %s", i, strings.Join(w.Names(), ", ")))
		for _, d := range w {
			if !d.Enabled(cfg.Features) {
				disabled++
			}
		}
	}
	msg := fmt.Sprintf("%d kernels in %d waves", reg.Len(), len(waves))
	if disabled > 0 {
		msg += fmt.Sprintf(" (%d disabled by feature flag)", disabled)
	}
	return CheckResult{Name: "Kernel Registry", Status: "PASS", Message: msg, Detail: strings.Join(detail, "; ")}
}

func checkSupervision(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Supervision", Status: "SKIP", Message: "Config missing"}
	}
	var warns []string
	if cfg.MaxRestarts == 0 {
		warns = append(warns, "max_restarts is 0: silent kernels are never restarted")
	}
	ds, err := cfg.Descriptors()
	if err != nil {
		return CheckResult{Name: "Supervision", Status: "FAIL", Message: err.Error()}
	}
	hb := time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second
	for _, d := range ds {
		if d.Critical && !d.Enabled(cfg.Features) {
			warns = append(warns, fmt.Sprintf("critical kernel %s is disabled by feature flag %s", d.Name, d.FeatureFlag))
		}
		if d.BootTimeout > 0 && d.BootTimeout+d.GraceWindow > hb {
			warns = append(warns, fmt.Sprintf("%s boot budget %s exceeds heartbeat timeout %s", d.Name, d.BootTimeout+d.GraceWindow, hb))
		}
	}
	if len(warns) > 0 {
		return CheckResult{Name: "Supervision", Status: "WARN", Message: fmt.Sprintf("%d warning(s)", len(warns)), Detail: strings.Join(warns, "; ")}
	}
	return CheckResult{
		Name:    "Supervision",
		Status:  "PASS",
		Message: fmt.Sprintf("healers %s, critical set %d kernel(s)", strings.Join(cfg.Repair.Healers, "+"), len(cfg.Watchdog.CriticalSet)),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema version %d", version), Detail: cfg.DBPath}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	test := readiness.All(readiness.Exists(cfg.HomeDir), readiness.Writable(cfg.HomeDir), readiness.DiskSpace(cfg.HomeDir, minFreeDisk))
	checks, err := test(ctx)
	if err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: err.Error()}
	}
	for _, c := range checks {
		if !c.Passed {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s: %s", c.Name, c.Detail)}
		}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable with free space"}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is the daemon already running?)", err),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
