package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/otel"
)

// KernelConfig is one entry of the kernel registry in config.yaml.
type KernelConfig struct {
	Name               string   `yaml:"name"`
	Kind               string   `yaml:"kind"` // built-in implementation; defaults to Name
	Tier               string   `yaml:"tier"`
	DependsOn          []string `yaml:"depends_on"`
	Critical           bool     `yaml:"critical"`
	BootTimeoutSeconds float64  `yaml:"boot_timeout_seconds"`
	GraceWindowSeconds float64  `yaml:"grace_window_seconds"`
	MaxRetries         *int     `yaml:"max_retries,omitempty"`
	MaxRestarts        *int     `yaml:"max_restarts,omitempty"`
	Priority           int      `yaml:"priority"`
	ResourceIntensive  bool     `yaml:"resource_intensive"`
	FeatureFlag        string   `yaml:"feature_flag"`
}

type HeartbeatConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SettleDelayMillis    int `yaml:"settle_delay_ms"`
}

type BootConfig struct {
	BackoffBaseMillis  int `yaml:"backoff_base_ms"`
	MaxBackoffSeconds  int `yaml:"max_backoff_seconds"`
	HeavyLimit         int `yaml:"heavy_limit"`
	PollIntervalMillis int `yaml:"poll_interval_ms"`
}

type WatchdogConfig struct {
	CriticalSet                []string `yaml:"critical_set"`
	IntervalSeconds            int      `yaml:"interval_seconds"`
	SingleThresholdSeconds     int      `yaml:"single_threshold_seconds"`
	CorrelatedThresholdSeconds int      `yaml:"correlated_threshold_seconds"`
}

type RepairConfig struct {
	Healers              []string `yaml:"healers"`
	FallbackAgents       []string `yaml:"fallback_agents"`
	CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
	BacklogThreshold     int      `yaml:"backlog_threshold"`
	CPUThreshold         float64  `yaml:"cpu_threshold"`
	StuckSamples         int      `yaml:"stuck_samples"`
	GraceWindowSeconds   int      `yaml:"grace_window_seconds"`
	VerifyTimeoutSeconds int      `yaml:"verify_timeout_seconds"`
}

type RemediationConfig struct {
	// AllowedActors may call remediation primitives in addition to the
	// healers and any active emergency delegates.
	AllowedActors []string `yaml:"allowed_actors"`
	WorkerQueues  []string `yaml:"worker_queues"`
	WorkerCount   int      `yaml:"worker_count"`
}

type MaintenanceConfig struct {
	StatusSnapshotSpec       string `yaml:"status_snapshot_spec"`
	RetentionSpec            string `yaml:"retention_spec"`
	RetentionEventsDays      int    `yaml:"retention_events_days"`
	RetentionStatusDays      int    `yaml:"retention_status_days"`
	RetentionDelegationsDays int    `yaml:"retention_delegations_days"`
}

// RateLimitConfig throttles mutating operator requests per client.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	// MaxClients bounds the tracked callers; the least recently seen is
	// forgotten first.
	MaxClients int `yaml:"max_clients"`
}

type GatewayConfig struct {
	// AllowedOrigins lists browser origins accepted for CORS and /ws/events.
	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
	APIToken string `yaml:"api_token"`

	// MaxRestarts is the default heartbeat restart cap for kernels that do
	// not set their own.
	MaxRestarts int `yaml:"max_restarts"`

	Features    map[string]bool   `yaml:"features"`
	Kernels     []KernelConfig    `yaml:"kernels"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Boot        BootConfig        `yaml:"boot"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Repair      RepairConfig      `yaml:"repair"`
	Remediation RemediationConfig `yaml:"remediation"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Telemetry   otel.Config       `yaml:"telemetry"`

	// Missing is set when no config.yaml exists and defaults are in use.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that shape the kernel
// graph and its supervision.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|restarts=%d|hb=%+v|boot=%+v|wd=%+v|repair=%+v",
		c.BindAddr, c.LogLevel, c.MaxRestarts, c.Heartbeat, c.Boot, c.Watchdog, c.Repair)
	flags := make([]string, 0, len(c.Features))
	for k, v := range c.Features {
		flags = append(flags, fmt.Sprintf("%s=%t", k, v))
	}
	slices.Sort(flags)
	fmt.Fprintf(h, "|features=%v", flags)
	for _, k := range c.Kernels {
		fmt.Fprintf(h, "|k=%+v", k)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:    "127.0.0.1:18790",
		LogLevel:    "info",
		MaxRestarts: 3,
		Features:    map[string]bool{"api_gateway": true},
		Heartbeat: HeartbeatConfig{
			TimeoutSeconds:       30,
			SweepIntervalSeconds: 5,
			SettleDelayMillis:    1000,
		},
		Boot: BootConfig{
			BackoffBaseMillis:  1000,
			MaxBackoffSeconds:  30,
			HeavyLimit:         1,
			PollIntervalMillis: 50,
		},
		Watchdog: WatchdogConfig{
			IntervalSeconds:            2,
			SingleThresholdSeconds:     30,
			CorrelatedThresholdSeconds: 15,
		},
		Repair: RepairConfig{
			CheckIntervalSeconds: 5,
			BacklogThreshold:     100,
			CPUThreshold:         90,
			StuckSamples:         3,
			GraceWindowSeconds:   45,
			VerifyTimeoutSeconds: 15,
		},
		Remediation: RemediationConfig{
			WorkerQueues: []string{"default", "maintenance"},
			WorkerCount:  4,
		},
		Maintenance: MaintenanceConfig{
			StatusSnapshotSpec:       "@every 1m",
			RetentionSpec:            "@daily",
			RetentionEventsDays:      90,
			RetentionStatusDays:      7,
			RetentionDelegationsDays: 365,
		},
		Gateway: GatewayConfig{
			RateLimit:    RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10},
			MaxBodyBytes: 1 << 20,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GRACE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".grace")
}

// Load reads $GRACE_HOME/config.yaml over the defaults, applies GRACE_*
// environment overrides, and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create grace home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := ValidateDocument(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "grace.db")
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if len(cfg.Kernels) == 0 {
		cfg.Kernels = StarterKernels()
	}
	if len(cfg.Repair.Healers) == 0 {
		cfg.Repair.Healers = []string{"self_healing", "coding_agent"}
	}
	if len(cfg.Repair.FallbackAgents) == 0 {
		cfg.Repair.FallbackAgents = []string{"maintenance", "api_gateway"}
	}
	if len(cfg.Watchdog.CriticalSet) == 0 {
		for _, k := range cfg.Kernels {
			if k.Critical || slices.Contains(cfg.Repair.Healers, k.Name) {
				cfg.Watchdog.CriticalSet = append(cfg.Watchdog.CriticalSet, k.Name)
			}
		}
	}
	if cfg.Remediation.WorkerCount <= 0 {
		cfg.Remediation.WorkerCount = 4
	}
	if len(cfg.Remediation.WorkerQueues) == 0 {
		cfg.Remediation.WorkerQueues = []string{"default", "maintenance"}
	}
}

func validate(cfg Config) error {
	if len(cfg.Repair.Healers) != 2 || cfg.Repair.Healers[0] == cfg.Repair.Healers[1] {
		return fmt.Errorf("repair.healers must name two distinct kernels, got %v", cfg.Repair.Healers)
	}
	names := make(map[string]bool, len(cfg.Kernels))
	for _, k := range cfg.Kernels {
		names[k.Name] = true
	}
	for _, h := range cfg.Repair.Healers {
		if !names[h] {
			return fmt.Errorf("repair healer %q is not a registered kernel", h)
		}
	}
	for _, n := range cfg.Watchdog.CriticalSet {
		if !names[n] {
			return fmt.Errorf("watchdog critical_set names unknown kernel %q", n)
		}
	}
	if cfg.Watchdog.CorrelatedThresholdSeconds > cfg.Watchdog.SingleThresholdSeconds {
		return fmt.Errorf("watchdog correlated_threshold_seconds (%d) must not exceed single_threshold_seconds (%d)",
			cfg.Watchdog.CorrelatedThresholdSeconds, cfg.Watchdog.SingleThresholdSeconds)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Descriptors converts the kernel entries into descriptors, applying the
// global restart cap to kernels without their own.
func (c Config) Descriptors() ([]kernel.Descriptor, error) {
	out := make([]kernel.Descriptor, 0, len(c.Kernels))
	for _, k := range c.Kernels {
		tier, err := kernel.ParseTier(k.Tier)
		if err != nil {
			return nil, fmt.Errorf("kernel %s: %w", k.Name, err)
		}
		d := kernel.Descriptor{
			Name:              k.Name,
			Tier:              tier,
			DependsOn:         slices.Clone(k.DependsOn),
			Critical:          k.Critical,
			BootTimeout:       seconds(k.BootTimeoutSeconds),
			GraceWindow:       seconds(k.GraceWindowSeconds),
			MaxRetries:        2,
			MaxRestarts:       c.MaxRestarts,
			Priority:          k.Priority,
			ResourceIntensive: k.ResourceIntensive,
			FeatureFlag:       k.FeatureFlag,
		}
		if k.MaxRetries != nil {
			d.MaxRetries = *k.MaxRetries
		}
		if k.MaxRestarts != nil {
			d.MaxRestarts = *k.MaxRestarts
		}
		out = append(out, d)
	}
	return out, nil
}

// KindOrName returns the built-in implementation name for a kernel entry.
func (k KernelConfig) KindOrName() string {
	if k.Kind != "" {
		return k.Kind
	}
	return k.Name
}

func envInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GRACE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GRACE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GRACE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GRACE_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	envInt("GRACE_MAX_RESTARTS", &cfg.MaxRestarts)
	envInt("GRACE_HEARTBEAT_TIMEOUT_SECONDS", &cfg.Heartbeat.TimeoutSeconds)
	envInt("GRACE_HEAVY_LIMIT", &cfg.Boot.HeavyLimit)
	// GRACE_FEATURE_<NAME>=true|false toggles a single feature flag.
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "GRACE_FEATURE_") {
			continue
		}
		on, err := strconv.ParseBool(val)
		if err != nil {
			continue
		}
		if cfg.Features == nil {
			cfg.Features = make(map[string]bool)
		}
		cfg.Features[strings.ToLower(strings.TrimPrefix(key, "GRACE_FEATURE_"))] = on
	}
}

// Write saves cfg to $HomeDir/config.yaml, creating the directory.
func Write(cfg Config) error {
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create grace home: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
