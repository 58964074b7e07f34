package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/boot"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/cron"
	"github.com/basket/grace/internal/gateway"
	"github.com/basket/grace/internal/kernels"
	otelPkg "github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
	"github.com/basket/grace/internal/repair"
	"github.com/basket/grace/internal/shared"
	"github.com/basket/grace/internal/telemetry"
	"github.com/basket/grace/internal/watchdog"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON:
  %[1]s                          Boot the kernel registry and serve the operator API
  %[1]s daemon                   Same as above

SUBCOMMANDS:
  %[1]s status [-json]           Show kernel states from the running daemon
  %[1]s doctor [-json]           Run offline diagnostic checks
  %[1]s plan                     Print the boot waves without starting anything
  %[1]s events [flags]           List persisted control-plane events
                              Flags: -kind, -resource, -since, -limit

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GRACE_HOME              Data directory (default: ~/.grace)
  GRACE_API_TOKEN         Operator API token
  GRACE_LOG_LEVEL         debug, info, warn, error
  GRACE_FEATURE_<NAME>    Toggle a kernel feature flag (true|false)
`)
}

func main() {
	loadDotEnv(".env")

	quietFlag := flag.Bool("quiet", false, "write logs only to $GRACE_HOME/logs/system.jsonl")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, os.Stdout, args[1:]))
		case "plan":
			os.Exit(runPlanCommand(os.Stdout, args[1:]))
		case "events":
			os.Exit(runEventsCommand(ctx, os.Stdout, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// The file sink is always on; -quiet drops the stdout copy.
	runDaemon(ctx, *quietFlag)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	fingerprint := cfg.Fingerprint()
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", fingerprint, "defaults", cfg.Missing)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		if ip := net.ParseIP(host); (ip == nil || !ip.IsLoopback()) && host != "localhost" && cfg.APIToken == "" {
			logger.Warn("bind_addr is not loopback and api_token is empty; remote clients can read but not mutate", "bind_addr", cfg.BindAddr)
		}
	}

	telemetryCfg := cfg.Telemetry
	telemetryCfg.Version = Version
	otelProvider, err := otelPkg.Init(ctx, telemetryCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	auditLog, err := audit.Open(audit.Options{HomeDir: cfg.HomeDir, Bus: eventBus, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath, "boot_epoch", store.Epoch())

	heartbeatTimeout := time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second
	beatInterval := max(heartbeatTimeout/3, 100*time.Millisecond)

	scheduler := cron.NewScheduler(cron.Config{Store: store, Logger: logger, Interval: 10 * time.Second})
	checks := readiness.NewRegistry()
	set, err := kernels.Build(&cfg, kernels.Deps{
		Bus:          eventBus,
		Audit:        auditLog,
		Store:        store,
		Scheduler:    scheduler,
		Readiness:    checks,
		BeatInterval: beatInterval,
		Logger:       logger,
	})
	if err != nil {
		fatalStartup(logger, "E_KERNEL_BUILD", err)
	}
	registry, err := set.Registry()
	if err != nil {
		fatalStartup(logger, "E_REGISTRY", err)
	}

	delegates := repair.NewDelegates(store, auditLog, logger)
	allowed := slices.Concat(cfg.Repair.Healers, cfg.Remediation.AllowedActors, []string{shared.ActorOperator})
	cpCfg := controlplane.Config{
		Registry:         registry,
		Events:           auditLog,
		Logger:           logger,
		Metrics:          metrics,
		HeartbeatTimeout: heartbeatTimeout,
		SweepInterval:    time.Duration(cfg.Heartbeat.SweepIntervalSeconds) * time.Second,
		SettleDelay:      time.Duration(cfg.Heartbeat.SettleDelayMillis) * time.Millisecond,
		Authorizer:       controlplane.AnyOf(controlplane.AllowActors(allowed...), delegates),
	}
	if set.Pool != nil {
		cpCfg.Scaler = set.Pool
	}
	if w := set.WeightRestorer(&cfg); w != nil {
		cpCfg.Weights = w
	}
	cp, err := controlplane.New(cpCfg)
	if err != nil {
		fatalStartup(logger, "E_CONTROL_PLANE", err)
	}
	if set.Maintenance != nil {
		set.Maintenance.SetSource(cp)
	}

	healerPair := [2]string{cfg.Repair.Healers[0], cfg.Repair.Healers[1]}
	guard, err := repair.NewHealerWatchdog(repair.HealerWatchdogConfig{
		Control:        cp,
		Healers:        healerPair,
		FallbackAgents: cfg.Repair.FallbackAgents,
		Delegates:      delegates,
		GraceWindow:    time.Duration(cfg.Repair.GraceWindowSeconds) * time.Second,
		StaleAfter:     heartbeatTimeout,
		VerifyTimeout:  time.Duration(cfg.Repair.VerifyTimeoutSeconds) * time.Second,
		Events:         auditLog,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_HEALER_WATCHDOG", err)
	}
	coordinator, err := repair.NewCoordinator(repair.CoordinatorConfig{
		Control:          cp,
		Metrics:          cp,
		Healers:          healerPair,
		Delegates:        delegates,
		Guard:            guard,
		Interval:         time.Duration(cfg.Repair.CheckIntervalSeconds) * time.Second,
		BacklogThreshold: cfg.Repair.BacklogThreshold,
		CPUThreshold:     cfg.Repair.CPUThreshold,
		StuckSamples:     cfg.Repair.StuckSamples,
		StaleAfter:       heartbeatTimeout,
		Events:           auditLog,
		Logger:           logger,
		Telemetry:        metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_COORDINATOR", err)
	}
	diagnostics := &repair.Diagnostics{Source: cp, Metrics: cp}
	trigger, err := watchdog.New(watchdog.Config{
		Source:              cp,
		CriticalSet:         cfg.Watchdog.CriticalSet,
		Healers:             cfg.Repair.Healers,
		Interval:            time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second,
		SingleThreshold:     time.Duration(cfg.Watchdog.SingleThresholdSeconds) * time.Second,
		CorrelatedThreshold: time.Duration(cfg.Watchdog.CorrelatedThresholdSeconds) * time.Second,
		Diagnoser:           diagnostics,
		Escalator:           coordinator,
		Events:              auditLog,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_WATCHDOG", err)
	}

	var api *gateway.Server
	if set.Gateway != nil {
		api = gateway.New(gateway.Config{
			Control:           cp,
			Escalation:        coordinator,
			Watchdog:          guard,
			Diagnoser:         diagnostics,
			Readiness:         checks,
			Store:             store,
			Bus:               eventBus,
			Pool:              set.Pool,
			Logger:            logger,
			Tracer:            otelProvider.Tracer,
			Metrics:           otelProvider,
			AuthToken:         cfg.APIToken,
			Gateway:           cfg.Gateway,
			ConfigFingerprint: fingerprint,
			Version:           Version,
		})
		set.Gateway.SetHandler(api.Handler())
	}

	orchestrator, err := boot.New(boot.Config{
		Registry:     registry,
		Control:      cp,
		Readiness:    checks,
		Flags:        cfg.Features,
		Events:       auditLog,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		BackoffBase:  time.Duration(cfg.Boot.BackoffBaseMillis) * time.Millisecond,
		MaxBackoff:   time.Duration(cfg.Boot.MaxBackoffSeconds) * time.Second,
		HeavyLimit:   int64(cfg.Boot.HeavyLimit),
		PollInterval: time.Duration(cfg.Boot.PollIntervalMillis) * time.Millisecond,
	})
	if err != nil {
		fatalStartup(logger, "E_BOOT_INIT", err)
	}

	bootCtx := shared.WithBootID(ctx, shared.NewBootID())
	report, err := orchestrator.BootAll(bootCtx)
	if err != nil {
		shutdownKernels(orchestrator, cp, logger)
		if errors.Is(err, boot.ErrCriticalBoot) {
			fatalStartup(logger, "E_BOOT_CRITICAL", err)
		}
		fatalStartup(logger, "E_BOOT", err)
	}
	logger.Info("startup phase", "phase", "kernels_booted",
		"boot_id", report.BootID,
		"booted", len(report.Booted()),
		"degraded", report.Degraded(),
		"skipped", report.Skipped(),
		"failed", report.Failed(),
		"duration_ms", report.Duration.Milliseconds())
	if prev, err := store.KVGet(ctx, "last_boot_id"); err == nil && prev != "" {
		logger.Info("previous boot", "boot_id", prev)
	}
	if err := store.KVSet(ctx, "last_boot_id", report.BootID); err != nil {
		logger.Warn("record boot id failed", "error", err)
	}

	cp.StartSweeper(ctx)
	trigger.Start(ctx)
	coordinator.Start(ctx)
	guard.Start(ctx)
	if api != nil {
		api.StartEviction(ctx)
	}

	// Drift is reported by the watcher itself; config stays as loaded.
	watcher := config.NewWatcher(cfg.HomeDir, auditLog, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	logger.Info("startup phase", "phase", "supervisors_started", "bind_addr", cfg.BindAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Supervisors first so nothing restarts kernels while they stop.
	guard.Stop()
	coordinator.Stop()
	trigger.Stop()
	cp.StopSweeper()
	shutdownKernels(orchestrator, cp, logger)
	eventBus.Close()
	watcher.Wait()
	logger.Info("shutdown complete")
}

func shutdownKernels(o *boot.Orchestrator, cp *controlplane.ControlPlane, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = shared.WithActor(ctx, shared.ActorBoot)
	if err := o.ShutdownAll(ctx); err != nil {
		logger.Warn("kernel shutdown incomplete", "error", err)
	}
	cp.Shutdown(ctx)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: grace daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: grace daemon [--help]")
	fmt.Fprintln(w, "       grace")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Boots the kernel registry wave by wave, then supervises it until SIGINT or SIGTERM.")
}
