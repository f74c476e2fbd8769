package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/actiond/internal/actions"
	"github.com/basket/actiond/internal/bus"
	"github.com/basket/actiond/internal/cleaner"
	"github.com/basket/actiond/internal/config"
	"github.com/basket/actiond/internal/executor"
	"github.com/basket/actiond/internal/gateway"
	otelPkg "github.com/basket/actiond/internal/otel"
	"github.com/basket/actiond/internal/persistence"
	"github.com/basket/actiond/internal/schedule"
	"github.com/basket/actiond/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the action daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s submit <kind> [json]     Submit an action to a running daemon
  %s selftest                 Submit the built-in selftest action and wait
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ACTIOND_HOME            Data directory (default: ~/.actiond)
  ACTIOND_DB_PATH         SQLite database path override
  ACTIOND_BIND_ADDR       Gateway bind address override
  ACTIOND_LOG_LEVEL       Log level override (debug, info, warn, error)
  ACTIOND_AUTH_TOKEN      Bearer token required on gateway endpoints
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("actiond", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "selftest":
			os.Exit(runSelftestCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetLeaseDuration(cfg.LeaseDuration())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Records stuck in RUNNING from a previous process are requeued before
	// the executor starts, so the crash window never strands work.
	recovered, err := store.RecoverRunning(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	registry := actions.NewRegistry()

	if err := syncSchedules(ctx, store, cfg.Schedules, logger); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SYNC", err)
	}

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	if err := metrics.RegisterDueBacklog(otelProvider.Meter, func(obsCtx context.Context) (int64, error) {
		return store.CountDue(obsCtx, time.Now())
	}); err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	runner := executor.New(executor.Config{
		Store:            store,
		Registry:         registry,
		Logger:           logger,
		Metrics:          metrics,
		Interval:         cfg.ExecuteInterval(),
		BatchSize:        cfg.BatchSize,
		Workers:          cfg.WorkerCount,
		HandlerTimeout:   cfg.HandlerTimeout(),
		FailureThreshold: cfg.FailureThreshold,
		OnEscalate: func(err error) {
			logger.Error("persistent store failures, shutting down", "error", err)
			stop()
		},
	})
	runner.Start(ctx)
	defer runner.Stop()

	sched := schedule.NewScheduler(schedule.Config{Store: store, Logger: logger})
	sched.Start(ctx)
	defer sched.Stop()

	clean := cleaner.New(cleaner.Config{
		Store:     store,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
		Interval:  cfg.CleanupInterval(),
		Retention: cfg.Retention(),
	})
	clean.Start(ctx)
	defer clean.Stop()
	logger.Info("startup phase", "phase", "workers_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			logLevel.Set(telemetry.ParseLevel(newCfg.LogLevel))
			if err := syncSchedules(ctx, store, newCfg.Schedules, logger); err != nil {
				logger.Error("schedule reload failed", "error", err)
				continue
			}
			logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
		}
	}()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_READ", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Registry:          registry,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then drain the loops. The
	// deferred Stop calls wait for in-flight handlers before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// syncSchedules validates and upserts the schedules declared in config.yaml.
// Each gets an initial next-run time so a restart does not fire every
// schedule immediately.
func syncSchedules(ctx context.Context, store *persistence.Store, scheds []config.ScheduleConfig, logger *slog.Logger) error {
	now := time.Now().UTC()
	for _, sc := range scheds {
		if err := schedule.ValidateExpr(sc.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		args, err := sc.ArgsJSON()
		if err != nil {
			return err
		}
		metadata, err := sc.MetadataJSON()
		if err != nil {
			return err
		}
		next, err := schedule.NextRunTime(sc.Cron, now)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		stored, err := store.UpsertSchedule(ctx, persistence.Schedule{
			Name:      sc.Name,
			CronExpr:  sc.Cron,
			Kind:      sc.Kind,
			Args:      args,
			Metadata:  metadata,
			Enabled:   !sc.Disabled,
			NextRunAt: &next,
		})
		if err != nil {
			return fmt.Errorf("upsert schedule %q: %w", sc.Name, err)
		}
		logger.Info("schedule synced", "name", stored.Name, "cron", stored.CronExpr, "kind", stored.Kind, "enabled", stored.Enabled)
	}
	return nil
}

// loadAuthToken resolves the gateway bearer token: environment first, then
// the auth.token file in the home directory. Absent both, the gateway runs
// open on its loopback bind.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("ACTIOND_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read auth token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
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
			`{"timestamp":"%s","level":"ERROR","component":"actiond","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = exec.Command
