package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/daemon"
	"radonflow/internal/deps"
	"radonflow/internal/logging"
	"radonflow/internal/logs"
	"radonflow/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// PIDFileName is written to the log directory while the daemon runs.
const PIDFileName = "radonflowd.pid"

// Run starts the radonflow daemon and blocks until SIGINT, SIGTERM, or
// cancellation of cmdCtx.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("radonflow-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		StageOverrides:   cfg.Logging.StageOverrides,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update radonflow.log link: %v\n", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "radonflow-*.log", cfg.Logging.RetentionDays, logPath)
	pidPath := filepath.Join(cfg.Paths.LogDir, PIDFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := catalog.Open(cfg)
	if err != nil {
		logger.Error("open catalog store",
			logging.Error(err),
			logging.String(logging.FieldEventType, "catalog_open_failed"),
			logging.String(logging.FieldErrorHint, "check catalog.path and directory permissions"),
		)
		return err
	}

	readCache := cache.New(cfg.CacheTTL(), cfg.Cache.MaxEntries)
	workflowManager := workflow.NewManager(cfg, store, readCache, logger)

	d, err := daemon.New(cfg, store, readCache, logger, workflowManager)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another radonflowd instance and catalog access"),
			logging.String(logging.FieldImpact, "no work items will be dispatched"),
		)
		return err
	}

	<-signalCtx.Done()
	stats := readCache.Stats()
	logger.Info("radonflow daemon shutting down",
		logging.Int("cache_entries", stats.Entries),
		logging.Int64("cache_hits", int64(stats.Hits)),
		logging.Int64("cache_misses", int64(stats.Misses)),
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := logs.CurrentPath(logDir)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	for _, status := range deps.CheckBinaries(deps.WorkerRequirements(cfg)) {
		logger.Info("worker snapshot",
			logging.String(logging.FieldEventType, "dependency_snapshot"),
			logging.String("worker", status.Name),
			logging.String("command", status.Command),
			logging.Bool("enabled", !status.Optional),
			logging.Bool("available", status.Available),
			logging.String("detail", status.Detail),
		)
	}
}
