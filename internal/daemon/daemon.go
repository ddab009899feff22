package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"radonflow/internal/api"
	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/logging"
	"radonflow/internal/services"
	"radonflow/internal/workflow"
)

// LockFileName is the flock target in the configured log directory.
const LockFileName = "radonflowd.lock"

// Daemon coordinates the scheduler and control API and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *catalog.Store
	cache    *cache.Cache
	workflow *workflow.Manager
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	CatalogPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies. c may be nil, in
// which case every read goes to the catalog.
func New(cfg *config.Config, store *catalog.Store, c *cache.Cache, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, LockFileName)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		cache:    c,
		workflow: wf,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the workflow manager, and begins
// serving the control API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another radonflowd instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.abortStart()
		return fmt.Errorf("start api server: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("radonflow daemon started",
		logging.String("lock", d.lockPath),
		logging.String("catalog", d.store.Path()),
		logging.String("api", d.api.address()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove the lock file if no radonflowd process is running"),
		)
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("radonflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddress returns the address the control API listens on, or "" when the
// API is disabled or not started.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		CatalogPath:  d.store.Path(),
		LockFilePath: d.lockPath,
	}
}

// Record returns the status view of one record, served from the cache when fresh.
func (d *Daemon) Record(ctx context.Context, externalID string) (api.RecordView, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return api.RecordView{}, services.Wrap(services.ErrValidation, "", "record", "record id is required", nil)
	}
	load := func(ctx context.Context) (api.RecordView, error) {
		detail, err := d.store.GetRecordDetail(ctx, externalID)
		if err != nil {
			return api.RecordView{}, err
		}
		if detail == nil {
			return api.RecordView{}, fmt.Errorf("record %s: %w", externalID, services.ErrNotFound)
		}
		return api.FromRecordDetail(detail, d.cfg.Aggregation.ConvergenceCap), nil
	}
	if d.cache == nil {
		return load(ctx)
	}
	return cache.GetOrLoad(ctx, d.cache, cache.RecordKey(externalID), d.cfg.CacheTTL(), load)
}

// Summary returns eligible counts per stage alongside catalog tallies.
func (d *Daemon) Summary(ctx context.Context) (api.Summary, error) {
	load := func(ctx context.Context) (api.Summary, error) {
		eligible, err := d.workflow.Selector().Counts(ctx)
		if err != nil {
			return api.Summary{}, err
		}
		stats, err := d.store.Stats(ctx, d.cfg.Aggregation.ConvergenceCap)
		if err != nil {
			return api.Summary{}, err
		}
		return api.FromSummary(stats, eligible, time.Now()), nil
	}
	if d.cache == nil {
		return load(ctx)
	}
	return cache.GetOrLoad(ctx, d.cache, cache.SummaryKey, d.cfg.CacheTTL(), load)
}

// Workers lists running worker processes.
func (d *Daemon) Workers() []api.Worker {
	return api.FromHandleInfos(d.workflow.Workers())
}

// TriggerCycle requests an immediate dispatch cycle.
func (d *Daemon) TriggerCycle() {
	d.workflow.TriggerCycle()
}

// PauseStage stops dispatching new work for stage.
func (d *Daemon) PauseStage(stage string) error {
	return d.workflow.Pause(stage)
}

// ResumeStage re-enables dispatch for stage.
func (d *Daemon) ResumeStage(stage string) error {
	return d.workflow.Resume(stage)
}
