package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

const (
	defaultStdoutLimit = 1 << 20
	defaultStderrLimit = 8 << 10
	defaultKillGrace   = 3 * time.Second
	stderrSummaryLines = 5
)

var (
	// ErrNoCapacity is returned when every worker slot is in use.
	ErrNoCapacity = errors.New("dispatcher at capacity")
	// ErrAlreadyRunning is returned when a worker for the same item is live.
	ErrAlreadyRunning = errors.New("worker already running for item")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrUnknownStage is returned for a stage without a worker spec.
	ErrUnknownStage = errors.New("no worker configured for stage")
)

// StageSpec describes the worker process for one stage.
type StageSpec struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Request is the JSON document written to a worker's stdin.
type Request struct {
	RecordID   int64             `json:"record_id"`
	ExternalID string            `json:"external_id"`
	Band       string            `json:"band,omitempty"`
	Stage      string            `json:"stage"`
	RA         float64           `json:"ra"`
	Dec        float64           `json:"dec"`
	Locations  catalog.Locations `json:"locations"`
	Attempt    int               `json:"attempt"`
	LeaseToken string            `json:"lease_token"`
}

// Result is the outcome of one worker run.
type Result struct {
	Item     catalog.WorkItem
	Lease    catalog.Lease
	Payload  json.RawMessage
	Err      error
	ExitCode int
	PID      int
	Stderr   string
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the worker ran.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// HandleInfo is a read-only view of a running worker.
type HandleInfo struct {
	Key        catalog.ItemKey
	ExternalID string
	PID        int
	StartedAt  time.Time
	Deadline   time.Time
	Lease      catalog.Lease
}

type handle struct {
	item     catalog.WorkItem
	lease    catalog.Lease
	pid      int
	started  time.Time
	deadline time.Time
	cancel   context.CancelFunc
}

// Dispatcher runs workers under a concurrency bound.
type Dispatcher struct {
	specs       map[catalog.Stage]StageSpec
	capacity    int64
	sem         *semaphore.Weighted
	logger      *slog.Logger
	overrides   map[string]string
	stdoutLimit int
	stderrLimit int
	killGrace   time.Duration

	mu      sync.Mutex
	handles map[catalog.ItemKey]*handle
	stopped bool

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	results   chan Result
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.killGrace = d
		}
	}
}

// WithStageSpec overrides the worker spec of one stage.
func WithStageSpec(stage catalog.Stage, spec StageSpec) Option {
	return func(disp *Dispatcher) {
		disp.specs[stage] = spec
	}
}

// SpecsFromConfig builds worker specs for every enabled stage.
func SpecsFromConfig(cfg *config.Config) map[catalog.Stage]StageSpec {
	specs := make(map[catalog.Stage]StageSpec, len(config.StageNames))
	for _, name := range config.StageNames {
		stageCfg, ok := cfg.StageConfig(name)
		if !ok || !stageCfg.Enabled {
			continue
		}
		specs[catalog.Stage(name)] = StageSpec{
			Command: stageCfg.Command,
			Args:    append([]string(nil), stageCfg.Args...),
			Timeout: cfg.StageTimeout(name),
		}
	}
	return specs
}

// New constructs a dispatcher from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	capacity := int64(cfg.Dispatch.MaxConcurrency)
	if capacity <= 0 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		specs:       SpecsFromConfig(cfg),
		capacity:    capacity,
		sem:         semaphore.NewWeighted(capacity),
		logger:      logging.NewComponentLogger(logger, "dispatch"),
		overrides:   cfg.Logging.StageOverrides,
		stdoutLimit: defaultStdoutLimit,
		stderrLimit: defaultStderrLimit,
		killGrace:   defaultKillGrace,
		handles:     make(map[catalog.ItemKey]*handle),
		baseCtx:     ctx,
		cancelAll:   cancel,
		results:     make(chan Result, capacity),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Results delivers one Result per dispatched worker. The channel is closed
// once Stop has been called and every worker has been reaped.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Capacity returns the concurrency bound.
func (d *Dispatcher) Capacity() int {
	return int(d.capacity)
}

// Available returns the number of free worker slots.
func (d *Dispatcher) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.capacity) - len(d.handles)
}

// HasStage reports whether a worker is configured for stage.
func (d *Dispatcher) HasStage(stage catalog.Stage) bool {
	_, ok := d.specs[stage]
	return ok
}

// Dispatch starts a worker for item under lease and returns once the
// process is running.
func (d *Dispatcher) Dispatch(item catalog.WorkItem, lease catalog.Lease) error {
	spec, ok := d.specs[item.Key.Stage]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, item.Key.Stage)
	}
	if !d.sem.TryAcquire(1) {
		return ErrNoCapacity
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.sem.Release(1)
		return ErrStopped
	}
	if _, exists := d.handles[item.Key]; exists {
		d.mu.Unlock()
		d.sem.Release(1)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, item.Key)
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	h := &handle{item: item, lease: lease, cancel: cancel}
	d.handles[item.Key] = h
	d.wg.Add(1)
	d.mu.Unlock()

	cmd, stdout, stderr, err := d.command(item, lease, spec)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		d.forget(item.Key)
		cancel()
		d.sem.Release(1)
		d.wg.Done()
		return services.Wrap(services.ErrWorkerCrash, string(item.Key.Stage), "start worker", spec.Command, err)
	}

	started := time.Now()
	d.mu.Lock()
	h.pid = cmd.Process.Pid
	h.started = started
	h.deadline = started.Add(spec.Timeout)
	d.mu.Unlock()

	logger := d.itemLogger(item)
	logger.Info("worker started",
		logging.Int(logging.FieldPID, h.pid),
		logging.String("command", spec.Command),
		logging.Duration("timeout", spec.Timeout),
	)

	go d.supervise(ctx, h, cmd, spec, stdout, stderr, logger)
	return nil
}

func (d *Dispatcher) command(item catalog.WorkItem, lease catalog.Lease, spec StageSpec) (*exec.Cmd, *tailBuffer, *tailBuffer, error) {
	req := Request{
		RecordID:   item.Key.RecordID,
		ExternalID: item.ExternalID,
		Band:       item.Key.Band,
		Stage:      string(item.Key.Stage),
		RA:         item.RA,
		Dec:        item.Dec,
		Locations:  item.Locations,
		Attempt:    item.FailedAttempts + 1,
		LeaseToken: lease.Token,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode request: %w", err)
	}
	stdout := newTailBuffer(d.stdoutLimit)
	stderr := newTailBuffer(d.stderrLimit)

	cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(append(body, '\n'))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = processGroupAttr()
	cmd.WaitDelay = d.killGrace
	cmd.Env = append(os.Environ(),
		"RADONFLOW_STAGE="+string(item.Key.Stage),
		"RADONFLOW_LEASE_TOKEN="+lease.Token,
	)
	return cmd, stdout, stderr, nil
}

func (d *Dispatcher) supervise(ctx context.Context, h *handle, cmd *exec.Cmd, spec StageSpec, stdout, stderr *tailBuffer, logger *slog.Logger) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer h.cancel()

	waitErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		waitErr <- err
	}()

	var timer *time.Timer
	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer = time.NewTimer(spec.Timeout)
		timeout = timer.C
		defer timer.Stop()
	}

	var (
		err    error
		reason error
	)
	select {
	case err = <-waitErr:
	case <-timeout:
		reason = services.Wrap(services.ErrTimeout, string(h.item.Key.Stage), "worker", fmt.Sprintf("exceeded %s", spec.Timeout), nil)
		terminateGroup(h.pid, exited, d.killGrace)
		err = <-waitErr
	case <-ctx.Done():
		reason = services.Wrap(services.ErrWorkerCrash, string(h.item.Key.Stage), "worker", "terminated before completion", nil)
		terminateGroup(h.pid, exited, d.killGrace)
		err = <-waitErr
	}

	res := Result{
		Item:     h.item,
		Lease:    d.currentLease(h),
		PID:      h.pid,
		Stderr:   stderr.String(),
		Started:  h.started,
		Finished: time.Now(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	switch {
	case reason != nil:
		res.Err = reason
	case err != nil:
		res.Err = services.Wrap(services.ErrWorkerCrash, string(h.item.Key.Stage), "worker",
			fmt.Sprintf("exit %d: %s", res.ExitCode, summarizeStderr(res.Stderr, stderrSummaryLines)), err)
	default:
		payload, parseErr := extractPayload(stdout.Bytes())
		if parseErr != nil {
			res.Err = services.Wrap(services.ErrMalformedResult, string(h.item.Key.Stage), "worker", parseErr.Error(), nil)
		} else {
			res.Payload = payload
		}
	}

	d.forget(h.item.Key)

	if res.Err != nil {
		logging.WarnWithContext(logger, "worker failed", "worker_failed",
			logging.Int(logging.FieldPID, res.PID),
			logging.Int("exit_code", res.ExitCode),
			logging.Duration("duration", res.Duration()),
			logging.String(logging.FieldErrorKind, string(services.Classify(res.Err))),
			logging.Error(res.Err),
			logging.String(logging.FieldImpact, "attempt will be charged to the work item"),
			logging.String(logging.FieldErrorHint, "inspect worker stderr for the failing record"),
		)
	} else {
		logger.Info("worker finished",
			logging.Int(logging.FieldPID, res.PID),
			logging.Duration("duration", res.Duration()),
		)
	}
	d.results <- res
}

// extractPayload returns the JSON object on the last non-empty stdout line.
func extractPayload(stdout []byte) (json.RawMessage, error) {
	line := lastLine(stdout)
	if len(line) == 0 {
		return nil, errors.New("no result on stdout")
	}
	if line[0] != '{' || !json.Valid(line) {
		return nil, fmt.Errorf("last stdout line is not a JSON object: %.120q", line)
	}
	return json.RawMessage(append([]byte(nil), line...)), nil
}

func (d *Dispatcher) itemLogger(item catalog.WorkItem) *slog.Logger {
	logger := logging.ForStage(d.logger, d.overrides, string(item.Key.Stage))
	return logger.With(
		logging.String(logging.FieldRecordID, item.ExternalID),
		logging.String(logging.FieldBand, item.Key.Band),
		logging.String(logging.FieldStage, string(item.Key.Stage)),
		logging.Int(logging.FieldAttempt, item.FailedAttempts+1),
	)
}

func (d *Dispatcher) forget(key catalog.ItemKey) {
	d.mu.Lock()
	delete(d.handles, key)
	d.mu.Unlock()
}

func (d *Dispatcher) currentLease(h *handle) catalog.Lease {
	d.mu.Lock()
	defer d.mu.Unlock()
	return h.lease
}

// UpdateLease records a renewed lease on the running handle for key.
func (d *Dispatcher) UpdateLease(lease catalog.Lease) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[lease.Key]
	if !ok || h.lease.Token != lease.Token {
		return false
	}
	h.lease = lease
	return true
}

// Cancel terminates the worker for key, reporting whether one was running.
// Its result is still delivered as a transient failure.
func (d *Dispatcher) Cancel(key catalog.ItemKey) bool {
	d.mu.Lock()
	h, ok := d.handles[key]
	d.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// CancelLease terminates the worker for lease.Key only while it still runs
// under lease.Token.
func (d *Dispatcher) CancelLease(lease catalog.Lease) bool {
	d.mu.Lock()
	h, ok := d.handles[lease.Key]
	if ok && h.lease.Token != lease.Token {
		ok = false
	}
	d.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// Running lists live workers ordered by start time.
func (d *Dispatcher) Running() []HandleInfo {
	d.mu.Lock()
	infos := make([]HandleInfo, 0, len(d.handles))
	for key, h := range d.handles {
		if h.pid == 0 {
			continue
		}
		infos = append(infos, HandleInfo{
			Key:        key,
			ExternalID: h.item.ExternalID,
			PID:        h.pid,
			StartedAt:  h.started,
			Deadline:   h.deadline,
			Lease:      h.lease,
		})
	}
	d.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].Key.String() < infos[j].Key.String()
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Stop terminates every running worker. Their failures are still delivered
// on Results, after which the channel is closed. Stop does not wait; use
// Wait or drain Results.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.cancelAll()
	go func() {
		d.wg.Wait()
		d.closeOnce.Do(func() { close(d.results) })
	}()
}

// Wait blocks until every supervised worker has been reaped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
