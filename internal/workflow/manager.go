package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/dispatch"
	"radonflow/internal/lease"
	"radonflow/internal/logging"
	"radonflow/internal/notifications"
	"radonflow/internal/selector"
	"radonflow/internal/statemachine"
)

// Manager schedules work items onto worker processes.
type Manager struct {
	cfg        *config.Config
	store      *catalog.Store
	cache      *cache.Cache
	selector   *selector.Selector
	leases     *lease.Manager
	dispatcher *dispatch.Dispatcher
	machine    *statemachine.Machine
	renewer    *LeaseRenewer
	notifier   notifications.Service
	logger     *slog.Logger

	pollInterval    time.Duration
	retryInterval   time.Duration
	storeBackoffMax time.Duration
	batchSize       int
	stages          []catalog.Stage

	trigger chan struct{}

	mu          sync.RWMutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	paused      map[catalog.Stage]bool
	lastErr     error
	lastCycle   time.Time
	cycles      int64
	dispatched  int64
	outcomes    map[statemachine.Kind]int64
	storeHealth storeState

	touchedMu sync.Mutex
	touched   map[int64]struct{}
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	dispatchOpts []dispatch.Option
	leaseOpts    []lease.Option
	notifier     notifications.Service
	now          func() time.Time
}

// WithDispatchOptions forwards options to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) ManagerOption {
	return func(o *managerOptions) {
		o.dispatchOpts = append(o.dispatchOpts, opts...)
	}
}

// WithLeaseOptions forwards options to the lease manager.
func WithLeaseOptions(opts ...lease.Option) ManagerOption {
	return func(o *managerOptions) {
		o.leaseOpts = append(o.leaseOpts, opts...)
	}
}

// WithNotifier replaces the ntfy service built from config.
func WithNotifier(svc notifications.Service) ManagerOption {
	return func(o *managerOptions) {
		o.notifier = svc
	}
}

// WithClock replaces the time source of every scheduler component.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) {
		o.now = now
	}
}

// NewManager wires the selector, lease manager, dispatcher, and state
// machine around store. c may be nil.
func NewManager(cfg *config.Config, store *catalog.Store, c *cache.Cache, logger *slog.Logger, opts ...ManagerOption) *Manager {
	options := &managerOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Manager{
		cfg:             cfg,
		store:           store,
		cache:           c,
		logger:          logging.NewComponentLogger(logger, "workflow"),
		pollInterval:    cfg.PollInterval(),
		retryInterval:   time.Duration(cfg.Dispatch.ErrorRetryInterval) * time.Second,
		storeBackoffMax: time.Duration(cfg.Dispatch.StoreBackoffMax) * time.Second,
		batchSize:       cfg.Dispatch.BatchSize,
		trigger:         make(chan struct{}, 1),
		paused:          make(map[catalog.Stage]bool),
		outcomes:        make(map[statemachine.Kind]int64),
		touched:         make(map[int64]struct{}),
	}
	if m.batchSize <= 0 {
		m.batchSize = 100
	}
	for _, name := range config.StageNames {
		if stage, ok := catalog.ParseStage(name); ok {
			m.stages = append(m.stages, stage)
		}
	}

	m.machine = statemachine.New(store, c, statemachine.PolicyFromConfig(cfg), logger)
	m.selector = selector.New(store, selector.CriteriaFromConfig(cfg))
	leaseOpts := []lease.Option{
		lease.WithCharger(m.chargeExpired),
		lease.WithEligibilityCheck(m.selector.StillEligible),
	}
	if options.now != nil {
		m.machine.SetClock(options.now)
		m.selector.SetClock(options.now)
		leaseOpts = append(leaseOpts, lease.WithClock(options.now))
	}
	leaseOpts = append(leaseOpts, options.leaseOpts...)
	m.leases = lease.NewManager(store, cfg.LeaseTTL(), logger, leaseOpts...)
	m.dispatcher = dispatch.New(cfg, logger, options.dispatchOpts...)
	m.renewer = NewLeaseRenewer(m.leases, m.dispatcher, logger, cfg.LeaseRenewInterval())
	m.notifier = options.notifier
	if m.notifier == nil {
		m.notifier = notifications.NewService(cfg)
	}
	return m
}

// Selector exposes the eligibility queries used by the scheduler.
func (m *Manager) Selector() *selector.Selector {
	return m.selector
}

// Machine exposes the state machine that applies outcomes.
func (m *Manager) Machine() *statemachine.Machine {
	return m.machine
}

// Workers lists the running worker processes.
func (m *Manager) Workers() []dispatch.HandleInfo {
	return m.dispatcher.Running()
}

// chargeExpired charges the holder of a lapsed lease and remembers the
// record so its cached views are dropped once the transaction commits.
func (m *Manager) chargeExpired(tx *catalog.Tx, l catalog.Lease, reason error, now time.Time) error {
	if err := m.machine.ChargeExpiredLease(tx, l, reason, now); err != nil {
		return err
	}
	m.touchedMu.Lock()
	m.touched[l.Key.RecordID] = struct{}{}
	m.touchedMu.Unlock()
	return nil
}

// flushTouched invalidates records charged since the last flush. A charge
// inside a transaction that later rolled back only costs a cache miss.
func (m *Manager) flushTouched(ctx context.Context) {
	m.touchedMu.Lock()
	ids := make([]int64, 0, len(m.touched))
	for id := range m.touched {
		ids = append(ids, id)
	}
	clear(m.touched)
	m.touchedMu.Unlock()
	for _, id := range ids {
		m.machine.InvalidateRecord(ctx, id)
	}
}
