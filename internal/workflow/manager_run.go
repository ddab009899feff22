package workflow

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"radonflow/internal/catalog"
	"radonflow/internal/logging"
	"radonflow/internal/notifications"
)

// Start begins background processing. A Manager cannot be restarted after
// Stop because its dispatcher has been shut down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.stopped {
		m.mu.Unlock()
		return errors.New("workflow manager stopped")
	}
	if len(m.activeStages()) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Outcomes of workers killed during shutdown must still be recorded.
	applyCtx := context.WithoutCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = group
	m.running = true
	m.mu.Unlock()

	if err := m.runPreflightChecks(ctx); err != nil {
		logging.WarnWithContext(m.logger, "starting with failed preflight checks", "preflight_degraded",
			logging.Error(err),
			logging.String(logging.FieldImpact, "items of affected stages will fail and back off"),
		)
	}

	m.logger.Info("workflow started",
		logging.Int("max_concurrency", m.dispatcher.Capacity()),
		logging.Duration("poll_interval", m.pollInterval),
		logging.String("lease_owner", m.leases.Owner()),
		logging.String(logging.FieldEventType, "workflow_started"),
	)

	group.Go(func() error { return m.runLoop(groupCtx) })
	group.Go(func() error { return m.renewer.Run(groupCtx) })
	group.Go(func() error { return m.consumeResults(applyCtx) })
	return nil
}

// Stop terminates background processing. Running workers are killed and
// their outcomes recorded as transient failures before Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	group := m.group
	m.running = false
	m.stopped = true
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.dispatcher.Stop()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("workflow stopped with error", logging.Error(err))
	}
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stopped"))
}

// TriggerCycle requests a dispatch cycle without waiting for the poll interval.
func (m *Manager) TriggerCycle() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) runLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		wait := m.pollInterval
		if err := m.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = m.handleCycleError(ctx, err)
		}
		if !m.waitForTrigger(ctx, wait) {
			return nil
		}
	}
}

// RunCycle performs one dispatch cycle and returns the first store error.
func (m *Manager) RunCycle(ctx context.Context) error {
	reclaimed, err := m.leases.ReclaimExpired(ctx, m.batchSize)
	m.flushTouched(ctx)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, stage := range m.cycleOrder() {
		if m.dispatcher.Available() == 0 {
			break
		}
		if !m.stageActive(stage) {
			continue
		}
		n, err := m.fillStage(ctx, stage)
		dispatched += n
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cycles++
	m.lastCycle = time.Now()
	previous := m.storeHealth
	m.storeHealth = storeState{}
	m.mu.Unlock()

	if previous.down {
		m.logger.Info("catalog store reachable again; resuming dispatch",
			logging.Duration("downtime", time.Since(previous.downSince)),
			logging.String(logging.FieldEventType, "store_recovered"),
		)
		m.notify(ctx, notifications.EventStoreRecovered, notifications.Payload{"since": previous.downSince})
	}
	if dispatched > 0 || reclaimed > 0 {
		m.logger.Debug("dispatch cycle complete",
			logging.Int("dispatched", dispatched),
			logging.Int("reclaimed", reclaimed),
			logging.Int("available_slots", m.dispatcher.Available()),
		)
	}
	return nil
}

// handleCycleError records err and returns how long to wait before the next
// cycle. Store outages back off exponentially up to store_backoff_max.
func (m *Manager) handleCycleError(ctx context.Context, err error) time.Duration {
	m.setLastError(err)
	if !catalog.IsUnavailable(err) {
		m.logger.Error("dispatch cycle failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cycle_failed"),
			logging.String(logging.FieldErrorHint, "check catalog database access"),
		)
		return m.retryInterval
	}

	m.mu.Lock()
	st := m.storeHealth
	if st.backoff <= 0 {
		st.backoff = m.retryInterval
	} else {
		st.backoff *= 2
	}
	if m.storeBackoffMax > 0 && st.backoff > m.storeBackoffMax {
		st.backoff = m.storeBackoffMax
	}
	wentDown := !st.down
	if wentDown {
		st.downSince = time.Now()
	}
	st.down = true
	st.retryAt = time.Now().Add(st.backoff)
	m.storeHealth = st
	m.mu.Unlock()

	logging.WarnWithContext(m.logger, "catalog store unavailable; pausing dispatch", "store_unavailable",
		logging.Error(err),
		logging.Duration("retry_in", st.backoff),
		logging.String(logging.FieldImpact, "no work dispatched and no attempts charged until the store recovers"),
		logging.String(logging.FieldErrorHint, "check disk space and permissions on the catalog file"),
	)
	if wentDown {
		m.notify(ctx, notifications.EventStoreUnavailable, notifications.Payload{"error": err})
	}
	return st.backoff
}

func (m *Manager) waitForTrigger(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.trigger:
		return true
	case <-timer.C:
		return true
	}
}

// cycleOrder rotates the starting stage every cycle so one busy stage does
// not keep the others away from free slots.
func (m *Manager) cycleOrder() []catalog.Stage {
	m.mu.RLock()
	start := int(m.cycles % int64(len(m.stages)))
	m.mu.RUnlock()
	order := make([]catalog.Stage, 0, len(m.stages))
	order = append(order, m.stages[start:]...)
	return append(order, m.stages[:start]...)
}

func (m *Manager) activeStages() []catalog.Stage {
	var stages []catalog.Stage
	for _, stage := range m.stages {
		if m.cfg.StageEnabled(string(stage)) && m.dispatcher.HasStage(stage) {
			stages = append(stages, stage)
		}
	}
	return stages
}

func (m *Manager) stageActive(stage catalog.Stage) bool {
	if !m.cfg.StageEnabled(string(stage)) || !m.dispatcher.HasStage(stage) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.paused[stage]
}
