package workflow

import (
	"context"
	"errors"
	"log/slog"

	"radonflow/internal/catalog"
	"radonflow/internal/dispatch"
	"radonflow/internal/lease"
	"radonflow/internal/logging"
	"radonflow/internal/selector"
	"radonflow/internal/services"
)

// fillStage dispatches eligible items of stage until the dispatcher is full
// or the stage runs dry. Only store outages are returned.
//
// The page query excludes leased and backed-off items, so an item that was
// dispatched, lost its lease race or was charged a crash is gone from the
// next page. The offset only advances past items that still match: ones
// launch left in place and ones that reappear after being tried.
func (m *Manager) fillStage(ctx context.Context, stage catalog.Stage) (int, error) {
	logger := logging.NewComponentLogger(m.logger, "workflow-"+string(stage))
	defer m.flushTouched(ctx)

	tried := make(map[catalog.ItemKey]struct{})
	dispatched, offset := 0, 0
	for m.dispatcher.Available() > 0 {
		if ctx.Err() != nil {
			return dispatched, nil
		}
		items, err := m.selector.Eligible(ctx, stage, selector.Page{Limit: m.batchSize, Offset: offset})
		if err != nil {
			return dispatched, err
		}
		if len(items) == 0 {
			break
		}
		remaining := 0
		for _, item := range items {
			if _, seen := tried[item.Key]; seen {
				remaining++
				continue
			}
			if m.dispatcher.Available() == 0 {
				return dispatched, nil
			}
			tried[item.Key] = struct{}{}
			outcome, err := m.launch(ctx, item, logger)
			if err != nil {
				return dispatched, err
			}
			switch outcome {
			case launchStarted:
				dispatched++
			case launchKept:
				remaining++
			}
		}
		if len(items) < m.batchSize {
			break
		}
		offset += remaining
	}
	return dispatched, nil
}

type launchOutcome int

const (
	// launchStarted: a worker now holds the item's lease.
	launchStarted launchOutcome = iota
	// launchDropped: the item no longer matches the stage query.
	launchDropped
	// launchKept: nothing changed and the item still matches.
	launchKept
)

// launch leases item and starts its worker. Lost races and start failures
// are reported through the outcome, not as errors.
func (m *Manager) launch(ctx context.Context, item catalog.WorkItem, logger *slog.Logger) (launchOutcome, error) {
	itemLogger := logger.With(
		logging.String(logging.FieldRecordID, item.ExternalID),
		logging.String(logging.FieldBand, item.Key.Band),
		logging.String(logging.FieldStage, string(item.Key.Stage)),
	)

	l, err := m.leases.Acquire(ctx, item.Key)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrLeaseContention), errors.Is(err, lease.ErrNotEligible):
			itemLogger.Debug("skipping item", logging.String("reason", err.Error()))
			return launchDropped, nil
		case catalog.IsUnavailable(err):
			return launchKept, err
		default:
			logging.WarnWithContext(itemLogger, "lease acquisition failed", "lease_acquire_failed",
				logging.Error(err),
				logging.Int(logging.FieldFailedAttempts, item.FailedAttempts),
				logging.String(logging.FieldImpact, "item skipped this cycle"),
			)
			return launchKept, nil
		}
	}

	err = m.dispatcher.Dispatch(item, l)
	if err == nil {
		m.mu.Lock()
		m.dispatched++
		m.mu.Unlock()
		return launchStarted, nil
	}

	if errors.Is(err, services.ErrWorkerCrash) {
		// The worker never ran; charge the attempt like any other crash.
		m.apply(ctx, dispatch.Result{Item: item, Lease: l, Err: err})
		return launchDropped, nil
	}
	if _, rerr := m.leases.Release(ctx, l); rerr != nil {
		if catalog.IsUnavailable(rerr) {
			return launchKept, rerr
		}
		itemLogger.Warn("release lease failed; it will expire", logging.Error(rerr))
	}
	if !errors.Is(err, dispatch.ErrNoCapacity) && !errors.Is(err, dispatch.ErrStopped) {
		logging.WarnWithContext(itemLogger, "dispatch failed", "dispatch_failed",
			logging.Error(err),
			logging.Int(logging.FieldFailedAttempts, item.FailedAttempts),
		)
	}
	return launchKept, nil
}
