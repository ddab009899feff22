package workflow

import (
	"context"
	"errors"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/dispatch"
	"radonflow/internal/logging"
	"radonflow/internal/notifications"
	"radonflow/internal/statemachine"
)

const (
	applyAttempts   = 4
	applyRetryDelay = 500 * time.Millisecond
)

// consumeResults applies worker outcomes until the dispatcher closes its
// result channel after Stop.
func (m *Manager) consumeResults(ctx context.Context) error {
	for res := range m.dispatcher.Results() {
		m.apply(ctx, res)
		m.TriggerCycle()
	}
	return nil
}

// apply records one worker result. Store outages are retried briefly; if the
// store stays down the lease is left to expire and is charged on reclaim.
func (m *Manager) apply(ctx context.Context, res dispatch.Result) {
	outcome := statemachine.Outcome{
		Item:    res.Item,
		Lease:   res.Lease,
		Payload: res.Payload,
		Err:     res.Err,
	}
	delay := applyRetryDelay
	for attempt := 1; ; attempt++ {
		applied, err := m.machine.Apply(ctx, outcome)
		if err == nil || errors.Is(err, statemachine.ErrStaleOutcome) {
			m.mu.Lock()
			m.outcomes[applied.Kind]++
			m.mu.Unlock()
			if applied.Kind == statemachine.KindTerminal {
				m.notify(ctx, notifications.EventItemFailed, notifications.Payload{
					"record":   res.Item.ExternalID,
					"band":     res.Item.Key.Band,
					"stage":    string(res.Item.Key.Stage),
					"attempts": applied.FailedAttempts,
					"error":    res.Err,
				})
			}
			return
		}
		if !catalog.IsUnavailable(err) || attempt >= applyAttempts {
			m.setLastError(err)
			logging.ErrorWithContext(m.logger, "apply outcome failed", "outcome_apply_failed",
				logging.String(logging.FieldRecordID, res.Item.ExternalID),
				logging.String(logging.FieldBand, res.Item.Key.Band),
				logging.String(logging.FieldStage, string(res.Item.Key.Stage)),
				logging.Int(logging.FieldFailedAttempts, res.Item.FailedAttempts),
				logging.Error(err),
				logging.String(logging.FieldImpact, "lease left to expire; the item is retried after reclaim"),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// notify publishes an alert. Delivery failures are logged and otherwise
// ignored.
func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		m.logger.Warn("notification failed",
			logging.String("notification", string(event)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}
