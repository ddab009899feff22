package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/dispatch"
	"radonflow/internal/lease"
	"radonflow/internal/logging"
)

// LeaseRenewer keeps the leases of running workers alive.
type LeaseRenewer struct {
	leases     *lease.Manager
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	interval   time.Duration
}

// NewLeaseRenewer creates a renewer that extends leases every interval.
func NewLeaseRenewer(leases *lease.Manager, dispatcher *dispatch.Dispatcher, logger *slog.Logger, interval time.Duration) *LeaseRenewer {
	return &LeaseRenewer{
		leases:     leases,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "workflow-heartbeat"),
		interval:   interval,
	}
}

// RenewAll extends the lease of every running worker. A worker whose lease
// was lost is terminated, since another holder may already own the item.
func (r *LeaseRenewer) RenewAll(ctx context.Context) (renewed, lost int, err error) {
	for _, info := range r.dispatcher.Running() {
		updated, err := r.leases.Renew(ctx, info.Lease)
		switch {
		case err == nil:
			if r.dispatcher.UpdateLease(updated) {
				renewed++
			}
		case errors.Is(err, lease.ErrLeaseLost):
			if r.dispatcher.CancelLease(info.Lease) {
				lost++
				logging.WarnWithContext(r.logger, "lease lost; terminating worker", "lease_lost",
					logging.String(logging.FieldRecordID, info.ExternalID),
					logging.String(logging.FieldBand, info.Key.Band),
					logging.String(logging.FieldStage, string(info.Key.Stage)),
					logging.Int(logging.FieldPID, info.PID),
					logging.String(logging.FieldLeaseToken, info.Lease.Token),
				)
			}
		case catalog.IsUnavailable(err):
			return renewed, lost, err
		case errors.Is(err, context.Canceled):
			return renewed, lost, nil
		default:
			r.logger.Warn("lease renewal failed", logging.Error(err),
				logging.String(logging.FieldRecordID, info.ExternalID),
				logging.String(logging.FieldStage, string(info.Key.Stage)),
			)
		}
	}
	return renewed, lost, nil
}

// Run renews leases until ctx is cancelled.
func (r *LeaseRenewer) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := r.RenewAll(ctx); err != nil {
				r.logger.Warn("lease renewal paused; catalog unavailable",
					logging.Error(err),
					logging.String(logging.FieldEventType, "lease_renew_failed"),
					logging.String(logging.FieldImpact, "leases may expire and their items be charged"),
				)
			}
		}
	}
}
