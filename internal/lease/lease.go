// Package lease grants time-bounded exclusive claims on work items. Lease
// acquisition is the only point that serializes dispatch: the catalog row
// keyed by (record, band, stage) is inserted only when no live lease exists,
// so racing dispatch cycles see exactly one winner.
//
// A lease that outlives its expiry means its worker is presumed dead. The
// expired row is removed under its token and the holder is charged one
// transient failure in the same transaction, whether the removal happens
// during a reclaim sweep or during a takeover by Acquire.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"radonflow/internal/catalog"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

var (
	// ErrLeaseLost is returned by Renew when the lease no longer exists under its token.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotEligible is returned by Acquire when the item no longer matches its stage rule.
	ErrNotEligible = errors.New("work item no longer eligible")
	// ErrExpired is the failure reason charged for a lease that lapsed.
	ErrExpired = fmt.Errorf("%w: lease expired before completion", services.ErrWorkerCrash)
)

// ChargeFunc records one failure against the holder of an expired lease.
// It runs inside the transaction that deleted the lease.
type ChargeFunc func(tx *catalog.Tx, lease catalog.Lease, reason error, now time.Time) error

// CheckFunc reports whether key still satisfies its stage rule.
type CheckFunc func(tx *catalog.Tx, key catalog.ItemKey, now time.Time) (bool, error)

// Manager grants, renews, releases, and reclaims leases.
type Manager struct {
	store  *catalog.Store
	ttl    time.Duration
	owner  string
	now    func() time.Time
	charge ChargeFunc
	check  CheckFunc
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCharger sets the function that charges expired holders.
func WithCharger(fn ChargeFunc) Option {
	return func(m *Manager) { m.charge = fn }
}

// WithEligibilityCheck sets the claim-time stage rule check.
func WithEligibilityCheck(fn CheckFunc) Option {
	return func(m *Manager) { m.check = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithOwner sets the owner recorded on granted leases.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// NewManager constructs a lease manager granting leases of length ttl.
func NewManager(store *catalog.Store, ttl time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    ttl,
		owner:  "radonflowd-" + uuid.NewString()[:8],
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the identity recorded on leases this manager grants.
func (m *Manager) Owner() string {
	return m.owner
}

// TTL returns the lease length.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire claims key. It fails with services.ErrLeaseContention when a live
// lease exists and with ErrNotEligible when the item has moved on since it
// was selected. Neither outcome touches retry counters.
func (m *Manager) Acquire(ctx context.Context, key catalog.ItemKey) (catalog.Lease, error) {
	var granted catalog.Lease
	var takeover *catalog.Lease
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		takeover = nil
		now := m.now()
		existing, err := tx.Lease(key)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Expired(now) {
				return services.Wrap(services.ErrLeaseContention, string(key.Stage), "acquire", key.String(), nil)
			}
			deleted, err := tx.DeleteLease(key, existing.Token)
			if err != nil {
				return err
			}
			if deleted && m.charge != nil {
				if err := m.charge(tx, *existing, ErrExpired, now); err != nil {
					return fmt.Errorf("charge expired lease %s: %w", key, err)
				}
			}
			takeover = existing
		}
		if m.check != nil {
			ok, err := m.check(tx, key, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotEligible
			}
		}
		granted = catalog.Lease{
			Key:        key,
			Token:      uuid.NewString(),
			Owner:      m.owner,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		if err := tx.InsertLease(granted); err != nil {
			if isConflict(err) {
				return services.Wrap(services.ErrLeaseContention, string(key.Stage), "acquire", key.String(), err)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, ErrNotEligible) && takeover != nil {
		// The charge for the stale holder must still land even when the
		// item itself is no longer claimable.
		if chargeErr := m.reclaimOne(ctx, *takeover); chargeErr != nil {
			return catalog.Lease{}, chargeErr
		}
	}
	if err != nil {
		return catalog.Lease{}, err
	}
	if takeover != nil {
		logging.WarnWithContext(m.logger, "took over expired lease", "lease_takeover",
			logging.String(logging.FieldRecordID, fmt.Sprint(key.RecordID)),
			logging.String(logging.FieldBand, key.Band),
			logging.String(logging.FieldStage, string(key.Stage)),
			logging.String("previous_owner", takeover.Owner),
			logging.String(logging.FieldImpact, "previous holder charged one failed attempt"),
			logging.String(logging.FieldErrorHint, "check whether the previous worker crashed or hung"),
		)
	}
	return granted, nil
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Release deletes lease if it is still held under its token. It reports
// whether a row was removed.
func (m *Manager) Release(ctx context.Context, lease catalog.Lease) (bool, error) {
	var released bool
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		var err error
		released, err = tx.DeleteLease(lease.Key, lease.Token)
		return err
	})
	return released, err
}

// Renew extends lease by the manager TTL. It returns ErrLeaseLost when the
// lease expired or was reclaimed.
func (m *Manager) Renew(ctx context.Context, lease catalog.Lease) (catalog.Lease, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	var ok bool
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		var err error
		ok, err = tx.ExtendLease(lease.Key, lease.Token, expires, now)
		return err
	})
	if err != nil {
		return lease, err
	}
	if !ok {
		return lease, fmt.Errorf("%w: %s", ErrLeaseLost, lease.Key)
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// ReclaimExpired removes up to limit expired leases, charging each holder
// once. It returns the number reclaimed.
func (m *Manager) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	var expired []catalog.Lease
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		var err error
		expired, err = tx.ExpiredLeases(m.now(), limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, lease := range expired {
		if err := m.reclaimOne(ctx, lease); err != nil {
			if catalog.IsUnavailable(err) {
				return reclaimed, err
			}
			logging.WarnWithContext(m.logger, "reclaim lease failed", "lease_reclaim_failed",
				logging.String(logging.FieldRecordID, fmt.Sprint(lease.Key.RecordID)),
				logging.String(logging.FieldBand, lease.Key.Band),
				logging.String(logging.FieldStage, string(lease.Key.Stage)),
				logging.Error(err),
			)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// reclaimOne deletes lease under its token and charges the holder. A lease
// already gone (released, or reclaimed elsewhere) is left alone.
func (m *Manager) reclaimOne(ctx context.Context, lease catalog.Lease) error {
	var deleted bool
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		now := m.now()
		current, err := tx.Lease(lease.Key)
		if err != nil {
			return err
		}
		if current == nil || current.Token != lease.Token || !current.Expired(now) {
			deleted = false
			return nil
		}
		deleted, err = tx.DeleteLease(lease.Key, lease.Token)
		if err != nil || !deleted {
			return err
		}
		if m.charge != nil {
			return m.charge(tx, lease, ErrExpired, now)
		}
		return nil
	})
	if err == nil && deleted {
		m.logger.Info("reclaimed expired lease",
			logging.String(logging.FieldRecordID, fmt.Sprint(lease.Key.RecordID)),
			logging.String(logging.FieldBand, lease.Key.Band),
			logging.String(logging.FieldStage, string(lease.Key.Stage)),
			logging.String("owner", lease.Owner),
		)
	}
	return err
}
