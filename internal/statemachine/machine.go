package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"radonflow/internal/aggregate"
	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

// ErrStaleOutcome is returned when an outcome's lease no longer exists or
// its record already left Pending.
var ErrStaleOutcome = errors.New("stale outcome")

// Policy holds the retry and convergence rules.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ConvergenceCap int
	Bands          []string
}

// PolicyFromConfig extracts the policy from cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Retry.BackoffBase) * time.Second,
		BackoffCap:     time.Duration(cfg.Retry.BackoffCap) * time.Second,
		ConvergenceCap: cfg.Aggregation.ConvergenceCap,
		Bands:          append([]string(nil), cfg.Catalog.Bands...),
	}
}

// Backoff returns base * 2^failedAttempts, capped.
func (p Policy) Backoff(failedAttempts int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	delay := p.BackoffBase
	for i := 0; i < failedAttempts; i++ {
		delay *= 2
		if p.BackoffCap > 0 && delay >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		return p.BackoffCap
	}
	return delay
}

// Outcome is a worker result ready to apply.
type Outcome struct {
	Item    catalog.WorkItem
	Lease   catalog.Lease
	Payload json.RawMessage
	Err     error
}

// Kind describes what applying an outcome did.
type Kind string

const (
	KindSucceeded Kind = "succeeded"
	KindRetry     Kind = "retry"
	KindTerminal  Kind = "terminal"
	KindStale     Kind = "stale"
	KindConverged Kind = "converged"
)

// Applied reports the effect of one outcome.
type Applied struct {
	Key            catalog.ItemKey
	Kind           Kind
	FailedAttempts int
	NextEligibleAt time.Time
	RecordStatus   catalog.Status
	Accepted       int
	Err            error
}

// Machine applies outcomes against the catalog.
type Machine struct {
	store  *catalog.Store
	cache  *cache.Cache
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a state machine. c may be nil.
func New(store *catalog.Store, c *cache.Cache, policy Policy, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		cache:  c,
		policy: policy,
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "statemachine"),
	}
}

// SetClock replaces the time source.
func (m *Machine) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Policy returns the active policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Apply records outcome. It returns ErrStaleOutcome, with no state change
// beyond releasing the lease, when the outcome cannot apply.
func (m *Machine) Apply(ctx context.Context, outcome Outcome) (Applied, error) {
	key := outcome.Item.Key
	var (
		applied    Applied
		externalID string
	)
	err := m.store.WithTx(ctx, func(tx *catalog.Tx) error {
		applied = Applied{Key: key}
		now := m.now()
		released, err := tx.DeleteLease(key, outcome.Lease.Token)
		if err != nil {
			return err
		}
		if !released {
			applied.Kind = KindStale
			return nil
		}
		rec, err := tx.RecordByID(key.RecordID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: record %d", services.ErrNotFound, key.RecordID)
		}
		externalID = rec.ExternalID
		applied.RecordStatus = rec.Status
		if rec.Status != catalog.StatusPending {
			applied.Kind = KindStale
			return nil
		}

		cause := outcome.Err
		if cause == nil {
			applyErr := m.succeed(tx, outcome, &applied, now)
			if applyErr == nil {
				return nil
			}
			if catalog.IsUnavailable(applyErr) ||
				!(errors.Is(applyErr, services.ErrMalformedResult) || errors.Is(applyErr, services.ErrNotFound)) {
				return applyErr
			}
			cause = applyErr
		}
		return m.fail(tx, key, cause, &applied, now)
	})
	if err != nil {
		return Applied{Key: key}, err
	}
	if applied.Kind == KindStale {
		m.logger.Debug("stale outcome ignored",
			logging.String(logging.FieldRecordID, outcome.Item.ExternalID),
			logging.String(logging.FieldBand, key.Band),
			logging.String(logging.FieldStage, string(key.Stage)),
			logging.String(logging.FieldLeaseToken, outcome.Lease.Token),
		)
		if externalID != "" {
			m.invalidate(externalID)
		}
		return applied, ErrStaleOutcome
	}
	m.invalidate(externalID)
	m.logApplied(outcome.Item, applied)
	return applied, nil
}

func (m *Machine) succeed(tx *catalog.Tx, outcome Outcome, applied *Applied, now time.Time) error {
	key := outcome.Item.Key
	malformed := func(err error) error {
		return services.Wrap(services.ErrMalformedResult, string(key.Stage), "validate payload", "", err)
	}

	switch key.Stage {
	case catalog.StageFetch:
		bands, err := parseFetch(outcome.Payload, m.policy.Bands)
		if err != nil {
			return malformed(err)
		}
		existing, err := tx.BandCount(key.RecordID)
		if err != nil {
			return err
		}
		if existing > 0 {
			applied.Kind = KindStale
			return nil
		}
		for _, nb := range bands {
			if _, err := tx.InsertBand(key.RecordID, nb, now); err != nil {
				return err
			}
		}
		applied.Accepted = len(bands)
	case catalog.StageRadon:
		degree, err := parseRadon(outcome.Payload)
		if err != nil {
			return malformed(err)
		}
		band, _, err := tx.BandByCode(key.RecordID, key.Band)
		if err != nil {
			return err
		}
		if band == nil {
			return fmt.Errorf("%w: band %s", services.ErrNotFound, key)
		}
		set, err := tx.SetInitialDegree(band.ID, degree, now)
		if err != nil {
			return err
		}
		if !set {
			applied.Kind = KindStale
			return nil
		}
		applied.Accepted = 1
	case catalog.StageAugment:
		samples, err := parseAugment(outcome.Payload)
		if err != nil {
			return malformed(err)
		}
		band, current, err := tx.BandByCode(key.RecordID, key.Band)
		if err != nil {
			return err
		}
		if band == nil {
			return fmt.Errorf("%w: band %s", services.ErrNotFound, key)
		}
		next, accepted, err := aggregate.FoldAll(*current, samples, m.policy.ConvergenceCap)
		if errors.Is(err, aggregate.ErrConverged) {
			applied.Kind = KindConverged
			break
		}
		if err != nil {
			return malformed(err)
		}
		if err := tx.SaveMeasurement(*current, next, m.policy.ConvergenceCap, now); err != nil {
			if errors.Is(err, catalog.ErrMeasurementConflict) {
				applied.Kind = KindConverged
				break
			}
			return err
		}
		applied.Accepted = accepted
		if m.policy.ConvergenceCap > 0 && next.RunningCount >= m.policy.ConvergenceCap {
			applied.Kind = KindConverged
		}
	default:
		return fmt.Errorf("%w: unknown stage %q", services.ErrValidation, key.Stage)
	}

	if applied.Kind == "" {
		applied.Kind = KindSucceeded
	}
	if err := m.resetAttempt(tx, key, now); err != nil {
		return err
	}
	if _, err := tx.RefreshRecordAttempts(key.RecordID, now); err != nil {
		return err
	}
	applied.FailedAttempts = 0

	if key.Stage.BandLevel() {
		progress, err := tx.BandProgress(key.RecordID, m.policy.ConvergenceCap)
		if err != nil {
			return err
		}
		if progress.Settled() && progress.Converged > 0 {
			if err := tx.SetRecordStatus(key.RecordID, catalog.StatusSuccess, now); err != nil {
				return err
			}
			applied.RecordStatus = catalog.StatusSuccess
		}
	}
	return nil
}

func (m *Machine) resetAttempt(tx *catalog.Tx, key catalog.ItemKey, now time.Time) error {
	att, err := tx.Attempt(key)
	if err != nil || att == nil {
		return err
	}
	return tx.SaveAttempt(catalog.Attempt{Key: key}, now)
}

// fail charges one attempt to key and applies the terminal transition when
// the budget is spent.
func (m *Machine) fail(tx *catalog.Tx, key catalog.ItemKey, cause error, applied *Applied, now time.Time) error {
	att, err := tx.Attempt(key)
	if err != nil {
		return err
	}
	count := 1
	if att != nil {
		count = att.FailedAttempts + 1
	}
	next := catalog.Attempt{
		Key:            key,
		FailedAttempts: count,
		LastError:      truncate(cause.Error(), 500),
	}
	terminal := m.policy.MaxAttempts > 0 && count >= m.policy.MaxAttempts
	if !terminal {
		next.NextEligibleAt = now.Add(m.policy.Backoff(count))
	}
	if err := tx.SaveAttempt(next, now); err != nil {
		return err
	}
	if _, err := tx.RefreshRecordAttempts(key.RecordID, now); err != nil {
		return err
	}
	applied.FailedAttempts = count
	applied.NextEligibleAt = next.NextEligibleAt
	applied.Err = cause
	applied.Kind = KindRetry

	if !terminal {
		return nil
	}
	if key.Stage.BandLevel() {
		band, _, err := tx.BandByCode(key.RecordID, key.Band)
		if err != nil {
			return err
		}
		if band != nil {
			if err := tx.MarkBandError(band.ID, now); err != nil {
				return err
			}
		}
	}
	if err := tx.SetRecordStatus(key.RecordID, catalog.StatusFailed, now); err != nil {
		return err
	}
	applied.Kind = KindTerminal
	applied.RecordStatus = catalog.StatusFailed
	return nil
}

// ChargeExpiredLease charges one failure for a lease that lapsed. It runs
// inside the transaction that removed the lease and matches lease.ChargeFunc.
func (m *Machine) ChargeExpiredLease(tx *catalog.Tx, l catalog.Lease, reason error, now time.Time) error {
	rec, err := tx.RecordByID(l.Key.RecordID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != catalog.StatusPending {
		return nil
	}
	var applied Applied
	if err := m.fail(tx, l.Key, reason, &applied, now); err != nil {
		return err
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldRecordID, rec.ExternalID),
		logging.String(logging.FieldBand, l.Key.Band),
		logging.String(logging.FieldStage, string(l.Key.Stage)),
		logging.Int(logging.FieldFailedAttempts, applied.FailedAttempts),
		logging.String("owner", l.Owner),
	}
	if applied.Kind == KindTerminal {
		logging.ErrorWithContext(m.logger, "expired lease exhausted retry budget", "record_failed",
			append(attrs, logging.Alert("record_failed"))...)
	}
	return nil
}

// InvalidateRecord drops cached views of the record with the given id.
func (m *Machine) InvalidateRecord(ctx context.Context, recordID int64) {
	if m.cache == nil {
		return
	}
	rec, err := m.store.GetRecordByID(ctx, recordID)
	if err != nil || rec == nil {
		return
	}
	m.invalidate(rec.ExternalID)
}

func (m *Machine) invalidate(externalID string) {
	if m.cache == nil || externalID == "" {
		return
	}
	m.cache.InvalidateRecord(externalID)
}

func (m *Machine) logApplied(item catalog.WorkItem, applied Applied) {
	attrs := []logging.Attr{
		logging.String(logging.FieldRecordID, item.ExternalID),
		logging.String(logging.FieldBand, item.Key.Band),
		logging.String(logging.FieldStage, string(item.Key.Stage)),
		logging.Int(logging.FieldFailedAttempts, applied.FailedAttempts),
	}
	switch applied.Kind {
	case KindSucceeded, KindConverged:
		m.logger.Info("stage outcome applied", logging.Args(append(attrs,
			logging.String("result", string(applied.Kind)),
			logging.Int("accepted", applied.Accepted),
			logging.String("record_status", string(applied.RecordStatus)),
		)...)...)
	case KindRetry:
		logging.WarnWithContext(m.logger, "stage attempt failed", "stage_retry", append(attrs,
			logging.Time("next_eligible_at", applied.NextEligibleAt),
			logging.String(logging.FieldErrorKind, string(services.Classify(applied.Err))),
			logging.Error(applied.Err),
			logging.String(logging.FieldImpact, "item retried after backoff"),
		)...)
	case KindTerminal:
		logging.ErrorWithContext(m.logger, "record failed permanently", "record_failed", append(attrs,
			logging.Error(applied.Err),
			logging.Alert("record_failed"),
			logging.String(logging.FieldErrorHint, "inspect worker logs, then run radonflow retry"),
		)...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
