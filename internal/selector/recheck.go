package selector

import (
	"fmt"
	"time"

	"radonflow/internal/catalog"
)

// StillEligible re-evaluates the stage rule for one item inside tx. The
// lease manager calls it at claim time, since the page that offered the
// item may be stale.
func (s *Selector) StillEligible(tx *catalog.Tx, key catalog.ItemKey, now time.Time) (bool, error) {
	return Recheck(tx, s.criteria, key, now)
}

// Recheck applies the stage rule for key against the rows visible in tx,
// ignoring the lease row, which the caller is about to claim.
func Recheck(tx *catalog.Tx, c Criteria, key catalog.ItemKey, now time.Time) (bool, error) {
	rec, err := tx.RecordByID(key.RecordID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Status != catalog.StatusPending {
		return false, nil
	}
	att, err := tx.Attempt(key)
	if err != nil {
		return false, err
	}
	if att != nil && !att.NextEligibleAt.IsZero() && att.NextEligibleAt.After(now) {
		return false, nil
	}

	switch key.Stage {
	case catalog.StageFetch:
		if rec.Probability < c.MinProbability {
			return false, nil
		}
		count, err := tx.BandCount(rec.ID)
		if err != nil {
			return false, err
		}
		return count == 0, nil
	case catalog.StageRadon, catalog.StageAugment:
		band, m, err := tx.BandByCode(rec.ID, key.Band)
		if err != nil {
			return false, err
		}
		if band == nil || band.HasError {
			return false, nil
		}
		if key.Stage == catalog.StageRadon {
			return !m.HasData, nil
		}
		return m.HasData && m.RunningCount < c.ConvergenceCap, nil
	default:
		return false, fmt.Errorf("selector: unknown stage %q", key.Stage)
	}
}
