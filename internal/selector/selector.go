// Package selector derives the set of work items eligible for dispatch from
// a catalog snapshot. Each stage's membership rule is a plain query built by
// a function in this package, so the rules can be inspected and tested
// apart from the control loop. Reads never take write locks; conflicts are
// settled later when a lease is acquired.
package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/config"
)

// Page bounds one selector read.
type Page struct {
	Limit  int
	Offset int
}

// Criteria holds the tunables that feed the stage rules.
type Criteria struct {
	MinProbability float64
	ConvergenceCap int
	BatchSize      int
}

// CriteriaFromConfig extracts selector criteria from cfg.
func CriteriaFromConfig(cfg *config.Config) Criteria {
	return Criteria{
		MinProbability: cfg.Catalog.MinProbability,
		ConvergenceCap: cfg.Aggregation.ConvergenceCap,
		BatchSize:      cfg.Dispatch.BatchSize,
	}
}

// query is a stage rule split into clauses so the same rule serves both
// paging and counting.
type query struct {
	selectCols string
	from       string
	where      []string
	args       []any
	order      string
}

const recordItemCols = `r.id, '', r.external_id, r.ra, r.dec, r.bin_id, 0, 0,
	COALESCE(a.failed_attempts, 0), 0, r.updated_at`

const bandItemCols = `r.id, b.band_code, r.external_id, r.ra, r.dec, b.bin_id, b.batch_id, b.fits_index,
	COALESCE(a.failed_attempts, 0), m.running_count, b.updated_at`

func stageQuery(stage catalog.Stage, c Criteria, now time.Time) (query, error) {
	nowText := catalog.FormatTime(now)
	switch stage {
	case catalog.StageFetch:
		return query{
			selectCols: recordItemCols,
			from: `records r
				LEFT JOIN stage_attempts a ON a.record_id = r.id AND a.band_code = '' AND a.stage = 'fetch'`,
			where: []string{
				"r.status = 'Pending'",
				"r.probability >= ?",
				"NOT EXISTS (SELECT 1 FROM bands x WHERE x.record_id = r.id)",
				"NOT EXISTS (SELECT 1 FROM leases l WHERE l.record_id = r.id AND l.band_code = '' AND l.stage = 'fetch')",
				"(a.next_eligible_at IS NULL OR a.next_eligible_at <= ?)",
			},
			args:  []any{c.MinProbability, nowText},
			order: "r.updated_at ASC, r.id ASC",
		}, nil
	case catalog.StageRadon:
		return query{
			selectCols: bandItemCols,
			from: `bands b
				JOIN records r ON r.id = b.record_id
				JOIN rotation_measurements m ON m.band_id = b.id
				LEFT JOIN stage_attempts a ON a.record_id = b.record_id AND a.band_code = b.band_code AND a.stage = 'radon'`,
			where: []string{
				"r.status = 'Pending'",
				"b.has_error = 0",
				"m.has_data = 0",
				"NOT EXISTS (SELECT 1 FROM leases l WHERE l.record_id = b.record_id AND l.band_code = b.band_code AND l.stage = 'radon')",
				"(a.next_eligible_at IS NULL OR a.next_eligible_at <= ?)",
			},
			args:  []any{nowText},
			order: "b.updated_at ASC, b.id ASC",
		}, nil
	case catalog.StageAugment:
		return query{
			selectCols: bandItemCols,
			from: `bands b
				JOIN records r ON r.id = b.record_id
				JOIN rotation_measurements m ON m.band_id = b.id
				LEFT JOIN stage_attempts a ON a.record_id = b.record_id AND a.band_code = b.band_code AND a.stage = 'augment'`,
			where: []string{
				"r.status = 'Pending'",
				"b.has_error = 0",
				"m.has_data = 1",
				"m.running_count < ?",
				"NOT EXISTS (SELECT 1 FROM leases l WHERE l.record_id = b.record_id AND l.band_code = b.band_code AND l.stage = 'augment')",
				"(a.next_eligible_at IS NULL OR a.next_eligible_at <= ?)",
			},
			args:  []any{c.ConvergenceCap, nowText},
			order: "m.running_count ASC, m.updated_at ASC, b.id ASC",
		}, nil
	default:
		return query{}, fmt.Errorf("selector: unknown stage %q", stage)
	}
}

func (q query) whereClause() string {
	return strings.Join(q.where, " AND ")
}

// PageQuery returns the SQL and arguments that list a page of eligible items.
func PageQuery(stage catalog.Stage, c Criteria, now time.Time, page Page) (string, []any, error) {
	q, err := stageQuery(stage, c, now)
	if err != nil {
		return "", nil, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = c.BatchSize
	}
	if limit <= 0 {
		limit = 200
	}
	sql := "SELECT " + q.selectCols + " FROM " + q.from + " WHERE " + q.whereClause() +
		" ORDER BY " + q.order + " LIMIT ? OFFSET ?"
	args := append(append([]any(nil), q.args...), limit, max(page.Offset, 0))
	return sql, args, nil
}

// CountQuery returns the SQL and arguments that count eligible items.
func CountQuery(stage catalog.Stage, c Criteria, now time.Time) (string, []any, error) {
	q, err := stageQuery(stage, c, now)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(1) FROM " + q.from + " WHERE " + q.whereClause(), q.args, nil
}

// Selector runs stage rules against a catalog snapshot.
type Selector struct {
	store    *catalog.Store
	criteria Criteria
	now      func() time.Time
}

// New constructs a selector over store.
func New(store *catalog.Store, criteria Criteria) *Selector {
	return &Selector{store: store, criteria: criteria, now: time.Now}
}

// SetClock replaces the time source used for backoff checks.
func (s *Selector) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Eligible returns one page of items ready for stage, in fairness order.
func (s *Selector) Eligible(ctx context.Context, stage catalog.Stage, page Page) ([]catalog.WorkItem, error) {
	sqlText, args, err := PageQuery(stage, s.criteria, s.now(), page)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []catalog.WorkItem
	for rows.Next() {
		var (
			item       catalog.WorkItem
			updatedRaw string
		)
		if err := rows.Scan(
			&item.Key.RecordID,
			&item.Key.Band,
			&item.ExternalID,
			&item.RA,
			&item.Dec,
			&item.Locations.BinID,
			&item.Locations.BatchID,
			&item.Locations.FitsIndex,
			&item.FailedAttempts,
			&item.RunningCount,
			&updatedRaw,
		); err != nil {
			return nil, fmt.Errorf("scan %s item: %w", stage, err)
		}
		item.Key.Stage = stage
		item.UpdatedAt = catalog.ParseTime(updatedRaw)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Count returns how many items are currently eligible for stage.
func (s *Selector) Count(ctx context.Context, stage catalog.Stage) (int, error) {
	sqlText, args, err := CountQuery(stage, s.criteria, s.now())
	if err != nil {
		return 0, err
	}
	rows, err := s.store.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("scan %s count: %w", stage, err)
		}
	}
	return count, rows.Err()
}

// Counts returns eligible counts for every stage.
func (s *Selector) Counts(ctx context.Context) (map[catalog.Stage]int, error) {
	counts := make(map[catalog.Stage]int, len(catalog.AllStages()))
	for _, stage := range catalog.AllStages() {
		n, err := s.Count(ctx, stage)
		if err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, nil
}
