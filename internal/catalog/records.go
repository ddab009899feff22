package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateRecord inserts a new Pending record.
func (s *Store) CreateRecord(ctx context.Context, nr NewRecord) (*Record, error) {
	if err := validateNewRecord(nr); err != nil {
		return nil, err
	}
	stamp := FormatTime(time.Now())
	res, err := s.execWithRetry(ctx, "insert record",
		`INSERT INTO records (external_id, ra, dec, probability, bin_id, status, failed_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		strings.TrimSpace(nr.ExternalID), nr.RA, nr.Dec, nr.Probability, nr.BinID, string(StatusPending), stamp, stamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordExists, nr.ExternalID)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRecordByID(ctx, id)
}

func validateNewRecord(nr NewRecord) error {
	if strings.TrimSpace(nr.ExternalID) == "" {
		return errors.New("record external id is required")
	}
	if nr.Probability < 0 || nr.Probability > 1 {
		return fmt.Errorf("record %s: probability %v outside [0,1]", nr.ExternalID, nr.Probability)
	}
	return nil
}

// InsertRecords ingests records in one transaction, skipping external ids that
// already exist. It returns how many rows were inserted.
func (s *Store) InsertRecords(ctx context.Context, records []NewRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, nr := range records {
		if err := validateNewRecord(nr); err != nil {
			return 0, err
		}
	}
	var inserted int
	err := s.WithTx(ctx, func(tx *Tx) error {
		inserted = 0
		stamp := FormatTime(time.Now())
		stmt, err := tx.tx.PrepareContext(tx.ctx,
			`INSERT INTO records (external_id, ra, dec, probability, bin_id, status, failed_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT(external_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, nr := range records {
			res, err := stmt.ExecContext(tx.ctx,
				strings.TrimSpace(nr.ExternalID), nr.RA, nr.Dec, nr.Probability, nr.BinID, string(StatusPending), stamp, stamp)
			if err != nil {
				return fmt.Errorf("insert %s: %w", nr.ExternalID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetRecordByID fetches a record by primary key, returning nil when absent.
func (s *Store) GetRecordByID(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get record", err)
	}
	return rec, nil
}

// GetRecord fetches a record by external identifier, returning nil when absent.
func (s *Store) GetRecord(ctx context.Context, externalID string) (*Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+recordColumns+" FROM records WHERE external_id = ?", strings.TrimSpace(externalID))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get record", err)
	}
	return rec, nil
}

// ListRecords returns records filtered by status (all when none given),
// oldest first.
func (s *Store) ListRecords(ctx context.Context, limit, offset int, statuses ...Status) ([]*Record, error) {
	query := "SELECT " + recordColumns + " FROM records"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecordDetail assembles the full status view of one record. It returns
// nil when the record does not exist.
func (s *Store) GetRecordDetail(ctx context.Context, externalID string) (*RecordDetail, error) {
	rec, err := s.GetRecord(ctx, externalID)
	if err != nil || rec == nil {
		return nil, err
	}
	bands, err := s.ListBands(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.listAttempts(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	leases, err := s.ListLeases(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	detail := &RecordDetail{Record: *rec, Leases: leases}
	byBand := make(map[string]int, len(bands))
	for i, band := range bands {
		byBand[band.Band.Code] = i
	}
	for _, att := range attempts {
		if idx, ok := byBand[att.Key.Band]; ok && att.Key.Band != "" {
			bands[idx].Attempts = append(bands[idx].Attempts, att)
			continue
		}
		detail.Attempts = append(detail.Attempts, att)
	}
	detail.Bands = bands
	return detail, nil
}

func (s *Store) listAttempts(ctx context.Context, recordID int64) ([]Attempt, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT "+attemptColumns+" FROM stage_attempts WHERE record_id = ? ORDER BY band_code, stage", recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []Attempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *att)
	}
	return attempts, rows.Err()
}

// RetryFailed returns Failed records to Pending, clearing their retry
// counters and band errors. Unknown or non-failed ids are skipped. It returns
// the number of records reset.
func (s *Store) RetryFailed(ctx context.Context, externalIDs ...string) (int, error) {
	var reset int
	err := s.WithTx(ctx, func(tx *Tx) error {
		reset = 0
		now := time.Now()
		for _, externalID := range externalIDs {
			var id int64
			err := tx.tx.QueryRowContext(tx.ctx,
				"SELECT id FROM records WHERE external_id = ? AND status = ?",
				strings.TrimSpace(externalID), string(StatusFailed),
			).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("find failed record %s: %w", externalID, err)
			}
			if err := tx.ClearAttempts(id); err != nil {
				return err
			}
			if err := tx.DeleteRecordLeases(id); err != nil {
				return err
			}
			if _, err := tx.exec("UPDATE bands SET has_error = 0, updated_at = ? WHERE record_id = ? AND has_error = 1",
				FormatTime(now), id); err != nil {
				return fmt.Errorf("clear band errors: %w", err)
			}
			if _, err := tx.exec("UPDATE records SET status = ?, failed_attempts = 0, updated_at = ? WHERE id = ?",
				string(StatusPending), FormatTime(now), id); err != nil {
				return fmt.Errorf("reset record %s: %w", externalID, err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// Summary aggregates catalog state for status output.
type Summary struct {
	Records        map[Status]int
	Total          int
	Bands          int
	BandsWithData  int
	BandsConverged int
	BandsErrored   int
	Samples        int64
	ActiveLeases   int
}

// Stats counts records by status and bands by progress. A band counts as
// converged once its running count reaches limit.
func (s *Store) Stats(ctx context.Context, limit int) (Summary, error) {
	summary := Summary{Records: make(map[Status]int, len(allStatuses))}
	for _, status := range allStatuses {
		summary.Records[status] = 0
	}

	rows, err := s.QueryContext(ctx, "SELECT status, COUNT(1) FROM records GROUP BY status")
	if err != nil {
		return Summary{}, err
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return Summary{}, fmt.Errorf("scan stats: %w", err)
		}
		summary.Records[Status(status)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Summary{}, err
	}
	rows.Close()

	ctx = ensureContext(ctx)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
		        COALESCE(SUM(m.has_data), 0),
		        COALESCE(SUM(CASE WHEN m.running_count >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(b.has_error), 0),
		        COALESCE(SUM(m.running_count), 0)
		 FROM bands b JOIN rotation_measurements m ON m.band_id = b.id`,
		limit,
	).Scan(&summary.Bands, &summary.BandsWithData, &summary.BandsConverged, &summary.BandsErrored, &summary.Samples)
	if err != nil {
		return Summary{}, classify("band stats", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM leases").Scan(&summary.ActiveLeases); err != nil {
		return Summary{}, classify("lease stats", err)
	}
	return summary, nil
}
