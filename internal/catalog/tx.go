package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRecordExists is returned when an external identifier is already catalogued.
	ErrRecordExists = errors.New("record already exists")
	// ErrBandExists is returned when a (record, band) pair was already created.
	ErrBandExists = errors.New("band already exists")
	// ErrMeasurementConflict is returned when a conditional measurement write
	// found the row changed or already at the cap.
	ErrMeasurementConflict = errors.New("measurement changed or converged")
)

// Tx exposes row-level catalog operations inside one transaction.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// RecordByID loads a record, returning nil when it does not exist.
func (t *Tx) RecordByID(id int64) (*Record, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record %d: %w", id, err)
	}
	return rec, nil
}

// SetRecordStatus updates a record's lifecycle status.
func (t *Tx) SetRecordStatus(id int64, status Status, now time.Time) error {
	if _, err := t.exec("UPDATE records SET status = ?, updated_at = ? WHERE id = ?", string(status), FormatTime(now), id); err != nil {
		return fmt.Errorf("set record %d status: %w", id, err)
	}
	return nil
}

// RefreshRecordAttempts raises the record's failed_attempts to the highest
// per-item failure counter and returns the stored value. The record column
// never decreases when a stage success resets its own counter; only an
// operator retry clears it.
func (t *Tx) RefreshRecordAttempts(id int64, now time.Time) (int, error) {
	var highest int
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT COALESCE(MAX(failed_attempts), 0) FROM stage_attempts WHERE record_id = ?", id,
	).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("read attempts for record %d: %w", id, err)
	}
	var stored int
	err = t.tx.QueryRowContext(t.ctx,
		"UPDATE records SET failed_attempts = MAX(failed_attempts, ?), updated_at = ? WHERE id = ? RETURNING failed_attempts",
		highest, FormatTime(now), id,
	).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("update attempts for record %d: %w", id, err)
	}
	return stored, nil
}

// InsertBand creates a band and its empty rotation measurement.
func (t *Tx) InsertBand(recordID int64, nb NewBand, now time.Time) (*Band, error) {
	code := strings.ToLower(strings.TrimSpace(nb.Code))
	if code == "" {
		return nil, errors.New("insert band: band code is required")
	}
	stamp := FormatTime(now)
	res, err := t.exec(
		`INSERT INTO bands (record_id, band_code, bin_id, batch_id, fits_index, has_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		recordID, code, nb.Locations.BinID, nb.Locations.BatchID, nb.Locations.FitsIndex, stamp, stamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: record %d band %s", ErrBandExists, recordID, code)
		}
		return nil, fmt.Errorf("insert band: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("band id: %w", err)
	}
	if _, err := t.exec(
		"INSERT INTO rotation_measurements (band_id, has_data, degree, total_error, running_count, updated_at) VALUES (?, 0, 0, 0, 0, ?)",
		id, stamp,
	); err != nil {
		return nil, fmt.Errorf("insert measurement: %w", err)
	}
	return &Band{
		ID:        id,
		RecordID:  recordID,
		Code:      code,
		Locations: nb.Locations,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}

// BandCount returns how many bands a record has.
func (t *Tx) BandCount(recordID int64) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(t.ctx, "SELECT COUNT(1) FROM bands WHERE record_id = ?", recordID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count bands: %w", err)
	}
	return count, nil
}

// BandByCode loads a band with its measurement, returning nil when absent.
func (t *Tx) BandByCode(recordID int64, code string) (*Band, *Measurement, error) {
	var m Measurement
	dest, finish := measurementDest(&m)
	row := t.tx.QueryRowContext(t.ctx,
		"SELECT "+bandColumns+", "+measurementColumns+` FROM bands b
		 JOIN rotation_measurements m ON m.band_id = b.id
		 WHERE b.record_id = ? AND b.band_code = ?`,
		recordID, code,
	)
	band, err := scanBand(row, dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load band %d/%s: %w", recordID, code, err)
	}
	finish()
	return band, &m, nil
}

// MarkBandError flags a band as permanently failed.
func (t *Tx) MarkBandError(bandID int64, now time.Time) error {
	if _, err := t.exec("UPDATE bands SET has_error = 1, updated_at = ? WHERE id = ?", FormatTime(now), bandID); err != nil {
		return fmt.Errorf("mark band %d error: %w", bandID, err)
	}
	return nil
}

// SetInitialDegree records the first rotation estimate of a band. It reports
// false when the band already has data.
func (t *Tx) SetInitialDegree(bandID int64, degree float64, now time.Time) (bool, error) {
	res, err := t.exec(
		"UPDATE rotation_measurements SET has_data = 1, degree = ?, updated_at = ? WHERE band_id = ? AND has_data = 0",
		degree, FormatTime(now), bandID,
	)
	if err != nil {
		return false, fmt.Errorf("set degree for band %d: %w", bandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set degree rows: %w", err)
	}
	return n == 1, nil
}

// SaveMeasurement writes next only if the stored row still matches prev and
// next stays within limit. The check runs in the same statement as the write.
func (t *Tx) SaveMeasurement(prev, next Measurement, limit int, now time.Time) error {
	res, err := t.exec(
		`UPDATE rotation_measurements
		 SET has_data = 1, degree = ?, total_error = ?, running_count = ?, updated_at = ?
		 WHERE band_id = ? AND running_count = ? AND running_count < ? AND ? <= ?`,
		next.Degree, next.TotalError, next.RunningCount, FormatTime(now),
		prev.BandID, prev.RunningCount, limit, next.RunningCount, limit,
	)
	if err != nil {
		return fmt.Errorf("save measurement for band %d: %w", prev.BandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save measurement rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: band %d", ErrMeasurementConflict, prev.BandID)
	}
	return nil
}

// BandProgress summarises how far a record's bands have come.
type BandProgress struct {
	Total     int
	Converged int
	Errored   int
}

// Settled reports whether every band is either converged or errored.
func (p BandProgress) Settled() bool {
	return p.Total > 0 && p.Converged+p.Errored == p.Total
}

// BandProgress counts converged and errored bands for a record.
func (t *Tx) BandProgress(recordID int64, limit int) (BandProgress, error) {
	var p BandProgress
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(1),
		        COALESCE(SUM(CASE WHEN b.has_error = 0 AND m.running_count >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN b.has_error = 1 THEN 1 ELSE 0 END), 0)
		 FROM bands b JOIN rotation_measurements m ON m.band_id = b.id
		 WHERE b.record_id = ?`,
		limit, recordID,
	).Scan(&p.Total, &p.Converged, &p.Errored)
	if err != nil {
		return BandProgress{}, fmt.Errorf("band progress for record %d: %w", recordID, err)
	}
	return p, nil
}

// Attempt loads the retry counter of a work item, returning nil when none exists.
func (t *Tx) Attempt(key ItemKey) (*Attempt, error) {
	row := t.tx.QueryRowContext(t.ctx,
		"SELECT "+attemptColumns+" FROM stage_attempts WHERE record_id = ? AND band_code = ? AND stage = ?",
		key.RecordID, key.Band, string(key.Stage),
	)
	att, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt %s: %w", key, err)
	}
	return att, nil
}

// SaveAttempt upserts the retry counter of a work item.
func (t *Tx) SaveAttempt(att Attempt, now time.Time) error {
	_, err := t.exec(
		`INSERT INTO stage_attempts (record_id, band_code, stage, failed_attempts, next_eligible_at, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_id, band_code, stage) DO UPDATE SET
		   failed_attempts = excluded.failed_attempts,
		   next_eligible_at = excluded.next_eligible_at,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		att.Key.RecordID, att.Key.Band, string(att.Key.Stage), att.FailedAttempts,
		nullableTime(att.NextEligibleAt), nullableString(att.LastError), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save attempt %s: %w", att.Key, err)
	}
	return nil
}

// ClearAttempts removes every retry counter of a record.
func (t *Tx) ClearAttempts(recordID int64) error {
	if _, err := t.exec("DELETE FROM stage_attempts WHERE record_id = ?", recordID); err != nil {
		return fmt.Errorf("clear attempts for record %d: %w", recordID, err)
	}
	return nil
}

// Lease loads the lease row of a work item, returning nil when none exists.
func (t *Tx) Lease(key ItemKey) (*Lease, error) {
	row := t.tx.QueryRowContext(t.ctx,
		"SELECT "+leaseColumns+" FROM leases WHERE record_id = ? AND band_code = ? AND stage = ?",
		key.RecordID, key.Band, string(key.Stage),
	)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lease %s: %w", key, err)
	}
	return lease, nil
}

// InsertLease stores a new lease. It fails if any lease row exists for the key.
func (t *Tx) InsertLease(lease Lease) error {
	_, err := t.exec(
		"INSERT INTO leases ("+leaseColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		lease.Key.RecordID, lease.Key.Band, string(lease.Key.Stage), lease.Token, lease.Owner,
		FormatTime(lease.AcquiredAt), FormatTime(lease.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert lease %s: %w", lease.Key, err)
	}
	return nil
}

// ExtendLease moves the expiry of a still-valid lease held under token.
func (t *Tx) ExtendLease(key ItemKey, token string, expiresAt, now time.Time) (bool, error) {
	res, err := t.exec(
		`UPDATE leases SET expires_at = ?
		 WHERE record_id = ? AND band_code = ? AND stage = ? AND token = ? AND expires_at > ?`,
		FormatTime(expiresAt), key.RecordID, key.Band, string(key.Stage), token, FormatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows: %w", err)
	}
	return n == 1, nil
}

// DeleteLease removes the lease for key only if it is still held under token.
func (t *Tx) DeleteLease(key ItemKey, token string) (bool, error) {
	res, err := t.exec(
		"DELETE FROM leases WHERE record_id = ? AND band_code = ? AND stage = ? AND token = ?",
		key.RecordID, key.Band, string(key.Stage), token,
	)
	if err != nil {
		return false, fmt.Errorf("delete lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lease rows: %w", err)
	}
	return n == 1, nil
}

// DeleteRecordLeases drops every lease on a record.
func (t *Tx) DeleteRecordLeases(recordID int64) error {
	if _, err := t.exec("DELETE FROM leases WHERE record_id = ?", recordID); err != nil {
		return fmt.Errorf("delete leases for record %d: %w", recordID, err)
	}
	return nil
}

// ExpiredLeases returns up to limit leases whose expiry is at or before now.
func (t *Tx) ExpiredLeases(now time.Time, limit int) ([]Lease, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT "+leaseColumns+" FROM leases WHERE expires_at <= ? ORDER BY expires_at ASC LIMIT ?",
		FormatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()
	var leases []Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, *lease)
	}
	return leases, rows.Err()
}
