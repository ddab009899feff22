package catalog

import (
	"database/sql"
	"strings"
	"time"
)

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = "id, external_id, ra, dec, probability, bin_id, status, failed_attempts, created_at, updated_at"

const bandColumns = "b.id, b.record_id, b.band_code, b.bin_id, b.batch_id, b.fits_index, b.has_error, b.created_at, b.updated_at"

const measurementColumns = "m.band_id, m.has_data, m.degree, m.total_error, m.running_count, m.updated_at"

const attemptColumns = "record_id, band_code, stage, failed_attempts, next_eligible_at, last_error, updated_at"

const leaseColumns = "record_id, band_code, stage, token, owner, acquired_at, expires_at"

type rowScanner interface {
	Scan(dest ...any) error
}

// FormatTime renders t in the catalog's sortable UTC layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTime reads a stored timestamp, returning the zero time when it is
// empty or unparseable.
func ParseTime(value string) time.Time {
	return parseTime(value)
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var (
		rec        Record
		status     string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.ExternalID,
		&rec.RA,
		&rec.Dec,
		&rec.Probability,
		&rec.BinID,
		&status,
		&rec.FailedAttempts,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdRaw)
	rec.UpdatedAt = parseTime(updatedRaw)
	return &rec, nil
}

func scanBand(scanner rowScanner, extra ...any) (*Band, error) {
	var (
		band       Band
		hasError   int
		createdRaw string
		updatedRaw string
	)
	dest := []any{
		&band.ID,
		&band.RecordID,
		&band.Code,
		&band.Locations.BinID,
		&band.Locations.BatchID,
		&band.Locations.FitsIndex,
		&hasError,
		&createdRaw,
		&updatedRaw,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	band.HasError = hasError != 0
	band.CreatedAt = parseTime(createdRaw)
	band.UpdatedAt = parseTime(updatedRaw)
	return &band, nil
}

// measurementDest returns scan targets for measurementColumns and a finisher
// that converts the raw values once Scan has run.
func measurementDest(m *Measurement) ([]any, func()) {
	var (
		hasData    int
		updatedRaw string
	)
	dest := []any{&m.BandID, &hasData, &m.Degree, &m.TotalError, &m.RunningCount, &updatedRaw}
	return dest, func() {
		m.HasData = hasData != 0
		m.UpdatedAt = parseTime(updatedRaw)
	}
}

func scanAttempt(scanner rowScanner) (*Attempt, error) {
	var (
		att        Attempt
		stage      string
		nextRaw    sql.NullString
		lastError  sql.NullString
		updatedRaw string
	)
	if err := scanner.Scan(
		&att.Key.RecordID,
		&att.Key.Band,
		&stage,
		&att.FailedAttempts,
		&nextRaw,
		&lastError,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	att.Key.Stage = Stage(stage)
	att.NextEligibleAt = parseTime(nextRaw.String)
	att.LastError = lastError.String
	att.UpdatedAt = parseTime(updatedRaw)
	return &att, nil
}

func scanLease(scanner rowScanner) (*Lease, error) {
	var (
		lease       Lease
		stage       string
		acquiredRaw string
		expiresRaw  string
	)
	if err := scanner.Scan(
		&lease.Key.RecordID,
		&lease.Key.Band,
		&stage,
		&lease.Token,
		&lease.Owner,
		&acquiredRaw,
		&expiresRaw,
	); err != nil {
		return nil, err
	}
	lease.Key.Stage = Stage(stage)
	lease.AcquiredAt = parseTime(acquiredRaw)
	lease.ExpiresAt = parseTime(expiresRaw)
	return &lease, nil
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
