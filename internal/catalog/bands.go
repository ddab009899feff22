package catalog

import (
	"context"
	"fmt"
	"time"
)

// CreateBand inserts a band and its empty measurement for an existing record.
func (s *Store) CreateBand(ctx context.Context, recordID int64, nb NewBand) (*Band, error) {
	var band *Band
	err := s.WithTx(ctx, func(tx *Tx) error {
		rec, err := tx.RecordByID(recordID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("create band: record %d not found", recordID)
		}
		band, err = tx.InsertBand(recordID, nb, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return band, nil
}

// ListBands returns a record's bands with their measurements, ordered by band code.
func (s *Store) ListBands(ctx context.Context, recordID int64) ([]BandDetail, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT "+bandColumns+", "+measurementColumns+` FROM bands b
		 JOIN rotation_measurements m ON m.band_id = b.id
		 WHERE b.record_id = ? ORDER BY b.band_code`,
		recordID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bands []BandDetail
	for rows.Next() {
		var m Measurement
		dest, finish := measurementDest(&m)
		band, err := scanBand(rows, dest...)
		if err != nil {
			return nil, fmt.Errorf("scan band: %w", err)
		}
		finish()
		bands = append(bands, BandDetail{Band: *band, Measurement: m})
	}
	return bands, rows.Err()
}

// ListLeases returns the leases held on a record, or every lease when
// recordID is zero.
func (s *Store) ListLeases(ctx context.Context, recordID int64) ([]Lease, error) {
	query := "SELECT " + leaseColumns + " FROM leases"
	var args []any
	if recordID != 0 {
		query += " WHERE record_id = ?"
		args = append(args, recordID)
	}
	query += " ORDER BY acquired_at"
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
