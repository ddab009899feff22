package testsupport

import (
	"context"
	"testing"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/config"
)

// MustOpenCatalog opens a catalog.Store for tests and registers cleanup.
func MustOpenCatalog(t testing.TB, cfg *config.Config) *catalog.Store {
	t.Helper()

	store, err := catalog.Open(cfg)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedRecord creates a Pending record with the given external id and probability.
func SeedRecord(t testing.TB, store *catalog.Store, externalID string, probability float64) *catalog.Record {
	t.Helper()

	rec, err := store.CreateRecord(context.Background(), catalog.NewRecord{
		ExternalID:  externalID,
		RA:          150.1,
		Dec:         2.2,
		Probability: probability,
		BinID:       1,
	})
	if err != nil {
		t.Fatalf("store.CreateRecord: %v", err)
	}
	return rec
}

// SeedBand creates a band with an empty measurement on an existing record.
func SeedBand(t testing.TB, store *catalog.Store, recordID int64, code string) *catalog.Band {
	t.Helper()

	band, err := store.CreateBand(context.Background(), recordID, catalog.NewBand{
		Code:      code,
		Locations: catalog.Locations{BinID: 1, BatchID: 1, FitsIndex: 0},
	})
	if err != nil {
		t.Fatalf("store.CreateBand: %v", err)
	}
	return band
}

// SeedMeasurement gives a freshly seeded band an initial degree and running
// count, as if radon and count augment samples had already been folded.
func SeedMeasurement(t testing.TB, store *catalog.Store, band *catalog.Band, degree float64, count int, totalError float64) {
	t.Helper()

	err := store.WithTx(context.Background(), func(tx *catalog.Tx) error {
		now := time.Now()
		if _, err := tx.SetInitialDegree(band.ID, degree, now); err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		prev := catalog.Measurement{BandID: band.ID}
		next := catalog.Measurement{BandID: band.ID, HasData: true, Degree: degree, TotalError: totalError, RunningCount: count}
		return tx.SaveMeasurement(prev, next, count+1, now)
	})
	if err != nil {
		t.Fatalf("seed measurement: %v", err)
	}
}
