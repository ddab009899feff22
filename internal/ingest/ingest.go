// Package ingest loads catalog CSV exports into the catalog store.
//
// The input must carry a header row naming at least source_id, ra, dec,
// gal_prob, and bin_id (case-insensitive, any order, extra columns ignored).
// Rows are inserted in batches; records whose external id already exists are
// skipped rather than updated.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"radonflow/internal/catalog"
	"radonflow/internal/logging"
	"radonflow/internal/services"
)

// DefaultBatchSize is the number of rows committed per transaction.
const DefaultBatchSize = 5000

var requiredColumns = []string{"source_id", "ra", "dec", "gal_prob", "bin_id"}

// Inserter is the catalog capability ingestion needs.
type Inserter interface {
	InsertRecords(ctx context.Context, records []catalog.NewRecord) (int, error)
}

// Options tunes ingestion.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
}

// Result tallies an ingestion run.
type Result struct {
	Rows     int
	Inserted int
	Skipped  int
	Batches  int
}

// FromCSV reads records from r and inserts them into store. A malformed row
// aborts the run; batches committed before it remain in the catalog and are
// reflected in the returned Result.
func FromCSV(ctx context.Context, store Inserter, r io.Reader, opts Options) (Result, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, services.Wrap(services.ErrValidation, "", "ingest", "input is empty", nil)
	}
	if err != nil {
		return Result{}, services.Wrap(services.ErrValidation, "", "ingest", "read header", err)
	}
	index, err := columnIndex(header)
	if err != nil {
		return Result{}, err
	}

	var result Result
	batch := make([]catalog.NewRecord, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := store.InsertRecords(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert batch %d: %w", result.Batches+1, err)
		}
		result.Batches++
		result.Inserted += inserted
		result.Skipped += len(batch) - inserted
		logger.Debug("ingest batch committed",
			logging.Int("batch", result.Batches),
			logging.Int("rows", len(batch)),
			logging.Int("inserted", inserted),
		)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, services.Wrap(services.ErrValidation, "", "ingest", "read row", err)
		}
		rec, err := parseRow(row, index)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return result, services.Wrap(services.ErrValidation, "", "ingest", fmt.Sprintf("line %d", line), err)
		}
		result.Rows++
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	logger.Info("catalog ingest complete",
		logging.Int("rows", result.Rows),
		logging.Int("inserted", result.Inserted),
		logging.Int("skipped", result.Skipped),
		logging.String(logging.FieldEventType, "ingest_complete"),
	)
	return result, nil
}

func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, services.Wrap(services.ErrValidation, "", "ingest",
			"header missing columns: "+strings.Join(missing, ", "), nil)
	}
	return index, nil
}

func parseRow(row []string, index map[string]int) (catalog.NewRecord, error) {
	field := func(name string) string {
		i := index[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := catalog.NewRecord{ExternalID: field("source_id")}
	if rec.ExternalID == "" {
		return rec, errors.New("source_id is empty")
	}
	var err error
	if rec.RA, err = strconv.ParseFloat(field("ra"), 64); err != nil {
		return rec, fmt.Errorf("ra: %w", err)
	}
	if rec.Dec, err = strconv.ParseFloat(field("dec"), 64); err != nil {
		return rec, fmt.Errorf("dec: %w", err)
	}
	if rec.Probability, err = strconv.ParseFloat(field("gal_prob"), 64); err != nil {
		return rec, fmt.Errorf("gal_prob: %w", err)
	}
	if rec.Probability < 0 || rec.Probability > 1 {
		return rec, fmt.Errorf("gal_prob %v outside [0,1]", rec.Probability)
	}
	if rec.BinID, err = strconv.ParseInt(field("bin_id"), 10, 64); err != nil {
		return rec, fmt.Errorf("bin_id: %w", err)
	}
	return rec, nil
}
