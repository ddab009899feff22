package statemachine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"radonflow/internal/aggregate"
	"radonflow/internal/catalog"
)

// FetchBand is one band materialized by a fetch worker.
type FetchBand struct {
	Band      string `json:"band"`
	BinID     int64  `json:"bin_id"`
	BatchID   int64  `json:"batch_id"`
	FitsIndex int64  `json:"fits_index"`
}

// FetchPayload is the success document of the fetch stage.
type FetchPayload struct {
	Bands []FetchBand `json:"bands"`
}

// RadonPayload is the success document of the radon stage.
type RadonPayload struct {
	Degree *float64 `json:"degree"`
}

// AugmentPayload is the success document of the augment stage.
type AugmentPayload struct {
	Samples []aggregate.RawSample `json:"samples"`
}

func decode(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, dst)
}

func parseFetch(raw json.RawMessage, allowed []string) ([]catalog.NewBand, error) {
	var p FetchPayload
	if err := decode(raw, &p); err != nil {
		return nil, fmt.Errorf("decode fetch payload: %w", err)
	}
	if len(p.Bands) == 0 {
		return nil, errors.New("fetch payload has no bands")
	}
	seen := make(map[string]struct{}, len(p.Bands))
	bands := make([]catalog.NewBand, 0, len(p.Bands))
	for _, b := range p.Bands {
		code := strings.ToLower(strings.TrimSpace(b.Band))
		if len(allowed) > 0 && !slices.Contains(allowed, code) {
			return nil, fmt.Errorf("band %q not in configured band set", b.Band)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("band %q reported twice", code)
		}
		seen[code] = struct{}{}
		bands = append(bands, catalog.NewBand{
			Code:      code,
			Locations: catalog.Locations{BinID: b.BinID, BatchID: b.BatchID, FitsIndex: b.FitsIndex},
		})
	}
	return bands, nil
}

func parseRadon(raw json.RawMessage) (float64, error) {
	var p RadonPayload
	if err := decode(raw, &p); err != nil {
		return 0, fmt.Errorf("decode radon payload: %w", err)
	}
	if p.Degree == nil {
		return 0, errors.New("radon payload missing degree")
	}
	if math.IsNaN(*p.Degree) || math.IsInf(*p.Degree, 0) {
		return 0, fmt.Errorf("radon degree %v is not finite", *p.Degree)
	}
	return aggregate.NormalizeDegree(*p.Degree), nil
}

func parseAugment(raw json.RawMessage) ([]aggregate.Sample, error) {
	var p AugmentPayload
	if err := decode(raw, &p); err != nil {
		return nil, fmt.Errorf("decode augment payload: %w", err)
	}
	if len(p.Samples) == 0 {
		return nil, errors.New("augment payload has no samples")
	}
	samples := make([]aggregate.Sample, 0, len(p.Samples))
	for i, rs := range p.Samples {
		s, err := rs.Resolve()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}
