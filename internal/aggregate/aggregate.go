// Package aggregate folds streamed rotation samples into a band's running
// statistics without retaining the samples themselves.
//
// Rotation angles are axial: 0 and 180 degrees describe the same
// orientation, so every degree lives in [0,180) and differences are taken
// on that circle. total_error and running_count are plain sums and do not
// depend on the order samples arrive in.
package aggregate

import (
	"errors"
	"fmt"
	"math"

	"radonflow/internal/catalog"
)

// period is the length of the rotation circle in degrees.
const period = 180.0

var (
	// ErrConverged is returned when a band has already reached the cap.
	ErrConverged = errors.New("band already converged")
	// ErrInvalidSample is returned for non-finite or negative sample values.
	ErrInvalidSample = errors.New("invalid rotation sample")
)

// Sample is one accepted rotation observation.
type Sample struct {
	Degree float64
	Error  float64
}

// RawSample is a sample as a worker reports it. Error may be given directly
// or derived from Expected and Actual.
type RawSample struct {
	Degree   float64  `json:"degree"`
	Error    *float64 `json:"error,omitempty"`
	Expected *float64 `json:"expected,omitempty"`
	Actual   *float64 `json:"actual,omitempty"`
}

// Resolve validates r and turns it into a Sample.
func (r RawSample) Resolve() (Sample, error) {
	if !finite(r.Degree) {
		return Sample{}, fmt.Errorf("%w: degree %v", ErrInvalidSample, r.Degree)
	}
	s := Sample{Degree: NormalizeDegree(r.Degree)}
	switch {
	case r.Error != nil:
		if !finite(*r.Error) || *r.Error < 0 {
			return Sample{}, fmt.Errorf("%w: error %v", ErrInvalidSample, *r.Error)
		}
		s.Error = *r.Error
	case r.Expected != nil && r.Actual != nil:
		if !finite(*r.Expected) || !finite(*r.Actual) {
			return Sample{}, fmt.Errorf("%w: expected %v actual %v", ErrInvalidSample, *r.Expected, *r.Actual)
		}
		s.Error = CircularError(*r.Expected, *r.Actual)
	default:
		return Sample{}, fmt.Errorf("%w: needs error or expected and actual", ErrInvalidSample)
	}
	return s, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NormalizeDegree maps any angle onto [0,180).
func NormalizeDegree(d float64) float64 {
	n := math.Mod(d, period)
	if n < 0 {
		n += period
	}
	if n >= period {
		n = 0
	}
	return n
}

// wrapDiff returns the signed shortest distance from a to b in [-90,90).
func wrapDiff(a, b float64) float64 {
	d := math.Mod(b-a+period/2, period)
	if d < 0 {
		d += period
	}
	return d - period/2
}

// CircularError is the unsigned distance between two axial angles, in [0,90].
func CircularError(expected, actual float64) float64 {
	e := math.Mod(math.Abs(expected-actual), period)
	return math.Min(e, period-e)
}

// Fold adds one sample to m. The radon estimate already on m counts as one
// observation, so each accepted sample moves degree by 1/(running_count+2)
// of the wrapped difference. Fold refuses once running_count reaches limit.
func Fold(m catalog.Measurement, s Sample, limit int) (catalog.Measurement, error) {
	if limit > 0 && m.RunningCount >= limit {
		return m, fmt.Errorf("%w: band %d at %d/%d", ErrConverged, m.BandID, m.RunningCount, limit)
	}
	if !finite(s.Degree) || !finite(s.Error) || s.Error < 0 {
		return m, fmt.Errorf("%w: degree %v error %v", ErrInvalidSample, s.Degree, s.Error)
	}
	next := m
	sample := NormalizeDegree(s.Degree)
	if !m.HasData {
		next.Degree = sample
	} else {
		weight := float64(m.RunningCount + 2)
		next.Degree = NormalizeDegree(m.Degree + wrapDiff(m.Degree, sample)/weight)
	}
	next.HasData = true
	next.TotalError = m.TotalError + s.Error
	next.RunningCount = m.RunningCount + 1
	return next, nil
}

// FoldAll folds samples in order until limit is reached and reports how
// many were accepted. Samples past the cap are dropped. ErrConverged is
// returned only when m was already at the cap.
func FoldAll(m catalog.Measurement, samples []Sample, limit int) (catalog.Measurement, int, error) {
	accepted := 0
	for _, s := range samples {
		next, err := Fold(m, s, limit)
		if errors.Is(err, ErrConverged) {
			if accepted == 0 {
				return m, 0, err
			}
			break
		}
		if err != nil {
			return m, accepted, err
		}
		m = next
		accepted++
	}
	return m, accepted, nil
}

// Merge combines two partial aggregates of the same band. Degrees are
// blended on the circle weighted by sample count.
func Merge(a, b catalog.Measurement) catalog.Measurement {
	out := a
	out.TotalError = a.TotalError + b.TotalError
	out.RunningCount = a.RunningCount + b.RunningCount
	switch {
	case !b.HasData:
	case !a.HasData:
		out.Degree = b.Degree
	default:
		wa := float64(max(a.RunningCount, 1))
		wb := float64(max(b.RunningCount, 1))
		out.Degree = NormalizeDegree(a.Degree + wrapDiff(a.Degree, b.Degree)*wb/(wa+wb))
	}
	out.HasData = a.HasData || b.HasData
	return out
}

// Average returns the mean error of m, or false when nothing was folded.
func Average(m catalog.Measurement) (float64, bool) {
	return m.AverageError()
}
