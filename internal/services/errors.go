package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransientWorker marks a worker outcome that consumes one attempt.
	ErrTransientWorker = errors.New("transient worker failure")
	// ErrTimeout marks a worker that exceeded its stage deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransientWorker)
	// ErrWorkerCrash marks a worker that exited abnormally or was killed.
	ErrWorkerCrash = fmt.Errorf("%w: abnormal exit", ErrTransientWorker)
	// ErrMalformedResult marks a worker that exited cleanly without a usable payload.
	ErrMalformedResult = fmt.Errorf("%w: malformed result", ErrTransientWorker)

	ErrPermanent        = errors.New("permanent failure")
	ErrLeaseContention  = errors.New("lease contention")
	ErrStoreUnavailable = errors.New("catalog store unavailable")
	ErrValidation       = errors.New("validation error")
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
)

// Kind is the coarse failure class used for retry decisions and operator output.
type Kind string

const (
	KindNone             Kind = ""
	KindTransient        Kind = "transient"
	KindPermanent        Kind = "permanent"
	KindLeaseContention  Kind = "lease_contention"
	KindStoreUnavailable Kind = "store_unavailable"
	KindValidation       Kind = "validation"
	KindConfiguration    Kind = "configuration"
	KindNotFound         Kind = "not_found"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransientWorker
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error onto the failure taxonomy. Unknown errors are
// treated as transient so they consume an attempt rather than stall an item.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrLeaseContention):
		return KindLeaseContention
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}

// ConsumesAttempt reports whether a worker outcome carrying err should
// increment the item's failed attempt counter.
func ConsumesAttempt(err error) bool {
	switch Classify(err) {
	case KindNone, KindLeaseContention, KindStoreUnavailable:
		return false
	default:
		return true
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
