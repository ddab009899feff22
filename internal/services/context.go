package services

import "context"

type contextKey string

const (
	recordIDKey  contextKey = "record_id"
	bandKey      contextKey = "band"
	stageKey     contextKey = "stage"
	attemptKey   contextKey = "attempt"
	requestIDKey contextKey = "request_id"
)

// WithRecordID annotates context with the record's external identifier.
func WithRecordID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, recordIDKey, id)
}

// RecordIDFromContext extracts the record identifier if present.
func RecordIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(recordIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithBand annotates context with the band code.
func WithBand(ctx context.Context, band string) context.Context {
	if band == "" {
		return ctx
	}
	return context.WithValue(ctx, bandKey, band)
}

// BandFromContext returns the band code if present.
func BandFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(bandKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithAttempt annotates context with the 1-based attempt number of a dispatch.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext extracts the attempt number if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(attemptKey).(int)
	return v, ok
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
