package logging

import "log/slog"

const defaultErrorHint = "check logs for details"

// WarnWithContext logs a warning that always states its event type, a hint
// for the operator and the impact. Fields already present in attrs win.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs,
		String(FieldEventType, eventType),
		String(FieldErrorHint, defaultErrorHint),
		String(FieldImpact, "operation completed with warnings"),
	)
	logger.Warn(msg, Args(attrs...)...)
}

// ErrorWithContext logs an error that always states its event type and a
// hint for the operator.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs,
		String(FieldEventType, eventType),
		String(FieldErrorHint, defaultErrorHint),
	)
	logger.Error(msg, Args(attrs...)...)
}

func withDefaults(attrs []Attr, defaults ...Attr) []Attr {
	present := make(map[string]struct{}, len(attrs))
	for _, attr := range attrs {
		present[attr.Key] = struct{}{}
	}
	for _, def := range defaults {
		if _, ok := present[def.Key]; !ok {
			attrs = append(attrs, def)
		}
	}
	return attrs
}
