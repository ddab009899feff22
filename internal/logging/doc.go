// Package logging assembles structured slog loggers and formatting helpers used
// across radonflow components.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with record identifiers, bands, stages, attempt numbers, and
// correlation IDs. Per-stage level overrides and log retention live here too.
// The package also provides a no-op logger for tests and wiring code that
// cannot fail.
package logging
