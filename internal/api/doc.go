// Package api defines wire-format types, converters, and the HTTP client for
// the daemon's control API. It translates catalog and scheduler models into
// transport-friendly DTOs so the CLI and the web front-end can render them
// without coupling to internal types.
//
// # Key Types
//
// DaemonStatus: daemon running state, scheduler diagnostics, and worker
// command availability.
//
// RecordView: one record with its bands, rotation measurements, retry
// counters, and live leases.
//
// Summary: eligible counts per stage plus record and band tallies.
//
// Worker: one running worker process.
//
// # Converters
//
// FromStatusSummary: workflow.StatusSummary -> WorkflowStatus.
//
// FromRecordDetail: catalog.RecordDetail -> RecordView.
//
// FromSummary: catalog.Summary plus selector counts -> Summary.
//
// # Design Notes
//
// DTOs use camelCase JSON tags for JavaScript consumers. Stage and status
// enums are exposed as lowercase strings. Timestamps use RFC3339 with
// milliseconds.
package api
