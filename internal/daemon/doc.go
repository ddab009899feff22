// Package daemon coordinates the long-running radonflowd process.
//
// It wires configuration, the catalog store, the read-through cache, and the
// workflow manager into a single lifecycle with flock-based locking so only one
// scheduler drives a catalog at a time. The daemon serves the HTTP control API
// used by the radonflow CLI: status, summaries, per-record views, running
// workers, manual dispatch cycles, and per-stage pause/resume.
//
// Keep orchestration logic here: scheduling belongs to the workflow package and
// state transitions to the statemachine package, while the daemon focuses on
// startup, shutdown, and serving read models.
package daemon
