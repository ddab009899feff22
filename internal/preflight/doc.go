// Package preflight provides readiness checks for the filesystem paths and
// worker commands radonflow depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll before starting the scheduler. Failures are
//     logged and the affected stages still start, since a worker binary may
//     be installed while the daemon runs.
//   - The CLI "radonflow status" command uses CheckWorkers to display worker
//     availability next to daemon state.
//
// Disabled stages are skipped.
package preflight
