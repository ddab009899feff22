// Package workflow runs the radonflow scheduler.
//
// The Manager owns one control loop, one completion consumer, and one lease
// renewer. Each dispatch cycle reclaims expired leases, then walks the
// enabled stages and, while the dispatcher has free slots, pages through the
// selector, leases each candidate, and hands it to a worker. Lease contention
// and items that moved on since selection are skipped without penalty.
//
// Worker results arrive on the dispatcher's channel and are applied through
// the state machine, which folds measurements, charges failures, and
// invalidates cached views after commit. When the catalog is unreachable the
// loop backs off exponentially and no attempt counter is touched.
// Terminal failures and store outages are also published to ntfy when a
// topic is configured.
//
// Stages can be paused and resumed at runtime; in-flight workers of a paused
// stage finish normally.
package workflow
