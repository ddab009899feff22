// Package dispatch launches and supervises stage worker processes.
//
// A Dispatcher owns every worker it starts: handles live in a registry keyed
// by work-item identity and never leave the package. Dispatch returns as
// soon as the process is running; completion is observed by a per-handle
// goroutine and delivered as a Result on the Results channel. Concurrency
// is bounded by a weighted semaphore, and Dispatch refuses instead of
// blocking when no slot is free.
//
// Each worker runs in its own process group. On timeout, cancellation, or
// Stop the whole group receives SIGTERM and, after a grace period, SIGKILL.
// Any exit other than status 0 with a JSON object on the last non-empty
// stdout line is reported as a transient failure.
package dispatch
