// Package notifications publishes scheduler alerts to ntfy.
//
// Only events that need a human are sent: a work item that exhausted its
// retry budget, and catalog store outages with their recovery. With no topic
// configured NewService returns a no-op.
package notifications
