// Package logs reads the daemon log for `radonflow logs`.
//
// Tail returns the last N lines or everything after a byte offset, and Follow
// keeps polling the current log pointer until the context ends. When the
// daemon restarts the pointer moves to a fresh file, so a saved offset past
// the end of the file starts over from the beginning.
package logs
