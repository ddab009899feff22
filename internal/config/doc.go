// Package config loads, normalizes, and validates radonflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// RADONFLOW_DATA_DIR. The Config type centralizes every knob the daemon and
// CLI need: catalog location, dispatch concurrency and lease timing, the retry
// curve, the convergence cap, and the worker command for each pipeline stage.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical stage names, and clear validation errors.
package config
