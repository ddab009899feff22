// Package services defines shared utilities consumed by the pipeline
// components and the worker supervision layer.
//
// Key responsibilities:
//   - Context helpers that stamp record identifiers, band codes, stage names,
//     attempt numbers, and correlation identifiers for logging and tracing.
//   - The failure taxonomy (transient worker failure, permanent failure, lease
//     contention, store unavailable) plus the Wrap helper that tags errors
//     with stage and operation context while keeping them classifiable.
//
// Use these helpers when wiring new pipeline logic so error handling and
// observability stay uniform across stages.
package services
