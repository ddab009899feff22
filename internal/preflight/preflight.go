package preflight

import (
	"context"
	"fmt"
	"path/filepath"

	"radonflow/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	if cfg.Catalog.Path != "" {
		results = append(results, CheckDirectoryAccess("Catalog directory", filepath.Dir(cfg.Catalog.Path)))
	}

	for _, status := range CheckWorkers(ctx, cfg) {
		if status.Optional {
			continue
		}
		r := Result{Name: status.Name, Passed: status.Available}
		if status.Available {
			r.Detail = status.Command
		} else {
			r.Detail = fmt.Sprintf("%s (error: %s)", status.Command, status.Detail)
		}
		results = append(results, r)
	}
	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
