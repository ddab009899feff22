package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"radonflow/internal/config"
	"radonflow/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckWorkers resolves the worker command of every stage. Both the daemon
// and the CLI status command use this so the requirement list lives in one
// place.
func CheckWorkers(_ context.Context, cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.WorkerRequirements(cfg))
}
