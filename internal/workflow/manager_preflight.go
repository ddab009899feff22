package workflow

import (
	"context"
	"fmt"
	"strings"

	"radonflow/internal/logging"
	"radonflow/internal/preflight"
)

// runPreflightChecks validates directories and worker commands before the
// scheduler starts. Returns nil when all checks pass, or an error describing
// all failures.
func (m *Manager) runPreflightChecks(ctx context.Context) error {
	results := preflight.RunAll(ctx, m.cfg)
	if len(results) == 0 {
		return nil
	}

	var failures []string
	for _, r := range results {
		if r.Passed {
			m.logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		m.logger.Error("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "install the worker or fix the stage command in config"),
		)
		failures = append(failures, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}

	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed: %s", strings.Join(failures, "; "))
	}
	return nil
}
