package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PruneResult reports what a PruneLogs pass did.
type PruneResult struct {
	Removed []string
	Failed  int
}

// PruneLogs removes per-run log files in dir matching pattern whose mtime is
// older than retentionDays. Paths in keep are never removed; the daemon
// passes its own run log there. retentionDays <= 0 disables pruning.
func PruneLogs(logger *slog.Logger, dir, pattern string, retentionDays int, keep ...string) PruneResult {
	var result PruneResult
	if retentionDays <= 0 || dir == "" {
		return result
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		WarnWithContext(logger, "log retention pattern invalid; nothing pruned", "log_retention_failed",
			String("pattern", pattern),
			Error(err),
			String(FieldImpact, "old log files remain on disk"),
		)
		return result
	}
	kept := make(map[string]struct{}, len(keep))
	for _, path := range keep {
		kept[absPath(path)] = struct{}{}
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, path := range matches {
		path = absPath(path)
		if _, ok := kept[path]; ok || !expired(path, cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			result.Failed++
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		result.Removed = append(result.Removed, path)
	}
	if logger != nil && len(result.Removed) > 0 {
		logger.Info("old run logs pruned",
			Int("removed", len(result.Removed)),
			Int("retention_days", retentionDays),
			String(FieldEventType, "log_pruned"),
		)
	}
	return result
}

func expired(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.ModTime().Before(cutoff)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
