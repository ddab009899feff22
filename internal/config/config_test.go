package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"radonflow/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "radonflow")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Catalog.Path != filepath.Join(wantData, "catalog.db") {
		t.Fatalf("unexpected catalog path: %q", cfg.Catalog.Path)
	}
	if got := strings.Join(cfg.Catalog.Bands, ""); got != "griz" {
		t.Fatalf("unexpected bands: %q", got)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BackoffBase != 30 || cfg.Retry.BackoffCap != 1800 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Aggregation.ConvergenceCap != 100 {
		t.Fatalf("unexpected convergence cap: %d", cfg.Aggregation.ConvergenceCap)
	}
	stage, ok := cfg.StageConfig("radon")
	if !ok || stage.Command != "radonflow-radon" {
		t.Fatalf("unexpected radon stage: %+v ok=%v", stage, ok)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "radonflow.toml")
	body := `
[paths]
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[catalog]
bands = ["G", "r", "r"]

[stages.augment]
command = "/opt/workers/augment"
args = ["--count", "100"]

[logging.stage_overrides]
Augment = "DEBUG"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected explicit path to resolve, got %q exists=%v", resolved, exists)
	}
	if got := strings.Join(cfg.Catalog.Bands, ","); got != "g,r" {
		t.Fatalf("expected bands normalized and deduplicated, got %q", got)
	}
	augment, _ := cfg.StageConfig("augment")
	if augment.Command != "/opt/workers/augment" || len(augment.Args) != 2 {
		t.Fatalf("unexpected augment stage: %+v", augment)
	}
	if !augment.Enabled {
		t.Fatal("expected augment to stay enabled when only command is overridden")
	}
	if cfg.StageTimeout("augment") != 900*time.Second {
		t.Fatalf("expected default augment timeout, got %s", cfg.StageTimeout("augment"))
	}
	if cfg.Logging.StageOverrides["augment"] != "debug" {
		t.Fatalf("expected stage override normalized, got %#v", cfg.Logging.StageOverrides)
	}
	if cfg.Catalog.Path != filepath.Join(dir, "data", "catalog.db") {
		t.Fatalf("expected catalog under data dir, got %q", cfg.Catalog.Path)
	}
}

func TestEnvOverridesDataDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("RADONFLOW_DATA_DIR", dataDir)
	t.Setenv("RADONFLOW_LOG_LEVEL", "WARN")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.DataDir != dataDir {
		t.Fatalf("expected env data dir, got %q", cfg.Paths.DataDir)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts must be positive"},
		{"cap below base", func(c *config.Config) { c.Retry.BackoffCap = 10 }, "retry.backoff_cap"},
		{"lease too short", func(c *config.Config) { c.Dispatch.LeaseTTL = 60 }, "dispatch.lease_ttl"},
		{"no concurrency", func(c *config.Config) { c.Dispatch.MaxConcurrency = 0 }, "dispatch.max_concurrency must be positive"},
		{"no bands", func(c *config.Config) { c.Catalog.Bands = nil }, "catalog.bands"},
		{"probability", func(c *config.Config) { c.Catalog.MinProbability = 1.5 }, "catalog.min_probability"},
		{"convergence cap", func(c *config.Config) { c.Aggregation.ConvergenceCap = 0 }, "aggregation.convergence_cap"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"ntfy topic", func(c *config.Config) { c.Notifications.NtfyTopic = "radonflow" }, "notifications.ntfy_topic"},
		{"override stage", func(c *config.Config) { c.Logging.StageOverrides = map[string]string{"encode": "debug"} }, "unknown stage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Catalog.Path = filepath.Join(t.TempDir(), "catalog.db")
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSampleConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var cfg config.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.Dispatch.BatchSize != 200 {
		t.Fatalf("unexpected sample batch size: %d", cfg.Dispatch.BatchSize)
	}
	if !cfg.Stages.Radon.Enabled {
		t.Fatal("expected sample to enable radon stage")
	}
}
