package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"radonflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Catalog.Path = filepath.Join(base, "data", "catalog.db")
	cfgVal.Catalog.MinProbability = 0.5
	cfgVal.Dispatch.PollInterval = 1
	cfgVal.Dispatch.MaxConcurrency = 4
	cfgVal.Stages.Fetch.Command = filepath.Join(base, "bin", "radonflow-fetch")
	cfgVal.Stages.Radon.Command = filepath.Join(base, "bin", "radonflow-radon")
	cfgVal.Stages.Augment.Command = filepath.Join(base, "bin", "radonflow-augment")
	cfgVal.Stages.Fetch.Timeout = 10
	cfgVal.Stages.Radon.Timeout = 10
	cfgVal.Stages.Augment.Timeout = 10

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithConfig applies an arbitrary mutation to the generated config.
func WithConfig(fn func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		fn(b.cfg)
	}
}

// WithConvergenceCap overrides aggregation.convergence_cap.
func WithConvergenceCap(limit int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Aggregation.ConvergenceCap = limit
	}
}

// WithMaxAttempts overrides retry.max_attempts.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.MaxAttempts = attempts
	}
}

// WithStubWorker writes a /bin/sh worker for stage whose body is script and
// points the stage command at it. The script receives the request on stdin.
func WithStubWorker(stage, script string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, fmt.Sprintf("radonflow-%s", stage))
		body := []byte("#!/bin/sh\n" + script + "\n")
		if err := os.WriteFile(target, body, 0o755); err != nil {
			b.t.Fatalf("write stub %s: %v", stage, err)
		}
		st := stageRef(b.cfg, stage)
		if st == nil {
			b.t.Fatalf("unknown stage %q", stage)
			return
		}
		st.Command = target
		st.Args = nil
		st.Enabled = true
	}
}

func stageRef(cfg *config.Config, name string) *config.Stage {
	switch name {
	case config.StageFetch:
		return &cfg.Stages.Fetch
	case config.StageRadon:
		return &cfg.Stages.Radon
	case config.StageAugment:
		return &cfg.Stages.Augment
	}
	return nil
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
