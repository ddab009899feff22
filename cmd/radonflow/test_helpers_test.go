package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/daemon"
	"radonflow/internal/logging"
	"radonflow/internal/testsupport"
	"radonflow/internal/workflow"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *catalog.Store
	daemon     *daemon.Daemon
	configPath string
	baseDir    string
}

// setupCLITestEnv starts a daemon with its control API on a random port and
// writes a config file pointing the CLI at it.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	t.Setenv("HOME", filepath.Join(base, "home"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	store, err := catalog.Open(cfg)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	logger := logging.NewNop()
	c := cache.New(time.Minute, 100)
	mgr := workflow.NewManager(cfg, store, c, logger)
	d, err := daemon.New(cfg, store, c, logger, mgr)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	// Stage commands do not exist in tests; keep seeded records untouched.
	for _, name := range config.StageNames {
		if err := d.PauseStage(name); err != nil {
			t.Fatalf("pause %s: %v", name, err)
		}
	}

	cfg.Paths.APIBind = d.APIAddress()
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		configPath: configPath,
		baseDir:    base,
	}
}

// offlineConfig writes a config whose control API address refuses connections.
func offlineConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:1"
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, path, cfg)
	return cfg, path
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nlog_dir = %q\napi_bind = %q\n\n[catalog]\npath = %q\nmin_probability = %v\n\n"+
			"[stages.fetch]\ncommand = %q\n\n[stages.radon]\ncommand = %q\n\n[stages.augment]\ncommand = %q\n",
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.Paths.APIBind,
		cfg.Catalog.Path,
		cfg.Catalog.MinProbability,
		cfg.Stages.Fetch.Command,
		cfg.Stages.Radon.Command,
		cfg.Stages.Augment.Command,
	)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
