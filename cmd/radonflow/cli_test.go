package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"radonflow/internal/api"
	"radonflow/internal/catalog"
	"radonflow/internal/logs"
	"radonflow/internal/services"
	"radonflow/internal/testsupport"
)

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "pid ")
	requireContains(t, out, "Radon")
	requireContains(t, out, "No workers running")
}

func TestRecordCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	rec := testsupport.SeedRecord(t, env.store, "J500", 0.9)
	band := testsupport.SeedBand(t, env.store, rec.ID, "g")
	testsupport.SeedMeasurement(t, env.store, band, 12.5, 2, 0.5)

	out, _, err := runCLI(t, []string{"record", "J500"}, env.configPath)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	requireContains(t, out, "Record J500")
	requireContains(t, out, "pending")
	requireContains(t, out, "12.500")
	requireContains(t, out, "0.2500")

	out, _, err = runCLI(t, []string{"record", "J500", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("record --json: %v", err)
	}
	requireContains(t, out, `"externalId": "J500"`)

	_, _, err = runCLI(t, []string{"record", "J404"}, env.configPath)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPauseResumeCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"pause", "augment"}, env.configPath)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	requireContains(t, out, "augment paused")
	if !env.daemon.Status(context.Background()).Workflow.Paused["augment"] {
		t.Fatal("expected augment paused in daemon")
	}

	out, _, err = runCLI(t, []string{"resume", "augment"}, env.configPath)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "augment resumed")

	if _, _, err := runCLI(t, []string{"pause", "decode"}, env.configPath); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown stage, got %v", err)
	}
}

func TestCycleAndWorkersCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"cycle"}, env.configPath)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	requireContains(t, out, "dispatch cycle requested")

	out, _, err = runCLI(t, []string{"workers"}, env.configPath)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	requireContains(t, out, "No workers running")
}

func TestSummaryCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.SeedRecord(t, env.store, "J600", 0.9)
	testsupport.SeedRecord(t, env.store, "J601", 0.1)

	out, _, err := runCLI(t, []string{"summary"}, env.configPath)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	requireContains(t, out, "Eligible Work")
	requireContains(t, out, "Pending")

	out, _, err = runCLI(t, []string{"summary", "--offline", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("summary --offline: %v", err)
	}
	requireContains(t, out, `"totalRecords": 2`)
	requireContains(t, out, `"fetch": 1`)
}

func TestCommandsWithoutDaemon(t *testing.T) {
	_, configPath := offlineConfig(t)

	out, _, err := runCLI(t, []string{"status"}, configPath)
	if err != nil {
		t.Fatalf("status without daemon: %v", err)
	}
	requireContains(t, out, "not reachable")

	_, _, err = runCLI(t, []string{"workers"}, configPath)
	if !errors.Is(err, api.ErrDaemonUnavailable) {
		t.Fatalf("expected ErrDaemonUnavailable, got %v", err)
	}
	requireContains(t, err.Error(), "radonflow daemon start")

	out, _, err = runCLI(t, []string{"summary"}, configPath)
	if err != nil {
		t.Fatalf("summary falls back to catalog: %v", err)
	}
	requireContains(t, out, "Total")
}

func TestIngestRetryAndRecordsCommands(t *testing.T) {
	cfg, configPath := offlineConfig(t)
	csvPath := filepath.Join(testsupport.BaseDir(cfg), "catalog.csv")
	content := "source_id,ra,dec,gal_prob,bin_id\nJ700,10.5,-3.25,0.95,7\nJ701,11.5,-2.25,0.2,7\nJ700,10.5,-3.25,0.95,7\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	out, _, err := runCLI(t, []string{"ingest", csvPath}, configPath)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	requireContains(t, out, "Read 3 rows: 2 inserted, 1 skipped")

	out, _, err = runCLI(t, []string{"records", "--status", "pending"}, configPath)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	requireContains(t, out, "J700")
	requireContains(t, out, "J701")

	out, _, err = runCLI(t, []string{"retry", "--all"}, configPath)
	if err != nil {
		t.Fatalf("retry --all: %v", err)
	}
	requireContains(t, out, "No failed records")

	store := testsupport.MustOpenCatalog(t, cfg)
	rec, err := store.GetRecord(context.Background(), "J701")
	if err != nil || rec == nil {
		t.Fatalf("GetRecord: %v", err)
	}
	err = store.WithTx(context.Background(), func(tx *catalog.Tx) error {
		return tx.SetRecordStatus(rec.ID, catalog.StatusFailed, time.Now())
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	out, _, err = runCLI(t, []string{"records", "-s", "failed"}, configPath)
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	requireContains(t, out, "J701")

	out, _, err = runCLI(t, []string{"retry", "J701", "J700"}, configPath)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	requireContains(t, out, "Reset 1 of 2 records to pending")

	if _, _, err := runCLI(t, []string{"records", "--status", "done"}, configPath); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, _, err := runCLI(t, []string{"retry"}, configPath); err == nil {
		t.Fatal("expected error when no ids given")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	_, configPath := offlineConfig(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestLogsCommand(t *testing.T) {
	cfg, configPath := offlineConfig(t)
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs"}, configPath)
	if err != nil {
		t.Fatalf("logs without file: %v", err)
	}
	requireContains(t, out, "No log lines")

	content := "level=INFO msg=dispatched record=J800\nlevel=WARN msg=failed record=J801\nlevel=INFO msg=committed record=J800\n"
	if err := os.WriteFile(logs.CurrentPath(cfg.Paths.LogDir), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err = runCLI(t, []string{"logs", "--record", "J800", "-n", "1"}, configPath)
	if err != nil {
		t.Fatalf("logs --record: %v", err)
	}
	if out != "level=INFO msg=committed record=J800\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTestNotifyCommand(t *testing.T) {
	_, configPath := offlineConfig(t)
	out, _, err := runCLI(t, []string{"test-notify"}, configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications disabled")

	var gotTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:1"
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, path, cfg)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	if _, err := fmt.Fprintf(f, "\n[notifications]\nntfy_topic = %q\n", server.URL); err != nil {
		t.Fatalf("append config: %v", err)
	}
	_ = f.Close()

	out, _, err = runCLI(t, []string{"test-notify"}, path)
	if err != nil {
		t.Fatalf("test-notify with topic: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if gotTitle != "radonflow - Test" {
		t.Fatalf("unexpected title %q", gotTitle)
	}
}
