package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"radonflow/internal/cache"
	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/lease"
	"radonflow/internal/logging"
	"radonflow/internal/notifications"
	"radonflow/internal/selector"
	"radonflow/internal/services"
	"radonflow/internal/testsupport"
)

const (
	fetchOK   = `cat >/dev/null; echo '{"bands":[{"band":"g","bin_id":1,"batch_id":2,"fits_index":0},{"band":"r","bin_id":1,"batch_id":2,"fits_index":1}]}'`
	radonOK   = `cat >/dev/null; echo '{"degree":42.5}'`
	augmentOK = `cat >/dev/null; echo '{"samples":[{"degree":44,"error":0.5}]}'`
)

func newTestManager(t *testing.T, opts ...testsupport.ConfigOption) (*Manager, *catalog.Store, *cache.Cache) {
	t.Helper()
	base := []testsupport.ConfigOption{
		testsupport.WithConfig(func(cfg *config.Config) {
			cfg.Retry.BackoffBase = 0
			cfg.Dispatch.LeaseTTL = 30
			cfg.Dispatch.LeaseRenewInterval = 5
			cfg.Dispatch.ErrorRetryInterval = 1
			cfg.Dispatch.StoreBackoffMax = 4
		}),
	}
	cfg := testsupport.NewConfig(t, append(base, opts...)...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	store := testsupport.MustOpenCatalog(t, cfg)
	c := cache.New(time.Minute, 100)
	m := NewManager(cfg, store, c, logging.NewNop())
	t.Cleanup(func() {
		m.Stop()
		m.dispatcher.Stop()
		m.dispatcher.Wait()
	})
	return m, store, c
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   notifications.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = payload
	return nil
}

func (r *recordingNotifier) snapshot() ([]notifications.Event, notifications.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifications.Event(nil), r.events...), r.last
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func recordStatus(t *testing.T, store *catalog.Store, externalID string) *catalog.Record {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), externalID)
	if err != nil || rec == nil {
		t.Fatalf("GetRecord %s: %v", externalID, err)
	}
	return rec
}

func TestManagerDrivesRecordToSuccess(t *testing.T) {
	m, store, _ := newTestManager(t,
		testsupport.WithConvergenceCap(3),
		testsupport.WithStubWorker("fetch", fetchOK),
		testsupport.WithStubWorker("radon", radonOK),
		testsupport.WithStubWorker("augment", augmentOK),
	)
	testsupport.SeedRecord(t, store, "J100", 0.9)
	testsupport.SeedRecord(t, store, "J101", 0.1)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 30*time.Second, "record success", func() bool {
		return recordStatus(t, store, "J100").Status == catalog.StatusSuccess
	})

	detail, err := store.GetRecordDetail(context.Background(), "J100")
	if err != nil {
		t.Fatalf("GetRecordDetail: %v", err)
	}
	if len(detail.Bands) != 2 {
		t.Fatalf("expected 2 bands, got %d", len(detail.Bands))
	}
	for _, b := range detail.Bands {
		if b.Measurement.RunningCount != 3 {
			t.Fatalf("band %s running_count = %d, want 3", b.Band.Code, b.Measurement.RunningCount)
		}
		if b.Measurement.Degree < 42 || b.Measurement.Degree > 44 {
			t.Fatalf("band %s degree = %v, want between radon and augment estimates", b.Band.Code, b.Measurement.Degree)
		}
	}
	if detail.Record.FailedAttempts != 0 {
		t.Fatalf("expected no failed attempts, got %d", detail.Record.FailedAttempts)
	}

	low := recordStatus(t, store, "J101")
	if low.Status != catalog.StatusPending {
		t.Fatalf("low probability record should stay pending, got %s", low.Status)
	}
	bands, err := store.ListBands(context.Background(), low.ID)
	if err != nil {
		t.Fatalf("ListBands: %v", err)
	}
	if len(bands) != 0 {
		t.Fatalf("low probability record should never be fetched")
	}

	waitFor(t, 5*time.Second, "converged outcomes counted", func() bool {
		return m.Status(context.Background()).Outcomes["converged"] == 2
	})
	status := m.Status(context.Background())
	if !status.Running || status.Cycles == 0 || status.Dispatched < 9 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestManagerFailsRecordAfterMaxAttempts(t *testing.T) {
	m, store, _ := newTestManager(t,
		testsupport.WithMaxAttempts(3),
		testsupport.WithStubWorker("fetch", "cat >/dev/null; echo boom >&2; exit 3"),
	)
	testsupport.SeedRecord(t, store, "J200", 0.9)
	notifier := &recordingNotifier{}
	m.notifier = notifier

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 30*time.Second, "record failure", func() bool {
		return recordStatus(t, store, "J200").Status == catalog.StatusFailed
	})
	rec := recordStatus(t, store, "J200")
	if rec.FailedAttempts != 3 {
		t.Fatalf("failed_attempts = %d, want 3", rec.FailedAttempts)
	}

	n, err := m.Selector().Count(context.Background(), catalog.StageFetch)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed record must not be selectable, got %d", n)
	}

	waitFor(t, 5*time.Second, "failure notification", func() bool {
		events, _ := notifier.snapshot()
		return len(events) > 0
	})
	events, payload := notifier.snapshot()
	if events[0] != notifications.EventItemFailed || payload["record"] != "J200" || payload["attempts"] != 3 {
		t.Fatalf("unexpected notification %v %#v", events, payload)
	}
}

func TestManagerPauseResume(t *testing.T) {
	m, store, _ := newTestManager(t, testsupport.WithStubWorker("fetch", fetchOK))
	cfg := m.cfg
	cfg.Stages.Radon.Enabled = false
	cfg.Stages.Augment.Enabled = false
	rec := testsupport.SeedRecord(t, store, "J300", 0.9)

	if err := m.Pause("fetch"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := m.Status(context.Background()); got.Dispatched != 0 || !got.Paused["fetch"] {
		t.Fatalf("paused stage dispatched work: %+v", got)
	}

	if err := m.Resume("fetch"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 10*time.Second, "bands created", func() bool {
		bands, err := store.ListBands(context.Background(), rec.ID)
		return err == nil && len(bands) == 2
	})
}

func TestManagerPauseUnknownStage(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Pause("sextractor")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestManagerStopChargesKilledWorker(t *testing.T) {
	m, store, _ := newTestManager(t, testsupport.WithStubWorker("fetch", "cat >/dev/null; sleep 30"))
	testsupport.SeedRecord(t, store, "J400", 0.9)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 10*time.Second, "worker running", func() bool {
		return len(m.Workers()) == 1
	})
	m.Stop()

	rec := recordStatus(t, store, "J400")
	if rec.FailedAttempts != 1 || rec.Status != catalog.StatusPending {
		t.Fatalf("expected one transient failure, got status=%s attempts=%d", rec.Status, rec.FailedAttempts)
	}
	leases, err := store.ListLeases(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected leases released on shutdown, got %d", len(leases))
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected restart after Stop to fail")
	}
}

func TestRunCycleReclaimsExpiredLease(t *testing.T) {
	m, store, c := newTestManager(t, testsupport.WithStubWorker("fetch", fetchOK))
	rec := testsupport.SeedRecord(t, store, "J500", 0.9)
	if err := m.Pause("fetch"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	crashed := lease.NewManager(store, time.Millisecond, logging.NewNop(), lease.WithOwner("crashed"))
	if _, err := crashed.Acquire(context.Background(), catalog.ItemKey{RecordID: rec.ID, Stage: catalog.StageFetch}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	c.Set(cache.RecordKey("J500"), "stale view", time.Minute)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	got := recordStatus(t, store, "J500")
	if got.FailedAttempts != 1 {
		t.Fatalf("expired lease should be charged exactly once, got %d", got.FailedAttempts)
	}
	if _, ok := c.Get(cache.RecordKey("J500")); ok {
		t.Fatalf("expected cached record view to be invalidated")
	}
	n, err := m.Selector().Count(context.Background(), catalog.StageFetch)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("record should be eligible again after reclaim, got %d", n)
	}
}

func TestLeaseRenewerExtendsAndCancelsLost(t *testing.T) {
	m, store, _ := newTestManager(t, testsupport.WithStubWorker("fetch", "cat >/dev/null; sleep 30"))
	m.cfg.Stages.Radon.Enabled = false
	m.cfg.Stages.Augment.Enabled = false
	testsupport.SeedRecord(t, store, "J600", 0.9)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	waitFor(t, 5*time.Second, "worker running", func() bool { return len(m.Workers()) == 1 })
	before := m.Workers()[0].Lease

	time.Sleep(5 * time.Millisecond)
	renewed, lost, err := m.renewer.RenewAll(context.Background())
	if err != nil || renewed != 1 || lost != 0 {
		t.Fatalf("RenewAll = %d, %d, %v", renewed, lost, err)
	}
	after := m.Workers()[0].Lease
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatalf("lease not extended: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}

	if err := store.WithTx(context.Background(), func(tx *catalog.Tx) error {
		_, err := tx.DeleteLease(after.Key, after.Token)
		return err
	}); err != nil {
		t.Fatalf("DeleteLease: %v", err)
	}
	_, lost, err = m.renewer.RenewAll(context.Background())
	if err != nil || lost != 1 {
		t.Fatalf("expected one lost lease, got %d (%v)", lost, err)
	}
	select {
	case res := <-m.dispatcher.Results():
		if !errors.Is(res.Err, services.ErrWorkerCrash) {
			t.Fatalf("expected cancelled worker to report a crash, got %v", res.Err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("cancelled worker did not report")
	}
}

func TestHandleCycleErrorBacksOffOnStoreOutage(t *testing.T) {
	m, _, _ := newTestManager(t)
	notifier := &recordingNotifier{}
	m.notifier = notifier
	outage := services.Wrap(services.ErrStoreUnavailable, "catalog", "select", "", errors.New("disk I/O error"))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := m.handleCycleError(context.Background(), outage); got != w {
			t.Fatalf("backoff %d = %v, want %v", i, got, w)
		}
	}
	if m.Status(context.Background()).StoreAvailable {
		t.Fatalf("store should be reported unavailable")
	}

	if got := m.handleCycleError(context.Background(), errors.New("boom")); got != time.Second {
		t.Fatalf("non-store error should use the retry interval, got %v", got)
	}

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	status := m.Status(context.Background())
	if !status.StoreAvailable {
		t.Fatalf("store should recover after a clean cycle")
	}
	if status.LastError != "boom" {
		t.Fatalf("last error = %q", status.LastError)
	}

	events, _ := notifier.snapshot()
	wantEvents := []notifications.Event{notifications.EventStoreUnavailable, notifications.EventStoreRecovered}
	if len(events) != len(wantEvents) || events[0] != wantEvents[0] || events[1] != wantEvents[1] {
		t.Fatalf("expected one outage and one recovery notification, got %v", events)
	}
}

func attemptRow(t *testing.T, store *catalog.Store, key catalog.ItemKey) *catalog.Attempt {
	t.Helper()
	var att *catalog.Attempt
	if err := store.WithTx(context.Background(), func(tx *catalog.Tx) error {
		var err error
		att, err = tx.Attempt(key)
		return err
	}); err != nil {
		t.Fatalf("Attempt %v: %v", key, err)
	}
	return att
}

func TestContendedItemIsSkippedForAnotherInSameCycle(t *testing.T) {
	m, store, _ := newTestManager(t,
		testsupport.WithStubWorker("fetch", "cat >/dev/null; sleep 30"),
		testsupport.WithConfig(func(cfg *config.Config) {
			cfg.Stages.Radon.Enabled = false
			cfg.Stages.Augment.Enabled = false
		}),
	)
	first := testsupport.SeedRecord(t, store, "J700", 0.9)
	second := testsupport.SeedRecord(t, store, "J701", 0.8)
	firstKey := catalog.ItemKey{RecordID: first.ID, Stage: catalog.StageFetch}
	secondKey := catalog.ItemKey{RecordID: second.ID, Stage: catalog.StageFetch}

	items, err := m.Selector().Eligible(context.Background(), catalog.StageFetch, selector.Page{Limit: 10})
	if err != nil || len(items) != 2 || items[0].Key != firstKey {
		t.Fatalf("expected both records eligible with J700 first, got %+v (%v)", items, err)
	}

	// Another instance wins J700 after this one has already selected it.
	other := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithOwner("other-instance"))
	if _, err := other.Acquire(context.Background(), firstKey); err != nil {
		t.Fatalf("other Acquire: %v", err)
	}
	outcome, err := m.launch(context.Background(), items[0], logging.NewNop())
	if err != nil || outcome != launchDropped {
		t.Fatalf("launch of contended item = %v, %v; want dropped", outcome, err)
	}

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	waitFor(t, 5*time.Second, "J701 worker running", func() bool {
		workers := m.Workers()
		return len(workers) == 1 && workers[0].Key == secondKey
	})
	if got := m.Status(context.Background()).Dispatched; got != 1 {
		t.Fatalf("dispatched = %d, want 1", got)
	}

	for _, key := range []catalog.ItemKey{firstKey, secondKey} {
		if att := attemptRow(t, store, key); att != nil {
			t.Fatalf("contention must not touch stage_attempts, got %+v", att)
		}
	}
	leases, err := store.ListLeases(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if len(leases) != 1 || leases[0].Owner != "other-instance" {
		t.Fatalf("expected J700 lease to stay with the other instance, got %+v", leases)
	}
}

func TestFillStageDoesNotSkipPastBackedOffItems(t *testing.T) {
	m, store, _ := newTestManager(t, testsupport.WithConfig(func(cfg *config.Config) {
		cfg.Retry.BackoffBase = 60
		cfg.Retry.BackoffCap = 600
		cfg.Stages.Fetch.Enabled = true
		cfg.Stages.Fetch.Command = "/nonexistent/radonflow-fetch"
		cfg.Stages.Radon.Enabled = false
		cfg.Stages.Augment.Enabled = false
	}))
	m.batchSize = 2
	ids := []string{"J800", "J801", "J802", "J803"}
	for _, id := range ids {
		testsupport.SeedRecord(t, store, id, 0.9)
	}

	// Every spawn fails, so each tried item is charged and backed off,
	// dropping out of the next page.
	if _, err := m.fillStage(context.Background(), catalog.StageFetch); err != nil {
		t.Fatalf("fillStage: %v", err)
	}
	for _, id := range ids {
		if rec := recordStatus(t, store, id); rec.FailedAttempts != 1 {
			t.Fatalf("%s failed_attempts = %d, want 1 (every eligible item tried once)", id, rec.FailedAttempts)
		}
	}
}
