package lease_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/lease"
	"radonflow/internal/logging"
	"radonflow/internal/services"
	"radonflow/internal/testsupport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingCharger bumps the stored attempt counter the way the state
// machine does, without backoff.
func countingCharger(tx *catalog.Tx, l catalog.Lease, reason error, now time.Time) error {
	att, err := tx.Attempt(l.Key)
	if err != nil {
		return err
	}
	next := catalog.Attempt{Key: l.Key, LastError: reason.Error()}
	if att != nil {
		next.FailedAttempts = att.FailedAttempts
	}
	next.FailedAttempts++
	return tx.SaveAttempt(next, now)
}

func attempts(t *testing.T, store *catalog.Store, key catalog.ItemKey) int {
	t.Helper()
	var n int
	err := store.WithTx(context.Background(), func(tx *catalog.Tx) error {
		att, err := tx.Attempt(key)
		if att != nil {
			n = att.FailedAttempts
		}
		return err
	})
	if err != nil {
		t.Fatalf("read attempt: %v", err)
	}
	return n
}

func setup(t *testing.T) (*catalog.Store, catalog.ItemKey, *clock) {
	t.Helper()
	store := testsupport.MustOpenCatalog(t, testsupport.NewConfig(t))
	rec := testsupport.SeedRecord(t, store, "J1", 1)
	return store, catalog.ItemKey{RecordID: rec.ID, Stage: catalog.StageFetch}, &clock{now: time.Now()}
}

func TestAcquireContentionDoesNotCharge(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()
	a := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now), lease.WithCharger(countingCharger), lease.WithOwner("a"))
	b := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now), lease.WithCharger(countingCharger), lease.WithOwner("b"))

	held, err := a.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if held.Owner != "a" || held.Token == "" {
		t.Fatalf("unexpected lease: %#v", held)
	}
	if _, err := b.Acquire(ctx, key); !errors.Is(err, services.ErrLeaseContention) {
		t.Fatalf("expected lease contention, got %v", err)
	}
	if n := attempts(t, store, key); n != 0 {
		t.Fatalf("contention must not touch attempts, got %d", n)
	}
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for i := 0; i < racers; i++ {
		m := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, services.ErrLeaseContention):
				rejected++
			default:
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || rejected != racers-1 {
		t.Fatalf("expected 1 winner and %d rejections, got %d/%d", racers-1, winners, rejected)
	}
}

func TestReclaimExpiredChargesOnce(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()
	m := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now), lease.WithCharger(countingCharger))

	if _, err := m.Acquire(ctx, key); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if n, err := m.ReclaimExpired(ctx, 10); err != nil || n != 0 {
		t.Fatalf("live lease must not be reclaimed, n=%d err=%v", n, err)
	}

	clk.Advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		n, err := m.ReclaimExpired(ctx, 10)
		if err != nil {
			t.Fatalf("ReclaimExpired failed: %v", err)
		}
		if want := 1 - i; n != want {
			t.Fatalf("pass %d: expected %d reclaimed, got %d", i, want, n)
		}
	}
	if n := attempts(t, store, key); n != 1 {
		t.Fatalf("expected exactly one charged attempt, got %d", n)
	}

	if _, err := m.Acquire(ctx, key); err != nil {
		t.Fatalf("item should be claimable after reclaim: %v", err)
	}
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()
	m := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now), lease.WithCharger(countingCharger))

	first, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clk.Advance(time.Minute)
	second, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("takeover must mint a new token")
	}
	if n := attempts(t, store, key); n != 1 {
		t.Fatalf("expected stale holder charged once, got %d", n)
	}
	if ok, err := m.Release(ctx, first); err != nil || ok {
		t.Fatalf("stale token release must be a no-op, ok=%v err=%v", ok, err)
	}
}

func TestRenewAndRelease(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()
	m := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now))

	held, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	clk.Advance(30 * time.Second)
	renewed, err := m.Renew(ctx, held)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !renewed.ExpiresAt.After(held.ExpiresAt) {
		t.Fatalf("expected later expiry, got %v <= %v", renewed.ExpiresAt, held.ExpiresAt)
	}
	ok, err := m.Release(ctx, renewed)
	if err != nil || !ok {
		t.Fatalf("Release failed: ok=%v err=%v", ok, err)
	}
	if _, err := m.Renew(ctx, renewed); !errors.Is(err, lease.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after release, got %v", err)
	}
}

func TestAcquireRechecksEligibility(t *testing.T) {
	store, key, clk := setup(t)
	ctx := context.Background()
	m := lease.NewManager(store, time.Minute, logging.NewNop(), lease.WithClock(clk.Now),
		lease.WithEligibilityCheck(func(*catalog.Tx, catalog.ItemKey, time.Time) (bool, error) { return false, nil }))
	if _, err := m.Acquire(ctx, key); !errors.Is(err, lease.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	leases, err := store.ListLeases(ctx, key.RecordID)
	if err != nil {
		t.Fatalf("ListLeases failed: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected no lease rows, got %d", len(leases))
	}
}
