package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, max int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, max)
	c.SetClock(clock.Now)
	return c, clock
}

func TestGetSetExpire(t *testing.T) {
	c, clock := newTestCache(10*time.Second, 0)
	c.Set(RecordKey("a"), 1, 0)
	if v, ok := c.Get(RecordKey("a")); !ok || v.(int) != 1 {
		t.Fatalf("expected cached value, got %v ok=%v", v, ok)
	}
	clock.Advance(10 * time.Second)
	if _, ok := c.Get(RecordKey("a")); ok {
		t.Fatal("expected entry to expire at ttl")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestInvalidateRecordDropsDerivedEntries(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	c.Set(RecordKey("J1"), "rec", 0)
	c.Set(RecordKey("J1")+":band:g", "g", 0)
	c.Set(RecordKey("J10"), "other", 0)
	c.InvalidateRecord("J1")
	if _, ok := c.Get(RecordKey("J1")); ok {
		t.Fatal("record entry should be gone")
	}
	if _, ok := c.Get(RecordKey("J1")+":band:g"); ok {
		t.Fatal("derived entry should be gone")
	}
	if _, ok := c.Get(RecordKey("J10")); !ok {
		t.Fatal("unrelated record with shared prefix should survive")
	}
}

func TestMaxEntriesEvictsSoonestExpiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 2)
	c.Set("a", 1, 0)
	clock.Advance(time.Second)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if c.Stats().Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Stats().Entries)
	}
}

func TestGetOrLoadCachesAndSharesLoads(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	var calls atomic.Int32
	load := func(context.Context) (string, error) {
		calls.Add(1)
		return "value", nil
	}
	for i := 0; i < 3; i++ {
		got, err := GetOrLoad(context.Background(), c, "k", 0, load)
		if err != nil || got != "value" {
			t.Fatalf("GetOrLoad = %q, %v", got, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one load, got %d", calls.Load())
	}
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	boom := errors.New("boom")
	if _, err := GetOrLoad(context.Background(), c, "k", 0, func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed load must not be cached")
	}
}

func TestGetOrLoadSkipsStoreAfterInvalidate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	_, err := GetOrLoad(context.Background(), c, RecordKey("J1"), 0, func(context.Context) (string, error) {
		c.InvalidateRecord("J1")
		return "stale", nil
	})
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if _, ok := c.Get(RecordKey("J1")); ok {
		t.Fatal("value loaded across an invalidation must not be cached")
	}
}
