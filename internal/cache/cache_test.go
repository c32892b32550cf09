package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/compass/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// brokenBackend fails every operation, like a disabled or full storage.
type brokenBackend struct{}

var errDisk = errors.New("disk full")

func (brokenBackend) GetCacheEntry(string) (storage.CacheEntry, error) {
	return storage.CacheEntry{}, errDisk
}
func (brokenBackend) PutCacheEntry(storage.CacheEntry) error            { return errDisk }
func (brokenBackend) DeleteCacheEntry(string) error                     { return errDisk }
func (brokenBackend) DeleteExpiredCacheEntries(time.Time) (int64, error) { return 0, errDisk }

type payload struct {
	ID   int    `json:"id"`
	Body string `json:"body"`
}

func newTestCache(t *testing.T, now time.Time) (*Cache, *mockClock, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clk := &mockClock{now: now}
	return New(s, WithClock(clk), WithLocation(time.UTC)), clk, s
}

func TestSetGet(t *testing.T) {
	c, _, _ := newTestCache(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	c.Set("k", payload{ID: 42, Body: "Breathe."}, time.Hour)

	var got payload
	if !c.Get("k", &got) {
		t.Fatal("Get() = miss, want hit")
	}
	if got.ID != 42 || got.Body != "Breathe." {
		t.Errorf("got %+v", got)
	}
}

func TestGet_ExpiredIsDeleted(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c, clk, s := newTestCache(t, start)

	c.Set("k", payload{ID: 1}, time.Minute)
	clk.Set(start.Add(2 * time.Minute))

	var got payload
	if c.Get("k", &got) {
		t.Fatal("Get() = hit on expired entry")
	}
	if _, err := s.GetCacheEntry("k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired entry not deleted: %v", err)
	}
}

func TestGetToday_MidnightEvicts(t *testing.T) {
	yesterday := time.Date(2026, 5, 1, 23, 59, 50, 0, time.UTC)
	c, clk, s := newTestCache(t, yesterday)

	c.Set(KeyTodayPrompt, payload{ID: 7}, 24*time.Hour)
	clk.Set(time.Date(2026, 5, 2, 0, 0, 5, 0, time.UTC))

	var got payload
	if !c.Get(KeyTodayPrompt, &got) {
		t.Fatal("plain Get should still honor the unexpired TTL")
	}
	if c.GetToday(KeyTodayPrompt, &got) {
		t.Fatal("GetToday() = hit across midnight")
	}
	if _, err := s.GetCacheEntry(KeyTodayPrompt); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale-day entry not evicted: %v", err)
	}
}

func TestGetToday_SameDayHit(t *testing.T) {
	morning := time.Date(2026, 5, 1, 0, 0, 1, 0, time.UTC)
	c, clk, _ := newTestCache(t, morning)

	c.Set(KeyUserStreak, payload{ID: 3}, 24*time.Hour)
	clk.Set(time.Date(2026, 5, 1, 23, 59, 59, 0, time.UTC))

	var got payload
	if !c.GetToday(KeyUserStreak, &got) {
		t.Fatal("GetToday() = miss on same day")
	}
}

func TestGetToday_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// 03:00 UTC on May 2 is 22:00 on May 1 in UTC-5.
	stored := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	s, _ := storage.Open(":memory:")
	defer s.Close()
	clk := &mockClock{now: stored}
	c := New(s, WithClock(clk), WithLocation(loc))

	c.Set("k", payload{ID: 1}, 24*time.Hour)
	clk.Set(time.Date(2026, 5, 2, 4, 30, 0, 0, time.UTC)) // 23:30 local, still May 1

	var got payload
	if !c.GetToday("k", &got) {
		t.Error("GetToday() = miss, want hit within the same local day")
	}
}

func TestUndecodableEntryIsMiss(t *testing.T) {
	c, _, s := newTestCache(t, time.Now())
	s.PutCacheEntry(storage.CacheEntry{Key: "k", Value: "{not json", StoredAt: time.Now(), TTL: time.Hour})

	var got payload
	if c.Get("k", &got) {
		t.Fatal("Get() = hit on corrupt entry")
	}
}

func TestBrokenBackendNeverPanicsOrErrors(t *testing.T) {
	c := New(brokenBackend{})

	c.Set("k", payload{ID: 1}, time.Hour)
	var got payload
	if c.Get("k", &got) || c.GetToday("k", &got) {
		t.Error("broken backend should read as a miss")
	}
	c.Delete("k")
	if n := c.ClearExpired(); n != 0 {
		t.Errorf("ClearExpired() = %d, want 0", n)
	}
}

func TestGetSameDay_IgnoresTTL(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	c, clk, _ := newTestCache(t, start)

	c.Set("k", payload{ID: 7}, time.Hour)
	clk.Set(start.Add(2 * time.Hour))

	var got payload
	if c.GetToday("k", &got) {
		t.Fatal("GetToday() = hit on expired entry")
	}
	if !c.GetSameDay("k", &got) {
		t.Fatal("GetSameDay() = miss after GetToday")
	}
	if got.ID != 7 {
		t.Errorf("got %+v", got)
	}
}

func TestGetSameDay_PreviousDayEvicts(t *testing.T) {
	start := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	c, clk, s := newTestCache(t, start)

	c.Set("k", payload{ID: 7}, 12*time.Hour)
	clk.Set(start.Add(2 * time.Hour))

	var got payload
	if c.GetSameDay("k", &got) {
		t.Fatal("GetSameDay() = hit on yesterday's entry")
	}
	if _, err := s.GetCacheEntry("k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("previous day entry not deleted: %v", err)
	}
}

func TestClearExpired(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c, clk, _ := newTestCache(t, start)

	clk.Set(start.Add(-24 * time.Hour))
	c.Set("yesterday", payload{}, time.Hour)
	clk.Set(start)
	c.Set("short", payload{}, time.Minute)
	c.Set("long", payload{}, time.Hour)
	clk.Set(start.Add(5 * time.Minute))

	if n := c.ClearExpired(); n != 1 {
		t.Errorf("ClearExpired() = %d, want 1", n)
	}
	var got payload
	if !c.GetSameDay("short", &got) {
		t.Error("entry expired today was swept")
	}
}
