package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_cache_entries_expiry", "idx_jobs_status_run_after"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	storedAt := time.Date(2026, 3, 1, 23, 59, 50, 0, time.UTC)
	in := CacheEntry{Key: "k", Value: `{"id":42}`, StoredAt: storedAt, TTL: 90 * time.Minute}
	if err := s.PutCacheEntry(in); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}

	got, err := s.GetCacheEntry("k")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if got.Value != in.Value {
		t.Errorf("Value = %q, want %q", got.Value, in.Value)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, storedAt)
	}
	if got.TTL != in.TTL {
		t.Errorf("TTL = %v, want %v", got.TTL, in.TTL)
	}
}

func TestPutCacheEntry_Overwrites(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.PutCacheEntry(CacheEntry{Key: "k", Value: "1", StoredAt: now, TTL: time.Minute}); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}
	if err := s.PutCacheEntry(CacheEntry{Key: "k", Value: "2", StoredAt: now, TTL: time.Hour}); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}

	got, err := s.GetCacheEntry("k")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if got.Value != "2" || got.TTL != time.Hour {
		t.Errorf("got %+v, want overwritten entry", got)
	}
}

func TestGetCacheEntry_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetCacheEntry("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteCacheEntry("missing"); err != nil {
		t.Errorf("DeleteCacheEntry(missing) = %v, want nil", err)
	}
}

func TestDeleteExpiredCacheEntries(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.PutCacheEntry(CacheEntry{Key: "old", Value: "x", StoredAt: now.Add(-2 * time.Hour), TTL: time.Hour})
	s.PutCacheEntry(CacheEntry{Key: "fresh", Value: "y", StoredAt: now.Add(-time.Minute), TTL: time.Hour})

	n, err := s.DeleteExpiredCacheEntries(now)
	if err != nil {
		t.Fatalf("DeleteExpiredCacheEntries: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if _, err := s.GetCacheEntry("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old entry still present: %v", err)
	}
	if _, err := s.GetCacheEntry("fresh"); err != nil {
		t.Errorf("fresh entry missing: %v", err)
	}
}

func TestCacheEntryExpired(t *testing.T) {
	now := time.Now()
	e := CacheEntry{StoredAt: now.Add(-time.Hour), TTL: time.Hour}
	if !e.Expired(now) {
		t.Error("entry at exactly TTL should be expired")
	}
	e.TTL = 2 * time.Hour
	if e.Expired(now) {
		t.Error("entry within TTL should not be expired")
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "record_engagement", PayloadJSON: `{"promptId":1}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"record_engagement"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j1" || got.Status != "running" {
		t.Errorf("got %+v, want running j1", got)
	}
	if got.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", got.MaxAttempts)
	}

	again, err := s.ClaimNextJob([]string{"record_engagement"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "j-future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	s.EnqueueJob(Job{ID: "j1", Type: "x", PayloadJSON: `{}`})

	if err := s.CompleteJob("j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	n, err := s.CountJobs("x", "completed")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("completed count = %d, want 1", n)
	}
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	s.EnqueueJob(Job{ID: "j1", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2})

	if err := s.FailJob("j1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	var status, runAfter, lastErr string
	if err := s.db.QueryRow(`SELECT status, run_after, last_error FROM jobs WHERE id = 'j1'`).Scan(&status, &runAfter, &lastErr); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "pending" || lastErr != "boom" {
		t.Errorf("status = %q, last_error = %q", status, lastErr)
	}
	ra, _ := time.Parse(time.RFC3339, runAfter)
	if !ra.After(time.Now().UTC()) {
		t.Errorf("run_after %v should be in the future", ra)
	}

	if err := s.FailJob("j1", "boom again"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	n, _ := s.CountJobs("x", "failed")
	if n != 1 {
		t.Errorf("failed count = %d, want 1", n)
	}
}
