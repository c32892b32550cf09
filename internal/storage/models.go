package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CacheEntry is one row of the local key/value cache. Value holds the
// JSON-encoded payload; expiry is evaluated by the cache layer.
type CacheEntry struct {
	Key      string
	Value    string
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry's TTL window has elapsed at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
