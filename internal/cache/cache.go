// Package cache is the local, best-effort key/value cache that lets the client
// warm-start without a network round trip. Entries carry a TTL, and the
// day-scoped reads additionally require the entry to have been stored on the
// current local calendar day.
package cache

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/storage"
)

// Namespaced keys shared by the service and the interaction session.
const (
	KeyTodayPrompt     = "dailyCompass:todayPrompt"
	KeyUserStreak      = "dailyCompass:userStreak"
	KeyReflectionDraft = "dailyCompass:reflectionDraft"
)

// Backend is the persistent key/value store behind the cache.
// Implemented by storage.Store.
type Backend interface {
	GetCacheEntry(key string) (storage.CacheEntry, error)
	PutCacheEntry(e storage.CacheEntry) error
	DeleteCacheEntry(key string) error
	DeleteExpiredCacheEntries(now time.Time) (int64, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Cache wraps a Backend with TTL and calendar-day expiry. No method returns
// an error: read and write failures are logged and treated as a miss.
type Cache struct {
	backend Backend
	clock   Clock
	loc     *time.Location
	logger  *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(cc *Cache) { cc.clock = c }
}

// WithLocation sets the timezone whose midnight bounds a "day". Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(cc *Cache) { cc.loc = loc }
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *zap.Logger) Option {
	return func(cc *Cache) { cc.logger = l }
}

// New creates a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		clock:   realClock{},
		loc:     time.Local,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Now returns the cache's notion of the current time.
func (c *Cache) Now() time.Time {
	return c.clock.Now()
}

type lookup int

const (
	fresh        lookup = iota // TTL alive
	freshToday                 // TTL alive and stored today
	anyAgeToday                // stored today, TTL ignored
)

// Get decodes the entry for key into dst. It reports false on a miss, on an
// expired entry (which is deleted), or on any storage or decode failure.
func (c *Cache) Get(key string, dst any) bool {
	return c.get(key, dst, fresh)
}

// GetToday is Get with the additional constraint that the entry was stored on
// the same local calendar day as now. An entry from an earlier day is evicted
// even when its TTL has not elapsed; an expired entry from today is a miss but
// is not deleted.
func (c *Cache) GetToday(key string, dst any) bool {
	return c.get(key, dst, freshToday)
}

// GetSameDay decodes an entry stored today whether or not its TTL has
// elapsed. It is the fallback read when a refresh fails; an expired entry is
// left in place, an entry from an earlier day is evicted.
func (c *Cache) GetSameDay(key string, dst any) bool {
	return c.get(key, dst, anyAgeToday)
}

func (c *Cache) get(key string, dst any, mode lookup) bool {
	e, err := c.backend.GetCacheEntry(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}

	now := c.clock.Now()
	if mode != anyAgeToday && e.Expired(now) {
		if mode == freshToday && SameDay(e.StoredAt, now, c.loc) {
			// Kept for GetSameDay.
			return false
		}
		c.Delete(key)
		return false
	}
	if mode != fresh && !SameDay(e.StoredAt, now, c.loc) {
		c.logger.Debug("cache entry from previous day evicted", zap.String("key", key), zap.Time("stored_at", e.StoredAt))
		c.Delete(key)
		return false
	}

	if err := json.Unmarshal([]byte(e.Value), dst); err != nil {
		c.logger.Warn("cache entry undecodable, evicting", zap.String("key", key), zap.Error(err))
		c.Delete(key)
		return false
	}
	return true
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	e := storage.CacheEntry{Key: key, Value: string(data), StoredAt: c.clock.Now(), TTL: ttl}
	if err := c.backend.PutCacheEntry(e); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	if err := c.backend.DeleteCacheEntry(key); err != nil {
		c.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// ClearExpired removes every entry whose TTL elapsed before the start of the
// current day and returns the count. Entries that expired today stay readable
// through GetSameDay.
func (c *Cache) ClearExpired() int64 {
	now := c.clock.Now().In(c.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	n, err := c.backend.DeleteExpiredCacheEntries(midnight)
	if err != nil {
		c.logger.Warn("cache sweep failed", zap.Error(err))
		return 0
	}
	return n
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
