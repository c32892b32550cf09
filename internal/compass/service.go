// Package compass is the typed client for the Daily Compass API: today's
// prompt, the prompt collection, the user's streak, and engagement recording.
// It owns error classification and the day-scoped caching of today's prompt
// and the streak.
package compass

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/cache"
)

const (
	defaultPromptTTL = 12 * time.Hour
	defaultStreakTTL = time.Hour
)

// Doer performs one JSON request. Implemented by httpclient.Client.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

// Authenticator reports whether a user is currently signed in.
type Authenticator interface {
	IsAuthenticated() bool
}

// Cache is the subset of cache.Cache the service needs.
type Cache interface {
	GetToday(key string, dst any) bool
	GetSameDay(key string, dst any) bool
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

// Service is safe for concurrent use.
type Service struct {
	http      Doer
	auth      Authenticator
	cache     Cache
	promptTTL time.Duration
	streakTTL time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL sets the TTLs of the day-scoped caches.
func WithCacheTTL(prompt, streak time.Duration) Option {
	return func(s *Service) {
		if prompt > 0 {
			s.promptTTL = prompt
		}
		if streak > 0 {
			s.streakTTL = streak
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil cache disables caching.
func NewService(doer Doer, auth Authenticator, c Cache, opts ...Option) *Service {
	if c == nil {
		c = noopCache{}
	}
	s := &Service{
		http:      doer,
		auth:      auth,
		cache:     c,
		promptTTL: defaultPromptTTL,
		streakTTL: defaultStreakTTL,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsAuthenticated reports the identity collaborator's current state.
func (s *Service) IsAuthenticated() bool {
	return s.auth != nil && s.auth.IsAuthenticated()
}

// GetTodayPrompt returns today's prompt, from the same-day cache when possible.
func (s *Service) GetTodayPrompt(ctx context.Context) (*Prompt, error) {
	if p, ok := s.CachedTodayPrompt(); ok {
		return p, nil
	}

	authed := s.IsAuthenticated()
	q := url.Values{"includeEngagement": {strconv.FormatBool(authed)}}

	var p Prompt
	if err := s.http.Do(ctx, http.MethodGet, "/daily-compass/today/", q, nil, &p); err != nil {
		return nil, Classify(err)
	}
	if err := validatePrompt(&p); err != nil {
		return nil, err
	}

	// Engagement on an anonymous response belongs to a session that is gone.
	if authed || p.UserEngagement == nil {
		s.cache.Set(cache.KeyTodayPrompt, p, s.promptTTL)
	}
	return &p, nil
}

// GetPromptCollection fetches one page of historical prompts. Never cached.
func (s *Service) GetPromptCollection(ctx context.Context, page int, f Filters) (*PromptCollection, error) {
	if page < 1 {
		page = 1
	}
	authed := s.IsAuthenticated()
	q := url.Values{
		"page":              {strconv.Itoa(page)},
		"includeEngagement": {strconv.FormatBool(authed)},
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.SortBy != "" {
		q.Set("sortBy", string(f.SortBy))
	}

	var c PromptCollection
	if err := s.http.Do(ctx, http.MethodGet, "/daily-compass/collection/", q, nil, &c); err != nil {
		return nil, Classify(err)
	}
	if authed {
		for i := range c.Prompts {
			if c.Prompts[i].UserEngagement == nil {
				c.Prompts[i].UserEngagement = &Engagement{}
			}
		}
	}
	return &c, nil
}

// GetUserStreak returns the signed-in user's streak, from the same-day cache when possible.
func (s *Service) GetUserStreak(ctx context.Context) (*UserStreak, error) {
	if st, ok := s.CachedUserStreak(); ok {
		return st, nil
	}
	st, err := s.fetchStreak(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cache.KeyUserStreak, st, s.streakTTL)
	return st, nil
}

func (s *Service) fetchStreak(ctx context.Context) (*UserStreak, error) {
	var st UserStreak
	if err := s.http.Do(ctx, http.MethodGet, "/daily-compass/streak/", nil, nil, &st); err != nil {
		return nil, Classify(err)
	}
	return &st, nil
}

// RecordEngagement stores a completion, reflection or rating for a prompt.
// It fails with ErrAuthRequired before any network call when nobody is signed
// in. On success both day-scoped caches are dropped and the streak is re-read
// from the network (without re-caching it); a failed re-read yields a nil
// streak, not an error.
func (s *Service) RecordEngagement(ctx context.Context, in EngagementInput) (*UserStreak, error) {
	if !s.IsAuthenticated() {
		return nil, ErrAuthRequired
	}
	if in.PromptID <= 0 {
		return nil, newError(KindUnexpected, fmt.Errorf("invalid prompt id %d", in.PromptID))
	}
	if in.Rating < 0 || in.Rating > 5 {
		return nil, newError(KindUnexpected, fmt.Errorf("rating %d out of range 1-5", in.Rating))
	}
	if in.Completed && in.CompletedAt == nil {
		now := s.now().UTC()
		in.CompletedAt = &now
	}

	path := fmt.Sprintf("/daily-compass/%d/engage/", in.PromptID)
	if err := s.http.Do(ctx, http.MethodPost, path, nil, in, nil); err != nil {
		return nil, Classify(err)
	}

	s.InvalidateCaches()

	st, err := s.fetchStreak(ctx)
	if err != nil {
		s.logger.Warn("streak refresh after engagement failed", zap.Int64("prompt_id", in.PromptID), zap.Error(err))
		return nil, nil
	}
	return st, nil
}

// GetFeaturedPrompts returns the curated prompt list.
func (s *Service) GetFeaturedPrompts(ctx context.Context) ([]Prompt, error) {
	var out []Prompt
	if err := s.http.Do(ctx, http.MethodGet, "/daily-compass/featured/", nil, nil, &out); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// GetPromptCategories returns the available category labels.
func (s *Service) GetPromptCategories(ctx context.Context) ([]string, error) {
	var out []string
	if err := s.http.Do(ctx, http.MethodGet, "/daily-compass/categories/", nil, nil, &out); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// CachedTodayPrompt returns the same-day cached prompt, if any.
func (s *Service) CachedTodayPrompt() (*Prompt, bool) {
	var p Prompt
	if !s.cache.GetToday(cache.KeyTodayPrompt, &p) {
		return nil, false
	}
	return &p, true
}

// SameDayTodayPrompt returns the prompt cached today even when its TTL has
// elapsed. It backs the fallback when a refresh fails.
func (s *Service) SameDayTodayPrompt() (*Prompt, bool) {
	var p Prompt
	if !s.cache.GetSameDay(cache.KeyTodayPrompt, &p) {
		return nil, false
	}
	return &p, true
}

// CacheTodayPrompt overwrites the cached prompt.
func (s *Service) CacheTodayPrompt(p *Prompt) {
	if p != nil {
		s.cache.Set(cache.KeyTodayPrompt, p, s.promptTTL)
	}
}

// CachedUserStreak returns the same-day cached streak, if any.
func (s *Service) CachedUserStreak() (*UserStreak, bool) {
	var st UserStreak
	if !s.cache.GetToday(cache.KeyUserStreak, &st) {
		return nil, false
	}
	return &st, true
}

// InvalidateStreak drops the cached streak.
func (s *Service) InvalidateStreak() {
	s.cache.Delete(cache.KeyUserStreak)
}

// InvalidateCaches drops both day-scoped caches.
func (s *Service) InvalidateCaches() {
	s.cache.Delete(cache.KeyTodayPrompt)
	s.cache.Delete(cache.KeyUserStreak)
}

func validatePrompt(p *Prompt) error {
	if p.ID == 0 || p.Body == "" {
		return newError(KindUnexpected, fmt.Errorf("malformed prompt payload (id=%d, body empty=%t)", p.ID, p.Body == ""))
	}
	return nil
}

type noopCache struct{}

func (noopCache) GetToday(string, any) bool      { return false }
func (noopCache) GetSameDay(string, any) bool    { return false }
func (noopCache) Set(string, any, time.Duration) {}
func (noopCache) Delete(string)                  {}
