// Package store holds the Daily Compass state shown to the user: the current
// prompt, the streak, per-resource loading flags, the last error and the
// initialization flag. All mutations go through Reduce; fetches of the same
// resource are de-duplicated while in flight.
package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/compass/internal/cache"
	"github.com/kalambet/compass/internal/compass"
)

const (
	flightPrompt = "todayPrompt"
	flightStreak = "userStreak"
)

// Service is the subset of compass.Service the store drives.
type Service interface {
	IsAuthenticated() bool
	GetTodayPrompt(ctx context.Context) (*compass.Prompt, error)
	GetUserStreak(ctx context.Context) (*compass.UserStreak, error)
	RecordEngagement(ctx context.Context, in compass.EngagementInput) (*compass.UserStreak, error)
	CachedTodayPrompt() (*compass.Prompt, bool)
	SameDayTodayPrompt() (*compass.Prompt, bool)
	CacheTodayPrompt(p *compass.Prompt)
	CachedUserStreak() (*compass.UserStreak, bool)
	InvalidateStreak()
	InvalidateCaches()
}

// Deleter removes a local key. Used to drop the reflection draft on reset.
type Deleter interface {
	Delete(key string)
}

// Store is safe for concurrent use.
type Store struct {
	svc    Service
	drafts Deleter
	retry  compass.RetryPolicy
	logger *zap.Logger

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetryPolicy sets the policy LoadTodayPrompt uses for rate-limited loads.
func WithRetryPolicy(p compass.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithDrafts sets where the reflection draft lives so Reset can drop it.
func WithDrafts(d Deleter) Option {
	return func(s *Store) { s.drafts = d }
}

// New creates a Store. Call Close to cancel background work.
func New(svc Service, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		svc:    svc,
		retry:  compass.DefaultRetryPolicy(),
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(State)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn to receive every new state. The returned func
// unregisters it. fn runs on the dispatching goroutine.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Dispatch applies a to the state and notifies subscribers. It is a no-op
// once the store is closed.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = Reduce(s.state, a)
	snap := s.state.clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// FetchTodayPrompt loads today's prompt into the store. Concurrent callers
// share one request. ctx only bounds the caller's wait; the shared request
// lives until it finishes or the store is closed.
func (s *Store) FetchTodayPrompt(ctx context.Context) (*compass.Prompt, error) {
	r, err := s.todayPrompt(ctx)
	if err != nil {
		return nil, err
	}
	return r.prompt.Clone(), nil
}

// promptResult is what the prompt flight shares between its callers. cause
// is set when the refresh failed and prompt is today's expired cache entry.
type promptResult struct {
	prompt *compass.Prompt
	cause  error
}

func (s *Store) todayPrompt(ctx context.Context) (*promptResult, error) {
	v, err := s.join(ctx, flightPrompt, func() (any, error) {
		return s.fetchTodayPrompt(s.ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*promptResult), nil
}

func (s *Store) fetchTodayPrompt(ctx context.Context) (*promptResult, error) {
	defer s.Dispatch(SetInitialized{})

	p, hit := s.svc.CachedTodayPrompt()
	if !hit {
		r, err := s.refreshTodayPrompt(ctx)
		if err != nil || r.cause != nil {
			return r, err
		}
		p = r.prompt
	}
	s.Dispatch(SetPrompt{Prompt: p})

	if s.svc.IsAuthenticated() {
		s.background(func(ctx context.Context) {
			if _, err := s.FetchUserStreak(ctx); err != nil {
				s.logger.Debug("background streak fetch failed", zap.Error(err))
			}
		})
	}
	return &promptResult{prompt: p}, nil
}

// refreshTodayPrompt goes to the network. Only a prompt fetched here is
// written to the cache, so a cache hit never extends the TTL.
func (s *Store) refreshTodayPrompt(ctx context.Context) (*promptResult, error) {
	stale, _ := s.svc.SameDayTodayPrompt()

	s.Dispatch(SetLoading{Prompt: flag(true)})
	defer s.Dispatch(SetLoading{Prompt: flag(false)})

	p, err := s.svc.GetTodayPrompt(ctx)
	if err != nil {
		if stale != nil {
			s.logger.Info("serving cached prompt after fetch failure", zap.Int64("prompt_id", stale.ID), zap.Error(err))
			s.Dispatch(SetPrompt{Prompt: stale})
			return &promptResult{prompt: stale, cause: err}, nil
		}
		s.Dispatch(SetError{Err: domainError(err)})
		return nil, err
	}

	authed := s.svc.IsAuthenticated()
	if authed && p.UserEngagement == nil {
		p.UserEngagement = &compass.Engagement{}
	}
	if authed || p.UserEngagement == nil {
		s.svc.CacheTodayPrompt(p)
	}
	return &promptResult{prompt: p}, nil
}

// FetchUserStreak loads the streak into the store, cache first. Failures
// surface in State.Err with no fallback.
func (s *Store) FetchUserStreak(ctx context.Context) (*compass.UserStreak, error) {
	v, err := s.join(ctx, flightStreak, func() (any, error) {
		return s.fetchUserStreak(s.ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*compass.UserStreak).Clone(), nil
}

func (s *Store) fetchUserStreak(ctx context.Context) (*compass.UserStreak, error) {
	if _, hit := s.svc.CachedUserStreak(); !hit {
		s.Dispatch(SetLoading{Streak: flag(true)})
	}
	defer s.Dispatch(SetLoading{Streak: flag(false)})

	st, err := s.svc.GetUserStreak(ctx)
	if err != nil {
		s.Dispatch(SetError{Err: domainError(err)})
		return nil, err
	}
	s.Dispatch(SetStreak{Streak: st})
	return st, nil
}

// RefreshUserStreak drops the cached streak and fetches it again.
func (s *Store) RefreshUserStreak(ctx context.Context) (*compass.UserStreak, error) {
	s.svc.InvalidateStreak()
	s.group.Forget(flightStreak)
	return s.FetchUserStreak(ctx)
}

// RecordEngagement records an engagement for the current prompt. The store's
// copy of the engagement is updated before the request and restored if it
// fails. On success the streak is replaced with the server's value.
// Concurrent calls are not serialized.
func (s *Store) RecordEngagement(ctx context.Context, in compass.EngagementInput) error {
	if !s.svc.IsAuthenticated() {
		return compass.ErrAuthRequired
	}

	prev, matched := s.currentEngagement(in.PromptID)
	if matched {
		next := optimistic(prev, in)
		s.Dispatch(UpdateEngagement{Engagement: &next})
	}

	st, err := s.svc.RecordEngagement(ctx, in)
	if err != nil {
		if matched {
			s.Dispatch(UpdateEngagement{Engagement: prev})
		}
		return err
	}

	if st != nil {
		s.Dispatch(SetStreak{Streak: st})
		return nil
	}
	if _, err := s.RefreshUserStreak(ctx); err != nil {
		s.logger.Warn("streak refresh after engagement failed", zap.Int64("prompt_id", in.PromptID), zap.Error(err))
	}
	return nil
}

func (s *Store) currentEngagement(promptID int64) (*compass.Engagement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.state.CurrentPrompt
	if p == nil || p.ID != promptID {
		return nil, false
	}
	if p.UserEngagement == nil {
		return nil, true
	}
	e := p.UserEngagement.Clone()
	return &e, true
}

func optimistic(prev *compass.Engagement, in compass.EngagementInput) compass.Engagement {
	var e compass.Engagement
	if prev != nil {
		e = prev.Clone()
	}
	if in.Completed {
		e.Completed = true
		if in.CompletedAt != nil {
			t := *in.CompletedAt
			e.CompletedAt = &t
		}
	}
	if in.Reflection != "" {
		e.Reflection = in.Reflection
	}
	if in.Rating > 0 {
		e.Rating = in.Rating
	}
	return e
}

// Reset returns the store to its initial state and drops both day-scoped
// caches and the reflection draft. Used on sign-out.
func (s *Store) Reset() {
	s.group.Forget(flightPrompt)
	s.group.Forget(flightStreak)
	s.svc.InvalidateCaches()
	if s.drafts != nil {
		s.drafts.Delete(cache.KeyReflectionDraft)
	}
	s.Dispatch(ResetState{})
}

// Close cancels in-flight fetches and waits for background work. State is
// frozen afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Store) join(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := s.group.DoChan(key, fn)
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func domainError(err error) *compass.Error {
	var ce *compass.Error
	if errors.As(err, &ce) {
		return ce
	}
	return compass.Classify(err).(*compass.Error)
}
