// Package interaction holds the transient state of one displayed prompt:
// expansion, the reflection being typed, the rating, and save status. Edits
// are autosaved after a quiet period, both as a local draft and to the
// backend as a non-completing engagement.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/cache"
	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/store"
)

const (
	DefaultAutosaveDelay = 2 * time.Second
	draftTTL             = 7 * 24 * time.Hour
)

// ErrQueued wraps a completion failure that was handed to the outbox for a
// later retry.
var ErrQueued = errors.New("completion queued for sync")

// Draft is the locally persisted, not yet completed reflection.
type Draft struct {
	PromptID  int64     `json:"promptId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder is the store surface a session drives.
type Recorder interface {
	RecordEngagement(ctx context.Context, in compass.EngagementInput) error
	Snapshot() store.State
}

// Authenticator reports whether a user is signed in.
type Authenticator interface {
	IsAuthenticated() bool
}

// Drafts persists the reflection draft. Implemented by cache.Cache.
type Drafts interface {
	Get(key string, dst any) bool
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

// Outbox accepts completions that could not reach the backend.
type Outbox interface {
	Enqueue(ctx context.Context, in compass.EngagementInput) error
}

// Deps are a session's collaborators. Outbox is optional.
type Deps struct {
	Store  Recorder
	Auth   Authenticator
	Drafts Drafts
	Outbox Outbox
}

// View is the presentation state of a session.
type View struct {
	PromptID     int64
	IsExpanded   bool
	Reflection   string
	Rating       int
	HasCompleted bool
	IsSaving     bool
	LastSaved    time.Time
	SaveError    *compass.Error
	Queued       bool
}

// Session is safe for concurrent use.
type Session struct {
	promptID int64
	deps     Deps
	sched    Scheduler
	delay    time.Duration
	now      func() time.Time
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	expanded   bool
	reflection string
	rating     int
	saving     int
	lastSaved  time.Time
	saveErr    *compass.Error
	queued     bool
	gen        uint64
	pending    bool
	timer      Timer
	closed     bool
}

// Option configures a Session.
type Option func(*Session)

// WithAutosaveDelay sets the debounce quiet period.
func WithAutosaveDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithScheduler overrides the timer source.
func WithScheduler(sc Scheduler) Option {
	return func(s *Session) { s.sched = sc }
}

// WithClock overrides the time source for save timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New opens a session for promptID. A persisted draft for the same prompt is
// restored; a draft for any other prompt is discarded.
func New(promptID int64, deps Deps, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		promptID: promptID,
		deps:     deps,
		sched:    realScheduler{},
		delay:    DefaultAutosaveDelay,
		now:      time.Now,
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}

	if e := s.engagement(); e != nil {
		s.reflection = e.Reflection
		s.rating = e.Rating
		s.expanded = e.IsExpanded
	}
	s.restoreDraft()
	return s
}

func (s *Session) restoreDraft() {
	var d Draft
	if !s.deps.Drafts.Get(cache.KeyReflectionDraft, &d) {
		return
	}
	if d.PromptID != s.promptID {
		s.logger.Debug("discarding draft for another prompt", zap.Int64("draft_prompt_id", d.PromptID))
		s.deps.Drafts.Delete(cache.KeyReflectionDraft)
		return
	}
	s.reflection = d.Text
	s.lastSaved = d.Timestamp
}

// engagement returns the store's engagement for this prompt, if loaded.
func (s *Session) engagement() *compass.Engagement {
	p := s.deps.Store.Snapshot().CurrentPrompt
	if p == nil || p.ID != s.promptID {
		return nil
	}
	return p.UserEngagement
}

// View returns the current presentation state.
func (s *Session) View() View {
	e := s.engagement()

	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		PromptID:     s.promptID,
		IsExpanded:   s.expanded,
		Reflection:   s.reflection,
		Rating:       s.rating,
		HasCompleted: e != nil && e.Completed,
		IsSaving:     s.saving > 0,
		LastSaved:    s.lastSaved,
		SaveError:    s.saveErr,
		Queued:       s.queued,
	}
}

// HandleExpand toggles the expanded flag and returns the new value.
func (s *Session) HandleExpand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expanded = !s.expanded
	return s.expanded
}

// SetReflection updates the reflection immediately and schedules an autosave,
// replacing any autosave already pending.
func (s *Session) SetReflection(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflection = text
	s.scheduleLocked()
}

// SetRating sets the rating (1-5, or 0 to unset) and schedules an autosave.
func (s *Session) SetRating(n int) error {
	if n < 0 || n > 5 {
		return fmt.Errorf("rating %d out of range 1-5", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rating = n
	s.scheduleLocked()
	return nil
}

func (s *Session) scheduleLocked() {
	if s.closed {
		return
	}
	s.stopLocked()
	s.gen++
	s.pending = true
	gen := s.gen
	s.timer = s.sched.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		s.autosave(s.ctx, gen)
	})
}

func (s *Session) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Flush runs a pending autosave now instead of waiting for the quiet period.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.stopLocked()
	gen := s.gen
	s.mu.Unlock()
	return s.autosave(ctx, gen)
}

// autosave persists the draft and checkpoints it to the backend without
// completing. It does nothing if a newer edit superseded gen.
func (s *Session) autosave(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if gen != s.gen || !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = false
	text, rating := s.reflection, s.rating
	s.saving++
	s.mu.Unlock()

	now := s.now()
	s.deps.Drafts.Set(cache.KeyReflectionDraft, Draft{PromptID: s.promptID, Text: text, Timestamp: now}, draftTTL)

	var err error
	if s.deps.Auth != nil && s.deps.Auth.IsAuthenticated() {
		err = s.deps.Store.RecordEngagement(ctx, compass.EngagementInput{
			PromptID:   s.promptID,
			Completed:  false,
			Reflection: text,
			Rating:     rating,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving--
	if err != nil {
		s.logger.Warn("autosave failed", zap.Int64("prompt_id", s.promptID), zap.Error(err))
		s.saveErr = asDomain(err)
		return err
	}
	s.lastSaved = now
	s.saveErr = nil
	return nil
}

// HandleComplete records the prompt as completed with the current
// reflection and rating. On success the draft is deleted. A retryable
// failure is handed to the outbox, if configured, and reported wrapped in
// ErrQueued.
func (s *Session) HandleComplete(ctx context.Context) error {
	if s.deps.Auth == nil || !s.deps.Auth.IsAuthenticated() {
		s.mu.Lock()
		s.saveErr = compass.ErrAuthRequired
		s.mu.Unlock()
		return compass.ErrAuthRequired
	}

	s.mu.Lock()
	s.stopLocked()
	s.gen++
	s.pending = false
	in := compass.EngagementInput{
		PromptID:   s.promptID,
		Completed:  true,
		Reflection: s.reflection,
		Rating:     s.rating,
	}
	s.saving++
	s.mu.Unlock()

	now := s.now().UTC()
	in.CompletedAt = &now
	err := s.deps.Store.RecordEngagement(ctx, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving--
	if err == nil {
		s.deps.Drafts.Delete(cache.KeyReflectionDraft)
		s.lastSaved = now
		s.saveErr = nil
		s.queued = false
		return nil
	}

	s.saveErr = asDomain(err)
	if s.deps.Outbox != nil && retryable(err) {
		if qerr := s.deps.Outbox.Enqueue(ctx, in); qerr != nil {
			s.logger.Error("enqueue completion failed", zap.Int64("prompt_id", s.promptID), zap.Error(qerr))
			return err
		}
		s.queued = true
		return fmt.Errorf("%w: %w", ErrQueued, err)
	}
	return err
}

// Close cancels any pending autosave and waits for one already running.
// The unsaved reflection is kept as a local draft.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopLocked()
	pending, text := s.pending, s.reflection
	s.pending = false
	s.mu.Unlock()

	if pending {
		s.deps.Drafts.Set(cache.KeyReflectionDraft, Draft{PromptID: s.promptID, Text: text, Timestamp: s.now()}, draftTTL)
	}
	s.cancel()
	s.wg.Wait()
}

func retryable(err error) bool {
	switch compass.KindOf(err) {
	case compass.KindUnreachable, compass.KindServerError, compass.KindRateLimited:
		return true
	}
	return false
}

func asDomain(err error) *compass.Error {
	var ce *compass.Error
	if errors.As(err, &ce) {
		return ce
	}
	return compass.Classify(err).(*compass.Error)
}
