package store

import (
	"github.com/kalambet/compass/internal/compass"
)

// Loading tracks in-flight fetches per resource.
type Loading struct {
	Prompt bool
	Streak bool
}

// State is the store's snapshot. Values handed out by the store are copies;
// mutating them does not affect the store.
type State struct {
	CurrentPrompt *compass.Prompt
	UserStreak    *compass.UserStreak
	Loading       Loading
	Err           *compass.Error
	IsInitialized bool
}

func (s State) clone() State {
	s.CurrentPrompt = s.CurrentPrompt.Clone()
	s.UserStreak = s.UserStreak.Clone()
	return s
}

// Action is a state transition understood by Reduce.
type Action interface {
	apply(State) State
}

// SetLoading patches the loading flags; nil fields are left alone.
type SetLoading struct {
	Prompt *bool
	Streak *bool
}

// SetError replaces the current error. A nil Err clears it.
type SetError struct {
	Err *compass.Error
}

// SetPrompt replaces the current prompt and clears the error.
type SetPrompt struct {
	Prompt *compass.Prompt
}

// SetStreak replaces the streak record.
type SetStreak struct {
	Streak *compass.UserStreak
}

// SetInitialized marks the first prompt load as finished.
type SetInitialized struct{}

// UpdateEngagement replaces the current prompt's engagement sub-record.
// It is a no-op without a current prompt.
type UpdateEngagement struct {
	Engagement *compass.Engagement
}

// ResetState returns to the initial state with loading flags cleared.
type ResetState struct{}

func (a SetLoading) apply(s State) State {
	if a.Prompt != nil {
		s.Loading.Prompt = *a.Prompt
	}
	if a.Streak != nil {
		s.Loading.Streak = *a.Streak
	}
	return s
}

func (a SetError) apply(s State) State {
	s.Err = a.Err
	return s
}

func (a SetPrompt) apply(s State) State {
	s.CurrentPrompt = a.Prompt.Clone()
	s.Err = nil
	return s
}

func (a SetStreak) apply(s State) State {
	s.UserStreak = a.Streak.Clone()
	return s
}

func (SetInitialized) apply(s State) State {
	s.IsInitialized = true
	return s
}

func (a UpdateEngagement) apply(s State) State {
	if s.CurrentPrompt == nil {
		return s
	}
	p := s.CurrentPrompt.Clone()
	if a.Engagement == nil {
		p.UserEngagement = nil
	} else {
		e := a.Engagement.Clone()
		p.UserEngagement = &e
	}
	s.CurrentPrompt = p
	return s
}

func (ResetState) apply(State) State {
	return State{}
}

// Reduce applies a to s. It never mutates values reachable from s.
func Reduce(s State, a Action) State {
	if a == nil {
		return s
	}
	return a.apply(s)
}

func flag(b bool) *bool { return &b }
