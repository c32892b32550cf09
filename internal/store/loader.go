package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/compass"
)

// LoadTodayPrompt is the first load of a page: FetchTodayPrompt retried on
// rate limiting per the store's retry policy. When retries run out, any
// same-day cached prompt is used instead.
func (s *Store) LoadTodayPrompt(ctx context.Context) (*compass.Prompt, error) {
	var p, stale *compass.Prompt
	err := compass.Retry(ctx, s.retry, func(ctx context.Context) error {
		r, err := s.todayPrompt(ctx)
		if err == nil {
			if r.cause == nil || !compass.IsRateLimited(r.cause) {
				p = r.prompt
				return nil
			}
			stale, err = r.prompt, r.cause
		}
		if compass.IsRateLimited(err) {
			s.logger.Info("today's prompt rate limited, retrying", zap.Error(err))
		}
		return err
	})
	switch {
	case err == nil:
		return p.Clone(), nil
	case stale != nil:
		return stale.Clone(), nil
	}
	return nil, err
}
