package compass

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy governs retries of rate-limited calls. Only RateLimited errors
// are retried; timeouts and other failures return immediately.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // first exponential backoff step
	MaxDelay   time.Duration // cap for any single wait

	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries up to 3 times with 1s, 2s, 4s backoff capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based). A
// server-supplied Retry-After wins over the exponential schedule.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	var d time.Duration
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		d = e.RetryAfter
	} else {
		d = p.BaseDelay << attempt
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn, retrying while it fails with a RateLimited error and the
// policy allows another attempt. It returns fn's last error.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsRateLimited(err) || attempt >= p.MaxRetries {
			return err
		}
		if serr := sleep(ctx, p.Delay(attempt, err)); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
