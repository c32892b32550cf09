package compass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/kalambet/compass/internal/httpclient"
)

// Kind classifies a failure so callers can branch without inspecting
// transport status codes.
type Kind int

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindAuthRequired
	KindForbidden
	KindRateLimited
	KindServerError
	KindUnreachable
)

var kindNames = map[Kind]string{
	KindUnexpected:   "unexpected",
	KindNotFound:     "not_found",
	KindAuthRequired: "auth_required",
	KindForbidden:    "forbidden",
	KindRateLimited:  "rate_limited",
	KindServerError:  "server_error",
	KindUnreachable:  "unreachable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var kindMessages = map[Kind]string{
	KindUnexpected:   "An unexpected error occurred. Please try again.",
	KindNotFound:     "The requested prompt could not be found.",
	KindAuthRequired: "Please sign in to continue.",
	KindForbidden:    "You do not have permission to do that.",
	KindRateLimited:  "Too many requests. Please wait a moment and try again.",
	KindServerError:  "The server encountered an error. Please try again later.",
	KindUnreachable:  "Unable to reach the Daily Compass service. Check your connection.",
}

// Error is the domain error surfaced by the service and everything above it.
type Error struct {
	Kind       Kind
	Message    string        // user-facing text
	Detail     string        // server-supplied detail, if any
	Status     int           // HTTP status, 0 for local or transport failures
	RetryAfter time.Duration // server-requested delay for RateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return e.Message + " (" + e.Detail + ")"
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrAuthRequired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil && t.Status == 0
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: kindMessages[kind], Err: cause}
}

// ErrAuthRequired is returned without a network call when an operation needs
// a signed-in session.
var ErrAuthRequired = &Error{Kind: KindAuthRequired, Message: kindMessages[KindAuthRequired]}

// KindOf returns the classified kind of err, or KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsRateLimited reports whether err is a RateLimited domain error.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// Classify maps a transport failure onto the domain taxonomy. Already
// classified errors and nil pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}

	var se *httpclient.StatusError
	if errors.As(err, &se) {
		var kind Kind
		switch {
		case se.StatusCode == http.StatusNotFound:
			kind = KindNotFound
		case se.StatusCode == http.StatusUnauthorized:
			kind = KindAuthRequired
		case se.StatusCode == http.StatusForbidden:
			kind = KindForbidden
		case se.StatusCode == http.StatusTooManyRequests:
			kind = KindRateLimited
		case se.StatusCode >= 500:
			kind = KindServerError
		default:
			kind = KindUnexpected
		}
		e := newError(kind, err)
		e.Status = se.StatusCode
		e.Detail = se.Message()
		e.RetryAfter = se.RetryAfter
		return e
	}

	if isConnRefused(err) {
		return newError(KindUnreachable, err)
	}
	return newError(KindUnexpected, err)
}

func isConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
