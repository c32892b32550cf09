// Package httpclient performs authenticated JSON requests against the
// Daily Compass backend. It attaches bearer tokens, tags each request with a
// correlation id, and replays a request once after a forced token refresh
// when the server answers 401.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 64 << 10
	requestIDHeader = "X-Request-ID"
)

// TokenSource supplies bearer tokens. An empty token with a nil error means
// the caller is anonymous.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string // server-supplied "detail", empty when absent
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message())
}

// Message returns the server's detail, falling back to the HTTP status text.
func (e *StatusError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return http.StatusText(e.StatusCode)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokens       TokenSource
	logger       *zap.Logger
	onAuthFailed func(error)
	newID        func() string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying *http.Client (tests use httptest's).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource enables bearer authentication.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthFailedHandler registers fn to be called when a 401 cannot be
// recovered by refreshing the token.
func WithAuthFailedHandler(fn func(error)) Option {
	return func(c *Client) { c.onAuthFailed = fn }
}

// New creates a Client rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
		newID:      func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the resolved API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends a request and decodes a 2xx JSON response into out (which may be nil).
// body, when non-nil, is sent as JSON.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		payload = data
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	token := c.token(ctx, false)
	data, err := c.send(ctx, method, path, target, payload, token, 1)

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		fresh, refreshErr := c.tokens.Token(ctx, true)
		if refreshErr != nil || fresh == "" {
			if refreshErr == nil {
				refreshErr = errors.New("no session to refresh")
			}
			c.authFailed(fmt.Errorf("refreshing token after 401: %w", refreshErr))
			return err
		}
		data, err = c.send(ctx, method, path, target, payload, fresh, 2)
		if err != nil {
			c.authFailed(fmt.Errorf("replaying after token refresh: %w", err))
		}
	}
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// token fetches a bearer token without forcing a refresh. Failures degrade to
// an anonymous request.
func (c *Client) token(ctx context.Context, force bool) string {
	if c.tokens == nil {
		return ""
	}
	tok, err := c.tokens.Token(ctx, force)
	if err != nil {
		c.logger.Debug("token unavailable, sending anonymously", zap.Error(err))
		return ""
	}
	return tok
}

func (c *Client) send(ctx context.Context, method, path, target string, payload []byte, token string, attempt int) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	reqID := c.newID()
	req.Header.Set(requestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed",
			zap.String("request_id", reqID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	fields := []zap.Field{
		zap.String("request_id", reqID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int("attempt", attempt),
		zap.Duration("latency", time.Since(start)),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("request returned error status", fields...)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(raw),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	c.logger.Debug("request", fields...)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	return data, nil
}

func (c *Client) authFailed(err error) {
	c.logger.Warn("authentication failed", zap.Error(err))
	if c.onAuthFailed != nil {
		c.onAuthFailed(err)
	}
}

func parseDetail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	switch d := body.Detail.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		b, _ := json.Marshal(d)
		return string(b)
	}
}

// ParseRetryAfter interprets a Retry-After header given either as delay
// seconds or as an HTTP date. It returns zero when the header is absent or
// unparsable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
