// Package auth is the identity collaborator: it holds the signed-in user's
// tokens in the platform secret store and refreshes the id token through a
// securetoken-compatible endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	accountIDToken      = "id_token"
	accountRefreshToken = "refresh_token"

	// refreshLeeway is how close to expiry an id token is refreshed proactively.
	refreshLeeway = 60 * time.Second
)

// ErrNoSession is returned when a refresh is attempted without a refresh token.
var ErrNoSession = errors.New("no signed-in session")

// SecretStore persists tokens. Implemented by config.SecretStore.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

// Session satisfies httpclient.TokenSource and compass.Authenticator.
type Session struct {
	secrets    SecretStore
	service    string
	refreshURL string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	logger     *zap.Logger

	group singleflight.Group

	mu           sync.Mutex
	loaded       bool
	idToken      string
	refreshToken string
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient sets the client used for refresh calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Session) { s.httpClient = hc }
}

// WithClock overrides the time source for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a Session storing tokens under service in secrets.
func NewSession(secrets SecretStore, service, refreshURL, apiKey string, opts ...Option) *Session {
	s := &Session{
		secrets:    secrets,
		service:    service,
		refreshURL: refreshURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	if v, err := s.secrets.Get(s.service, accountIDToken); err == nil {
		s.idToken = v
	}
	if v, err := s.secrets.Get(s.service, accountRefreshToken); err == nil {
		s.refreshToken = v
	}
}

// IsAuthenticated reports whether tokens are held.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.idToken != ""
}

// SignIn stores a freshly issued token pair.
func (s *Session) SignIn(idToken, refreshToken string) error {
	if idToken == "" {
		return errors.New("id token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeLocked(idToken, refreshToken); err != nil {
		return err
	}
	s.logger.Info("signed in", zap.Bool("refreshable", refreshToken != ""))
	return nil
}

// SignOut forgets the tokens.
func (s *Session) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.idToken, s.refreshToken = "", ""
	if err := s.secrets.Delete(s.service, accountIDToken); err != nil {
		return fmt.Errorf("deleting id token: %w", err)
	}
	if err := s.secrets.Delete(s.service, accountRefreshToken); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}

func (s *Session) storeLocked(idToken, refreshToken string) error {
	if err := s.secrets.Set(s.service, accountIDToken, idToken); err != nil {
		return fmt.Errorf("storing id token: %w", err)
	}
	if refreshToken != "" {
		if err := s.secrets.Set(s.service, accountRefreshToken, refreshToken); err != nil {
			return fmt.Errorf("storing refresh token: %w", err)
		}
		s.refreshToken = refreshToken
	}
	s.loaded = true
	s.idToken = idToken
	return nil
}

// Token returns the bearer token, or "" when nobody is signed in. With
// forceRefresh, or when the id token expires within a minute, the token is
// refreshed first. Concurrent refreshes share one request.
func (s *Session) Token(ctx context.Context, forceRefresh bool) (string, error) {
	s.mu.Lock()
	s.loadLocked()
	tok := s.idToken
	s.mu.Unlock()

	if tok == "" {
		return "", nil
	}
	if !forceRefresh && !s.expiresSoon(tok) {
		return tok, nil
	}

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		if !forceRefresh && !s.expired(tok) {
			s.logger.Warn("proactive token refresh failed, using current token", zap.Error(err))
			return tok, nil
		}
		return "", err
	}
	return v.(string), nil
}

func (s *Session) expiry(tok string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// expiresSoon is false for opaque tokens; the server's 401 handles those.
func (s *Session) expiresSoon(tok string) bool {
	exp, ok := s.expiry(tok)
	return ok && exp.Sub(s.now()) < refreshLeeway
}

func (s *Session) expired(tok string) bool {
	exp, ok := s.expiry(tok)
	return ok && !s.now().Before(exp)
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	rt := s.refreshToken
	s.mu.Unlock()
	if rt == "" {
		return "", ErrNoSession
	}

	target := s.refreshURL
	if s.apiKey != "" {
		target += "?key=" + url.QueryEscape(s.apiKey)
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("token refresh rejected", zap.Int("status", resp.StatusCode), zap.Duration("latency", time.Since(start)))
		return "", fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.IDToken == "" {
		return "", errors.New("token refresh: response carried no id_token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeLocked(out.IDToken, out.RefreshToken); err != nil {
		return "", err
	}
	s.logger.Debug("token refreshed", zap.Duration("latency", time.Since(start)))
	return out.IDToken, nil
}
