package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type fakeTokens struct {
	mu       sync.Mutex
	token    string
	fresh    string
	err      error
	forced   int
	requests int
}

func (f *fakeTokens) Token(_ context.Context, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if force {
		f.forced++
		if f.err != nil {
			return "", f.err
		}
		f.token = f.fresh
	}
	return f.token, nil
}

type seen struct {
	auth      string
	requestID string
	body      string
	query     string
}

func recordingServer(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]seen) {
	t.Helper()
	var mu sync.Mutex
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, seen{
			auth:      r.Header.Get("Authorization"),
			requestID: r.Header.Get(requestIDHeader),
			body:      string(b),
			query:     r.URL.RawQuery,
		})
		n := len(got)
		mu.Unlock()
		handler(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestDo_AttachesBearerAndDecodes(t *testing.T) {
	srv, got := recordingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":42,"body":"Breathe."}`))
	})

	c := New(srv.URL, WithTokenSource(&fakeTokens{token: "tok-1"}))

	var out struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
	}
	q := url.Values{"includeEngagement": {"true"}}
	if err := c.Do(context.Background(), http.MethodGet, "/daily-compass/today/", q, nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != 42 || out.Body != "Breathe." {
		t.Errorf("out = %+v", out)
	}
	if len(*got) != 1 {
		t.Fatalf("requests = %d, want 1", len(*got))
	}
	r := (*got)[0]
	if r.auth != "Bearer tok-1" {
		t.Errorf("auth = %q", r.auth)
	}
	if r.requestID == "" {
		t.Error("missing correlation id")
	}
	if r.query != "includeEngagement=true" {
		t.Errorf("query = %q", r.query)
	}
}

func TestDo_AnonymousWithoutToken(t *testing.T) {
	srv, got := recordingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[]`))
	})

	c := New(srv.URL, WithTokenSource(&fakeTokens{}))
	var out []string
	if err := c.Do(context.Background(), http.MethodGet, "/daily-compass/categories/", nil, nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if (*got)[0].auth != "" {
		t.Errorf("auth = %q, want none", (*got)[0].auth)
	}
}

func TestDo_401RefreshesAndReplaysOnce(t *testing.T) {
	srv, got := recordingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	tokens := &fakeTokens{token: "stale", fresh: "fresh"}
	var authFailures int
	c := New(srv.URL, WithTokenSource(tokens), WithAuthFailedHandler(func(error) { authFailures++ }))

	body := map[string]any{"completed": true, "rating": 5}
	if err := c.Do(context.Background(), http.MethodPost, "/daily-compass/1/engage/", nil, body, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(*got) != 2 {
		t.Fatalf("requests = %d, want 2", len(*got))
	}
	if (*got)[0].auth != "Bearer stale" || (*got)[1].auth != "Bearer fresh" {
		t.Errorf("auth headers = %q, %q", (*got)[0].auth, (*got)[1].auth)
	}
	if (*got)[0].body != (*got)[1].body || (*got)[1].body == "" {
		t.Errorf("replayed body differs: %q vs %q", (*got)[0].body, (*got)[1].body)
	}
	if (*got)[0].requestID == (*got)[1].requestID {
		t.Error("replay should carry a new correlation id")
	}
	if tokens.forced != 1 {
		t.Errorf("forced refreshes = %d, want 1", tokens.forced)
	}
	if authFailures != 0 {
		t.Errorf("authFailures = %d, want 0", authFailures)
	}
}

func TestDo_401TwiceSignalsAuthFailure(t *testing.T) {
	srv, got := recordingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"token revoked"}`))
	})

	var authFailures int
	c := New(srv.URL,
		WithTokenSource(&fakeTokens{token: "a", fresh: "b"}),
		WithAuthFailedHandler(func(error) { authFailures++ }),
	)

	err := c.Do(context.Background(), http.MethodGet, "/daily-compass/streak/", nil, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if se.Message() != "token revoked" {
		t.Errorf("Message() = %q", se.Message())
	}
	if len(*got) != 2 {
		t.Errorf("requests = %d, want exactly 2", len(*got))
	}
	if authFailures != 1 {
		t.Errorf("authFailures = %d, want 1", authFailures)
	}
}

func TestDo_ReplayForbiddenSignalsAuthFailure(t *testing.T) {
	srv, got := recordingServer(t, func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})

	var authErr error
	c := New(srv.URL,
		WithTokenSource(&fakeTokens{token: "a", fresh: "b"}),
		WithAuthFailedHandler(func(err error) { authErr = err }),
	)

	err := c.Do(context.Background(), http.MethodGet, "/daily-compass/streak/", nil, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 StatusError", err)
	}
	if len(*got) != 2 {
		t.Errorf("requests = %d, want 2", len(*got))
	}
	if !errors.As(authErr, &se) || se.StatusCode != http.StatusForbidden {
		t.Errorf("auth-failed error = %v, want the replay's 403", authErr)
	}
}

func TestDo_401RefreshFailureDoesNotReplay(t *testing.T) {
	srv, got := recordingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	var authErr error
	c := New(srv.URL,
		WithTokenSource(&fakeTokens{token: "a", err: errors.New("refresh token expired")}),
		WithAuthFailedHandler(func(err error) { authErr = err }),
	)

	if err := c.Do(context.Background(), http.MethodGet, "/daily-compass/streak/", nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if len(*got) != 1 {
		t.Errorf("requests = %d, want 1", len(*got))
	}
	if authErr == nil {
		t.Error("auth-failed handler not called")
	}
}

func TestDo_NoRetryOnOtherStatuses(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv, got := recordingServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(code)
		})
		c := New(srv.URL, WithTokenSource(&fakeTokens{token: "t"}))

		err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != code {
			t.Errorf("%d: err = %v", code, err)
			continue
		}
		if len(*got) != 1 {
			t.Errorf("%d: requests = %d, want 1", code, len(*got))
		}
		if se.RetryAfter != 2*time.Second {
			t.Errorf("%d: RetryAfter = %v", code, se.RetryAfter)
		}
		if se.Message() != http.StatusText(code) {
			t.Errorf("%d: Message() = %q, want status text", code, se.Message())
		}
	}
}

func TestDo_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	err := c.Do(context.Background(), http.MethodGet, "/slow", nil, nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("timeout surfaced as status error: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(5 * time.Second).Format(http.TimeFormat), 5 * time.Second},
		{now.Add(-5 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
