package compasstest

import (
	"context"
	"net/http"
	"sync"
)

func contextWithAuth(r *http.Request, authed bool) context.Context {
	return context.WithValue(r.Context(), authKey{}, authed)
}

func isAuthed(r *http.Request) bool {
	v, _ := r.Context().Value(authKey{}).(bool)
	return v
}

// Tokens is a settable identity collaborator for tests. It satisfies both
// httpclient.TokenSource and compass.Authenticator.
type Tokens struct {
	mu       sync.Mutex
	token    string
	refresh  string
	refreshs int
}

// NewTokens returns a signed-in collaborator holding tok. An empty tok is anonymous.
func NewTokens(tok string) *Tokens {
	return &Tokens{token: tok}
}

// SetRefreshed sets the token handed out on the next forced refresh.
func (t *Tokens) SetRefreshed(tok string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh = tok
}

// SignOut makes the collaborator anonymous.
func (t *Tokens) SignOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}

// Refreshes counts forced refreshes.
func (t *Tokens) Refreshes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshs
}

func (t *Tokens) Token(_ context.Context, force bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if force && t.token != "" {
		t.refreshs++
		if t.refresh != "" {
			t.token = t.refresh
		}
	}
	return t.token, nil
}

func (t *Tokens) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token != ""
}
