// Package compasstest provides an in-process fake of the Daily Compass API
// for tests. It counts requests per route, can inject failures, and can hold
// responses open to exercise concurrent callers.
package compasstest

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/compass/internal/compass"
)

// Route names accepted by Count, FailNext, Hold and LastQuery.
const (
	RouteToday      = "today"
	RouteCollection = "collection"
	RouteStreak     = "streak"
	RouteEngage     = "engage"
	RouteFeatured   = "featured"
	RouteCategories = "categories"
)

const pageSize = 10

// Failure is a canned error response.
type Failure struct {
	Status     int
	RetryAfter string
	Detail     string
}

// Recorded is one engagement POST as received.
type Recorded struct {
	PromptID int64
	Body     map[string]any
	Auth     string
}

// Backend is a fake Daily Compass server.
type Backend struct {
	Server *httptest.Server

	mu          sync.Mutex
	token       string
	today       *compass.Prompt
	engagement  map[int64]compass.Engagement
	streak      compass.UserStreak
	collection  []compass.Prompt
	featured    []compass.Prompt
	categories  []string
	counts      map[string]int
	queries     map[string]url.Values
	failures    map[string][]Failure
	gates       map[string]chan struct{}
	engagements []Recorded
}

// New starts a Backend that accepts bearer token "test-token".
func New(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		token:      "test-token",
		engagement: make(map[int64]compass.Engagement),
		counts:     make(map[string]int),
		queries:    make(map[string]url.Values),
		failures:   make(map[string][]Failure),
		gates:      make(map[string]chan struct{}),
		categories: []string{"breath", "gratitude", "movement"},
	}
	b.Server = httptest.NewServer(b.router())
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the API root to hand to httpclient.New.
func (b *Backend) URL() string { return b.Server.URL + "/api" }

// Token is the bearer token the backend currently accepts.
func (b *Backend) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// RotateToken makes the backend reject every token but tok.
func (b *Backend) RotateToken(tok string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = tok
}

// SetToday sets today's prompt.
func (b *Backend) SetToday(p compass.Prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.today = &p
}

// SetStreak sets the streak record.
func (b *Backend) SetStreak(s compass.UserStreak) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = s
}

// SetCollection sets the historical prompts (also used as the featured list).
func (b *Backend) SetCollection(ps []compass.Prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collection = ps
	if len(ps) > 3 {
		b.featured = ps[:3]
	} else {
		b.featured = ps
	}
}

// Count returns how many requests reached route.
func (b *Backend) Count(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[route]
}

// LastQuery returns the query string of the latest request to route.
func (b *Backend) LastQuery(route string) url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[route]
}

// Engagements returns every recorded engagement POST.
func (b *Backend) Engagements() []Recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Recorded(nil), b.engagements...)
}

// FailNext queues a failure for the next request to route.
func (b *Backend) FailNext(route string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = append(b.failures[route], f)
}

// Hold blocks responses on route until the returned release func is called.
func (b *Backend) Hold(route string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[route] = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, route)
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *Backend) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/daily-compass", func(r chi.Router) {
		r.Use(b.optionalBearer)
		r.Get("/today/", b.track(RouteToday, b.handleToday))
		r.Get("/collection/", b.track(RouteCollection, b.handleCollection))
		r.Get("/featured/", b.track(RouteFeatured, b.handleFeatured))
		r.Get("/categories/", b.track(RouteCategories, b.handleCategories))
		r.Group(func(r chi.Router) {
			r.Use(b.requireBearer)
			r.Get("/streak/", b.track(RouteStreak, b.handleStreak))
			r.Post("/{promptID}/engage/", b.track(RouteEngage, b.handleEngage))
		})
	})
	return r
}

type authKey struct{}

// optionalBearer rejects a present-but-invalid token and lets anonymous
// requests through.
func (b *Backend) optionalBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !b.validBearer(auth) {
			writeDetail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithAuth(r, true)))
	})
}

func (b *Backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAuthed(r) {
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) validBearer(auth string) bool {
	const prefix = "Bearer "
	tok := b.Token()
	return strings.HasPrefix(auth, prefix) && subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(tok)) == 1
}

// track counts the request, applies queued failures and holds.
func (b *Backend) track(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.counts[route]++
		b.queries[route] = r.URL.Query()
		var fail *Failure
		if q := b.failures[route]; len(q) > 0 {
			f := q[0]
			fail = &f
			b.failures[route] = q[1:]
		}
		gate := b.gates[route]
		b.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if fail != nil {
			if fail.RetryAfter != "" {
				w.Header().Set("Retry-After", fail.RetryAfter)
			}
			writeDetail(w, fail.Status, fail.Detail)
			return
		}
		h(w, r)
	}
}

func (b *Backend) handleToday(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.today == nil {
		writeDetail(w, http.StatusNotFound, "No prompt scheduled for today.")
		return
	}
	p := *b.today
	p.UserEngagement = nil
	if r.URL.Query().Get("includeEngagement") == "true" && isAuthed(r) {
		if e, ok := b.engagement[p.ID]; ok {
			p.UserEngagement = &e
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (b *Backend) handleCollection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}

	b.mu.Lock()
	var matched []compass.Prompt
	for _, p := range b.collection {
		if c := q.Get("category"); c != "" && p.Category != c {
			continue
		}
		if s := strings.ToLower(q.Get("search")); s != "" &&
			!strings.Contains(strings.ToLower(p.Title), s) && !strings.Contains(strings.ToLower(p.Body), s) {
			continue
		}
		p.UserEngagement = nil
		if e, ok := b.engagement[p.ID]; ok && q.Get("includeEngagement") == "true" && isAuthed(r) {
			p.UserEngagement = &e
		}
		matched = append(matched, p)
	}
	categories := append([]string(nil), b.categories...)
	b.mu.Unlock()

	if q.Get("sortBy") == string(compass.SortByDate) {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Date > matched[j].Date })
	}

	total := len(matched)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, compass.PromptCollection{
		Prompts:     matched[start:end],
		TotalCount:  total,
		Categories:  categories,
		CurrentPage: page,
		TotalPages:  (total + pageSize - 1) / pageSize,
	})
}

func (b *Backend) handleFeatured(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]compass.Prompt, 0, len(b.featured))
	out = append(out, b.featured...)
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleCategories(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, b.categories)
}

func (b *Backend) handleStreak(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, b.streak)
}

func (b *Backend) handleEngage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "promptID"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid prompt id")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.engagements = append(b.engagements, Recorded{PromptID: id, Body: body, Auth: r.Header.Get("Authorization")})

	e := b.engagement[id]
	if v, ok := body["reflection"].(string); ok {
		e.Reflection = v
	}
	if v, ok := body["rating"].(float64); ok {
		e.Rating = int(v)
	}
	if done, _ := body["completed"].(bool); done && !e.Completed {
		now := time.Now().UTC()
		e.Completed = true
		e.CompletedAt = &now
		b.streak.CurrentStreak++
		if b.streak.CurrentStreak > b.streak.LongestStreak {
			b.streak.LongestStreak = b.streak.CurrentStreak
		}
		b.streak.LastCompletedDate = now.Format(time.DateOnly)
		b.streak.StreakHistory = append(b.streak.StreakHistory, compass.HistoryEntry{
			Date: b.streak.LastCompletedDate, PromptID: id, Completed: true,
		})
	}
	b.engagement[id] = e
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	if detail == "" {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
