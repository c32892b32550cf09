package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/compasstest"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/outbox"
	"github.com/kalambet/compass/internal/storage"
)

type memSecrets struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemSecrets() *memSecrets { return &memSecrets{m: map[string]string{}} }

func (s *memSecrets) Get(service, account string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (s *memSecrets) Set(service, account, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[service+"/"+account] = value
	return nil
}

func (s *memSecrets) Delete(service, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, service+"/"+account)
	return nil
}

type cliEnv struct {
	backend *compasstest.Backend
	secrets *memSecrets
	dataDir string
}

// newCLIEnv points newApp at a fake backend and a temp data dir. signedIn
// stores the backend's accepted token as the session's id token.
func newCLIEnv(t *testing.T, signedIn bool) *cliEnv {
	t.Helper()
	backend := compasstest.New(t)
	backend.SetToday(compass.Prompt{ID: 42, Title: "Breathe", Body: "Take three slow breaths.", Category: "breath"})
	backend.SetStreak(compass.UserStreak{CurrentStreak: 2, LongestStreak: 5})
	backend.SetCollection([]compass.Prompt{
		{ID: 1, Title: "Walk", Body: "Take a walk", Category: "movement", Date: "2026-03-01"},
	})

	env := &cliEnv{backend: backend, secrets: newMemSecrets(), dataDir: t.TempDir()}
	if signedIn {
		env.secrets.Set(config.SecretService, "id_token", backend.Token())
	}

	cfg := config.Config{
		API:      config.APIConfig{BaseURL: backend.URL(), Timeout: 5 * time.Second},
		Storage:  config.StorageConfig{DataDir: env.dataDir},
		Cache:    config.CacheConfig{PromptTTL: time.Hour, StreakTTL: time.Hour},
		Autosave: config.AutosaveConfig{Delay: time.Second},
		Retry:    config.RetryConfig{MaxAttempts: 0, MaxBackoff: time.Second},
		Log:      config.LogConfig{Level: "error"},
	}

	old := newApp
	newApp = func() (*app, error) { return openApp(cfg, env.secrets) }
	t.Cleanup(func() { newApp = old })
	return env
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		asJSON = false
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func pendingJobs(t *testing.T, dataDir string) int {
	t.Helper()
	db, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer db.Close()
	n, err := db.CountJobs(outbox.JobType, "pending")
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	return n
}

func TestTodayCommand_JSON(t *testing.T) {
	newCLIEnv(t, true)

	out, err := runCLI(t, "today", "--json")
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	var p compass.Prompt
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("decoding output %q: %v", out, err)
	}
	if p.ID != 42 || p.UserEngagement == nil {
		t.Errorf("prompt = %+v", p)
	}
}

func TestTodayCommand_ServedFromCache(t *testing.T) {
	env := newCLIEnv(t, false)

	for i := 0; i < 2; i++ {
		if _, err := runCLI(t, "today"); err != nil {
			t.Fatalf("today #%d: %v", i, err)
		}
	}
	if n := env.backend.Count(compasstest.RouteToday); n != 1 {
		t.Errorf("today requests = %d, want 1", n)
	}
}

func TestCollectionCommand_BadSort(t *testing.T) {
	env := newCLIEnv(t, false)

	_, err := runCLI(t, "collection", "--sort", "random")
	if err == nil || !strings.Contains(err.Error(), "unknown sort key") {
		t.Fatalf("err = %v", err)
	}
	if n := env.backend.Count(compasstest.RouteCollection); n != 0 {
		t.Errorf("collection requests = %d, want 0", n)
	}
	collectionCmd.Flags().Set("sort", "")
}

func TestStreakCommand_Anonymous(t *testing.T) {
	env := newCLIEnv(t, false)

	_, err := runCLI(t, "streak")
	if err == nil || !strings.Contains(err.Error(), "compass login") {
		t.Fatalf("err = %v", err)
	}
	if n := env.backend.Count(compasstest.RouteStreak); n != 0 {
		t.Errorf("streak requests = %d, want 0", n)
	}
}

func TestStreakCommand(t *testing.T) {
	newCLIEnv(t, true)

	out, err := runCLI(t, "--no-color", "streak", "--days", "7")
	if err != nil {
		t.Fatalf("streak: %v", err)
	}
	if !strings.Contains(out, "Current streak: 2 days") || !strings.Contains(out, "Longest streak: 5 days") {
		t.Errorf("output = %q", out)
	}
	noColor = false
}

func TestCompleteCommand(t *testing.T) {
	env := newCLIEnv(t, true)

	if _, err := runCLI(t, "complete", "--rating", "4", "--reflection", "calm"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	recs := env.backend.Engagements()
	if len(recs) != 1 {
		t.Fatalf("engagements = %d, want 1", len(recs))
	}
	if recs[0].PromptID != 42 || recs[0].Body["completed"] != true || recs[0].Body["rating"] != float64(4) {
		t.Errorf("engagement = %+v", recs[0])
	}
	completeCmd.Flags().Set("reflection", "")
}

func TestCompleteCommand_RequiresRating(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := runCLI(t, "complete", "--rating", "0")
	if err == nil {
		t.Fatal("expected error without rating")
	}
	if n := env.backend.Count(compasstest.RouteEngage); n != 0 {
		t.Errorf("engage requests = %d, want 0", n)
	}
}

func TestCompleteCommand_QueuedThenSynced(t *testing.T) {
	env := newCLIEnv(t, true)
	env.backend.FailNext(compasstest.RouteEngage, compasstest.Failure{Status: 503})

	if _, err := runCLI(t, "complete", "--rating", "5"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := pendingJobs(t, env.dataDir); n != 1 {
		t.Fatalf("pending jobs = %d, want 1", n)
	}

	if _, err := runCLI(t, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n := pendingJobs(t, env.dataDir); n != 0 {
		t.Errorf("pending jobs after sync = %d, want 0", n)
	}
	recs := env.backend.Engagements()
	if len(recs) != 1 || recs[0].Body["completed"] != true {
		t.Errorf("engagements = %+v", recs)
	}
}

func TestReflectCommand_AnonymousStaysLocal(t *testing.T) {
	env := newCLIEnv(t, false)

	if _, err := runCLI(t, "reflect", "--prompt", "42", "just", "thinking"); err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if n := env.backend.Count(compasstest.RouteEngage); n != 0 {
		t.Errorf("engage requests = %d, want 0", n)
	}
	reflectCmd.Flags().Set("prompt", "0")
}

func TestLoginLogout(t *testing.T) {
	env := newCLIEnv(t, false)

	if _, err := runCLI(t, "login", "--id-token", env.backend.Token()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if v, err := env.secrets.Get(config.SecretService, "id_token"); err != nil || v != env.backend.Token() {
		t.Fatalf("id token = %q, %v", v, err)
	}
	loginCmd.Flags().Set("id-token", "")

	if _, err := runCLI(t, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.secrets.Get(config.SecretService, "id_token"); err == nil {
		t.Error("id token still stored after logout")
	}
}

func TestMCPToken_CreatedOnce(t *testing.T) {
	secrets := newMemSecrets()

	first, err := mcpToken(secrets)
	if err != nil || first == "" {
		t.Fatalf("mcpToken = %q, %v", first, err)
	}
	second, err := mcpToken(secrets)
	if err != nil || second != first {
		t.Errorf("second token = %q, want %q", second, first)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "bogus"} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("newLogger(%q): %v", level, err)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStars(t *testing.T) {
	if got := stars(3); got != "★★★☆☆" {
		t.Errorf("stars(3) = %q", got)
	}
}

func TestDescribe(t *testing.T) {
	err := describe(&compass.Error{Kind: compass.KindAuthRequired, Message: "sign in"})
	if !strings.Contains(err.Error(), "compass login") {
		t.Errorf("describe = %v", err)
	}
	if compass.KindOf(err) != compass.KindAuthRequired {
		t.Error("describe lost the error kind")
	}
}
