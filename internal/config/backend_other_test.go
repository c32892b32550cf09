//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackendRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "compass", "config.json")
	b := newFileBackend(p)

	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetInt("retry.max_attempts", 4); err != nil {
		t.Fatal(err)
	}
	if err := b.SetDuration("autosave.delay", 3*time.Second); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	reloaded := newFileBackend(p)
	if err := reloaded.load(); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := reloaded.GetString("log.level"); !ok || v != "debug" {
		t.Errorf("log.level = %q, %v", v, ok)
	}
	if v, ok, _ := reloaded.GetInt("retry.max_attempts"); !ok || v != 4 {
		t.Errorf("retry.max_attempts = %d, %v", v, ok)
	}
	if v, ok, _ := reloaded.GetDuration("autosave.delay"); !ok || v != 3*time.Second {
		t.Errorf("autosave.delay = %v, %v", v, ok)
	}

	if err := reloaded.Delete("log.level"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := reloaded.GetString("log.level"); ok {
		t.Error("log.level still present after Delete")
	}
}

func TestFileBackendDurationAsSeconds(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(`{"api.timeout": 30, "cache.prompt_ttl": "bogus"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b := newFileBackend(p)
	if err := b.load(); err != nil {
		t.Fatal(err)
	}
	if d, ok, err := b.GetDuration("api.timeout"); err != nil || !ok || d != 30*time.Second {
		t.Errorf("api.timeout = %v, %v, %v", d, ok, err)
	}
	if _, ok, err := b.GetDuration("cache.prompt_ttl"); !ok || err == nil {
		t.Errorf("expected parse error, got ok=%v err=%v", ok, err)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "absent.json"))
	if err := b.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok, _ := b.GetString("api.base_url"); ok {
		t.Error("unexpected value from missing file")
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet("compass", "id_token"); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := keychainSet("compass", "id_token", "tok"); err != nil {
		t.Fatal(err)
	}
	got, err := keychainGet("compass", "id_token")
	if err != nil || string(got) != "tok" {
		t.Fatalf("keychainGet = %q, %v", got, err)
	}
	if err := keychainDelete("compass", "id_token"); err != nil {
		t.Fatal(err)
	}
	if _, err := keychainGet("compass", "id_token"); err == nil {
		t.Error("secret still present after delete")
	}
}
