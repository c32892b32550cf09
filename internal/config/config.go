package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SecretService is the secret-store service name used for all compass secrets.
const SecretService = "compass"

type Config struct {
	API      APIConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Autosave AutosaveConfig
	Retry    RetryConfig
	Log      LogConfig
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AuthConfig struct {
	RefreshURL string
	APIKey     string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	PromptTTL time.Duration
	StreakTTL time.Duration
}

type AutosaveConfig struct {
	Delay time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	MaxBackoff  time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			RefreshURL: "https://securetoken.googleapis.com/v1/token",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			PromptTTL: 12 * time.Hour,
			StreakTTL: time.Hour,
		},
		Autosave: AutosaveConfig{
			Delay: 2 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			MaxBackoff:  10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.compass.cli) and secrets
// live in the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/compass/config.json
// and secrets live in $XDG_DATA_HOME/compass/secrets.json.
//
// Precedence, lowest first: defaults, backend, .env, COMPASS_* environment.
// Variables already set in the environment are never overwritten by .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), SecretStore{})
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
	Delete(service, account string) error
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.APIKey == "" {
		if key, err := kc.Get(SecretService, "auth_api_key"); err == nil && key != "" {
			cfg.Auth.APIKey = key
		}
	}

	if cfg.API.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: api.base_url (env COMPASS_API_BASE_URL)")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("retry.max_attempts must not be negative, got %d", cfg.Retry.MaxAttempts)
	}

	return cfg, nil
}

// SecretStore is the platform secret store: the macOS Keychain via the
// security CLI, or a 0600 JSON file elsewhere.
type SecretStore struct{}

func (SecretStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (SecretStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

func (SecretStore) Delete(service, account string) error {
	return keychainDelete(service, account)
}
