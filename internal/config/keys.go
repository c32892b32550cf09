package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	check   func(raw string) error // optional, applied by SetKey
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "COMPASS_API_BASE_URL",
		check:   checkHTTPURL,
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.timeout", typ: kDuration, env: "COMPASS_API_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.API.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.API.Timeout },
	},
	{
		key: "auth.refresh_url", typ: kString, env: "COMPASS_AUTH_REFRESH_URL",
		check:   checkHTTPURL,
		apply:   func(cfg *Config, v any) { cfg.Auth.RefreshURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.RefreshURL },
	},
	{
		key: "auth.api_key", typ: kString, env: "COMPASS_AUTH_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMPASS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.prompt_ttl", typ: kDuration, env: "COMPASS_CACHE_PROMPT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.PromptTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.PromptTTL },
	},
	{
		key: "cache.streak_ttl", typ: kDuration, env: "COMPASS_CACHE_STREAK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.StreakTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.StreakTTL },
	},
	{
		key: "autosave.delay", typ: kDuration, env: "COMPASS_AUTOSAVE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Autosave.Delay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Autosave.Delay },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "COMPASS_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.max_backoff", typ: kDuration, env: "COMPASS_RETRY_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxBackoff },
	},
	{
		key: "log.level", typ: kString, env: "COMPASS_LOG_LEVEL",
		check:   checkLogLevel,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			d, ok, err := b.GetDuration(s.key)
			switch {
			case err != nil && ok:
				fmt.Fprintf(os.Stderr, "[WARN] %v. Using default value.\n", err)
			case err != nil:
				return fmt.Errorf("reading %s: %w", s.key, err)
			case ok:
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(s.env, raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] %v. Using default value.\n", err)
			}
		}
	}
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

func checkLogLevel(raw string) error {
	switch strings.ToLower(raw) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q (want debug, info, warn or error)", raw)
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}
