package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConfigBackend persists non-secret keys. macOS keeps them in the
// com.compass.cli defaults domain, other platforms in a JSON file.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}

// parseDuration accepts Go duration syntax ("90s", "12h") or a bare number
// of seconds.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration for %s: %d", key, n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration for %s: %s", key, raw)
	}
	return d, nil
}
