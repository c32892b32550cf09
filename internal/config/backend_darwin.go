//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.compass.cli"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "compass")
	}
	return "compass-data"
}

// errNoDefault is returned by a defaults runner when the key is absent.
var errNoDefault = errors.New("no such default")

// darwinBackend stores keys in a UserDefaults domain through the defaults CLI.
type darwinBackend struct {
	domain string
	run    func(args ...string) (string, error)
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain, run: runDefaults}
}

func runDefaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if args[0] == "read" && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", errNoDefault
		}
		return "", fmt.Errorf("defaults %s: %w, output: %s", strings.Join(args, " "), err, s)
	}
	return s, nil
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) GetDuration(key string) (time.Duration, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	d, err := parseDuration(key, s)
	return d, true, err
}

func (b *darwinBackend) SetString(key, val string) error {
	_, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) SetDuration(key string, val time.Duration) error {
	return b.SetString(key, val.String())
}

func (b *darwinBackend) Delete(key string) error {
	_, err := b.run("delete", b.domain, key)
	return err
}
