//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// xdgPath resolves elem under $env, or under ~/fallback when env is unset.
func xdgPath(env, fallback string, elem ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, fallback)
		} else {
			dir = "."
		}
	}
	return filepath.Join(append([]string{dir}, elem...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "compass")
}

// jsonFile is a JSON document that is replaced atomically on write.
type jsonFile struct {
	path string
}

func (f jsonFile) read(v any) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return nil
}

func (f jsonFile) write(v any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(f.path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".compass-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// fileBackend keeps config as a flat JSON object at
// $XDG_CONFIG_HOME/compass/config.json.
type fileBackend struct {
	file jsonFile
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := newFileBackend(xdgPath("XDG_CONFIG_HOME", ".config", "compass", "config.json"))
	if err := b.load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return b
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{file: jsonFile{path: path}, data: make(map[string]any)}
}

func (b *fileBackend) load() error {
	if err := b.file.read(&b.data); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
	return nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

// GetDuration reads a duration string; a JSON number is taken as seconds.
func (b *fileBackend) GetDuration(key string) (time.Duration, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case string:
		d, err := parseDuration(key, val)
		return d, true, err
	case float64:
		if val < 0 {
			return 0, true, fmt.Errorf("negative duration for %s: %v", key, val)
		}
		return time.Duration(val * float64(time.Second)), true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) set(key string, v any) error {
	b.data[key] = v
	return b.file.write(b.data)
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *fileBackend) SetDuration(key string, val time.Duration) error {
	return b.set(key, val.String())
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.file.write(b.data)
}
