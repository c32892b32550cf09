//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
)

// Secrets live in $XDG_DATA_HOME/compass/secrets.json as service -> account -> value.
var secretsMu sync.Mutex

func secretsFile() jsonFile {
	return jsonFile{path: xdgPath("XDG_DATA_HOME", ".local/share", "compass", "secrets.json")}
}

func readSecrets() (map[string]map[string]string, error) {
	secrets := make(map[string]map[string]string)
	if err := secretsFile().read(&secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	secrets, err := readSecrets()
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("account %q not found in service %q", account, service)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	secrets, err := readSecrets()
	if errors.Is(err, fs.ErrNotExist) {
		secrets = make(map[string]map[string]string)
	} else if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return secretsFile().write(secrets)
}

func keychainDelete(service, account string) error {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	secrets, err := readSecrets()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := secrets[service][account]; !ok {
		return nil
	}
	delete(secrets[service], account)
	return secretsFile().write(secrets)
}
