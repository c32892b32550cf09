//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// errSecNotFound is the security CLI's exit status for a missing item.
const errSecNotFound = 44

func security(args ...string) ([]byte, error) {
	out, err := exec.Command("security", args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecNotFound {
		return nil, fmt.Errorf("keychain item not found: %w", err)
	}
	return out, err
}

func keychainGet(service, account string) ([]byte, error) {
	return security("find-generic-password", "-s", service, "-a", account, "-w")
}

// keychainSet updates the item in place when it already exists.
func keychainSet(service, account, value string) error {
	_, err := security("add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	return err
}

func keychainDelete(service, account string) error {
	_, err := exec.Command("security", "delete-generic-password", "-s", service, "-a", account).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecNotFound {
		return nil
	}
	return err
}
