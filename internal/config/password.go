package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shawl-hpc/shawl/internal/constants"
)

// SecretBox seals and opens the password stored in the token file.
// *encryption.Sealer satisfies it.
type SecretBox interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// ResolvePassword returns the remote password and where it came from.
//
// Priority (highest to lowest):
//  1. flag (explicitly provided password)
//  2. token-file (written by 'shawl configure', opened with box)
//  3. environment (SHAWL_PASSWORD)
//
// Returns ("", "") if no source has a password.
func ResolvePassword(flag, tokenPath string, box SecretBox) (string, string) {
	if flag != "" {
		return flag, "flag"
	}

	if tokenPath != "" {
		if pw, err := ReadTokenFile(tokenPath, box); err == nil && pw != "" {
			return pw, "token-file"
		}
	}

	if env := os.Getenv(constants.PasswordEnvVar); env != "" {
		return env, "environment"
	}

	return "", ""
}

// ReadTokenFile reads and opens the password stored at path.
func ReadTokenFile(path string, box SecretBox) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if box == nil {
		return value, nil
	}
	return box.Open(value)
}

// WriteTokenFile seals password with box and writes it to path with
// owner-only permissions.
func WriteTokenFile(path, password string, box SecretBox) error {
	if path == "" {
		return errors.New("token path cannot be empty")
	}
	value := password
	if box != nil {
		sealed, err := box.Seal(password)
		if err != nil {
			return fmt.Errorf("failed to seal password: %w", err)
		}
		value = sealed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(value+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set token permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save token file: %w", err)
	}
	return nil
}
