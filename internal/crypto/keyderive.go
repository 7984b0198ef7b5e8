// Package encryption seals secrets that are persisted next to the run state.
// This file implements the key file handling and HKDF-based key derivation.
package encryption

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// KeySize is the size of the master key and of every derived key (AES-256).
	KeySize = 32

	// purposeCredential scopes derived keys so the same master key can serve
	// other secrets later without key reuse.
	purposeCredential = "shawl/credential/v1"
)

// GenerateKey generates a random 256-bit master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey reads the master key at path, creating it with owner-only
// permissions when it does not exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s must be %d bytes, got %d", path, KeySize, len(data))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	// O_EXCL so two processes racing on first start cannot both write a key
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadOrCreateKey(path)
		}
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close key file: %w", err)
	}
	return key, nil
}

// DeriveKey derives a purpose-bound key from the master key using HKDF-SHA256.
// Deterministic: the same inputs always produce the same key.
func DeriveKey(masterKey []byte, purpose string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if purpose == "" {
		return nil, fmt.Errorf("key purpose cannot be empty")
	}
	key, err := hkdf.Key(sha256.New, masterKey, nil, purpose, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key material: %w", err)
	}
	return key, nil
}
