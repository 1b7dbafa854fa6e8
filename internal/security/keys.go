// Package security holds the key material and file-safety helpers editlog
// uses for its draft journal and data directory.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// KeySize is the size of keys editlog generates.
const KeySize = 32

// GenerateKey returns size cryptographically random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKey derives a key from masterKey with HKDF-SHA256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if err := ValidateKeyStrength(masterKey); err != nil {
		return nil, err
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	derived := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, salt, info), derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveKeyWithLabel derives a purpose-specific key so one master key never
// serves two uses directly.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("editlog:"+label), keySize)
}

// ValidateKeyStrength rejects short keys and keys made of a single
// repeated byte.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required", ErrWeakKey, len(key), MinKeySize)
	}
	for _, b := range key[1:] {
		if b != key[0] {
			return nil
		}
	}
	return fmt.Errorf("%w: key repeats a single byte", ErrWeakKey)
}

// LoadKey reads the master key stored at path. A missing file is reported
// as os.ErrNotExist.
func LoadKey(path string) ([]byte, error) {
	key, err := ReadSecureFile(path, 1024)
	if err != nil {
		return nil, err
	}
	if err := ValidateKeyStrength(key); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

// LoadOrCreateKey reads the master key stored at path, generating and
// saving a new one when the file does not exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKey(KeySize)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, key); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return key, nil
}

// Wipe zeroes data in place.
func Wipe(data []byte) {
	clear(data)
}
