package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// PermSecretFile is owner read/write only.
	PermSecretFile os.FileMode = 0o600
	// PermSecretDir is owner-only access.
	PermSecretDir os.FileMode = 0o700
	// PermPublicFile is the permission for exports and other shareable files.
	PermPublicFile os.FileMode = 0o644
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// WriteSecureFile writes data to path atomically: the bytes go to a
// temporary sibling which is synced and renamed over path.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	var suffix [8]byte
	rand.Read(suffix[:])
	tmpPath := path + ".tmp." + hex.EncodeToString(suffix[:])

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// WriteSecretFile writes data owner-readable only.
func WriteSecretFile(path string, data []byte) error {
	return WriteSecureFile(path, data, PermSecretFile)
}

// ReadSecureFile reads path, refusing files larger than maxSize and, on
// Unix, files readable by group or others.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %o", ErrInsecurePermissions, path, info.Mode().Perm())
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	return io.ReadAll(io.LimitReader(f, maxSize))
}

// EnsureSecureDir creates path with owner-only permissions and tightens an
// existing directory that is more open than that.
func EnsureSecureDir(path string) error {
	if err := os.MkdirAll(path, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if runtime.GOOS == "windows" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(path, PermSecretDir); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", ErrInsecurePermissions, path, err)
		}
	}
	return nil
}
