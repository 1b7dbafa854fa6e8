package security

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey(KeySize)
	require.NoError(t, err)
	b, err := GenerateKey(KeySize)
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.False(t, bytes.Equal(a, b))

	_, err = GenerateKey(8)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master, err := GenerateKey(KeySize)
	require.NoError(t, err)

	j1, err := DeriveKeyWithLabel(master, "journal", 32)
	require.NoError(t, err)
	j2, err := DeriveKeyWithLabel(master, "journal", 32)
	require.NoError(t, err)
	other, err := DeriveKeyWithLabel(master, "export", 32)
	require.NoError(t, err)

	assert.Equal(t, j1, j2)
	assert.NotEqual(t, j1, other)
	assert.NotEqual(t, master, j1)

	_, err = DeriveKeyWithLabel([]byte("short"), "journal", 32)
	assert.ErrorIs(t, err, ErrWeakKey)
	_, err = DeriveKeyWithLabel(master, "journal", 4)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"random", []byte("0123456789abcdef0123"), false},
		{"too short", []byte("abc"), true},
		{"all zero", make([]byte, 32), true},
		{"repeated byte", bytes.Repeat([]byte{0x41}, 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyStrength(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWeakKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	created, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, created, KeySize)

	loaded, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermSecretFile, info.Mode().Perm())
	}
}

func TestLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	_, err := LoadKey(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	created, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)
}

func TestWipe(t *testing.T) {
	data := []byte("sensitive")
	Wipe(data)
	assert.Equal(t, make([]byte, 9), data)
}

func TestWriteSecureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteSecureFile(path, []byte("first"), PermPublicFile))
	require.NoError(t, WriteSecureFile(path, []byte("second"), PermPublicFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	matches, err := filepath.Glob(filepath.Join(dir, "nested", "*.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestReadSecureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, WriteSecretFile(path, []byte("0123456789")))

	data, err := ReadSecureFile(path, 64)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	_, err = ReadSecureFile(path, 4)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = ReadSecureFile(filepath.Join(dir, "missing"), 64)
	assert.ErrorIs(t, err, os.ErrNotExist)

	if runtime.GOOS != "windows" {
		require.NoError(t, os.Chmod(path, 0o644))
		_, err = ReadSecureFile(path, 64)
		assert.ErrorIs(t, err, ErrInsecurePermissions)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(path, 0o755))

	require.NoError(t, EnsureSecureDir(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PermSecretDir, info.Mode().Perm())
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editlog.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())

	_, err = AcquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
