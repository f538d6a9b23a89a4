package security

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_SealOpenRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	v, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)

	plaintext := []byte("super-secret-password")
	ciphertext, nonce, version, err := v.Seal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	got, err := v.Open(ciphertext, nonce, version)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestVault_RotatePreservesOldVersions(t *testing.T) {
	fs := afero.NewMemMapFs()
	v, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)

	plaintext := []byte("old-version-secret")
	ciphertext, nonce, oldVersion, err := v.Seal(plaintext)
	require.NoError(t, err)

	newVersion, err := v.Rotate()
	require.NoError(t, err)
	assert.Equal(t, oldVersion+1, newVersion)
	assert.Equal(t, newVersion, v.CurrentVersion())

	// Old ciphertext still opens under its original version.
	got, err := v.Open(ciphertext, nonce, oldVersion)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// New encryptions use the rotated version.
	_, _, version, err := v.Seal([]byte("new-secret"))
	require.NoError(t, err)
	assert.Equal(t, newVersion, version)
}

func TestVault_OpenWithTamperedCiphertextFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	v, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)

	ciphertext, nonce, version, err := v.Seal([]byte("data"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF
	_, err = v.Open(ciphertext, nonce, version)
	assert.Error(t, err)
}

func TestVault_OpenUnknownVersionFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	v, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)

	ciphertext, nonce, _, err := v.Seal([]byte("data"))
	require.NoError(t, err)

	_, err = v.Open(ciphertext, nonce, 99)
	assert.Error(t, err)
}

func TestNewVault_ReusesExistingKeyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	v1, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)
	ciphertext, nonce, version, err := v1.Seal([]byte("persisted"))
	require.NoError(t, err)

	v2, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)
	got, err := v2.Open(ciphertext, nonce, version)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}
