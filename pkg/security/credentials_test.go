package security

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// memStore is a minimal in-memory credentials-only stand-in, enough to
// exercise CredentialStore without pulling in a full BoltStore. Embedding
// the storage.Store interface satisfies every method this test never
// calls; only the credential methods are overridden below.
type memStore struct {
	storage.Store
	creds map[string]*types.Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*types.Credential)}
}

func (m *memStore) PutCredential(c *types.Credential) error {
	cp := *c
	m.creds[c.HostID] = &cp
	return nil
}

func (m *memStore) GetCredentialByHost(hostID string) (*types.Credential, error) {
	c, ok := m.creds[hostID]
	if !ok {
		return nil, assertNotFound(hostID)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) DeleteCredential(hostID string) error {
	delete(m.creds, hostID)
	return nil
}

func assertNotFound(hostID string) error {
	return &notFoundErr{hostID: hostID}
}

type notFoundErr struct{ hostID string }

func (e *notFoundErr) Error() string { return "credential not found: " + e.hostID }

func TestCredentialStore_PutGetRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	vault, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)

	store := newMemStore()
	cs := NewCredentialStore(vault, store)

	err = cs.Put("host-1", types.CredentialPassword, []byte("hunter2"))
	require.NoError(t, err)

	plaintext, kind, err := cs.Get("host-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)
	assert.Equal(t, types.CredentialPassword, kind)
}

func TestCredentialStore_PutOverwritesPreservesID(t *testing.T) {
	fs := afero.NewMemMapFs()
	vault, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)
	store := newMemStore()
	cs := NewCredentialStore(vault, store)

	require.NoError(t, cs.Put("host-1", types.CredentialPassword, []byte("first")))
	firstID := store.creds["host-1"].ID
	firstCreatedAt := store.creds["host-1"].CreatedAt

	time.Sleep(time.Millisecond)
	require.NoError(t, cs.Put("host-1", types.CredentialPassword, []byte("second")))

	assert.Equal(t, firstID, store.creds["host-1"].ID)
	assert.Equal(t, firstCreatedAt, store.creds["host-1"].CreatedAt)

	plaintext, _, err := cs.Get("host-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plaintext)
}

func TestCredentialStore_ReencryptAfterRotation(t *testing.T) {
	fs := afero.NewMemMapFs()
	vault, err := NewVault(fs, "/keys/master")
	require.NoError(t, err)
	store := newMemStore()
	cs := NewCredentialStore(vault, store)

	require.NoError(t, cs.Put("host-1", types.CredentialPrivateKey, []byte("key-material")))
	oldVersion := store.creds["host-1"].KeyVersion

	_, err = vault.Rotate()
	require.NoError(t, err)

	require.NoError(t, cs.Reencrypt([]string{"host-1"}))
	assert.Greater(t, store.creds["host-1"].KeyVersion, oldVersion)

	plaintext, _, err := cs.Get("host-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), plaintext)
}
