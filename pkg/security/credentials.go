package security

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// CredentialStore is the Credential Store component (C11): it seals a
// Host's password or private key with the active Vault key before handing
// it to storage, and opens it again only at the point of use (building an
// SSH session), never logging or returning plaintext elsewhere.
type CredentialStore struct {
	vault *Vault
	store storage.Store
}

// NewCredentialStore wires a Vault to the durable store.
func NewCredentialStore(vault *Vault, store storage.Store) *CredentialStore {
	return &CredentialStore{vault: vault, store: store}
}

// Put seals plaintext (a password or PEM-encoded private key) and upserts
// the Credential row for hostID.
func (c *CredentialStore) Put(hostID string, kind types.CredentialKind, plaintext []byte) error {
	ciphertext, nonce, keyVersion, err := c.vault.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal credential for host %s: %w", hostID, err)
	}

	existing, err := c.store.GetCredentialByHost(hostID)
	now := time.Now()
	cred := &types.Credential{
		HostID:     hostID,
		Kind:       kind,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: keyVersion,
		UpdatedAt:  now,
	}
	if err != nil {
		cred.ID = uuid.NewString()
		cred.CreatedAt = now
	} else {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	}

	return c.store.PutCredential(cred)
}

// Get opens the stored Credential for hostID and returns the plaintext. A
// decrypt failure is always returned as an error; this function never
// returns a partial or fallback plaintext.
func (c *CredentialStore) Get(hostID string) ([]byte, types.CredentialKind, error) {
	cred, err := c.store.GetCredentialByHost(hostID)
	if err != nil {
		return nil, "", err
	}
	plaintext, err := c.vault.Open(cred.Ciphertext, cred.Nonce, cred.KeyVersion)
	if err != nil {
		return nil, "", fmt.Errorf("open credential for host %s: %w", hostID, err)
	}
	return plaintext, cred.Kind, nil
}

// Delete removes the Credential row for hostID, used when a host is
// decommissioned.
func (c *CredentialStore) Delete(hostID string) error {
	return c.store.DeleteCredential(hostID)
}

// Reencrypt re-seals the Credential rows of hostIDs under the Vault's
// current key version. Call after Rotate so old key versions can eventually be
// retired from the key file.
func (c *CredentialStore) Reencrypt(hostIDs []string) error {
	for _, hostID := range hostIDs {
		plaintext, kind, err := c.Get(hostID)
		if err != nil {
			return fmt.Errorf("reencrypt host %s: %w", hostID, err)
		}
		if err := c.Put(hostID, kind, plaintext); err != nil {
			return fmt.Errorf("reencrypt host %s: %w", hostID, err)
		}
	}
	return nil
}
