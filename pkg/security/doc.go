/*
Package security implements the Credential Store (C11) and the self-signed
certificate fallback used by the Domain Mapping Engine (C8).

# Credential Store

Every Host's password or private key is sealed with AES-256-GCM before it
reaches storage, via a Vault holding one or more master-key versions:

	Vault.Seal(plaintext)   -> ciphertext, nonce, keyVersion
	Vault.Open(ciphertext, nonce, keyVersion) -> plaintext

The master key lives in a key file (one "version base64Key" line per
version) rather than being derived from any in-memory cluster secret, so it
survives process restarts on its own. Rotation appends a new version; old
versions stay loaded so previously sealed Credential rows keep decrypting
until CredentialStore.Reencrypt re-seals them under the new version.

A decrypt failure is always an error. Nothing in this package has a
fallback path that returns zero-value or partial plaintext.

# Self-signed certificates

IssueSelfSigned produces a single self-signed leaf certificate for a
domain, used when ACME issuance is unavailable. It carries no CA hierarchy:
this control plane has exactly one certificate consumer per domain (the
reverse proxy host serving it), so there is nothing for a shared root to
help trust.
*/
package security
