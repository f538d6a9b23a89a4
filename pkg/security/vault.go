// Package security implements the Credential Store (C11): at-rest
// encryption of host passwords and private keys, and the self-signed
// certificate fallback used by the Domain Mapping Engine (C8) when ACME
// issuance is unavailable. Adapted from the teacher's secrets/CA handling:
// same AES-256-GCM scheme, except that Seal returns the nonce as its own
// value instead of prepending it to the ciphertext, and the same "decrypt
// failure is fatal, never return plaintext on error" discipline.
package security

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/tovfikur/infra-controlplane/pkg/log"
)

// keyFileLine format: "<version> <base64-encoded 32-byte key>", one per
// line, oldest first. The highest version present is active for new
// encryptions; every version stays resident so Credential rows written
// under an older key version can still be decrypted after rotation.
type keyFileLine struct {
	version int
	key     []byte
}

// Vault holds every live master-key version for the Credential Store and
// watches its key file for rotation.
type Vault struct {
	mu      sync.RWMutex
	fs      afero.Fs
	keyPath string
	keys    map[int][]byte
	current int

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewVault loads the master key file at keyPath (creating a fresh
// single-version key if it does not exist). It does not watch the file;
// Watch does that. fs is injectable for tests; callers outside tests
// should pass afero.NewOsFs().
func NewVault(fs afero.Fs, keyPath string) (*Vault, error) {
	v := &Vault{
		fs:      fs,
		keyPath: keyPath,
		keys:    make(map[int][]byte),
		stopCh:  make(chan struct{}),
	}

	exists, err := afero.Exists(fs, keyPath)
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if !exists {
		if err := v.writeInitialKey(); err != nil {
			return nil, err
		}
	}

	if err := v.reload(); err != nil {
		return nil, err
	}

	return v, nil
}

func (v *Vault) writeInitialKey() error {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate initial master key: %w", err)
	}
	line := fmt.Sprintf("1 %s\n", base64.StdEncoding.EncodeToString(key))
	return afero.WriteFile(v.fs, v.keyPath, []byte(line), 0600)
}

// reload re-reads the key file in full, replacing the in-memory key set.
func (v *Vault) reload() error {
	data, err := afero.ReadFile(v.fs, v.keyPath)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	keys := make(map[int][]byte)
	current := 0

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parsed, err := parseKeyLine(line)
		if err != nil {
			return err
		}
		keys[parsed.version] = parsed.key
		if parsed.version > current {
			current = parsed.version
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan key file: %w", err)
	}
	if current == 0 {
		return fmt.Errorf("key file %s has no usable key lines", v.keyPath)
	}

	v.mu.Lock()
	v.keys = keys
	v.current = current
	v.mu.Unlock()
	return nil
}

func parseKeyLine(line string) (keyFileLine, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return keyFileLine{}, fmt.Errorf("malformed key line %q", line)
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return keyFileLine{}, fmt.Errorf("malformed key version %q: %w", fields[0], err)
	}
	key, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return keyFileLine{}, fmt.Errorf("malformed key material on version %d: %w", version, err)
	}
	if len(key) != 32 {
		return keyFileLine{}, fmt.Errorf("key version %d is %d bytes, want 32", version, len(key))
	}
	return keyFileLine{version: version, key: key}, nil
}

// Watch starts a background goroutine that reloads the key set whenever
// keyPath is written to, letting an operator rotate the master key without
// restarting the process. Only meaningful against a real filesystem; on
// afero.NewMemMapFs (tests) it is a no-op since in-memory fs has no inotify.
func (v *Vault) Watch() error {
	if _, ok := v.fs.(*afero.OsFs); !ok {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	if err := w.Add(v.keyPath); err != nil {
		w.Close()
		return fmt.Errorf("watch key file: %w", err)
	}
	v.watcher = w

	go func() {
		logger := log.WithComponent("security.vault")
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := v.reload(); err != nil {
						logger.Error().Err(err).Msg("master key reload failed, keeping previous keys")
					} else {
						logger.Info().Int("current_version", v.CurrentVersion()).Msg("master key reloaded")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("key file watcher error")
			case <-v.stopCh:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher goroutine, if running.
func (v *Vault) Close() error {
	close(v.stopCh)
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

// CurrentVersion returns the master key version new encryptions use.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Rotate appends a freshly generated key version to the key file and makes
// it active. Existing Credential rows remain decryptable under their
// original KeyVersion until re-encrypted.
func (v *Vault) Rotate() (int, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("generate rotated key: %w", err)
	}

	v.mu.Lock()
	newVersion := v.current + 1
	v.mu.Unlock()

	f, err := v.fs.OpenFile(v.keyPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("open key file for rotation: %w", err)
	}
	line := fmt.Sprintf("%d %s\n", newVersion, base64.StdEncoding.EncodeToString(key))
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close()
		return 0, fmt.Errorf("append rotated key: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	if err := v.reload(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Seal encrypts plaintext under the current key version. Returns the
// ciphertext, the nonce used, and the key version so decryption can find
// the right key even after rotation.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, keyVersion int, err error) {
	v.mu.RLock()
	version := v.current
	key := v.keys[version]
	v.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, 0, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, 0, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, version, nil
}

// Open decrypts data sealed by Seal under keyVersion. It never returns a
// partial or best-effort plaintext: any failure is reported as an error and
// the caller must treat the credential as unusable.
func (v *Vault) Open(ciphertext, nonce []byte, keyVersion int) ([]byte, error) {
	v.mu.RLock()
	key, ok := v.keys[keyVersion]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key version %d not loaded", keyVersion)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
