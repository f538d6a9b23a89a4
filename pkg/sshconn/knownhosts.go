package sshconn

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
)

// KnownHostsStore pins a host key fingerprint to a host id on first
// contact and rejects any later connection that presents a different key
// under the same id. Keying by host id rather than by address means a
// host decommissioned and replaced at the same IP never silently
// inherits trust from the machine it replaced; operators re-pin
// explicitly via Forget.
type KnownHostsStore struct {
	mu   sync.RWMutex
	fs   afero.Fs
	path string
	pins map[string]string // host id -> SHA256 fingerprint
}

// NewKnownHostsStore loads path (one "<host-id> <fingerprint>" line per
// pinned host), creating an empty file if none exists yet. fs is
// injectable for tests; production callers pass afero.NewOsFs().
func NewKnownHostsStore(fs afero.Fs, path string) (*KnownHostsStore, error) {
	s := &KnownHostsStore{fs: fs, path: path, pins: make(map[string]string)}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("stat known hosts file: %w", err)
	}
	if !exists {
		if err := afero.WriteFile(fs, path, nil, 0600); err != nil {
			return nil, fmt.Errorf("create known hosts file: %w", err)
		}
		return s, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read known hosts file: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed known hosts line %q", line)
		}
		s.pins[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan known hosts file: %w", err)
	}
	return s, nil
}

// Fingerprint returns the pinned fingerprint for hostID, and whether one
// is pinned yet.
func (s *KnownHostsStore) Fingerprint(hostID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.pins[hostID]
	return fp, ok
}

// Forget removes any pin for hostID, so the next connection trusts
// whatever key the remote end presents. Used when an operator
// knowingly re-images a host at the same id.
func (s *KnownHostsStore) Forget(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, hostID)
	return s.flushLocked()
}

// Check implements trust-on-first-use against key for hostID: an unpinned
// host id pins key's fingerprint and succeeds; a pinned host id that
// disagrees with key's fingerprint fails with ctlerr.HostKeyChanged.
func (s *KnownHostsStore) Check(hostID string, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, pinned := s.pins[hostID]
	if !pinned {
		s.pins[hostID] = fp
		return s.flushLocked()
	}
	if existing != fp {
		return ctlerr.New(ctlerr.HostKeyChanged,
			fmt.Sprintf("host %s presented %s, pinned key is %s", hostID, fp, existing))
	}
	return nil
}

// HostKeyCallback returns an ssh.HostKeyCallback bound to hostID, for use
// in an ssh.ClientConfig built by Dialer.Open.
func (s *KnownHostsStore) HostKeyCallback(hostID string) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		return s.Check(hostID, key)
	}
}

func (s *KnownHostsStore) flushLocked() error {
	var b strings.Builder
	for id, fp := range s.pins {
		b.WriteString(id)
		b.WriteByte(' ')
		b.WriteString(fp)
		b.WriteByte('\n')
	}
	return afero.WriteFile(s.fs, s.path, []byte(b.String()), os.FileMode(0600))
}
