package sshconn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"golang.org/x/crypto/ssh"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// maxStreamedBytes bounds how much of a streamed command's output
// ExecuteStreaming retains in memory. It is separate from, and much
// larger than, the Host Probe's own transcript cap.
const maxStreamedBytes = 1 << 20 // 1 MiB

// Dialer opens authenticated, host-key-pinned SSH sessions against fleet
// hosts. It is the only type in this repository that calls
// golang.org/x/crypto/ssh.Dial.
type Dialer struct {
	known          *KnownHostsStore
	limiter        limiter.Store
	connectTimeout time.Duration
}

// NewDialer builds a Dialer. rl may be nil to disable per-host connect
// rate limiting (tests only); production callers always pass one built
// by NewRateLimiter.
func NewDialer(known *KnownHostsStore, rl limiter.Store, connectTimeout time.Duration) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Dialer{known: known, limiter: rl, connectTimeout: connectTimeout}
}

// NewRateLimiter builds a token-bucket limiter.Store keyed by host id,
// refilling to tokens every interval, so a flapping host cannot be
// retried into a self-inflicted DoS by the Monitor's health ticker or
// the Scanner's sweep.
func NewRateLimiter(tokens uint64, interval time.Duration) (limiter.Store, error) {
	return memorystore.New(&memorystore.Config{
		Tokens:   tokens,
		Interval: interval,
	})
}

// Open dials host, authenticates with secret (a password or a
// PEM-encoded private key depending on kind), and checks the presented
// host key against the pinned fingerprint for host.ID. Callers obtain
// secret from pkg/security's CredentialStore immediately before calling
// Open and must not retain it afterward.
func (d *Dialer) Open(ctx context.Context, host *types.Host, kind types.CredentialKind, secret []byte) (*Session, error) {
	if d.limiter != nil {
		_, _, _, ok, err := d.limiter.Take(ctx, host.ID)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.Unreachable, "connect rate limiter error", err)
		}
		if !ok {
			return nil, ctlerr.New(ctlerr.Unreachable, fmt.Sprintf("host %s: connect attempts rate-limited", host.ID))
		}
	}

	auth, err := authMethod(kind, secret)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.AuthFailed, "build auth method", err)
	}

	cfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: d.known.HostKeyCallback(host.ID),
		Timeout:         d.connectTimeout,
	}

	addr := net.JoinHostPort(host.Address, fmt.Sprintf("%d", host.Port))

	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Unreachable, fmt.Sprintf("dial %s", addr), err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctlerr.Is(err, ctlerr.HostKeyChanged) {
			return nil, err
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, ctlerr.Wrap(ctlerr.AuthFailed, fmt.Sprintf("authenticate to %s", addr), err)
		}
		return nil, ctlerr.Wrap(ctlerr.Unreachable, fmt.Sprintf("handshake with %s", addr), err)
	}

	return &Session{client: ssh.NewClient(clientConn, chans, reqs), hostID: host.ID}, nil
}

func authMethod(kind types.CredentialKind, secret []byte) (ssh.AuthMethod, error) {
	switch kind {
	case types.CredentialPassword:
		return ssh.Password(string(secret)), nil
	case types.CredentialPrivateKey:
		signer, err := ssh.ParsePrivateKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported credential kind %q", kind)
	}
}

// Session is one authenticated connection to a host. It is not safe for
// concurrent command execution — the deployment Dispatcher serializes
// work per host with its own per-host mutex and opens a fresh Session per
// task rather than sharing one across goroutines.
type Session struct {
	client *ssh.Client
	hostID string
}

// Close tears down the underlying SSH connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// ExecResult is the outcome of a non-streaming Execute.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Execute runs argv as a single remote command, joining it into the one
// command string the SSH protocol carries with POSIX single-quote
// escaping per argument — never string concatenation of untrusted
// content. It blocks until the command exits, the session closes, or
// timeout elapses, whichever comes first.
func (s *Session) Execute(ctx context.Context, argv []string, timeout time.Duration) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Unreachable, "open session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	return s.run(ctx, sess, joinArgv(argv), timeout, &stdout, &stderr)
}

func (s *Session) run(ctx context.Context, sess *ssh.Session, cmd string, timeout time.Duration, stdout, stderr *bytes.Buffer) (*ExecResult, error) {
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, ctlerr.Wrap(ctlerr.CommandFailed, fmt.Sprintf("run %q", cmd), err)
	case <-time.After(timeout):
		sess.Close()
		return nil, ctlerr.New(ctlerr.Timeout, fmt.Sprintf("command %q exceeded %s", cmd, timeout))
	case <-ctx.Done():
		sess.Close()
		return nil, ctlerr.Wrap(ctlerr.Timeout, fmt.Sprintf("command %q canceled", cmd), ctx.Err())
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// ExecuteStreaming runs argv and calls onLine for each line of combined
// stdout as it arrives, capping total retained bytes at maxStreamedBytes
// so a runaway remote process (a verbose package manager, a stuck
// migration) cannot exhaust this process's memory. Lines beyond the cap
// are discarded but the remote command is still drained to completion.
func (s *Session) ExecuteStreaming(ctx context.Context, argv []string, timeout time.Duration, onLine func(line string)) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Unreachable, "open session", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.CommandFailed, "open stdout pipe", err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	cmd := joinArgv(argv)
	if err := sess.Start(cmd); err != nil {
		return nil, ctlerr.Wrap(ctlerr.CommandFailed, fmt.Sprintf("start %q", cmd), err)
	}

	var retained int
	scanErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if retained < maxStreamedBytes {
				onLine(line)
				retained += len(line)
			}
		}
		scanErrCh <- scanner.Err()
	}()

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-scanErrCh:
	case <-time.After(timeout):
		sess.Close()
		return nil, ctlerr.New(ctlerr.Timeout, fmt.Sprintf("command %q exceeded %s", cmd, timeout))
	case <-ctx.Done():
		sess.Close()
		return nil, ctlerr.Wrap(ctlerr.Timeout, fmt.Sprintf("command %q canceled", cmd), ctx.Err())
	}

	waitErr := <-done
	res := &ExecResult{Stderr: stderr.String()}
	if waitErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if asExitError(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, ctlerr.Wrap(ctlerr.CommandFailed, fmt.Sprintf("run %q", cmd), waitErr)
}

// Upload writes content to remotePath with the given permission mode.
// Content is piped to the remote process's stdin rather than embedded in
// the command string, removing the injection surface a heredoc'd config
// file would otherwise open.
func (s *Session) Upload(ctx context.Context, remotePath string, content []byte, mode uint32, timeout time.Duration) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return ctlerr.Wrap(ctlerr.Unreachable, "open session", err)
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	cmd := fmt.Sprintf("cat > %s && chmod %s %s",
		escapeArg(remotePath), escapeArg(fmt.Sprintf("%o", mode)), escapeArg(remotePath))

	_, err = s.run(ctx, sess, cmd, timeout, &bytes.Buffer{}, &stderr)
	if err != nil {
		return err
	}
	return nil
}

// escapeArg wraps s in single quotes, POSIX-escaping any single quote it
// contains, so it is safe to splice into a shell command string
// regardless of its content.
func escapeArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// joinArgv escapes and joins argv into the one command string the SSH
// protocol transmits.
func joinArgv(argv []string) string {
	escaped := make([]string, len(argv))
	for i, a := range argv {
		escaped[i] = escapeArg(a)
	}
	return strings.Join(escaped, " ")
}
