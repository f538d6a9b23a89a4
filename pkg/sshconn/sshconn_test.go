package sshconn

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func fakeHost(addr string) *types.Host {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return &types.Host{
		ID:       "host-1",
		Name:     "test-host",
		Address:  host,
		Port:     port,
		User:     "deploy",
		AuthKind: types.AuthPassword,
	}
}

func fakeCredKind() types.CredentialKind {
	return types.CredentialPassword
}

func TestEscapeArg(t *testing.T) {
	assert.Equal(t, `'hello'`, escapeArg("hello"))
	assert.Equal(t, `'it'\''s'`, escapeArg("it's"))
	assert.Equal(t, `''`, escapeArg(""))
}

func TestJoinArgv(t *testing.T) {
	got := joinArgv([]string{"docker", "run", "-e", "PASSWORD=it's a secret"})
	assert.Equal(t, `'docker' 'run' '-e' 'PASSWORD=it'\''s a secret'`, got)
}

func TestKnownHostsStore_TrustOnFirstUse(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)

	key := testPublicKey(t)

	_, pinned := store.Fingerprint("host-1")
	assert.False(t, pinned)

	require.NoError(t, store.Check("host-1", key))

	fp, pinned := store.Fingerprint("host-1")
	assert.True(t, pinned)
	assert.Equal(t, ssh.FingerprintSHA256(key), fp)

	// Same key again succeeds.
	require.NoError(t, store.Check("host-1", key))
}

func TestKnownHostsStore_RejectsChangedKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)

	require.NoError(t, store.Check("host-1", testPublicKey(t)))

	err = store.Check("host-1", testPublicKey(t)) // fresh keypair -> different fingerprint
	require.Error(t, err)
}

func TestKnownHostsStore_PersistsAcrossLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)
	key := testPublicKey(t)
	require.NoError(t, store.Check("host-1", key))

	reloaded, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)
	fp, pinned := reloaded.Fingerprint("host-1")
	assert.True(t, pinned)
	assert.Equal(t, ssh.FingerprintSHA256(key), fp)
}

func TestKnownHostsStore_Forget(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)
	require.NoError(t, store.Check("host-1", testPublicKey(t)))
	require.NoError(t, store.Forget("host-1"))

	_, pinned := store.Fingerprint("host-1")
	assert.False(t, pinned)
	require.NoError(t, store.Check("host-1", testPublicKey(t)))
}

// testPublicKey returns a freshly generated RSA host key's public half,
// a different one on every call.
func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return pub
}

// testServer starts a minimal in-process SSH server accepting a fixed
// password, exposing only "echo" and "cat" style behavior through a
// handler so Session.Execute/Upload can be exercised without a real host.
type testServer struct {
	addr    string
	hostKey ssh.Signer
	handler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int
}

func startTestServer(t *testing.T, handler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int) *testServer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == "deploy" && string(password) == "s3cret" {
				return nil, nil
			}
			return nil, assertErr("invalid credentials")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{addr: ln.Addr().String(), hostKey: signer, handler: handler}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveChannel(ch, requests)
	}
}

func (s *testServer) serveChannel(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Value string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)

		code := s.handler(payload.Value, ch, ch, ch.Stderr())
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

type assertErrType string

func (e assertErrType) Error() string { return string(e) }
func assertErr(msg string) error      { return assertErrType(msg) }

func dialTestServer(t *testing.T, srv *testServer) *Session {
	t.Helper()
	fs := afero.NewMemMapFs()
	known, err := NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)

	dialer := NewDialer(known, nil, 5*time.Second)
	host := fakeHost(srv.addr)

	sess, err := dialer.Open(context.Background(), host, fakeCredKind(), []byte("s3cret"))
	require.NoError(t, err)
	return sess
}

func TestSession_Execute(t *testing.T) {
	srv := startTestServer(t, func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		stdout.Write([]byte("hello from " + cmd))
		return 0
	})
	sess := dialTestServer(t, srv)
	defer sess.Close()

	res, err := sess.Execute(context.Background(), []string{"echo", "hi"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "'echo' 'hi'")
}

func TestSession_ExecuteNonZeroExit(t *testing.T) {
	srv := startTestServer(t, func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		stderr.Write([]byte("boom"))
		return 7
	})
	sess := dialTestServer(t, srv)
	defer sess.Close()

	res, err := sess.Execute(context.Background(), []string{"false"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
}

func TestSession_Upload(t *testing.T) {
	var received bytes.Buffer
	srv := startTestServer(t, func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		io.Copy(&received, stdin)
		return 0
	})
	sess := dialTestServer(t, srv)
	defer sess.Close()

	err := sess.Upload(context.Background(), "/etc/proxy.conf", []byte("listen 80;\n"), 0644, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "listen 80;\n", received.String())
}

func TestSession_ExecuteStreaming(t *testing.T) {
	srv := startTestServer(t, func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		stdout.Write([]byte("line one\nline two\nline three\n"))
		return 0
	})
	sess := dialTestServer(t, srv)
	defer sess.Close()

	var lines []string
	_, err := sess.ExecuteStreaming(context.Background(), []string{"tail", "-f", "log"}, 5*time.Second, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two", "line three"}, lines)
}
