package probe

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func TestValidAddress(t *testing.T) {
	assert.True(t, validAddress("10.0.0.1"))
	assert.True(t, validAddress("worker-7.internal"))
	assert.False(t, validAddress(""))
	assert.False(t, validAddress("not a host!"))
}

func TestParseFacts_AllPresent(t *testing.T) {
	payload := `{"cpu_cores":"4","mem_kb":"8388608","disk_kb":"104857600","os_family":"ubuntu","os_version":"22.04","kernel":"5.15.0","sudo":"yes","docker_socket":"no","init_systemd":"yes","in_container":"no"}`
	facts := parseFacts(payload)

	assert.Equal(t, 4, facts.CPUCores)
	assert.InDelta(t, 8.0, facts.MemoryGB, 0.01)
	assert.InDelta(t, 100.0, facts.DiskGB, 0.01)
	assert.Equal(t, "ubuntu", facts.OSFamily)
	assert.Equal(t, "22.04", facts.OSVersion)
	assert.Equal(t, "5.15.0", facts.Kernel)
	assert.True(t, facts.Sudo)
	assert.Empty(t, facts.Unknown)
}

func TestParseFacts_UnknownFieldsDoNotFailParse(t *testing.T) {
	payload := `{"cpu_cores":"unknown","mem_kb":"2097152","disk_kb":"unknown","os_family":"unknown","os_version":"unknown","kernel":"unknown","sudo":"no","docker_socket":"no","init_systemd":"no","in_container":"no"}`
	facts := parseFacts(payload)

	assert.InDelta(t, 2.0, facts.MemoryGB, 0.01)
	assert.False(t, facts.Sudo)
	assert.Contains(t, facts.Unknown, "cpu_cores")
	assert.Contains(t, facts.Unknown, "disk_kb")
	assert.Contains(t, facts.Unknown, "os_family")
	assert.Contains(t, facts.Unknown, "kernel")
}

func TestClassifyEnvironment(t *testing.T) {
	nested := `{"in_container":"yes","docker_socket":"no"}`
	assert.Equal(t, types.EnvironmentContainerNested, classifyEnvironment(nested))

	withSocket := `{"in_container":"no","docker_socket":"yes"}`
	assert.Equal(t, types.EnvironmentContainerHost, classifyEnvironment(withSocket))

	metal := `{"in_container":"no","docker_socket":"no"}`
	assert.Equal(t, types.EnvironmentMetalOrVM, classifyEnvironment(metal))
}

func TestRun_HappyPath(t *testing.T) {
	sentinel := ""
	srv := startFakeHost(t, func(cmd string, stdout, stderr io.Writer) int {
		switch {
		case strings.HasPrefix(cmd, "'echo'"):
			parts := strings.Split(cmd, " ")
			sentinel = strings.Trim(parts[len(parts)-1], "'")
			stdout.Write([]byte(sentinel + "\n"))
		case strings.Contains(cmd, "cpu_cores"):
			stdout.Write([]byte(`{"cpu_cores":"2","mem_kb":"4194304","disk_kb":"52428800","os_family":"debian","os_version":"12","kernel":"6.1.0","sudo":"yes","docker_socket":"no","init_systemd":"yes","in_container":"no"}` + "\n"))
		}
		return 0
	})

	dialer := dialerFor(t)
	host := &types.Host{ID: "host-9", Address: hostOf(t, srv), Port: portOf(t, srv), User: "deploy", AuthKind: types.AuthPassword}

	report, err := Run(context.Background(), dialer, host, types.CredentialPassword, []byte("s3cret"), DefaultConfig())
	require.NoError(t, err)
	require.Len(t, report.Steps, 5)
	for _, s := range report.Steps {
		assert.True(t, s.Passed, s.Name)
	}
	assert.Equal(t, 2, report.Facts.CPUCores)
	assert.Equal(t, types.EnvironmentMetalOrVM, report.Environment)
	assert.NotEmpty(t, sentinel)
}

func TestRun_InvalidAddressStopsImmediately(t *testing.T) {
	dialer := dialerFor(t)
	host := &types.Host{ID: "host-9", Address: "not a host!", Port: 22, User: "deploy", AuthKind: types.AuthPassword}

	report, err := Run(context.Background(), dialer, host, types.CredentialPassword, []byte("x"), DefaultConfig())
	require.Error(t, err)
	require.Len(t, report.Steps, 1)
	assert.False(t, report.Steps[0].Passed)
	assert.Equal(t, "address-format", report.Steps[0].Name)
}

// --- test helpers: a minimal in-process SSH server ---

type fakeHostServer struct {
	addr    string
	handler func(cmd string, stdout, stderr io.Writer) int
}

func startFakeHost(t *testing.T, handler func(cmd string, stdout, stderr io.Writer) int) *fakeHostServer {
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
			return nil, errAuth
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeHostServer{addr: ln.Addr().String(), handler: handler}

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

func (s *fakeHostServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveChannel(ch, requests)
	}
}

func (s *fakeHostServer) serveChannel(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Value string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)
		code := s.handler(payload.Value, ch, ch.Stderr())
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

type authError string

func (e authError) Error() string { return string(e) }

const errAuth = authError("invalid credentials")

func dialerFor(t *testing.T) *sshconn.Dialer {
	t.Helper()
	fs := afero.NewMemMapFs()
	known, err := sshconn.NewKnownHostsStore(fs, "/known_hosts")
	require.NoError(t, err)
	return sshconn.NewDialer(known, nil, 5*time.Second)
}

func hostOf(t *testing.T, srv *fakeHostServer) string {
	h, _, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	return h
}

func portOf(t *testing.T, srv *fakeHostServer) int {
	_, p, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}
