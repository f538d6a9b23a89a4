package installer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// startFailingSSHServer answers every "exec" request with exitCode,
// letting runner.go's failure-classification be tested without a real
// host.
func startFailingSSHServer(t *testing.T, exitCode uint32) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
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
					go func() {
						defer ch.Close()
						for req := range requests {
							if req.Type != "exec" {
								req.Reply(false, nil)
								continue
							}
							req.Reply(true, nil)
							ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitCode}))
							return
						}
					}()
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func openTestSession(t *testing.T, addr string) *sshconn.Session {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	known, err := sshconn.NewKnownHostsStore(afero.NewMemMapFs(), "/known_hosts")
	require.NoError(t, err)
	dialer := sshconn.NewDialer(known, nil, 5*time.Second)

	h := &types.Host{ID: "h1", Address: host, Port: port, User: "deploy"}
	sess, err := dialer.Open(context.Background(), h, types.CredentialPassword, []byte("unused"))
	require.NoError(t, err)
	return sess
}

func TestAttemptStepUsesFailureKindOverride(t *testing.T) {
	addr := startFailingSSHServer(t, 1)
	sess := openTestSession(t, addr)
	defer sess.Close()

	step := Step{Name: "preflight-db", FailureKind: ctlerr.DependencyMissing, Argv: []string{"nc", "-z", "db", "5432"}}
	_, err := attemptStep(context.Background(), sess, step, RunOptions{StepTimeout: 5 * time.Second, Allowlist: DefaultAllowlist()})
	require.Error(t, err)
	require.Equal(t, ctlerr.DependencyMissing, ctlerr.KindOf(err))
}

func TestAttemptStepDefaultsToCommandFailed(t *testing.T) {
	addr := startFailingSSHServer(t, 1)
	sess := openTestSession(t, addr)
	defer sess.Close()

	step := Step{Name: "some-step", Argv: []string{"false"}}
	_, err := attemptStep(context.Background(), sess, step, RunOptions{StepTimeout: 5 * time.Second, Allowlist: DefaultAllowlist()})
	require.Error(t, err)
	require.Equal(t, ctlerr.CommandFailed, ctlerr.KindOf(err))
}
