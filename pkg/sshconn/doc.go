/*
Package sshconn is the SSH Session Layer (C1): the only place in this
repository that opens a connection to a managed Host.

Every other component that needs to touch a fleet host — the Host Probe
(pkg/probe), the Service Installer Registry (pkg/installer), the
Reverse-Proxy Config Manager's upload/reload/verify cycle (pkg/proxy), the
Domain Mapping Engine's ACME file-based challenges (pkg/domain) and the
Network Discovery Scanner's credential probing (pkg/scanner) — goes
through a sshconn.Session, never golang.org/x/crypto/ssh directly.

# Host-key pinning

KnownHostsStore implements trust-on-first-use: the first successful
connection to a host id records its host key fingerprint, and every later
connection compares against the pinned fingerprint rather than whatever
key the remote end presents that day. A mismatch returns a HostKeyChanged
ctlerr, which is fatal for the attempt and expected to raise an alert one
layer up — a reinstalled host at the same address never silently passes
as the host it replaced.

# Command safety

Execute takes argv ([]string), never a pre-built shell string. The SSH
protocol only carries one command string per session, so the layer joins
argv into that string itself, POSIX single-quote escaping every argument.
This replaces the f-string concatenation the original remote worker
service used to build `docker run` invocations, which is the injection
surface this layer exists to close.

Upload never embeds file content inside the command string either (the
original heredoc'd a rendered config file straight into the command). It
opens a `cat > <quoted-path> && chmod <mode> <quoted-path>` remote process
and pipes content to its stdin instead.

# Rate limiting

Connect attempts are throttled per host id via a token-bucket
(github.com/sethvargo/go-limiter), so a host that is flapping cannot be
hammered with reconnect attempts by the Monitor's health ticker or the
Scanner's sweep — both of which retry unreachable hosts on their own
schedule, independent of this package.

# Usage

	known, _ := sshconn.NewKnownHostsStore(afero.NewOsFs(), "/var/lib/ctlplane/known_hosts")
	dialer := sshconn.NewDialer(known, limiter, 30*time.Second)
	sess, err := dialer.Open(ctx, host, types.CredentialPassword, secret)
	defer sess.Close()
	res, err := sess.Execute(ctx, []string{"systemctl", "is-active", "docker"}, 10*time.Second)
*/
package sshconn
