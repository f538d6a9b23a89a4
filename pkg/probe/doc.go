/*
Package probe implements the Host Probe (C2): given candidate credentials
and an address, runs the five-step validation spec.md §4.2 requires,
stopping at the first failure — address format, TCP reach, credential
usability, an echo sentinel, and fact collection — and classifies the
host's container execution environment for the Service Installer
Registry (pkg/installer) to pick an install strategy from.

# Fact collection

Facts are gathered with one fixed POSIX shell script run in a single
round trip over an sshconn.Session, grounded on the linuxscan.go daemon's
one-script-per-round-trip approach: rather than issuing a command per
fact (CPU, memory, disk, OS release, kernel, sudo, container markers),
the script prints one JSON object of raw strings and the probe parses
each field independently with github.com/tidwall/gjson. A field that
fails to parse is recorded by name in HostFacts.Unknown rather than
failing the probe — matching spec.md's "unknown, not fatal" rule.

# Environment classification

The same script's docker-socket, systemd and /.dockerenv markers drive
Environment: EnvironmentContainerNested when the host itself is a
container, EnvironmentContainerHost when a host container-engine socket
is visible, EnvironmentMetalOrVM otherwise.

# Usage

	report, err := probe.Run(ctx, dialer, host, types.CredentialPassword, secret, probe.DefaultConfig())
	if err != nil {
		// report.Steps still holds every step attempted before the failure
	}
*/
package probe
