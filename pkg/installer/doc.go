/*
Package installer implements the Service Installer Registry (C3): one
Installer per ServiceKind, each declaring applicability, detection,
strategy selection, an ordered install plan, a verify sequence and a
best-effort uninstall, run over an sshconn.Session opened by the caller
(the Deployment Engine's install/full-setup task handlers in pkg/deploy).

# Step tags and the allowlist

An install plan is an ordered []Step. Each step carries StepTags
(ignore-errors, retryable, idempotent) that the Runner interprets while
executing the plan — a failing step aborts the plan unless tagged
ignore-errors, and a retryable step is re-attempted with backoff before
that decision is made. A step's stderr is also checked against an
allowlist of harmless patterns (debconf notices, "already exists",
"systemd not running in container") before being treated as a failure at
all. The allowlist is data (gopkg.in/yaml.v3-loadable through
LoadAllowlistYAML), not scattered string matches in Go code, and step
tags are declared on each Step of an installer's plan, so new patterns
or plans can be added without touching Runner itself.

# Container engine strategy

ContainerEngineInstaller is the one installer with more than one install
plan: host-socket (mount the host's container daemon, install CLI only),
nested (run a daemon inside the host with a container-safe storage
driver), and standard (system package, enable a system service). Which
one runs is a pure function of the environment classification the Host
Probe (pkg/probe) already computed — never re-derived here — generalizing
the single hardcoded `docker run` path
original_source/saas_manager/services/remote_worker_service.py took for
every target alike.

# Application worker pre-flight

AppWorkerInstaller additionally requires database and cache coordinates
in its config: Plan returns a DependencyMissing ctlerr when one is
missing, and the plan's first two steps check that both are reachable
from the host, failing with DependencyMissing before any install step
runs.
*/
package installer
