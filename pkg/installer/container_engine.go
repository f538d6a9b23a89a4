package installer

import (
	"context"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// ContainerEngineInstaller is the one installer with more than one
// strategy: which plan it builds is a pure function of the environment
// classification the Host Probe already computed.
type ContainerEngineInstaller struct{}

func NewContainerEngineInstaller() *ContainerEngineInstaller { return &ContainerEngineInstaller{} }

func (i *ContainerEngineInstaller) Kind() types.ServiceKind { return types.ServiceContainerEngine }

func (i *ContainerEngineInstaller) Applicable(facts types.HostFacts) bool {
	switch facts.OSFamily {
	case "ubuntu", "debian", "rhel", "centos", "fedora", "rocky", "almalinux":
		return facts.CPUCores >= 1 && facts.MemoryGB >= 1
	default:
		return false
	}
}

func (i *ContainerEngineInstaller) Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error) {
	res, err := sess.Execute(ctx, []string{"docker", "version", "--format", "{{.Server.Version}}"}, defaultDetectTimeout)
	if err != nil {
		return "", "", err
	}
	if res.ExitCode != 0 {
		return Absent, "", nil
	}
	active, err := sess.Execute(ctx, []string{"systemctl", "is-active", "docker"}, defaultDetectTimeout)
	if err == nil && active.ExitCode == 0 {
		return PresentActive, res.Stdout, nil
	}
	return PresentInactive, res.Stdout, nil
}

// Plan selects a strategy by env and builds its install steps. strategy
// host-socket mounts the host's existing container daemon and installs
// only the CLI; nested runs a daemon inside the host with a
// container-safe storage driver and no iptables/bridge management;
// standard installs and enables the system package, the path
// remote_worker_service.py assumed was the only one.
func (i *ContainerEngineInstaller) Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error) {
	switch env {
	case types.EnvironmentContainerHost:
		return InstallPlan{
			{Name: "install-cli", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{"sh", "-c", "command -v docker >/dev/null 2>&1 || (curl -fsSL https://get.docker.com | sh -s -- --version 24.0 >/dev/null 2>&1 || true)"}},
			{Name: "verify-socket", Argv: []string{"test", "-S", "/var/run/docker.sock"}},
		}, nil

	case types.EnvironmentContainerNested:
		return InstallPlan{
			{Name: "install-engine-nested", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{"sh", "-c", "command -v docker >/dev/null 2>&1 || (curl -fsSL https://get.docker.com | sh -s -- --version 24.0)"}},
			{Name: "configure-storage-driver", Tags: []StepTag{Idempotent}, UploadPath: "/etc/docker/daemon.json", UploadContent: []byte(`{"storage-driver":"vfs","iptables":false,"bridge":"none"}`), UploadMode: 0644},
			{Name: "restart-engine", Tags: []StepTag{Retryable}, Argv: []string{"sh", "-c", "service docker restart 2>/dev/null || dockerd >/var/log/dockerd-nested.log 2>&1 &"}},
		}, nil

	case types.EnvironmentMetalOrVM:
		return InstallPlan{
			{Name: "install-package", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{"sh", "-c", "command -v docker >/dev/null 2>&1 || (curl -fsSL https://get.docker.com | sh)"}},
			{Name: "enable-service", Tags: []StepTag{Idempotent}, Argv: []string{"systemctl", "enable", "--now", "docker"}},
		}, nil

	default:
		return nil, ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("container-engine: no strategy for environment %q", env))
	}
}

func (i *ContainerEngineInstaller) Verify(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "info"}, defaultDetectTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "docker info", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("docker info exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (i *ContainerEngineInstaller) Uninstall(ctx context.Context, sess *sshconn.Session) error {
	_, _ = sess.Execute(ctx, []string{"sh", "-c", "systemctl disable --now docker 2>/dev/null || true"}, defaultDetectTimeout)
	return nil
}
