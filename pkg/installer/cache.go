package installer

import (
	"context"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// CacheInstaller installs the Redis instance AppWorkerInstaller pre-flights
// before planning a worker deployment.
type CacheInstaller struct{}

func NewCacheInstaller() *CacheInstaller { return &CacheInstaller{} }

func (i *CacheInstaller) Kind() types.ServiceKind { return types.ServiceCache }

func (i *CacheInstaller) Applicable(facts types.HostFacts) bool {
	return facts.MemoryGB >= 0.5
}

func (i *CacheInstaller) Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error) {
	res, err := sess.Execute(ctx, []string{"docker", "inspect", "ctlplane-redis", "--format", "{{.State.Status}}"}, defaultDetectTimeout)
	if err != nil {
		return "", "", err
	}
	switch {
	case res.ExitCode != 0:
		return Absent, "", nil
	case res.Stdout == "running\n" || res.Stdout == "running":
		return PresentActive, res.Stdout, nil
	default:
		return PresentInactive, res.Stdout, nil
	}
}

// Plan expects cfg["cache_password"]; absent disables AUTH.
func (i *CacheInstaller) Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error) {
	argv := []string{
		"docker", "run", "-d", "--name", "ctlplane-redis", "--restart", "unless-stopped",
		"-v", "/opt/ctlplane/redis/data:/data",
		"-p", "6379:6379",
		"redis:7-alpine",
	}
	if pass := cfg["cache_password"]; pass != "" {
		argv = append(argv, "redis-server", "--requirepass", pass, "--appendonly", "yes")
	} else {
		argv = append(argv, "redis-server", "--appendonly", "yes")
	}

	return InstallPlan{
		{Name: "create-data-dir", Tags: []StepTag{Idempotent}, Argv: []string{"mkdir", "-p", "/opt/ctlplane/redis/data"}},
		{Name: "run-redis-container", Tags: []StepTag{Idempotent, Retryable}, Argv: argv},
	}, nil
}

func (i *CacheInstaller) Verify(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-redis", "redis-cli", "ping"}, defaultDetectTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "redis-cli ping", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("redis-cli ping exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (i *CacheInstaller) Uninstall(ctx context.Context, sess *sshconn.Session) error {
	_, _ = sess.Execute(ctx, []string{"sh", "-c", "docker rm -f ctlplane-redis 2>/dev/null || true"}, defaultDetectTimeout)
	return nil
}
