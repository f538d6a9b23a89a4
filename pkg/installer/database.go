package installer

import (
	"context"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// DatabaseInstaller installs the relational database backing Odoo
// workers — generalized from remote_worker_service.py's assumption of a
// db_host already reachable elsewhere into an installable service of its
// own, since spec.md treats the database as a managed fleet service.
type DatabaseInstaller struct{}

func NewDatabaseInstaller() *DatabaseInstaller { return &DatabaseInstaller{} }

func (i *DatabaseInstaller) Kind() types.ServiceKind { return types.ServiceDatabase }

func (i *DatabaseInstaller) Applicable(facts types.HostFacts) bool {
	return facts.MemoryGB >= 1 && facts.DiskGB >= 5
}

func (i *DatabaseInstaller) Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error) {
	res, err := sess.Execute(ctx, []string{"docker", "inspect", "ctlplane-postgres", "--format", "{{.State.Status}}"}, defaultDetectTimeout)
	if err != nil {
		return "", "", err
	}
	if res.ExitCode != 0 {
		return Absent, "", nil
	}
	if res.Stdout == "running\n" || res.Stdout == "running" {
		return PresentActive, res.Stdout, nil
	}
	return PresentInactive, res.Stdout, nil
}

// Plan expects cfg["db_user"], cfg["db_password"], cfg["db_name"]; any
// absent key falls back to "odoo".
func (i *DatabaseInstaller) Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error) {
	user, pass, name := withDefault(cfg["db_user"], "odoo"), withDefault(cfg["db_password"], "odoo"), withDefault(cfg["db_name"], "odoo")

	return InstallPlan{
		{Name: "create-data-dir", Tags: []StepTag{Idempotent}, Argv: []string{"mkdir", "-p", "/opt/ctlplane/postgres/data"}},
		{Name: "run-postgres-container", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{
			"docker", "run", "-d", "--name", "ctlplane-postgres", "--restart", "unless-stopped",
			"-e", "POSTGRES_USER=" + user, "-e", "POSTGRES_PASSWORD=" + pass, "-e", "POSTGRES_DB=" + name,
			"-v", "/opt/ctlplane/postgres/data:/var/lib/postgresql/data",
			"-p", "5432:5432",
			"postgres:16-alpine",
		}},
	}, nil
}

func (i *DatabaseInstaller) Verify(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-postgres", "pg_isready"}, defaultDetectTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "pg_isready", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("pg_isready exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (i *DatabaseInstaller) Uninstall(ctx context.Context, sess *sshconn.Session) error {
	_, _ = sess.Execute(ctx, []string{"sh", "-c", "docker rm -f ctlplane-postgres 2>/dev/null || true"}, defaultDetectTimeout)
	return nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
