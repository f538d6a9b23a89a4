package installer

import (
	"context"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// AppWorkerInstaller deploys an Odoo worker container, generalizing
// remote_worker_service.py's _deploy_odoo_worker/_generate_docker_run_command
// into a Plan that the Runner executes the same way as every other
// installer: one argv step per docker invocation, no f-string shell
// commands, config delivered through Upload instead of a heredoc.
type AppWorkerInstaller struct{}

func NewAppWorkerInstaller() *AppWorkerInstaller { return &AppWorkerInstaller{} }

func (i *AppWorkerInstaller) Kind() types.ServiceKind { return types.ServiceAppWorker }

func (i *AppWorkerInstaller) Applicable(facts types.HostFacts) bool {
	return facts.CPUCores >= 1 && facts.MemoryGB >= 1
}

func (i *AppWorkerInstaller) Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error) {
	res, err := sess.Execute(ctx, []string{"docker", "inspect", "ctlplane-worker", "--format", "{{.State.Status}}"}, defaultDetectTimeout)
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

// Plan requires cfg["db_host"], cfg["db_port"], cfg["cache_host"],
// cfg["cache_port"], cfg["tenant_db"], cfg["admin_password"] and
// cfg["http_port"]. Before building steps it pre-flights that db_host and
// cache_host are reachable from this host — remote_worker_service.py
// assumed both were already provisioned; here placement would otherwise
// hand this installer an unreachable pair and fail much later mid-deploy.
// The reachability probe only runs once the Runner opens a session against
// the target host, so it is the plan's first two steps rather than a Plan
// -time check, but it is tagged DependencyMissing like the missing-key
// check above so a failure there reports the same error kind either way
// (spec.md §7's taxonomy), not CommandFailed.
func (i *AppWorkerInstaller) Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error) {
	required := []string{"db_host", "db_port", "cache_host", "cache_port", "tenant_db", "admin_password", "http_port"}
	for _, k := range required {
		if cfg[k] == "" {
			return nil, ctlerr.New(ctlerr.DependencyMissing, fmt.Sprintf("app-worker: missing required config key %q", k))
		}
	}

	odooConf := buildOdooConfig(cfg)

	return InstallPlan{
		{Name: "preflight-db", FailureKind: ctlerr.DependencyMissing, Argv: []string{"sh", "-c", fmt.Sprintf("nc -z -w3 %s %s", cfg["db_host"], cfg["db_port"])}},
		{Name: "preflight-cache", FailureKind: ctlerr.DependencyMissing, Argv: []string{"sh", "-c", fmt.Sprintf("nc -z -w3 %s %s", cfg["cache_host"], cfg["cache_port"])}},
		{Name: "create-dirs", Tags: []StepTag{Idempotent}, Argv: []string{"mkdir", "-p", "/opt/ctlplane/worker/config", "/opt/ctlplane/worker/data"}},
		{Name: "stage-odoo-config", Tags: []StepTag{Idempotent}, UploadPath: "/opt/ctlplane/worker/config/odoo.conf", UploadContent: []byte(odooConf), UploadMode: 0640},
		{Name: "run-worker-container", Tags: []StepTag{Idempotent, Retryable}, Argv: []string{
			"docker", "run", "-d", "--name", "ctlplane-worker", "--restart", "unless-stopped",
			"-e", "HOST=" + cfg["db_host"],
			"-e", "PORT=" + cfg["db_port"],
			"-v", "/opt/ctlplane/worker/config/odoo.conf:/etc/odoo/odoo.conf:ro",
			"-v", "/opt/ctlplane/worker/data:/var/lib/odoo",
			"-p", cfg["http_port"] + ":8069",
			odooImage(cfg),
		}},
	}, nil
}

func odooImage(cfg Config) string {
	if img := cfg["odoo_image"]; img != "" {
		return img
	}
	return "odoo:17"
}

func buildOdooConfig(cfg Config) string {
	return fmt.Sprintf(`[options]
db_host = %s
db_port = %s
db_user = %s
db_password = %s
db_name = %s
admin_passwd = %s
workers = 2
proxy_mode = True
`,
		cfg["db_host"], cfg["db_port"],
		withDefault(cfg["db_user"], "odoo"), withDefault(cfg["db_password"], "odoo"),
		cfg["tenant_db"], cfg["admin_password"])
}

// Verify polls the worker's HTTP health endpoint once, mirroring
// _wait_for_worker_ready's curl-based check; retry/backoff around repeated
// Verify calls is the Runner's and the Deployment Engine's job, not this
// installer's.
func (i *AppWorkerInstaller) Verify(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-worker", "curl", "-fsS", "http://localhost:8069/web/health"}, defaultDetectTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "worker health check", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("worker health check exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (i *AppWorkerInstaller) Uninstall(ctx context.Context, sess *sshconn.Session) error {
	_, _ = sess.Execute(ctx, []string{"sh", "-c", "docker rm -f ctlplane-worker 2>/dev/null || true"}, defaultDetectTimeout)
	return nil
}
