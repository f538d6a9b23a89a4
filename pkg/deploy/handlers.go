package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/installer"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// HandlerDeps are the collaborators every built-in handler needs: a way
// to look up hosts and open sessions to them, the installer registry
// driving the actual install/verify work, and the Host Inventory for the
// current-services update that only a passing Verify ever authorizes.
type HandlerDeps struct {
	Store       storage.Store
	Dialer      *sshconn.Dialer
	Credentials *security.CredentialStore
	Installers  *installer.Registry
	Inventory   *inventory.Inventory
	RunOpts     installer.RunOptions
}

// taskConfig is the shape every install/migrate/backup/full-setup task's
// Config payload decodes into: free-form installer config keys plus, for
// full-setup, the ordered list of roles to install.
type taskConfig struct {
	Config map[string]string  `json:"config,omitempty"`
	Roles  []types.ServiceKind `json:"roles,omitempty"`
}

func decodeConfig(raw json.RawMessage) (taskConfig, error) {
	var cfg taskConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, ctlerr.Wrap(ctlerr.ConfigInvalid, "decode task config", err)
	}
	return cfg, nil
}

// openSession resolves a host's credential and opens an authenticated
// SSH session to it, the one path every handler in this file uses to
// reach a remote machine.
func (deps HandlerDeps) openSession(ctx context.Context, hostID string) (*types.Host, *sshconn.Session, error) {
	host, err := deps.Store.GetHost(hostID)
	if err != nil {
		return nil, nil, err
	}
	secret, kind, err := deps.Credentials.Get(host.ID)
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.AuthFailed, "load credential", err)
	}
	sess, err := deps.Dialer.Open(ctx, host, kind, secret)
	if err != nil {
		return nil, nil, err
	}
	return host, sess, nil
}

// ensureInstalled runs Detect and, if the service isn't already
// present-active, Plan+Execute against an already-open session — the
// "ensure deployed" half of a service's lifecycle. Shared by installOne
// and MigrateHandler's ensure-target phase, which needs Verify kept
// separate from it so a migration can treat "deployed" and "verified"
// as distinct, independently-observable phases (spec.md §4.4 item 6).
func (deps HandlerDeps) ensureInstalled(ctx context.Context, sess *sshconn.Session, env types.EnvironmentKind, kind types.ServiceKind, cfg installer.Config, sink *ProgressSink, detectPhase, installPhase string) error {
	inst, ok := deps.Installers.Get(kind)
	if !ok {
		return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("no installer registered for %q", kind))
	}

	sink.SetPhase(detectPhase)
	status, _, err := inst.Detect(ctx, sess)
	if err != nil {
		return ctlerr.Wrap(ctlerr.CommandFailed, "detect", err)
	}

	if status == installer.PresentActive {
		sink.AppendLog(fmt.Sprintf("%s already present and active, skipping install steps", kind))
		return nil
	}

	plan, err := inst.Plan(env, cfg)
	if err != nil {
		return err
	}

	sink.SetPhase(installPhase)
	opts := deps.RunOpts
	opts.OnStep = func(o installer.StepOutcome) {
		if o.Succeeded {
			sink.AppendLog(fmt.Sprintf("step %q ok (attempt %d)", o.Name, o.Attempts))
		} else {
			sink.AppendLog(fmt.Sprintf("step %q failed (attempt %d): %s", o.Name, o.Attempts, o.Stderr))
		}
	}
	_, err = installer.Execute(ctx, sess, plan, opts)
	return err
}

// verifyInstalled runs kind's distinct post-install verify sequence,
// the only thing that authorizes declaring the install successful.
func (deps HandlerDeps) verifyInstalled(ctx context.Context, sess *sshconn.Session, kind types.ServiceKind, sink *ProgressSink, verifyPhase string) error {
	inst, ok := deps.Installers.Get(kind)
	if !ok {
		return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("no installer registered for %q", kind))
	}
	sink.SetPhase(verifyPhase)
	return inst.Verify(ctx, sess)
}

// installOne runs Detect/Plan/Execute/Verify for one service kind
// against an already-open session, the shared core of InstallHandler and
// FullSetupHandler.
func (deps HandlerDeps) installOne(ctx context.Context, sess *sshconn.Session, env types.EnvironmentKind, kind types.ServiceKind, cfg installer.Config, sink *ProgressSink) error {
	if err := deps.ensureInstalled(ctx, sess, env, kind, cfg, sink,
		fmt.Sprintf("detect:%s", kind), fmt.Sprintf("install:%s", kind)); err != nil {
		return err
	}
	return deps.verifyInstalled(ctx, sess, kind, sink, fmt.Sprintf("verify:%s", kind))
}

// InstallHandler installs task.TargetService on task.TargetHostID.
func (deps HandlerDeps) InstallHandler() Handler {
	return func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		cfg, err := decodeConfig(task.Config)
		if err != nil {
			return err
		}

		sink.SetPhase("connect")
		host, sess, err := deps.openSession(ctx, task.TargetHostID)
		if err != nil {
			return err
		}
		defer sess.Close()

		sink.SetProgress(10)
		if err := deps.installOne(ctx, sess, host.Facts.Environment, task.TargetService, installer.Config(cfg.Config), sink); err != nil {
			return err
		}
		sink.SetProgress(100)
		return nil
	}
}

// FullSetupHandler installs every role named in task.Config.roles on
// task.TargetHostID in order, for standing up a fresh host in one task
// instead of one install task per service.
func (deps HandlerDeps) FullSetupHandler() Handler {
	return func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		cfg, err := decodeConfig(task.Config)
		if err != nil {
			return err
		}
		if len(cfg.Roles) == 0 {
			return ctlerr.New(ctlerr.ConfigInvalid, "full-setup task requires a non-empty roles list")
		}

		sink.SetPhase("connect")
		host, sess, err := deps.openSession(ctx, task.TargetHostID)
		if err != nil {
			return err
		}
		defer sess.Close()

		for i, role := range cfg.Roles {
			select {
			case <-ctx.Done():
				return ctlerr.Wrap(ctlerr.Timeout, "full-setup canceled", ctx.Err())
			default:
			}
			if err := deps.installOne(ctx, sess, host.Facts.Environment, role, installer.Config(cfg.Config), sink); err != nil {
				return fmt.Errorf("role %q: %w", role, err)
			}
			sink.SetProgress((i + 1) * 100 / len(cfg.Roles))
		}
		return nil
	}
}

// BackupHandler runs a service-specific backup command on
// task.TargetHostID and uploads nothing further than the log — the
// backup artifact stays on the host under the installer's own data
// directory, matching how the teacher's pkg/volume handlers keep data
// on the node that produced it.
func (deps HandlerDeps) BackupHandler() Handler {
	return func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		sink.SetPhase("connect")
		_, sess, err := deps.openSession(ctx, task.TargetHostID)
		if err != nil {
			return err
		}
		defer sess.Close()

		argv, ok := backupCommand(task.TargetService)
		if !ok {
			return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("no backup command known for service %q", task.TargetService))
		}

		sink.SetPhase("backup")
		res, err := sess.Execute(ctx, argv, deps.RunOpts.StepTimeout)
		if err != nil {
			return ctlerr.Wrap(ctlerr.CommandFailed, "backup command", err)
		}
		sink.AppendLog(res.Stdout)
		if res.ExitCode != 0 {
			return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("backup exited %d: %s", res.ExitCode, res.Stderr))
		}
		sink.SetProgress(100)
		return nil
	}
}

func backupCommand(kind types.ServiceKind) ([]string, bool) {
	switch kind {
	case types.ServiceDatabase:
		return []string{"docker", "exec", "ctlplane-postgres", "sh", "-c", "pg_dumpall -U postgres > /var/lib/postgresql/data/backup.sql"}, true
	case types.ServiceCache:
		return []string{"docker", "exec", "ctlplane-redis", "redis-cli", "SAVE"}, true
	default:
		return nil, false
	}
}

// migrateStreamCap bounds how much of a migrated dataset this process
// ever holds in memory at once — a real worker migration moves a
// database dump, which a naive in-memory pipe would make unbounded.
const migrateStreamCap = 8 << 20 // 8 MiB

// MigrateHandler moves task.TargetService from task.SourceHostID to
// task.TargetHostID through the seven phases spec.md §4.4 item 6 names:
// pre-flight target health check (done by the operator API before this
// handler is ever dispatched, see pkg/api's migration pre-flight) ->
// source-side backup/dump -> ensure service deployed on target -> data
// transfer and restore -> verify on target -> stop service on source ->
// update inventory. Any failure up through verify-target leaves the
// source host untouched and its current_services unchanged, so an
// aborted migration is never partially committed; stop-source and the
// inventory flip only happen after verify-target has fully passed. Both
// hosts' mutexes are locked in ascending id order for the task's
// duration so no other task can run an install or another migration
// against either host concurrently.
func (deps HandlerDeps) MigrateHandler(d *Dispatcher) Handler {
	return func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		if task.SourceHostID == "" || task.TargetHostID == "" {
			return ctlerr.New(ctlerr.ConfigInvalid, "migrate task requires both source_host_id and target_host_id")
		}

		unlock := d.LockHosts(task.SourceHostID, task.TargetHostID)
		defer unlock()

		dumpArgv, restoreArgv, ok := migrateCommands(task.TargetService)
		if !ok {
			return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("no migration procedure known for service %q", task.TargetService))
		}
		stopArgv, ok := stopCommand(task.TargetService)
		if !ok {
			return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("no stop command known for service %q", task.TargetService))
		}

		sink.SetPhase("connect-source")
		_, srcSess, err := deps.openSession(ctx, task.SourceHostID)
		if err != nil {
			return fmt.Errorf("source host: %w", err)
		}
		defer srcSess.Close()
		sink.SetProgress(10)

		sink.SetPhase("dump")
		dumpRes, err := srcSess.Execute(ctx, dumpArgv, deps.RunOpts.StepTimeout)
		if err != nil {
			return ctlerr.Wrap(ctlerr.CommandFailed, "dump on source", err)
		}
		if dumpRes.ExitCode != 0 {
			return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("dump exited %d: %s", dumpRes.ExitCode, dumpRes.Stderr))
		}
		payload := []byte(dumpRes.Stdout)
		if len(payload) > migrateStreamCap {
			return ctlerr.New(ctlerr.CapacityExceeded, fmt.Sprintf("dump of %d bytes exceeds the %d byte in-flight migration cap", len(payload), migrateStreamCap))
		}
		sink.SetProgress(30)

		sink.SetPhase("connect-target")
		dstHost, dstSess, err := deps.openSession(ctx, task.TargetHostID)
		if err != nil {
			return fmt.Errorf("target host: %w", err)
		}
		defer dstSess.Close()

		sink.SetPhase("ensure-target")
		if err := deps.ensureInstalled(ctx, dstSess, dstHost.Facts.Environment, task.TargetService, installer.Config(migrateConfig(task)), sink,
			"ensure-target:detect", "ensure-target:install"); err != nil {
			return fmt.Errorf("ensure service on target: %w", err)
		}
		sink.SetProgress(50)

		sink.SetPhase("stage")
		const stagingPath = "/opt/ctlplane/migrate-staging.dump"
		if err := dstSess.Upload(ctx, stagingPath, payload, 0640, deps.RunOpts.StepTimeout); err != nil {
			return ctlerr.Wrap(ctlerr.CommandFailed, "upload dump to target", err)
		}
		sink.SetProgress(65)

		sink.SetPhase("restore")
		restoreRes, err := dstSess.Execute(ctx, restoreArgv, deps.RunOpts.StepTimeout)
		if err != nil {
			return ctlerr.Wrap(ctlerr.CommandFailed, "restore on target", err)
		}
		if restoreRes.ExitCode != 0 {
			return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("restore exited %d: %s", restoreRes.ExitCode, restoreRes.Stderr))
		}
		sink.SetProgress(80)

		// Everything above this line leaves the source host running and
		// unchanged regardless of outcome, per spec.md §8's migration
		// safety boundary: source stays untouched until target verifies.
		if err := deps.verifyInstalled(ctx, dstSess, task.TargetService, sink, "verify-target"); err != nil {
			return fmt.Errorf("verify target: %w", err)
		}
		sink.SetProgress(90)

		sink.SetPhase("stop-source")
		stopRes, err := srcSess.Execute(ctx, stopArgv, deps.RunOpts.StepTimeout)
		if err != nil {
			return ctlerr.Wrap(ctlerr.CommandFailed, "stop service on source", err)
		}
		if stopRes.ExitCode != 0 {
			return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("stop exited %d: %s", stopRes.ExitCode, stopRes.Stderr))
		}
		sink.SetProgress(95)

		sink.SetPhase("update-inventory")
		if deps.Inventory != nil {
			if _, err := deps.Inventory.AddCurrentService(task.TargetHostID, task.TargetService); err != nil {
				return ctlerr.Wrap(ctlerr.ConfigInvalid, "record service on target host", err)
			}
			if err := deps.Inventory.RemoveCurrentService(task.SourceHostID, task.TargetService); err != nil {
				return ctlerr.Wrap(ctlerr.ConfigInvalid, "clear service from source host", err)
			}
		}
		sink.SetProgress(100)
		return nil
	}
}

// migrateConfig decodes a migrate task's installer config. A malformed
// payload is treated as empty config here rather than failing the task:
// by the time a migrate task reaches this handler it has already been
// durably submitted, and a migrate task's Config is optional to begin
// with (unlike install/full-setup, which validate it at submit time).
func migrateConfig(task *types.DeploymentTask) map[string]string {
	c, _ := decodeConfig(task.Config)
	return c.Config
}

func migrateCommands(kind types.ServiceKind) (dump, restore []string, ok bool) {
	switch kind {
	case types.ServiceDatabase:
		return []string{"docker", "exec", "ctlplane-postgres", "pg_dumpall", "-U", "postgres"},
			[]string{"sh", "-c", "docker exec -i ctlplane-postgres psql -U postgres < /opt/ctlplane/migrate-staging.dump"},
			true
	default:
		return nil, nil, false
	}
}

// stopCommand returns the command that stops kind's running container on
// its current host without uninstalling it, the §4.4 "stop service on
// source" step that only runs after a migration's target verify passes.
func stopCommand(kind types.ServiceKind) ([]string, bool) {
	switch kind {
	case types.ServiceDatabase:
		return []string{"docker", "stop", "ctlplane-postgres"}, true
	case types.ServiceCache:
		return []string{"docker", "stop", "ctlplane-redis"}, true
	default:
		return nil, false
	}
}
