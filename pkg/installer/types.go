package installer

import (
	"context"
	"time"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// defaultDetectTimeout bounds every Installer's Detect/Verify/Uninstall
// command, separate from RunOptions.StepTimeout which governs install
// plan steps that may legitimately run longer (a package install, a
// container pull).
const defaultDetectTimeout = 15 * time.Second

// DetectStatus is the outcome of an Installer's Detect step.
type DetectStatus string

const (
	Absent          DetectStatus = "absent"
	PresentInactive DetectStatus = "present-inactive"
	PresentActive   DetectStatus = "present-active"
	Incompatible    DetectStatus = "incompatible"
)

// StepTag modifies how the Runner treats a Step's outcome.
type StepTag string

const (
	// IgnoreErrors: the plan continues even on a non-allowlisted failure.
	IgnoreErrors StepTag = "ignore-errors"
	// Retryable: re-attempt with backoff up to Step.MaxRetries times
	// before the plan's default failure handling applies.
	Retryable StepTag = "retryable"
	// Idempotent: safe to re-run; documents that a resumed or repeated
	// plan may execute this step again without side effects accumulating.
	Idempotent StepTag = "idempotent"
)

func hasTag(tags []StepTag, tag StepTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Step is one unit of an install plan: either a command (Argv non-empty)
// or a file upload (UploadPath non-empty), never both.
type Step struct {
	Name string
	Tags []StepTag

	Argv       []string
	MaxRetries int // used when Tags includes Retryable; 0 defaults to 3

	UploadPath    string
	UploadContent []byte
	UploadMode    uint32

	// FailureKind overrides the ctlerr.Kind a failing attempt is reported
	// as; empty defaults to ctlerr.CommandFailed. Set to
	// ctlerr.DependencyMissing on a pre-flight reachability step (e.g.
	// AppWorkerInstaller's preflight-db/preflight-cache) so an unreachable
	// dependency is classified per spec.md §7's taxonomy instead of as an
	// ordinary failed command.
	FailureKind ctlerr.Kind
}

// InstallPlan is the ordered list of steps Install executes.
type InstallPlan []Step

// Config is the free-form configuration an Installer's Plan reads —
// database/cache connection info for AppWorkerInstaller, listen ports
// for ReverseProxyInstaller, and so on. Concrete installers document the
// keys they read.
type Config map[string]string

// Installer is the contract every service kind's installer implements.
type Installer interface {
	Kind() types.ServiceKind

	// Applicable reports whether facts make this host eligible at all
	// (supported OS family, minimum RAM, etc). Called before Detect.
	Applicable(facts types.HostFacts) bool

	// Detect probes whether the service is already present, and at what
	// version/state.
	Detect(ctx context.Context, sess *sshconn.Session) (DetectStatus, string, error)

	// Plan builds the ordered install steps for env and cfg. May return a
	// DependencyMissing ctlerr if cfg is missing a required pre-flight
	// dependency (AppWorkerInstaller's DB/cache check).
	Plan(env types.EnvironmentKind, cfg Config) (InstallPlan, error)

	// Verify runs a distinct post-install check sequence that must pass
	// to declare the install successful.
	Verify(ctx context.Context, sess *sshconn.Session) error

	// Uninstall removes the service, best-effort.
	Uninstall(ctx context.Context, sess *sshconn.Session) error
}

// Registry maps a ServiceKind to its Installer.
type Registry struct {
	installers map[types.ServiceKind]Installer
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{installers: make(map[types.ServiceKind]Installer)}
}

// Register adds inst under its own Kind().
func (r *Registry) Register(inst Installer) {
	r.installers[inst.Kind()] = inst
}

// Get returns the Installer registered for kind, or false if none is.
func (r *Registry) Get(kind types.ServiceKind) (Installer, bool) {
	inst, ok := r.installers[kind]
	return inst, ok
}

// NewDefaultRegistry builds a Registry with every installer spec.md §4.3
// names: container-engine, reverse-proxy, relational-db, cache and
// app-worker.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewContainerEngineInstaller())
	r.Register(NewReverseProxyInstaller())
	r.Register(NewDatabaseInstaller())
	r.Register(NewCacheInstaller())
	r.Register(NewAppWorkerInstaller())
	return r
}
