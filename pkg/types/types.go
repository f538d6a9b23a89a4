// Package types holds the domain model shared across the control plane:
// hosts, deployment tasks, service placements, domain mappings, alerts and
// audit entries. Plain structs and typed string enums, matching the rest of
// the codebase's storage layer.
package types

import (
	"encoding/json"
	"time"
)

// ServiceKind is a category of software the control plane can install.
type ServiceKind string

const (
	ServiceContainerEngine ServiceKind = "container-engine"
	ServiceReverseProxy    ServiceKind = "reverse-proxy"
	ServiceDatabase        ServiceKind = "database"
	ServiceCache           ServiceKind = "cache"
	ServiceAppWorker       ServiceKind = "app-worker"
)

// EnvironmentKind classifies the host's container execution environment, as
// determined by the Host Probe. It drives installer strategy selection in
// the Service Installer Registry.
type EnvironmentKind string

const (
	EnvironmentMetalOrVM       EnvironmentKind = "metal-or-vm"
	EnvironmentContainerHost   EnvironmentKind = "container-host-with-socket"
	EnvironmentContainerNested EnvironmentKind = "container-nested"
	EnvironmentUnknown         EnvironmentKind = "unknown"
)

// HostStatus is the lifecycle status of a Host.
type HostStatus string

const (
	HostPending        HostStatus = "pending"
	HostActive         HostStatus = "active"
	HostMaintenance    HostStatus = "maintenance"
	HostFailed         HostStatus = "failed"
	HostDecommissioned HostStatus = "decommissioned"
)

// AuthKind discriminates how a Host authenticates over SSH.
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "private-key"
)

// HostFacts are the system facts gathered by the Host Probe. Any field that
// failed to parse is left at its zero value and its name appears in
// Unknown, rather than failing the whole probe.
type HostFacts struct {
	CPUCores    int
	MemoryGB    float64
	DiskGB      float64
	OSFamily    string
	OSVersion   string
	Kernel      string
	Sudo        bool
	Environment EnvironmentKind
	Unknown     []string
}

// Host is a managed remote machine under the control plane's authority.
type Host struct {
	ID       string
	Name     string
	Address  string
	Port     int // administrative SSH port
	User     string
	AuthKind AuthKind

	// DeclaredRoles is the set of service kinds this host is eligible to
	// run. CurrentServices is the set actually installed and running, a
	// subset of DeclaredRoles while the host is active.
	DeclaredRoles   []ServiceKind
	CurrentServices []ServiceKind

	Facts HostFacts

	HealthScore      int // 0..100
	LastProbeAt      time.Time
	ConsecutiveFails int
	Status           HostStatus

	// Version is an optimistic concurrency counter, incremented on every
	// successful update. Callers supply the version they last read; a
	// mismatch fails the write with a ctlerr.VersionConflict error.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRole reports whether the host declares eligibility for the given role.
func (h *Host) HasRole(role ServiceKind) bool {
	for _, r := range h.DeclaredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasService reports whether the service kind is currently installed.
func (h *Host) HasService(kind ServiceKind) bool {
	for _, s := range h.CurrentServices {
		if s == kind {
			return true
		}
	}
	return false
}

// TaskKind is the kind of workflow a DeploymentTask executes.
type TaskKind string

const (
	TaskInstall     TaskKind = "install"
	TaskMigrate     TaskKind = "migrate"
	TaskBackup      TaskKind = "backup"
	TaskNetworkScan TaskKind = "network-scan"
	TaskFullSetup   TaskKind = "full-setup"
)

// TaskStatus is the lifecycle status of a DeploymentTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// DeploymentTask is a durable, resumable unit of orchestration work.
type DeploymentTask struct {
	ID            string
	Kind          TaskKind
	TargetService ServiceKind
	SourceHostID  string // optional, used by migrate
	TargetHostID  string // optional
	Config        json.RawMessage

	Status       TaskStatus
	Progress     int // 0..100, monotonically non-decreasing
	CurrentPhase string
	Log          string // append-only, size-bounded
	Error        string // terminal error, set on failed

	StartedAt   time.Time
	CompletedAt time.Time

	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the task has reached a terminal status.
func (t *DeploymentTask) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// PlacementStatus is the lifecycle status of a ServicePlacement.
type PlacementStatus string

const (
	PlacementStarting PlacementStatus = "starting"
	PlacementRunning  PlacementStatus = "running"
	PlacementDraining PlacementStatus = "draining"
	PlacementStopped  PlacementStatus = "stopped"
	PlacementFailed   PlacementStatus = "failed"
)

// ServicePlacement is an application worker placed on a host.
type ServicePlacement struct {
	ID       string
	Name     string // logical name, globally unique
	Role     ServiceKind
	HostID   string
	Port     int
	Capacity int
	Current  int
	Status   PlacementStatus

	ConsecutiveHealthFails int
	LastSeenAt             time.Time

	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VerificationStatus is the verification state of a DomainMapping.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

// DomainMapping maps an external domain to an internal target.
type DomainMapping struct {
	ID         string
	Domain     string // external, unique
	TargetName string // placement name or subdomain key
	TLS        bool
	CertPath   string
	KeyPath    string

	Status       VerificationStatus
	LastVerified time.Time

	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlertSeverity ranks an Alert's urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// severityRank orders severities so dedup can keep the maximum.
var severityRank = map[AlertSeverity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// MaxSeverity returns whichever of a, b ranks higher.
func MaxSeverity(a, b AlertSeverity) AlertSeverity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// AlertStatus is the lifecycle status of an Alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert records a threshold breach or fault condition, deduplicated by
// (Kind, HostID, PlacementID, MetricName).
type Alert struct {
	ID          string
	Kind        string
	Severity    AlertSeverity
	HostID      string
	PlacementID string

	MetricName string
	Value      float64
	Threshold  float64

	Status AlertStatus

	FirstOccurrence time.Time
	LastOccurrence  time.Time

	AutoResolveEnabled bool
	ResolutionNote     string
	ResolvedAt         time.Time
	AcknowledgedBy     string
	AcknowledgedAt     time.Time

	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DedupKey returns the tuple used to find an existing active alert.
func (a *Alert) DedupKey() string {
	return a.Kind + "|" + a.HostID + "|" + a.PlacementID + "|" + a.MetricName
}

// AuditEntry is an append-only record of an operator action.
type AuditEntry struct {
	ID        string
	ActorID   string
	Action    string
	Detail    json.RawMessage
	Source    string
	Timestamp time.Time
}

// CredentialKind discriminates the stored secret material for a Host.
type CredentialKind string

const (
	CredentialPassword   CredentialKind = "password"
	CredentialPrivateKey CredentialKind = "private-key"
)

// Credential is the at-rest encrypted form of a Host's password or private
// key, stored as its own row so the master key can be rotated by
// re-encrypting Credential rows without touching Host rows.
type Credential struct {
	ID         string
	HostID     string
	Kind       CredentialKind
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int

	CreatedAt time.Time
	UpdatedAt time.Time
}
