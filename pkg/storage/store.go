package storage

import (
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// Store is the repository interface over all durable control-plane state.
// Every update that targets a versioned aggregate (Host, DeploymentTask,
// ServicePlacement, DomainMapping, Alert) takes the row with the version the
// caller last read and fails with ctlerr.VersionConflict if storage's
// current version has moved, enforcing the single-writer-per-aggregate rule
// from the design notes.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	GetHostByName(name string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// DeploymentTasks
	CreateTask(task *types.DeploymentTask) error
	GetTask(id string) (*types.DeploymentTask, error)
	ListTasks() ([]*types.DeploymentTask, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.DeploymentTask, error)
	UpdateTask(task *types.DeploymentTask) error

	// ServicePlacements
	CreatePlacement(p *types.ServicePlacement) error
	GetPlacement(id string) (*types.ServicePlacement, error)
	GetPlacementByName(name string) (*types.ServicePlacement, error)
	ListPlacements() ([]*types.ServicePlacement, error)
	ListPlacementsByHost(hostID string) ([]*types.ServicePlacement, error)
	UpdatePlacement(p *types.ServicePlacement) error
	DeletePlacement(id string) error

	// DomainMappings
	CreateDomainMapping(m *types.DomainMapping) error
	GetDomainMapping(id string) (*types.DomainMapping, error)
	GetDomainMappingByDomain(domain string) (*types.DomainMapping, error)
	ListDomainMappings() ([]*types.DomainMapping, error)
	UpdateDomainMapping(m *types.DomainMapping) error
	DeleteDomainMapping(id string) error

	// Alerts
	CreateAlert(a *types.Alert) error
	GetAlert(id string) (*types.Alert, error)
	GetActiveAlertByDedupKey(key string) (*types.Alert, error)
	ListAlerts() ([]*types.Alert, error)
	ListActiveAlerts() ([]*types.Alert, error)
	UpdateAlert(a *types.Alert) error

	// AuditEntries (append-only)
	AppendAuditEntry(e *types.AuditEntry) error
	ListAuditEntries(limit int) ([]*types.AuditEntry, error)

	// Credentials
	PutCredential(c *types.Credential) error
	GetCredentialByHost(hostID string) (*types.Credential, error)
	DeleteCredential(hostID string) error

	Close() error
}
