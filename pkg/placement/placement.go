package placement

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// maxConsecutiveHealthFails matches spec.md's "any status -> failed on
// three consecutive health-check failures" rule, the same threshold
// pkg/inventory applies to hosts.
const maxConsecutiveHealthFails = 3

// OnRunning is called once a placement's install task completes and the
// placement transitions to running, letting pkg/proxy regenerate
// configuration without this package importing it directly.
type OnRunning func(p *types.ServicePlacement)

// Placement is the Worker Placement & Registry component (C6).
type Placement struct {
	store      storage.Store
	inventory  *inventory.Inventory
	dispatcher *deploy.Dispatcher
	broker     *events.Broker

	portMin, portMax int

	pendingTasks sync.Map // map[taskID string]placementID string

	onRunningMu sync.Mutex
	onRunning   []OnRunning
}

// New wires a Placement to its collaborators and registers its
// completion handler on dispatcher. portMin/portMax bound the ports this
// package will reserve on a host.
func New(store storage.Store, inv *inventory.Inventory, dispatcher *deploy.Dispatcher, broker *events.Broker, portMin, portMax int) *Placement {
	p := &Placement{
		store:      store,
		inventory:  inv,
		dispatcher: dispatcher,
		broker:     broker,
		portMin:    portMin,
		portMax:    portMax,
	}
	dispatcher.OnComplete(p.handleTaskComplete)
	return p
}

// OnRunning registers fn to run whenever a placement becomes running.
func (p *Placement) OnRunning(fn OnRunning) {
	p.onRunningMu.Lock()
	defer p.onRunningMu.Unlock()
	p.onRunning = append(p.onRunning, fn)
}

func (p *Placement) fireOnRunning(pl *types.ServicePlacement) {
	p.onRunningMu.Lock()
	fns := append([]OnRunning{}, p.onRunning...)
	p.onRunningMu.Unlock()
	for _, fn := range fns {
		fn(pl)
	}
}

type installTaskConfig struct {
	Config map[string]string `json:"config,omitempty"`
}

// Create picks a host for role, reserves a port on it, and submits an
// install task. The ServicePlacement row is created immediately in
// status=starting; it moves to running only after the install task's
// Verify step passes, never optimistically.
func (p *Placement) Create(name string, role types.ServiceKind, capacity int, cfg map[string]string) (*types.ServicePlacement, error) {
	return p.CreateOnHost(name, role, capacity, "", cfg)
}

// CreateOnHost is Create with an optional operator-pinned hostID,
// satisfying spec.md §6's `placement.create(name, capacity, host?)`. An
// empty hostID falls back to PickForPlacement's composite scoring; a
// non-empty one is used as-is provided the host declares the role.
func (p *Placement) CreateOnHost(name string, role types.ServiceKind, capacity int, hostID string, cfg map[string]string) (*types.ServicePlacement, error) {
	var host *types.Host
	var err error
	if hostID == "" {
		counts, cerr := p.placementCounts()
		if cerr != nil {
			return nil, cerr
		}
		host, err = p.inventory.PickForPlacement(role, counts)
	} else {
		host, err = p.inventory.Get(hostID)
		if err == nil && !host.HasRole(role) {
			err = ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("host %s does not declare role %s", hostID, role))
		}
	}
	if err != nil {
		return nil, err
	}

	port, err := p.allocatePort(host.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pl := &types.ServicePlacement{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		HostID:    host.ID,
		Port:      port,
		Capacity:  capacity,
		Status:    types.PlacementStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreatePlacement(pl); err != nil {
		return nil, err
	}
	metrics.PlacementsTotal.WithLabelValues(string(pl.Status)).Inc()
	p.publish(events.EventPlacementStarting, pl)

	taskCfg := map[string]string{}
	for k, v := range cfg {
		taskCfg[k] = v
	}
	taskCfg["http_port"] = fmt.Sprintf("%d", port)
	raw, err := json.Marshal(installTaskConfig{Config: taskCfg})
	if err != nil {
		return nil, err
	}

	task, err := p.dispatcher.Submit(&types.DeploymentTask{
		Kind:          types.TaskInstall,
		TargetHostID:  host.ID,
		TargetService: role,
		Config:        raw,
	})
	if err != nil {
		_ = p.store.DeletePlacement(pl.ID)
		return nil, err
	}
	p.pendingTasks.Store(task.ID, pl.ID)

	return pl, nil
}

// placementCounts returns, for every host, the number of its non-stopped
// placements — the inverse-load term pkg/inventory's composite score
// weighs, the same role pkg/scheduler/scheduler.go's inline
// containerCounts map plays for selectNode.
func (p *Placement) placementCounts() (map[string]int, error) {
	all, err := p.store.ListPlacements()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(all))
	for _, pl := range all {
		if pl.Status != types.PlacementStopped {
			counts[pl.HostID]++
		}
	}
	return counts, nil
}

// allocatePort finds the lowest free port in [portMin, portMax] not held
// by any non-stopped placement on hostID.
func (p *Placement) allocatePort(hostID string) (int, error) {
	existing, err := p.store.ListPlacementsByHost(hostID)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(existing))
	for _, pl := range existing {
		if pl.Status != types.PlacementStopped {
			used[pl.Port] = true
		}
	}
	for port := p.portMin; port <= p.portMax; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, ctlerr.New(ctlerr.CapacityExceeded,
		fmt.Sprintf("no free port in [%d, %d] on host %s", p.portMin, p.portMax, hostID))
}

// handleTaskComplete is the Dispatcher.OnComplete callback: it resolves
// the placement a pending install task belongs to and advances or
// releases it.
func (p *Placement) handleTaskComplete(task *types.DeploymentTask) {
	v, ok := p.pendingTasks.Load(task.ID)
	if !ok {
		return
	}
	p.pendingTasks.Delete(task.ID)
	placementID := v.(string)

	pl, err := p.store.GetPlacement(placementID)
	if err != nil {
		log.WithPlacement(placementID).Error().Err(err).Msg("placement vanished before install task completed")
		return
	}

	if task.Status != types.TaskCompleted {
		log.WithPlacement(placementID).Warn().Str("task_id", task.ID).Msg("install task failed, releasing placement's port reservation")
		if err := p.store.DeletePlacement(pl.ID); err != nil {
			log.WithPlacement(placementID).Error().Err(err).Msg("failed to release failed placement")
		}
		metrics.PlacementsTotal.WithLabelValues(string(types.PlacementFailed)).Inc()
		p.publish(events.EventPlacementFailed, pl)
		return
	}

	pl.Status = types.PlacementRunning
	pl.LastSeenAt = time.Now()
	if err := p.store.UpdatePlacement(pl); err != nil {
		log.WithPlacement(placementID).Error().Err(err).Msg("failed to mark placement running")
		return
	}
	metrics.PlacementsTotal.WithLabelValues(string(pl.Status)).Inc()

	if _, err := p.inventory.AddCurrentService(pl.HostID, pl.Role); err != nil {
		log.WithPlacement(placementID).Warn().Err(err).Msg("failed to record current service on host")
	}

	p.publish(events.EventPlacementRunning, pl)
	p.fireOnRunning(pl)
}

// Get returns a placement by id.
func (p *Placement) Get(id string) (*types.ServicePlacement, error) { return p.store.GetPlacement(id) }

// List returns every placement.
func (p *Placement) List() ([]*types.ServicePlacement, error) { return p.store.ListPlacements() }

// Drain transitions a running placement to draining, the operator's way
// to prepare it for removal without killing in-flight tenant traffic.
func (p *Placement) Drain(id string) error {
	return p.transition(id, types.PlacementDraining, []types.PlacementStatus{types.PlacementRunning})
}

// Stop transitions a draining, running or starting placement to stopped,
// which releases its port and excludes it from future scoring.
func (p *Placement) Stop(id string) error {
	if err := p.transition(id, types.PlacementStopped, []types.PlacementStatus{types.PlacementDraining, types.PlacementRunning, types.PlacementStarting}); err != nil {
		return err
	}
	p.publish(events.EventPlacementStopped, nil)
	return nil
}

func (p *Placement) transition(id string, to types.PlacementStatus, from []types.PlacementStatus) error {
	pl, err := p.store.GetPlacement(id)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range from {
		if pl.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ctlerr.New(ctlerr.ConfigInvalid, fmt.Sprintf("placement %s: cannot move from %s to %s", id, pl.Status, to))
	}
	pl.Status = to
	pl.UpdatedAt = time.Now()
	if err := p.store.UpdatePlacement(pl); err != nil {
		return err
	}
	metrics.PlacementsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// RecordHealthOutcome updates a running placement's consecutive
// health-check failure count, transitioning it to failed after
// maxConsecutiveHealthFails in a row — called by pkg/monitor's health
// ticker the same way pkg/inventory.RecordProbeOutcome is.
func (p *Placement) RecordHealthOutcome(id string, healthy bool) error {
	pl, err := p.store.GetPlacement(id)
	if err != nil {
		return err
	}
	pl.LastSeenAt = time.Now()
	if healthy {
		pl.ConsecutiveHealthFails = 0
	} else {
		pl.ConsecutiveHealthFails++
		if pl.ConsecutiveHealthFails >= maxConsecutiveHealthFails && pl.Status != types.PlacementStopped {
			pl.Status = types.PlacementFailed
			p.publish(events.EventPlacementFailed, pl)
		}
	}
	pl.UpdatedAt = time.Now()
	if err := p.store.UpdatePlacement(pl); err != nil {
		return err
	}
	metrics.PlacementTenantUtilization.WithLabelValues(pl.Name).Set(utilization(pl))
	return nil
}

func utilization(pl *types.ServicePlacement) float64 {
	if pl.Capacity <= 0 {
		return 0
	}
	return float64(pl.Current) / float64(pl.Capacity)
}

func (p *Placement) publish(evt events.EventType, pl *types.ServicePlacement) {
	if p.broker == nil {
		return
	}
	meta := map[string]string{}
	if pl != nil {
		meta["placement_id"] = pl.ID
		meta["host_id"] = pl.HostID
	}
	p.broker.Publish(&events.Event{ID: uuid.NewString(), Type: evt, Metadata: meta})
}
