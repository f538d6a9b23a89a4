package inventory

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// maxConsecutiveFailsBeforeMaintenance matches spec.md §4.5: three
// consecutive probe failures move a host to maintenance automatically;
// only an operator action returns it to active.
const maxConsecutiveFailsBeforeMaintenance = 3

// Inventory is the Host Inventory component (C5).
type Inventory struct {
	store storage.Store
}

// New wires an Inventory to the durable store.
func New(store storage.Store) *Inventory {
	return &Inventory{store: store}
}

// Create registers a new Host in lifecycle state pending. Facts are empty
// until the first probe runs.
func (inv *Inventory) Create(name, address string, port int, user string, authKind types.AuthKind, roles []types.ServiceKind) (*types.Host, error) {
	if name == "" || address == "" {
		return nil, ctlerr.New(ctlerr.ConfigInvalid, "host name and address are required")
	}
	if _, err := inv.store.GetHostByName(name); err == nil {
		return nil, ctlerr.New(ctlerr.AlreadyExists, "host name "+name)
	}

	now := time.Now()
	h := &types.Host{
		ID:              uuid.NewString(),
		Name:            name,
		Address:         address,
		Port:            port,
		User:            user,
		AuthKind:        authKind,
		DeclaredRoles:   roles,
		CurrentServices: nil,
		Status:          types.HostPending,
		HealthScore:     0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := inv.store.CreateHost(h); err != nil {
		return nil, err
	}
	metrics.HostsTotal.WithLabelValues(string(h.Status)).Inc()
	return h, nil
}

func (inv *Inventory) Get(id string) (*types.Host, error) { return inv.store.GetHost(id) }

func (inv *Inventory) GetByName(name string) (*types.Host, error) {
	return inv.store.GetHostByName(name)
}

func (inv *Inventory) List() ([]*types.Host, error) { return inv.store.ListHosts() }

// ListByRole returns hosts eligible and active for role, per spec.md
// §4.5's list_by_role.
func (inv *Inventory) ListByRole(role types.ServiceKind) ([]*types.Host, error) {
	all, err := inv.store.ListHosts()
	if err != nil {
		return nil, err
	}
	var out []*types.Host
	for _, h := range all {
		if h.Status == types.HostActive && h.HasRole(role) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (inv *Inventory) Delete(id string) error { return inv.store.DeleteHost(id) }

// Activate transitions a pending or maintenance host to active, the
// operator action spec.md §4.5 requires to leave maintenance.
func (inv *Inventory) Activate(id string) error {
	h, err := inv.store.GetHost(id)
	if err != nil {
		return err
	}
	h.Status = types.HostActive
	h.ConsecutiveFails = 0
	h.UpdatedAt = time.Now()
	return inv.store.UpdateHost(h)
}

// candidateScore is the composite score pick_for_placement ranks hosts
// by: health score weighted heaviest, then fewer existing placements,
// then more free CPU/RAM headroom. Ties are broken by lowest id by the
// caller, for determinism.
func candidateScore(h *types.Host, placementCount int) float64 {
	freeCPU := float64(h.Facts.CPUCores)
	freeRAM := h.Facts.MemoryGB
	return float64(h.HealthScore)*10 - float64(placementCount)*5 + freeCPU + freeRAM
}

// PickForPlacement returns the active, role-eligible host with the best
// composite score of (health_score, inverse of current-placement-count,
// free CPU/RAM), breaking ties by lowest id. placementCounts supplies the
// current non-stopped placement count per host id (owned by
// pkg/placement, not duplicated here).
func (inv *Inventory) PickForPlacement(role types.ServiceKind, placementCounts map[string]int) (*types.Host, error) {
	candidates, err := inv.ListByRole(role)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ctlerr.New(ctlerr.CapacityExceeded, fmt.Sprintf("no active host eligible for role %q", role))
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	best := candidates[0]
	bestScore := candidateScore(best, placementCounts[best.ID])
	for _, h := range candidates[1:] {
		score := candidateScore(h, placementCounts[h.ID])
		if score > bestScore {
			best, bestScore = h, score
		}
	}
	return best, nil
}

// UpdateFacts is the single-writer operation that refreshes Host.Facts and
// Environment after a probe, guarded by the optimistic version the caller
// last read.
func (inv *Inventory) UpdateFacts(hostID string, version int, facts types.HostFacts) (*types.Host, error) {
	h, err := inv.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	h.Version = version
	h.Facts = facts
	h.UpdatedAt = time.Now()
	if err := inv.store.UpdateHost(h); err != nil {
		return nil, err
	}
	return h, nil
}

// UpdateCurrentServices is the single-writer operation that sets which
// services are actually installed and running, called only after an
// installer's Verify step fully passes (spec.md §9's Open Question
// resolution: never optimistic). It enforces
// current-services-subset-of-declared-roles.
func (inv *Inventory) UpdateCurrentServices(hostID string, version int, services []types.ServiceKind) (*types.Host, error) {
	h, err := inv.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if !h.HasRole(svc) {
			return nil, ctlerr.New(ctlerr.ConfigInvalid,
				fmt.Sprintf("host %s: service %q is not a declared role", hostID, svc))
		}
	}
	h.Version = version
	h.CurrentServices = services
	h.UpdatedAt = time.Now()
	if err := inv.store.UpdateHost(h); err != nil {
		return nil, err
	}
	return h, nil
}

// AddCurrentService appends kind to the host's current services if not
// already present, using the host's own version for the compare-and-swap
// (no caller-supplied version needed since this is read-modify-write).
func (inv *Inventory) AddCurrentService(hostID string, kind types.ServiceKind) (*types.Host, error) {
	h, err := inv.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	if h.HasService(kind) {
		return h, nil
	}
	return inv.UpdateCurrentServices(hostID, h.Version, append(append([]types.ServiceKind{}, h.CurrentServices...), kind))
}

// RemoveCurrentService drops kind from the host's current services if
// present, the inverse of AddCurrentService used when a service stops
// being true of a host (e.g. the source host of a completed migration).
func (inv *Inventory) RemoveCurrentService(hostID string, kind types.ServiceKind) error {
	h, err := inv.store.GetHost(hostID)
	if err != nil {
		return err
	}
	if !h.HasService(kind) {
		return nil
	}
	remaining := make([]types.ServiceKind, 0, len(h.CurrentServices))
	for _, svc := range h.CurrentServices {
		if svc != kind {
			remaining = append(remaining, svc)
		}
	}
	_, err = inv.UpdateCurrentServices(hostID, h.Version, remaining)
	return err
}

// RecordProbeOutcome updates HealthScore and LastProbeAt after a probe
// (full or lite), and applies the three-consecutive-failure ->
// maintenance transition.
func (inv *Inventory) RecordProbeOutcome(hostID string, healthy bool, score int) error {
	h, err := inv.store.GetHost(hostID)
	if err != nil {
		return err
	}

	h.HealthScore = score
	h.LastProbeAt = time.Now()

	if healthy {
		h.ConsecutiveFails = 0
	} else {
		h.ConsecutiveFails++
		if h.ConsecutiveFails >= maxConsecutiveFailsBeforeMaintenance && h.Status == types.HostActive {
			h.Status = types.HostMaintenance
			log.WithHost(hostID).Warn().Int("consecutive_fails", h.ConsecutiveFails).
				Msg("host moved to maintenance after repeated probe failures")
		}
	}

	h.UpdatedAt = time.Now()
	if err := inv.store.UpdateHost(h); err != nil {
		return err
	}
	metrics.HostHealthScore.WithLabelValues(hostID).Set(float64(score))
	return nil
}
