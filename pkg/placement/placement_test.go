package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func newTestPlacement(t *testing.T, handler deploy.Handler) (*Placement, *inventory.Inventory, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	inv := inventory.New(store)
	d := deploy.New(store, broker, 2, time.Hour)
	d.RegisterHandler(types.TaskInstall, handler)

	p := New(store, inv, d, broker, 20000, 20010)
	return p, inv, store
}

func activeHost(t *testing.T, inv *inventory.Inventory, name string, role types.ServiceKind) *types.Host {
	t.Helper()
	h, err := inv.Create(name, "10.0.0.1", 22, "ops", types.AuthPassword, []types.ServiceKind{role})
	require.NoError(t, err)
	require.NoError(t, inv.Activate(h.ID))
	h, err = inv.Get(h.ID)
	require.NoError(t, err)
	return h
}

func waitForStatus(t *testing.T, store storage.Store, id string, want types.PlacementStatus) *types.ServicePlacement {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pl, err := store.GetPlacement(id)
		if err == nil && pl.Status == want {
			return pl
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("placement never reached status %s", want)
	return nil
}

func TestCreatePromotesToRunningOnInstallSuccess(t *testing.T) {
	p, inv, store := newTestPlacement(t, func(ctx context.Context, task *types.DeploymentTask, sink *deploy.ProgressSink) error {
		return nil
	})
	host := activeHost(t, inv, "worker-1", types.ServiceAppWorker)

	pl, err := p.Create("tenant-a", types.ServiceAppWorker, 10, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, types.PlacementStarting, pl.Status)
	assert.Equal(t, host.ID, pl.HostID)
	assert.Equal(t, 20000, pl.Port)

	running := waitForStatus(t, store, pl.ID, types.PlacementRunning)
	assert.Equal(t, types.ServiceAppWorker, running.Role)

	got, err := inv.Get(host.ID)
	require.NoError(t, err)
	assert.True(t, got.HasService(types.ServiceAppWorker))
}

func TestCreateReleasesPortOnInstallFailure(t *testing.T) {
	p, inv, store := newTestPlacement(t, func(ctx context.Context, task *types.DeploymentTask, sink *deploy.ProgressSink) error {
		return assert.AnError
	})
	activeHost(t, inv, "worker-1", types.ServiceAppWorker)

	pl, err := p.Create("tenant-a", types.ServiceAppWorker, 10, map[string]string{})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetPlacement(pl.ID); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err = store.GetPlacement(pl.ID)
	assert.Error(t, err, "failed placement should have been deleted, releasing its port")
}

func TestAllocatePortSkipsPortsHeldByNonStoppedPlacements(t *testing.T) {
	p, inv, _ := newTestPlacement(t, func(ctx context.Context, task *types.DeploymentTask, sink *deploy.ProgressSink) error {
		return nil
	})
	host := activeHost(t, inv, "worker-1", types.ServiceAppWorker)

	port, err := p.allocatePort(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 20000, port)

	require.NoError(t, p.store.CreatePlacement(&types.ServicePlacement{
		ID: "p1", Name: "p1", HostID: host.ID, Port: 20000, Status: types.PlacementRunning,
	}))

	port, err = p.allocatePort(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 20001, port)
}

func TestRecordHealthOutcomeFailsAfterThreeConsecutiveFailures(t *testing.T) {
	p, inv, _ := newTestPlacement(t, func(ctx context.Context, task *types.DeploymentTask, sink *deploy.ProgressSink) error {
		return nil
	})
	host := activeHost(t, inv, "worker-1", types.ServiceAppWorker)
	pl := &types.ServicePlacement{ID: "p1", Name: "p1", HostID: host.ID, Port: 20000, Status: types.PlacementRunning}
	require.NoError(t, p.store.CreatePlacement(pl))

	require.NoError(t, p.RecordHealthOutcome(pl.ID, false))
	require.NoError(t, p.RecordHealthOutcome(pl.ID, false))
	got, err := p.Get(pl.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementRunning, got.Status)

	require.NoError(t, p.RecordHealthOutcome(pl.ID, false))
	got, err = p.Get(pl.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementFailed, got.Status)
}
