package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func TestRenderIsDeterministicAndSortedByID(t *testing.T) {
	hosts := map[string]*types.Host{
		"h1": {ID: "h1", Address: "10.0.0.1"},
	}
	placements := []*types.ServicePlacement{
		{ID: "p2", Name: "tenant-b", HostID: "h1", Port: 20001, Status: types.PlacementRunning},
		{ID: "p1", Name: "tenant-a", HostID: "h1", Port: 20000, Status: types.PlacementRunning},
	}
	mappings := []*types.DomainMapping{
		{ID: "m1", Domain: "a.example.com", TargetName: "tenant-a", Status: types.VerificationVerified},
	}

	out1, err := render(placements, hosts, mappings)
	require.NoError(t, err)
	out2, err := render(placements, hosts, mappings)
	require.NoError(t, err)
	assert.Equal(t, out1, out2, "render must be byte-identical across calls over the same input")

	text := string(out1)
	assert.Contains(t, text, "upstream tenant-a {")
	assert.Contains(t, text, "upstream tenant-b {")
	// tenant-a (p1) must render before tenant-b (p2) despite input order.
	assert.Less(t, indexOf(text, "tenant-a"), indexOf(text, "tenant-b"))
	assert.Contains(t, text, "server_name a.example.com;")
	assert.Contains(t, text, "return 444;")
}

func TestRenderSkipsMappingWithoutMatchingUpstream(t *testing.T) {
	hosts := map[string]*types.Host{"h1": {ID: "h1", Address: "10.0.0.1"}}
	placements := []*types.ServicePlacement{
		{ID: "p1", Name: "tenant-a", HostID: "h1", Port: 20000, Status: types.PlacementRunning},
	}
	mappings := []*types.DomainMapping{
		{ID: "m1", Domain: "orphan.example.com", TargetName: "no-such-placement", Status: types.VerificationVerified},
	}

	out, err := render(placements, hosts, mappings)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "orphan.example.com")
}

func TestRenderIncludesDrainingPlacements(t *testing.T) {
	hosts := map[string]*types.Host{"h1": {ID: "h1", Address: "10.0.0.1"}}
	placements := []*types.ServicePlacement{
		{ID: "p1", Name: "tenant-a", HostID: "h1", Port: 20000, Status: types.PlacementDraining},
	}
	out, err := render(placements, hosts, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "upstream tenant-a {")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil, nil, nil, "proxy-host", 0), store
}

func TestRaiseRollbackAlertCreatesThenDedupes(t *testing.T) {
	m, store := newTestManager(t)
	host := &types.Host{ID: "proxy-host", Address: "10.0.0.9"}
	require.NoError(t, store.CreateHost(host))

	require.NoError(t, m.raiseRollbackAlert(host, assert.AnError))
	alerts, err := store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	first := alerts[0].LastOccurrence

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.raiseRollbackAlert(host, assert.AnError))
	alerts, err = store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, alerts, 1, "second rollback on the same host must update, not duplicate, the alert")
	assert.True(t, alerts[0].LastOccurrence.After(first))
}
