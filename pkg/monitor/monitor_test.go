package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	e := New(store, nil, nil, nil, nil, nil, broker, nil, 10*time.Minute, 5*time.Second)
	return e, store
}

func TestThresholdsSeverity(t *testing.T) {
	th := DefaultThresholds()

	sev, threshold, breached := th.severity("cpu_percent", 50)
	assert.False(t, breached)
	assert.Zero(t, threshold)
	assert.Empty(t, sev)

	sev, threshold, breached = th.severity("cpu_percent", 85)
	assert.True(t, breached)
	assert.Equal(t, types.SeverityWarning, sev)
	assert.Equal(t, 80.0, threshold)

	sev, threshold, breached = th.severity("cpu_percent", 99)
	assert.True(t, breached)
	assert.Equal(t, types.SeverityCritical, sev)
	assert.Equal(t, 95.0, threshold)

	_, _, breached = th.severity("unknown_metric", 1000)
	assert.False(t, breached)
}

func TestUpsertAlertCreatesThenDedupesRaisingSeverity(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 82, 80, types.SeverityWarning, ""))

	active, err := store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, types.SeverityWarning, active[0].Severity)
	first := active[0].FirstOccurrence

	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 97, 95, types.SeverityCritical, ""))

	active, err = store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, active, 1, "same dedup tuple should update in place, not duplicate")
	assert.Equal(t, types.SeverityCritical, active[0].Severity, "severity should escalate to the max of old and new")
	assert.Equal(t, 97.0, active[0].Value)
	assert.Equal(t, first, active[0].FirstOccurrence, "first occurrence should not move on update")
}

func TestUpsertAlertDistinctTuplesDoNotCollide(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 82, 80, types.SeverityWarning, ""))
	require.NoError(t, e.upsertAlert("threshold-breach", "host-2", "", "cpu_percent", 82, 80, types.SeverityWarning, ""))
	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "memory_percent", 82, 80, types.SeverityWarning, ""))

	active, err := store.ListActiveAlerts()
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 82, 80, types.SeverityWarning, ""))

	active, err := e.store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, active, 1)
	id := active[0].ID

	acked, err := e.Acknowledge(id, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.Status)
	assert.Equal(t, "operator-1", acked.AcknowledgedBy)

	resolved, err := e.Resolve(id, "operator-1", "manually resolved")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, resolved.Status)
	assert.Equal(t, "manually resolved", resolved.ResolutionNote)
}

func TestAutoResolveStaleClearsWhenConditionNoLongerBreaches(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 97, 95, types.SeverityCritical, ""))
	active, err := store.ListActiveAlerts()
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Backdate FirstOccurrence past autoResolveMinAge and record a
	// since-recovered observation.
	a := active[0]
	a.FirstOccurrence = time.Now().Add(-20 * time.Minute)
	require.NoError(t, store.UpdateAlert(a))

	e.metricsMu.Lock()
	e.lastMetrics["host-1"] = map[string]float64{"cpu_percent": 10}
	e.metricsMu.Unlock()

	e.autoResolveStale()

	got, err := store.GetAlert(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, got.Status)
	assert.Equal(t, "condition cleared", got.ResolutionNote)
}

func TestAutoResolveStaleLeavesBreachingAlertActive(t *testing.T) {
	e, store := newTestEngine(t)

	require.NoError(t, e.upsertAlert("threshold-breach", "host-1", "", "cpu_percent", 97, 95, types.SeverityCritical, ""))
	active, err := store.ListActiveAlerts()
	require.NoError(t, err)
	a := active[0]
	a.FirstOccurrence = time.Now().Add(-20 * time.Minute)
	require.NoError(t, store.UpdateAlert(a))

	e.metricsMu.Lock()
	e.lastMetrics["host-1"] = map[string]float64{"cpu_percent": 99}
	e.metricsMu.Unlock()

	e.autoResolveStale()

	got, err := store.GetAlert(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertActive, got.Status)
}

func TestParseMetricsSkipsUnknownFields(t *testing.T) {
	values := parseMetrics(`{"cpu_percent":"42.5","memory_percent":"unknown","disk_percent":"70","load_average":"1.2"}`)
	assert.Equal(t, 42.5, values["cpu_percent"])
	assert.Equal(t, 70.0, values["disk_percent"])
	assert.Equal(t, 1.2, values["load_average"])
	_, ok := values["memory_percent"]
	assert.False(t, ok)
}
