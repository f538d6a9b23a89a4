package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/audit"
	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

const testToken = "operator-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs := afero.NewMemMapFs()
	vault, err := security.NewVault(fs, "/keyfile")
	require.NoError(t, err)
	credentials := security.NewCredentialStore(vault, store)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	dispatcher := deploy.New(store, broker, 2, time.Hour)

	return New(Deps{
		Store:                    store,
		Inventory:                inventory.New(store),
		Dispatcher:               dispatcher,
		Credentials:              credentials,
		Audit:                    audit.New(store, 64),
		Tokens:                   []string{testToken},
		MigrationHealthThreshold: 50,
	})
}

func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/hosts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/hosts", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHostAddThenList(t *testing.T) {
	s := newTestServer(t)

	addRec := doRequest(s, http.MethodPost, "/hosts", testToken, hostAddRequest{
		Name:     "db-1",
		Address:  "10.0.0.5",
		User:     "ops",
		AuthKind: types.AuthPassword,
		Secret:   "s3cret",
		Roles:    []types.ServiceKind{types.ServiceDatabase},
	})
	require.Equal(t, http.StatusCreated, addRec.Code)

	var created types.Host
	require.NoError(t, json.Unmarshal(addRec.Body.Bytes(), &created))
	assert.Equal(t, "db-1", created.Name)
	assert.Equal(t, 22, created.Port)

	listRec := doRequest(s, http.MethodGet, "/hosts", testToken, nil)
	require.Equal(t, http.StatusOK, listRec.Code)

	var hosts []*types.Host
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &hosts))
	require.Len(t, hosts, 1)
	assert.Equal(t, created.ID, hosts[0].ID)
}

func TestHostAddRecordsAuditEntry(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/hosts", testToken, hostAddRequest{
		Name:     "db-2",
		Address:  "10.0.0.6",
		User:     "ops",
		AuthKind: types.AuthPassword,
		Roles:    []types.ServiceKind{types.ServiceDatabase},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	entries, err := s.deps.Audit.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "host.add", entries[0].Action)
	assert.Equal(t, testToken, entries[0].ActorID)
}

func TestMigrateRejectsLowHealthTarget(t *testing.T) {
	s := newTestServer(t)

	source, err := s.deps.Inventory.Create("app-src", "10.0.0.7", 22, "ops", types.AuthPassword, []types.ServiceKind{types.ServiceAppWorker})
	require.NoError(t, err)
	target, err := s.deps.Inventory.Create("app-dst", "10.0.0.8", 22, "ops", types.AuthPassword, []types.ServiceKind{types.ServiceAppWorker})
	require.NoError(t, err)

	require.NoError(t, s.deps.Inventory.RecordProbeOutcome(target.ID, true, 10))

	rec := doRequest(s, http.MethodPost, "/hosts/migrate", testToken, hostMigrateRequest{
		SourceHostID: source.ID,
		TargetHostID: target.ID,
		Service:      types.ServiceAppWorker,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	tasks, err := s.deps.Store.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)

	entries, err := s.deps.Audit.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "host.migrate", entries[0].Action)
}

func TestMigrateAcceptsHealthyTarget(t *testing.T) {
	s := newTestServer(t)

	source, err := s.deps.Inventory.Create("app-src2", "10.0.0.9", 22, "ops", types.AuthPassword, []types.ServiceKind{types.ServiceAppWorker})
	require.NoError(t, err)
	target, err := s.deps.Inventory.Create("app-dst2", "10.0.0.10", 22, "ops", types.AuthPassword, []types.ServiceKind{types.ServiceAppWorker})
	require.NoError(t, err)
	require.NoError(t, s.deps.Inventory.RecordProbeOutcome(target.ID, true, 90))

	rec := doRequest(s, http.MethodPost, "/hosts/migrate", testToken, hostMigrateRequest{
		SourceHostID: source.ID,
		TargetHostID: target.ID,
		Service:      types.ServiceAppWorker,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var task types.DeploymentTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, types.TaskMigrate, task.Kind)
}
