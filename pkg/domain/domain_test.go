package domain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
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

	// proxy left nil: CRUD tests never need a live reverse-proxy host.
	e := New(store, nil, broker, nil, nil, "", 2*time.Second)
	return e, store
}

func TestCreateRejectsDuplicateDomain(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Create("tenant-a.example.com", "tenant-a", false)
	require.NoError(t, err)

	_, err = e.Create("tenant-a.example.com", "tenant-b", false)
	require.Error(t, err)
	assert.Equal(t, ctlerr.AlreadyExists, ctlerr.KindOf(err))
}

func TestUpdateResetsVerificationOnTargetChange(t *testing.T) {
	e, store := newTestEngine(t)

	m, err := e.Create("tenant-a.example.com", "tenant-a", false)
	require.NoError(t, err)
	m.Status = types.VerificationVerified
	m.Version = 1
	require.NoError(t, store.UpdateDomainMapping(m))

	newTarget := "tenant-a-v2"
	updated, err := e.Update(m.ID, &newTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerificationUnverified, updated.Status)
	assert.Equal(t, "tenant-a-v2", updated.TargetName)
}

func TestUpdateIsNoopWhenNothingChanges(t *testing.T) {
	e, _ := newTestEngine(t)
	m, err := e.Create("tenant-a.example.com", "tenant-a", false)
	require.NoError(t, err)

	same := "tenant-a"
	updated, err := e.Update(m.ID, &same, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Version, updated.Version, "no fields changed, so no write should have happened")
}

func TestVerifyOneMarksVerifiedOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	m, err := e.Create(serverHostPort(srv), "tenant-a", false)
	require.NoError(t, err)

	err = e.VerifyOne(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, types.VerificationVerified, m.Status)
	assert.False(t, m.LastVerified.IsZero())
}

func TestVerifyOneMarksFailedOnUnreachable(t *testing.T) {
	e, _ := newTestEngine(t)
	m, err := e.Create("unreachable.invalid.example", "tenant-a", false)
	require.NoError(t, err)

	err = e.VerifyOne(context.Background(), m)
	assert.Error(t, err)
	assert.Equal(t, types.VerificationFailed, m.Status)
}

func TestIssueCertificateWithoutDialerFails(t *testing.T) {
	e, _ := newTestEngine(t)
	m, err := e.Create("tenant-a.example.com", "tenant-a", false)
	require.NoError(t, err)

	_, err = e.IssueCertificate(context.Background(), m.ID, false)
	require.Error(t, err)
	assert.Equal(t, ctlerr.ConfigInvalid, ctlerr.KindOf(err))
}

// serverHostPort extracts "host:port" from an httptest.Server URL so it
// can stand in for a domain name with health.HTTPChecker.
func serverHostPort(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}
