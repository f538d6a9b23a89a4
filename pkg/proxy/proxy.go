package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/health"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

const (
	stagingPath   = "/opt/ctlplane/proxy/conf.d/.staging.conf"
	backupPath    = "/opt/ctlplane/proxy/conf.d/.backup.conf"
	livePath      = "/opt/ctlplane/proxy/conf.d/app.conf"
	uploadTimeout = 30 * time.Second
	execTimeout   = 15 * time.Second
)

// Manager is the Reverse-Proxy Config Manager (C7).
type Manager struct {
	store       storage.Store
	dialer      *sshconn.Dialer
	credentials *security.CredentialStore
	broker      *events.Broker

	proxyHostID string
	verifyWait  time.Duration

	mu sync.Mutex // single proxy-host mutex: one regeneration at a time
}

// New wires a Manager to its collaborators. proxyHostID identifies the
// Host row the generated config is pushed to; verifyWait is how long to
// wait after reload before probing the reserved health path (spec.md's
// "wait and verify" step).
func New(store storage.Store, dialer *sshconn.Dialer, credentials *security.CredentialStore, broker *events.Broker, proxyHostID string, verifyWait time.Duration) *Manager {
	return &Manager{
		store:       store,
		dialer:      dialer,
		credentials: credentials,
		broker:      broker,
		proxyHostID: proxyHostID,
		verifyWait:  verifyWait,
	}
}

// OnPlacementRunning adapts pkg/placement.Placement.OnRunning's callback
// signature into a Regenerate trigger, letting main wire
// placement.OnRunning(proxyMgr.OnPlacementRunning) without either package
// importing the other's package beyond this function value.
func (m *Manager) OnPlacementRunning(pl *types.ServicePlacement) {
	if err := m.Regenerate(context.Background()); err != nil {
		log.WithHost(m.proxyHostID).Error().Err(err).Str("placement_id", pl.ID).Msg("proxy regeneration after placement running failed")
	}
}

// Regenerate rebuilds the proxy configuration from current state and
// pushes it through the full regenerate/upload/check/move/reload/verify
// pipeline, rolling back and raising an alert if the post-reload health
// probe fails.
func (m *Manager) Regenerate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProxyReloadDuration)

	content, host, err := m.build()
	if err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("build_error").Inc()
		return err
	}

	sess, secretKind, err := m.openProxySession(ctx, host)
	if err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("connect_error").Inc()
		return err
	}
	defer sess.Close()
	_ = secretKind

	if err := sess.Upload(ctx, stagingPath, content, 0644, uploadTimeout); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("upload_error").Inc()
		return err
	}

	if err := m.syntaxCheck(ctx, sess); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("syntax_error").Inc()
		return err
	}

	// Retain the currently-live config so a failed verify can restore it.
	if _, err := sess.Execute(ctx, []string{"sh", "-c", fmt.Sprintf("cp %s %s 2>/dev/null || true", livePath, backupPath)}, execTimeout); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("backup_error").Inc()
		return err
	}

	if err := m.moveIntoPlace(ctx, sess, stagingPath); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("move_error").Inc()
		return err
	}

	if err := m.reload(ctx, sess); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("reload_error").Inc()
		return err
	}

	time.Sleep(m.verifyWait)

	if err := m.verify(ctx, host); err != nil {
		log.WithHost(host.ID).Warn().Err(err).Msg("proxy reload failed verification, rolling back")
		if rbErr := m.rollback(ctx, sess, host, err); rbErr != nil {
			log.WithHost(host.ID).Error().Err(rbErr).Msg("proxy rollback itself failed")
		}
		metrics.ProxyReloadsTotal.WithLabelValues("verify_failed").Inc()
		return err
	}

	metrics.ProxyReloadsTotal.WithLabelValues("success").Inc()
	m.publish(events.EventProxyReloaded)
	return nil
}

// build assembles the config text from current placements and verified
// mappings and resolves the proxy Host row to push it to.
func (m *Manager) build() ([]byte, *types.Host, error) {
	host, err := m.store.GetHost(m.proxyHostID)
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.NotFound, "proxy host", err)
	}

	all, err := m.store.ListPlacements()
	if err != nil {
		return nil, nil, err
	}
	var live []*types.ServicePlacement
	hostIDs := map[string]bool{}
	for _, pl := range all {
		if pl.Status == types.PlacementRunning || pl.Status == types.PlacementDraining {
			live = append(live, pl)
			hostIDs[pl.HostID] = true
		}
	}
	hosts := make(map[string]*types.Host, len(hostIDs))
	for id := range hostIDs {
		h, err := m.store.GetHost(id)
		if err != nil {
			return nil, nil, err
		}
		hosts[id] = h
	}

	mappings, err := m.store.ListDomainMappings()
	if err != nil {
		return nil, nil, err
	}
	var verified []*types.DomainMapping
	for _, dm := range mappings {
		if dm.Status == types.VerificationVerified {
			verified = append(verified, dm)
		}
	}

	content, err := render(live, hosts, verified)
	if err != nil {
		return nil, nil, err
	}
	return content, host, nil
}

func (m *Manager) openProxySession(ctx context.Context, host *types.Host) (*sshconn.Session, types.CredentialKind, error) {
	secret, kind, err := m.credentials.Get(host.ID)
	if err != nil {
		return nil, "", err
	}
	sess, err := m.dialer.Open(ctx, host, kind, secret)
	if err != nil {
		return nil, "", err
	}
	return sess, kind, nil
}

// syntaxCheck runs the same `nginx -t` the reverse-proxy installer's own
// Verify step runs, against the staged (not yet live) file.
func (m *Manager) syntaxCheck(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-proxy", "nginx", "-t"}, execTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.VerifyFailed, "config-syntax-check", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.VerifyFailed, fmt.Sprintf("config-syntax-check exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// moveIntoPlace relies on mv being atomic within the same filesystem
// (both paths live under /opt/ctlplane/proxy/conf.d), so nginx never
// observes a partially-written file.
func (m *Manager) moveIntoPlace(ctx context.Context, sess *sshconn.Session, staged string) error {
	res, err := sess.Execute(ctx, []string{"mv", staged, livePath}, execTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("mv exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

func (m *Manager) reload(ctx context.Context, sess *sshconn.Session) error {
	res, err := sess.Execute(ctx, []string{"docker", "exec", "ctlplane-proxy", "nginx", "-s", "reload"}, execTimeout)
	if err != nil {
		return ctlerr.Wrap(ctlerr.CommandFailed, "reload signal", err)
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("reload exited %d: %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// verify probes the reserved health path the same way pkg/domain's
// per-mapping verification does, via health.HTTPChecker.
func (m *Manager) verify(ctx context.Context, host *types.Host) error {
	checker := health.NewHTTPChecker(fmt.Sprintf("http://%s%s", host.Address, ReservedHealthPath)).WithTimeout(10 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		return ctlerr.New(ctlerr.VerifyFailed, result.Message)
	}
	return nil
}

// rollback restores the retained backup and reloads again, then raises
// an alert recording the verification failure that triggered it.
func (m *Manager) rollback(ctx context.Context, sess *sshconn.Session, host *types.Host, verifyErr error) error {
	res, err := sess.Execute(ctx, []string{"sh", "-c", fmt.Sprintf("test -f %s && mv %s %s", backupPath, backupPath, livePath)}, execTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return ctlerr.New(ctlerr.CommandFailed, fmt.Sprintf("restore backup exited %d: %s", res.ExitCode, res.Stderr))
	}
	if err := m.reload(ctx, sess); err != nil {
		return err
	}
	return m.raiseRollbackAlert(host, verifyErr)
}

// raiseRollbackAlert upserts a critical alert deduplicated by (kind,
// host, "", "") the same way pkg/monitor's alert evaluation dedupes,
// since proxy rollback is itself a fault condition worth alerting on.
func (m *Manager) raiseRollbackAlert(host *types.Host, verifyErr error) error {
	const kind = "proxy-rollback"
	key := (&types.Alert{Kind: kind, HostID: host.ID}).DedupKey()
	now := time.Now()

	existing, err := m.store.GetActiveAlertByDedupKey(key)
	if err == nil {
		existing.LastOccurrence = now
		existing.UpdatedAt = now
		return m.store.UpdateAlert(existing)
	}

	alert := &types.Alert{
		ID:              uuid.NewString(),
		Kind:            kind,
		Severity:        types.SeverityCritical,
		HostID:          host.ID,
		Status:          types.AlertActive,
		FirstOccurrence: now,
		LastOccurrence:  now,
		ResolutionNote:  verifyErr.Error(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateAlert(alert); err != nil {
		return err
	}
	m.publish(events.EventAlertRaised)
	return nil
}

func (m *Manager) publish(evt events.EventType) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{ID: uuid.NewString(), Type: evt, Metadata: map[string]string{"host_id": m.proxyHostID}})
}
