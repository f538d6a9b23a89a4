package domain

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/health"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/proxy"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

const (
	certDir          = "/opt/ctlplane/proxy/certs"
	acmeChallengeDir = "/opt/ctlplane/proxy/acme-challenge"
)

// Engine is the Domain Mapping Engine (C8).
type Engine struct {
	store       storage.Store
	proxy       *proxy.Manager
	broker      *events.Broker
	dialer      *sshconn.Dialer
	credentials *security.CredentialStore
	proxyHostID string

	acmeMu sync.RWMutex
	acme   *ACMEIssuer // nil until SetACMEIssuer is called

	verifyTimeout time.Duration

	stopCh chan struct{}
}

// New wires an Engine to its collaborators. It has no ACME issuer until
// SetACMEIssuer is called; until then IssueCertificate always falls back
// to a self-signed leaf. dialer/credentials/proxyHostID are used only by
// IssueCertificate to stage the resulting cert/key pair on the proxy
// host; pass a nil dialer if certificate issuance is out of scope for
// this deployment.
func New(store storage.Store, proxyMgr *proxy.Manager, broker *events.Broker, dialer *sshconn.Dialer, credentials *security.CredentialStore, proxyHostID string, verifyTimeout time.Duration) *Engine {
	return &Engine{
		store:         store,
		proxy:         proxyMgr,
		broker:        broker,
		dialer:        dialer,
		credentials:   credentials,
		proxyHostID:   proxyHostID,
		verifyTimeout: verifyTimeout,
	}
}

// SetACMEIssuer installs iss as the engine's publicly-trusted certificate
// source, used by IssueCertificate when useACME is requested.
func (e *Engine) SetACMEIssuer(iss *ACMEIssuer) {
	e.acmeMu.Lock()
	defer e.acmeMu.Unlock()
	e.acme = iss
}

// Create adds a new DomainMapping in unverified status and triggers a
// proxy regeneration (a no-op on the rendered output until the mapping
// verifies, but spec.md's "on any change" trigger is unconditional).
func (e *Engine) Create(domain, targetName string, tlsEnabled bool) (*types.DomainMapping, error) {
	now := time.Now()
	m := &types.DomainMapping{
		ID:         uuid.NewString(),
		Domain:     domain,
		TargetName: targetName,
		TLS:        tlsEnabled,
		Status:     types.VerificationUnverified,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateDomainMapping(m); err != nil {
		return nil, err
	}
	e.regenerateProxy()
	e.observeCount()
	return m, nil
}

// Update patches target/TLS on an existing mapping and triggers a proxy
// regeneration. Changing either field resets verification, since the
// previous verification no longer attests to the new target.
func (e *Engine) Update(id string, targetName *string, tlsEnabled *bool) (*types.DomainMapping, error) {
	m, err := e.store.GetDomainMapping(id)
	if err != nil {
		return nil, err
	}
	changed := false
	if targetName != nil && *targetName != m.TargetName {
		m.TargetName = *targetName
		changed = true
	}
	if tlsEnabled != nil && *tlsEnabled != m.TLS {
		m.TLS = *tlsEnabled
		changed = true
	}
	if !changed {
		return m, nil
	}
	m.Status = types.VerificationUnverified
	m.UpdatedAt = time.Now()
	if err := e.store.UpdateDomainMapping(m); err != nil {
		return nil, err
	}
	e.regenerateProxy()
	e.observeCount()
	return m, nil
}

// Delete removes a mapping and triggers a proxy regeneration so it
// disappears from the rendered virtual-host set immediately.
func (e *Engine) Delete(id string) error {
	if err := e.store.DeleteDomainMapping(id); err != nil {
		return err
	}
	e.regenerateProxy()
	e.observeCount()
	return nil
}

// Get returns a mapping by id.
func (e *Engine) Get(id string) (*types.DomainMapping, error) { return e.store.GetDomainMapping(id) }

// List returns every mapping.
func (e *Engine) List() ([]*types.DomainMapping, error) { return e.store.ListDomainMappings() }

// IssueCertificate obtains a certificate for mapping's domain, stages it
// on the proxy host's certs directory, records its path on the mapping,
// and triggers a proxy regeneration so the new cert is picked up on the
// next reload. useACME requests the lego path; it silently falls back
// to a self-signed leaf if no issuer is configured or ACME issuance
// fails, per spec.md's "certificate self-signing is tolerated".
func (e *Engine) IssueCertificate(ctx context.Context, mappingID string, useACME bool) (*types.DomainMapping, error) {
	m, err := e.store.GetDomainMapping(mappingID)
	if err != nil {
		return nil, err
	}

	certPEM, keyPEM, err := e.obtainCert(m.Domain, useACME)
	if err != nil {
		return nil, err
	}

	if err := e.stageCert(ctx, m.Domain, certPEM, keyPEM); err != nil {
		return nil, err
	}

	m.TLS = true
	m.CertPath = certDir + "/" + m.Domain + ".crt"
	m.KeyPath = certDir + "/" + m.Domain + ".key"
	m.UpdatedAt = time.Now()
	if err := e.store.UpdateDomainMapping(m); err != nil {
		return nil, err
	}
	e.regenerateProxy()
	return m, nil
}

func (e *Engine) obtainCert(domain string, useACME bool) (certPEM, keyPEM []byte, err error) {
	if useACME {
		e.acmeMu.RLock()
		iss := e.acme
		e.acmeMu.RUnlock()
		if iss != nil {
			certPEM, keyPEM, err = iss.Obtain([]string{domain})
			if err == nil {
				return certPEM, keyPEM, nil
			}
			log.WithComponent("domain").Warn().Err(err).Str("domain", domain).Msg("ACME issuance failed, falling back to self-signed")
		}
	}

	cert, err := security.IssueSelfSigned(domain)
	if err != nil {
		return nil, nil, err
	}
	return cert.CertPEM, cert.KeyPEM, nil
}

func (e *Engine) stageCert(ctx context.Context, domain string, certPEM, keyPEM []byte) error {
	if e.dialer == nil {
		return ctlerr.New(ctlerr.ConfigInvalid, "domain engine has no dialer configured, cannot stage certificates")
	}
	host, err := e.store.GetHost(e.proxyHostID)
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, "proxy host", err)
	}
	secret, kind, err := e.credentials.Get(host.ID)
	if err != nil {
		return err
	}
	sess, err := e.dialer.Open(ctx, host, kind, secret)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Upload(ctx, certDir+"/"+domain+".crt", certPEM, 0644, acmeChallengeSSHTimeout); err != nil {
		return err
	}
	return sess.Upload(ctx, certDir+"/"+domain+".key", keyPEM, 0600, acmeChallengeSSHTimeout)
}

func (e *Engine) regenerateProxy() {
	if e.proxy == nil {
		return
	}
	if err := e.proxy.Regenerate(context.Background()); err != nil {
		log.WithComponent("domain").Warn().Err(err).Msg("proxy regeneration after domain mapping change failed")
	}
}

func (e *Engine) observeCount() {
	mappings, err := e.store.ListDomainMappings()
	if err != nil {
		return
	}
	counts := map[types.VerificationStatus]int{}
	for _, m := range mappings {
		counts[m.Status]++
	}
	for _, st := range []types.VerificationStatus{types.VerificationUnverified, types.VerificationVerified, types.VerificationFailed} {
		metrics.DomainMappingsTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// VerifyOne issues an HTTP (and, when TLS is enabled, HTTPS) request to
// the reserved health path under the mapping's domain and updates its
// verification status. Certificate validity is never asserted against
// HTTPS — spec.md's "certificate self-signing is tolerated for
// verification" — so the probe client skips chain verification.
func (e *Engine) VerifyOne(ctx context.Context, m *types.DomainMapping) error {
	scheme := "http"
	if m.TLS {
		scheme = "https"
	}
	checker := health.NewHTTPChecker(fmt.Sprintf("%s://%s%s", scheme, m.Domain, proxy.ReservedHealthPath)).
		WithTimeout(e.verifyTimeout)
	if m.TLS {
		checker.Client = &http.Client{
			Timeout:   e.verifyTimeout,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}
	}

	result := checker.Check(ctx)
	now := time.Now()
	if result.Healthy {
		m.Status = types.VerificationVerified
		m.LastVerified = now
	} else {
		m.Status = types.VerificationFailed
	}
	m.UpdatedAt = now
	if err := e.store.UpdateDomainMapping(m); err != nil {
		return err
	}
	e.observeCount()
	e.publish(events.EventDomainVerified, m)

	if !result.Healthy {
		return ctlerr.New(ctlerr.VerifyFailed, result.Message)
	}
	return nil
}

// VerifyAll verifies every mapping, logging (not failing) individual
// errors so one unreachable domain never stops the sweep.
func (e *Engine) VerifyAll(ctx context.Context) {
	mappings, err := e.store.ListDomainMappings()
	if err != nil {
		log.WithComponent("domain").Error().Err(err).Msg("list domain mappings for verification sweep")
		return
	}
	for _, m := range mappings {
		if err := e.VerifyOne(ctx, m); err != nil {
			log.WithComponent("domain").Debug().Str("domain", m.Domain).Err(err).Msg("domain verification failed")
		}
	}
}

// Start runs the verification sweep on interval until Stop is called,
// the same ticker+stopCh shape pkg/monitor and the teacher's
// pkg/worker/worker.go use for their own recurring loops.
func (e *Engine) Start(clock clockwork.Clock, interval time.Duration) {
	e.stopCh = make(chan struct{})
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				e.VerifyAll(context.Background())
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop ends the verification loop started by Start.
func (e *Engine) Stop() {
	if e.stopCh != nil {
		close(e.stopCh)
	}
}

func (e *Engine) publish(evt events.EventType, m *types.DomainMapping) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{ID: uuid.NewString(), Type: evt, Metadata: map[string]string{"domain": m.Domain, "mapping_id": m.ID}})
}
