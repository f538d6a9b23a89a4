package domain

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
)

// LetsEncryptStagingURL is the Let's Encrypt staging CA directory, a
// ready value for the configured ACME directory URL. It is not applied
// by default: that setting defaults to empty, which leaves ACME issuance
// off.
const LetsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

const acmeChallengeSSHTimeout = 15 * time.Second

// acmeUser implements lego's registration.User.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource  { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// HTTP01Provider satisfies lego's challenge.Provider by staging and
// removing HTTP-01 challenge files on the proxy host's webroot over an
// SSH session, the way pkg/proxy stages its own generated config — the
// teacher's HTTP01Provider instead stored challenges in memory for its
// own in-process proxy to serve directly.
type HTTP01Provider struct {
	store       storage.Store
	dialer      *sshconn.Dialer
	credentials *security.CredentialStore
	proxyHostID string
}

// NewHTTP01Provider builds the challenge provider cmd/controlplaned
// passes to NewACMEIssuer.
func NewHTTP01Provider(store storage.Store, dialer *sshconn.Dialer, credentials *security.CredentialStore, proxyHostID string) *HTTP01Provider {
	return &HTTP01Provider{store: store, dialer: dialer, credentials: credentials, proxyHostID: proxyHostID}
}

func (p *HTTP01Provider) session(ctx context.Context) (*sshconn.Session, error) {
	host, err := p.store.GetHost(p.proxyHostID)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy host: %w", err)
	}
	secret, kind, err := p.credentials.Get(host.ID)
	if err != nil {
		return nil, fmt.Errorf("load proxy host credential: %w", err)
	}
	return p.dialer.Open(ctx, host, kind, secret)
}

// Present stages the HTTP-01 key authorization at the acme-challenge
// webroot the reverse-proxy installer mounts into the nginx container,
// and pkg/proxy's default catch-all server serves statically.
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), acmeChallengeSSHTimeout)
	defer cancel()

	sess, err := p.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	return sess.Upload(ctx, acmeChallengePath(token), []byte(keyAuth), 0644, acmeChallengeSSHTimeout)
}

// CleanUp removes the staged challenge file after the ACME server has
// validated it.
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), acmeChallengeSSHTimeout)
	defer cancel()

	sess, err := p.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, []string{"rm", "-f", acmeChallengePath(token)}, acmeChallengeSSHTimeout)
	return err
}

func acmeChallengePath(token string) string {
	return acmeChallengeDir + "/" + token
}

// ACMEIssuer wraps a registered lego.Client, grounded on the teacher's
// ACMEClient registration/obtain flow.
type ACMEIssuer struct {
	client *lego.Client
	user   *acmeUser
}

// NewACMEIssuer generates an ACME account key, registers it against
// directoryURL, and wires provider as the HTTP-01 challenge solver.
func NewACMEIssuer(email, directoryURL string, provider challenge.Provider) (*ACMEIssuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ACME account key: %w", err)
	}
	user := &acmeUser{email: email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = directoryURL
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create ACME client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("set HTTP-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register ACME account: %w", err)
	}
	user.registration = reg

	return &ACMEIssuer{client: client, user: user}, nil
}

// Obtain requests a certificate bundle for domains, returning the leaf
// certificate and private key, both PEM-encoded.
func (a *ACMEIssuer) Obtain(domains []string) (certPEM, keyPEM []byte, err error) {
	req := certificate.ObtainRequest{Domains: domains, Bundle: true}
	res, err := a.client.Certificate.Obtain(req)
	if err != nil {
		return nil, nil, fmt.Errorf("obtain certificate for %v: %w", domains, err)
	}
	return res.Certificate, res.PrivateKey, nil
}
