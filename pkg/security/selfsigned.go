package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// selfSignedValidity matches spec.md's "certificate self-signing tolerated"
// fallback: short-lived, since there is no CA to trust beyond this one
// process's own issuance.
const selfSignedValidity = 90 * 24 * time.Hour

const selfSignedKeySize = 2048

// SelfSignedCert is a PEM-encoded leaf certificate and key, used by the
// Domain Mapping Engine (C8) when ACME issuance fails or is disabled for a
// domain. Unlike the teacher's CertAuthority this issues one self-signed
// leaf straight from its own key, with no intermediate CA hierarchy: this
// control plane has no other certificate consumer that would need a
// shared root to trust.
type SelfSignedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	NotAfter time.Time
}

// IssueSelfSigned produces a self-signed leaf certificate for domain,
// valid for selfSignedValidity.
func IssueSelfSigned(domain string) (*SelfSignedCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, selfSignedKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(selfSignedValidity)

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"infra-controlplane self-signed"},
			CommonName:   domain,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain},
	}
	if ip := net.ParseIP(domain); ip != nil {
		template.DNSNames = nil
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &SelfSignedCert{CertPEM: certPEM, KeyPEM: keyPEM, NotAfter: notAfter}, nil
}

// NeedsRenewal reports whether the certificate is within 14 days of
// expiry. pkg/domain does not call it and has no renewal check of its
// own, for self-signed or ACME certificates.
func (c *SelfSignedCert) NeedsRenewal(now time.Time) bool {
	return c.NotAfter.Sub(now) < 14*24*time.Hour
}
