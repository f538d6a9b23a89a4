package security

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueSelfSigned_ValidCertForDomain(t *testing.T) {
	cert, err := IssueSelfSigned("example.internal")
	require.NoError(t, err)

	block, _ := pem.Decode(cert.CertPEM)
	require.NotNil(t, block)

	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "example.internal", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "example.internal")
	assert.WithinDuration(t, time.Now().Add(selfSignedValidity), parsed.NotAfter, time.Minute)
}

func TestIssueSelfSigned_IPAddressDomain(t *testing.T) {
	cert, err := IssueSelfSigned("10.0.0.5")
	require.NoError(t, err)

	block, _ := pem.Decode(cert.CertPEM)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Empty(t, parsed.DNSNames)
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", parsed.IPAddresses[0].String())
}

func TestSelfSignedCert_NeedsRenewal(t *testing.T) {
	cert, err := IssueSelfSigned("example.internal")
	require.NoError(t, err)

	assert.False(t, cert.NeedsRenewal(time.Now()))
	assert.True(t, cert.NeedsRenewal(cert.NotAfter.Add(-13*24*time.Hour)))
}
