package scanner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/probe"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
)

func TestExpandCIDRCountsHosts(t *testing.T) {
	addrs, err := expandCIDR("192.0.2.0/30")
	require.NoError(t, err)
	assert.Len(t, addrs, 4)
	assert.Equal(t, "192.0.2.0", addrs[0])
	assert.Equal(t, "192.0.2.3", addrs[3])
}

func TestExpandCIDRRejectsOversizedRange(t *testing.T) {
	_, err := expandCIDR("10.0.0.0/8")
	assert.Error(t, err)
}

func TestSweepMarksUnreachableHostsWithNoBundleAttempted(t *testing.T) {
	s := New(sshconn.NewDialer(nil, nil, time.Second), probe.DefaultConfig(), 4)
	s.tcpTimeout = 50 * time.Millisecond

	var seen []Candidate
	results, err := s.Sweep(context.Background(), "192.0.2.0/30", []CredentialBundle{
		{User: "root", AuthKind: "password", Secret: []byte("x")},
	}, func(c Candidate) {
		seen = append(seen, c)
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Len(t, seen, 4)
	for _, c := range results {
		assert.False(t, c.Reachable)
		assert.Equal(t, -1, c.BundleIndex)
	}
}

func TestDecodeTaskConfigRejectsMissingCIDR(t *testing.T) {
	raw, err := json.Marshal(taskConfig{Credentials: []taskCredentialBundle{{User: "root"}}})
	require.NoError(t, err)

	_, decodeErr := decodeTaskConfig(raw)
	require.Error(t, decodeErr)
	assert.Equal(t, ctlerr.ConfigInvalid, ctlerr.KindOf(decodeErr))
}

func TestDecodeTaskConfigRejectsEmptyCredentials(t *testing.T) {
	raw, err := json.Marshal(taskConfig{CIDR: "192.0.2.0/30"})
	require.NoError(t, err)

	_, decodeErr := decodeTaskConfig(raw)
	require.Error(t, decodeErr)
	assert.Equal(t, ctlerr.ConfigInvalid, ctlerr.KindOf(decodeErr))
}

func TestDecodeTaskConfigAcceptsValidPayload(t *testing.T) {
	raw, err := json.Marshal(taskConfig{
		CIDR: "192.0.2.0/30",
		Credentials: []taskCredentialBundle{
			{User: "root", Port: 22, AuthKind: "password", Secret: "hunter2"},
		},
	})
	require.NoError(t, err)

	cfg, decodeErr := decodeTaskConfig(raw)
	require.NoError(t, decodeErr)
	assert.Equal(t, "192.0.2.0/30", cfg.CIDR)
	assert.Len(t, cfg.Credentials, 1)
}
