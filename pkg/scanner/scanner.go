package scanner

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/probe"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// maxSweepHosts bounds a single CIDR sweep so an operator fat-fingering
// a /8 doesn't fork tens of millions of probe attempts; spec.md doesn't
// name a limit, so this is a guardrail, not a policy.
const maxSweepHosts = 65536

// defaultTCPProbeTimeout is the "fast TCP reachability probe with a
// short timeout" spec.md §4.10 calls for, deliberately much shorter than
// the Host Probe's own per-step timeout.
const defaultTCPProbeTimeout = 1500 * time.Millisecond

// CredentialBundle is one operator-supplied set of SSH credentials the
// Scanner tries against every reachable address, in the order given,
// until one succeeds.
type CredentialBundle struct {
	User     string
	Port     int
	AuthKind types.CredentialKind
	Secret   []byte
}

// Candidate is the Scanner's result for one swept address.
type Candidate struct {
	Address     string
	Reachable   bool
	BundleIndex int // index into the bundle list that succeeded, -1 if none did
	Facts       types.HostFacts
	Environment types.EnvironmentKind
	Error       string
}

// Scanner is the Network Discovery Scanner (C10).
type Scanner struct {
	dialer      *sshconn.Dialer
	probeConfig probe.Config
	concurrency int
	tcpTimeout  time.Duration
}

// New builds a Scanner. concurrency bounds the worker pool sweeping
// addresses in parallel; spec.md's default is 32.
func New(dialer *sshconn.Dialer, probeConfig probe.Config, concurrency int) *Scanner {
	if concurrency < 1 {
		concurrency = 32
	}
	return &Scanner{
		dialer:      dialer,
		probeConfig: probeConfig,
		concurrency: concurrency,
		tcpTimeout:  defaultTCPProbeTimeout,
	}
}

// Sweep expands cidr into its host addresses and probes each one: a fast
// TCP reachability check first, then (for reachable addresses) the
// credential bundles in order until one opens an SSH session and the
// Host Probe's fact collection succeeds over it. onResult, if non-nil,
// is called synchronously as each address finishes, letting callers
// stream progress without waiting for the whole sweep — the Deployment
// Engine's progress sink wires this to per-host log lines.
func (s *Scanner) Sweep(ctx context.Context, cidr string, bundles []CredentialBundle, onResult func(Candidate)) ([]Candidate, error) {
	addrs, err := expandCIDR(cidr)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.ConfigInvalid, "parse cidr", err)
	}
	if len(addrs) > maxSweepHosts {
		return nil, ctlerr.New(ctlerr.ConfigInvalid,
			fmt.Sprintf("cidr %s expands to %d addresses, exceeding the %d host sweep cap", cidr, len(addrs), maxSweepHosts))
	}

	sem := make(chan struct{}, s.concurrency)
	results := make([]Candidate, len(addrs))

	var wg sync.WaitGroup
	for i, addr := range addrs {
		select {
		case <-ctx.Done():
			results[i] = Candidate{Address: addr, BundleIndex: -1, Error: ctx.Err().Error()}
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()
			c := s.probeOne(ctx, addr, bundles)
			results[i] = c
			if onResult != nil {
				onResult(c)
			}
		}(i, addr)
	}
	wg.Wait()

	return results, nil
}

func (s *Scanner) probeOne(ctx context.Context, addr string, bundles []CredentialBundle) Candidate {
	c := Candidate{Address: addr, BundleIndex: -1}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, "22"), s.tcpTimeout)
	if err != nil {
		metrics.ScanHostsProbed.WithLabelValues("unreachable").Inc()
		c.Error = "unreachable"
		return c
	}
	conn.Close()
	c.Reachable = true

	for i, bundle := range bundles {
		host := &types.Host{
			ID:      addr, // scoped to this sweep only; never persisted
			Address: addr,
			Port:    bundle.Port,
			User:    bundle.User,
		}
		if host.Port == 0 {
			host.Port = 22
		}

		report, err := probe.Run(ctx, s.dialer, host, bundle.AuthKind, bundle.Secret, s.probeConfig)
		if err != nil {
			continue
		}
		c.BundleIndex = i
		c.Facts = report.Facts
		c.Environment = report.Environment
		metrics.ScanHostsProbed.WithLabelValues("credentialed").Inc()
		return c
	}

	metrics.ScanHostsProbed.WithLabelValues("reachable-no-credential").Inc()
	c.Error = "reachable but no supplied credential bundle succeeded"
	return c
}

// expandCIDR returns every host address in cidr (network and broadcast
// addresses included for simplicity; probing them merely wastes one
// failed dial). Only IPv4 ranges are expanded; any other address family
// returns an error.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var addrs []string
	if v4 := ip.To4(); v4 != nil {
		start := binary.BigEndian.Uint32(ipnet.IP.To4())
		ones, bits := ipnet.Mask.Size()
		count := uint64(1) << uint(bits-ones)
		if count > maxSweepHosts+1 {
			return nil, fmt.Errorf("cidr too large to expand safely")
		}
		for i := uint64(0); i < count; i++ {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], start+uint32(i))
			addrs = append(addrs, net.IP(b[:]).String())
		}
		return addrs, nil
	}

	return nil, fmt.Errorf("unsupported address family for %s", cidr)
}
