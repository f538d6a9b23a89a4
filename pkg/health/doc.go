/*
Package health provides the Checker primitives shared by the Monitor &
Alert Engine (C9)'s placement health-tick, the Reverse-Proxy Config
Manager's post-reload verification (C7), and the Domain Mapping Engine's
periodic domain verification (C8).

Two checker kinds cover the verification shapes those callers need:

	HTTPChecker  - GET/HEAD a reserved health path, optionally over TLS
	               with certificate validity unchecked (self-signed
	               certificates are tolerated for verification per
	               spec.md §4.8)
	TCPChecker   - dial a host:port and confirm it accepts a connection

A host's or service's own declared-service reachability (pg_isready,
redis-cli PING, and the like) runs over an already-open sshconn.Session
through the relevant pkg/installer's Verify, not through this package.

# Architecture

	┌─────────────────────────────────┐
	│         Checker Interface        │
	│  • Check(ctx) Result             │
	│  • Type() CheckType               │
	└─────┬─────────────────┬──────────┘
	      ▼                 ▼
	 HTTPChecker        TCPChecker
	 (proxy/domain      (placement port
	  verify)            reachability)

Consecutive-failure counting (three failures -> maintenance for a host,
three failures -> failed for a placement) lives next to the state each
applies to — pkg/inventory.RecordProbeOutcome and
pkg/placement.RecordHealthOutcome — rather than in this package, since
each tracks a different owning record with its own persisted counter.

# Usage

	checker := health.NewHTTPChecker("https://proxy.example.com/_healthz")
	result := checker.Check(ctx)
	if !result.Healthy {
		// caller decides what a single failed check means for its own
		// consecutive-failure count
	}
*/
package health
