/*
Package domain implements the Domain Mapping Engine (C8): CRUD on
DomainMapping, triggering pkg/proxy's regeneration on every add, remove,
TLS flip or target change, plus periodic HTTP(S) verification against
the reserved health path pkg/proxy.ReservedHealthPath names.

Verification runs on its own clockwork-driven ticker, the same
ticker+stopCh shape the teacher's pkg/worker/worker.go uses for its
recurring loops (and the shape pkg/monitor's three timers also use),
rather than piggybacking on the Monitor's timers — domain verification
has its own cadence and its own failure mode (a mapping, not a host or
placement).

TLS certificate acquisition has two paths, both grounded on the
teacher's pkg/ingress/acme.go: github.com/go-acme/lego/v4 for a publicly
trusted certificate, served through an HTTP-01 challenge provider that
uploads/removes challenge files on the proxy host over C1's SSH session
rather than the teacher's in-process HTTP mux (this control plane's
proxy, like its http(s) traffic, lives on a remote host, not in this
process); and pkg/security.IssueSelfSigned as the fallback spec.md's
"certificate self-signing is tolerated for verification" explicitly
allows, used whenever ACME is unconfigured or issuance fails.
*/
package domain
