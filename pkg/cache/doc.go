// Package cache implements the ephemeral key-value cache spec.md §5 calls
// for: an in-process, mutex-guarded TTL map for metrics and short-TTL
// derived views. Only the Monitor writes to it (the metrics tick); the
// operator API's host details handler (handleHostDetails) is its only
// reader. No networked cache client is wired in: none of the example
// repos' cache dependencies fit an embedded single-process control plane
// better than a small guarded map, so this one piece of the ambient stack
// is deliberately minimal rather than reaching for a client this process
// has no separate cache server to talk to.
package cache
