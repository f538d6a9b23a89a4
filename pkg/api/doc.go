// Package api serves the operator HTTP/JSON API spec.md §6 names
// (host.*, deployment.*, placement.*, domain.*, alert.*, scan.*) using
// github.com/julienschmidt/httprouter, grounded on its direct use in
// gravitational-teleport-plugins/access/webhooks/callback_server.go:
// one handler per call, signature
// func(http.ResponseWriter, *http.Request, httprouter.Params). Every
// mutating handler requires a bearer-token operator identity, records
// the actor id used by the Audit Log (C12) before its store-mutating
// call commits, and is rate-limited through a separate
// github.com/sethvargo/go-limiter bucket from C1's per-host SSH
// connect limiter.
package api
