package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sethvargo/go-limiter"

	"github.com/tovfikur/infra-controlplane/pkg/audit"
	"github.com/tovfikur/infra-controlplane/pkg/cache"
	"github.com/tovfikur/infra-controlplane/pkg/deploy"
	"github.com/tovfikur/infra-controlplane/pkg/domain"
	"github.com/tovfikur/infra-controlplane/pkg/inventory"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/monitor"
	"github.com/tovfikur/infra-controlplane/pkg/placement"
	"github.com/tovfikur/infra-controlplane/pkg/scanner"
	"github.com/tovfikur/infra-controlplane/pkg/security"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
)

// Deps are every collaborator the operator API's handlers call into.
type Deps struct {
	Store       storage.Store
	Inventory   *inventory.Inventory
	Dispatcher  *deploy.Dispatcher
	Placement   *placement.Placement
	Domain      *domain.Engine
	Monitor     *monitor.Engine
	Scanner     *scanner.Scanner
	Credentials *security.CredentialStore
	Audit       *audit.Log
	Dialer      *sshconn.Dialer
	// Cache is the shared ephemeral key-value cache the Monitor writes
	// derived views into (spec.md §5's "Shared resources"); handlers
	// only ever read it.
	Cache *cache.TTLMap

	// Tokens is the set of bearer tokens accepted as operator identities;
	// the token value itself is used as the audited actor id.
	Tokens []string
	// WriteLimiter rate-limits mutating calls, keyed by actor id.
	WriteLimiter limiter.Store
	// MigrationHealthThreshold is the minimum HealthScore a migration's
	// target host must have for host.migrate's pre-flight check to pass.
	MigrationHealthThreshold int
}

// Server is the operator HTTP/JSON API (spec.md §6).
type Server struct {
	deps   Deps
	tokens map[string]struct{}
	router *httprouter.Router
}

// New builds a Server and registers every route.
func New(deps Deps) *Server {
	tokens := make(map[string]struct{}, len(deps.Tokens))
	for _, t := range deps.Tokens {
		tokens[t] = struct{}{}
	}
	s := &Server{deps: deps, tokens: tokens, router: httprouter.New()}
	s.routes()
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.POST("/hosts", s.wrap("host.add", true, s.handleHostAdd))
	s.router.GET("/hosts", s.wrap("host.list", false, s.handleHostList))
	s.router.GET("/hosts/:id", s.wrap("host.details", false, s.handleHostDetails))
	s.router.POST("/hosts/:id/test", s.wrap("host.test", true, s.handleHostTest))
	s.router.POST("/hosts/migrate", s.wrap("host.migrate", true, s.handleHostMigrate))

	s.router.POST("/deployments", s.wrap("deployment.create", true, s.handleDeploymentCreate))
	s.router.GET("/deployments", s.wrap("deployment.list", false, s.handleDeploymentList))
	s.router.GET("/deployments/:id/logs", s.wrap("deployment.logs", false, s.handleDeploymentLogs))
	s.router.POST("/deployments/:id/cancel", s.wrap("deployment.cancel", true, s.handleDeploymentCancel))

	s.router.POST("/placements", s.wrap("placement.create", true, s.handlePlacementCreate))
	s.router.GET("/placements", s.wrap("placement.list", false, s.handlePlacementList))
	s.router.POST("/placements/:name/drain", s.wrap("placement.drain", true, s.handlePlacementDrain))
	s.router.DELETE("/placements/:name", s.wrap("placement.delete", true, s.handlePlacementDelete))

	s.router.POST("/domains", s.wrap("domain.add", true, s.handleDomainAdd))
	s.router.GET("/domains", s.wrap("domain.list", false, s.handleDomainList))
	s.router.POST("/domains/:id/verify", s.wrap("domain.verify", true, s.handleDomainVerify))

	s.router.GET("/alerts", s.wrap("alert.list", false, s.handleAlertList))
	s.router.POST("/alerts/:id/ack", s.wrap("alert.ack", true, s.handleAlertAck))
	s.router.POST("/alerts/:id/resolve", s.wrap("alert.resolve", true, s.handleAlertResolve))

	s.router.POST("/scan", s.wrap("scan.start", true, s.handleScanStart))
	s.router.GET("/scan/:task_id", s.wrap("scan.status", false, s.handleScanStatus))
}

type actorKey struct{}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// statusRecorder captures the status code a handler wrote so the
// metrics middleware can label ctlplane_api_requests_total with it,
// without every handler threading a status back out explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap applies authentication, (for mutating calls) rate limiting, and
// request metrics around a handler, the same middleware-stack shape
// gravitational-teleport-plugins/access/webhooks/callback_server.go
// uses around its single callback handler.
func (s *Server) wrap(name string, write bool, h httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		defer func() {
			metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}()

		token := bearerToken(r)
		if token == "" || !s.validToken(token) {
			writeJSON(rec, http.StatusUnauthorized, errorBody{Kind: "AuthFailed", Detail: "missing or invalid bearer token"})
			rec.status = http.StatusUnauthorized
			return
		}

		if write && s.deps.WriteLimiter != nil {
			_, _, _, ok, err := s.deps.WriteLimiter.Take(r.Context(), token)
			if err != nil {
				log.Logger.Error().Err(err).Msg("api write rate limiter error")
			} else if !ok {
				writeJSON(rec, http.StatusTooManyRequests, errorBody{Kind: "Timeout", Detail: "rate limit exceeded"})
				rec.status = http.StatusTooManyRequests
				return
			}
		}

		ctx := context.WithValue(r.Context(), actorKey{}, token)
		h(rec, r.WithContext(ctx), ps)
	}
}

func (s *Server) validToken(token string) bool {
	_, ok := s.tokens[token]
	return ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// recordAudit writes one AuditEntry for actionName before the caller's
// mutating store call proceeds, per spec.md §6: "all mutating calls ...
// produce one AuditEntry." Failure to write the audit entry is logged
// but never blocks the operator action — the Audit Log is observability,
// not a two-phase commit participant.
func (s *Server) recordAudit(ctx context.Context, action string, detail any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(actorFromContext(ctx), action, detail, "api"); err != nil {
		log.Logger.Error().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}
