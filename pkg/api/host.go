package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/probe"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

type hostAddRequest struct {
	Name     string               `json:"name"`
	Address  string               `json:"address"`
	Port     int                  `json:"port"`
	User     string               `json:"user"`
	AuthKind types.AuthKind       `json:"auth_kind"`
	Secret   string               `json:"secret"`
	Roles    []types.ServiceKind  `json:"roles"`
}

func (s *Server) handleHostAdd(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req hostAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}

	s.recordAudit(r.Context(), "host.add", req)

	port := req.Port
	if port == 0 {
		port = 22
	}
	host, err := s.deps.Inventory.Create(req.Name, req.Address, port, req.User, req.AuthKind, req.Roles)
	if err != nil {
		writeError(rw, err)
		return
	}

	credKind := types.CredentialPassword
	if req.AuthKind == types.AuthPrivateKey {
		credKind = types.CredentialPrivateKey
	}
	if req.Secret != "" && s.deps.Credentials != nil {
		if err := s.deps.Credentials.Put(host.ID, credKind, []byte(req.Secret)); err != nil {
			writeError(rw, err)
			return
		}
	}

	writeJSON(rw, http.StatusCreated, host)
}

func (s *Server) handleHostList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hosts, err := s.deps.Inventory.List()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, hosts)
}

func (s *Server) handleHostDetails(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	host, err := s.deps.Inventory.Get(ps.ByName("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	placements, err := s.deps.Store.ListPlacementsByHost(host.ID)
	if err != nil {
		writeError(rw, err)
		return
	}

	var metrics map[string]float64
	if s.deps.Cache != nil {
		if v, ok := s.deps.Cache.Get("monitor:metrics:" + host.ID); ok {
			metrics, _ = v.(map[string]float64)
		}
	}

	writeJSON(rw, http.StatusOK, struct {
		*types.Host
		Placements []*types.ServicePlacement `json:"placements"`
		Metrics    map[string]float64        `json:"metrics,omitempty"`
	}{Host: host, Placements: placements, Metrics: metrics})
}

func (s *Server) handleHostTest(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	s.recordAudit(r.Context(), "host.test", map[string]string{"host_id": id})

	host, err := s.deps.Inventory.Get(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	secret, kind, err := s.deps.Credentials.Get(host.ID)
	if err != nil {
		writeError(rw, err)
		return
	}

	report, probeErr := probe.Run(r.Context(), s.deps.Dialer, host, kind, secret, probe.DefaultConfig())
	healthy := probeErr == nil
	score := 0
	if healthy {
		score = 100
	}
	if err := s.deps.Inventory.RecordProbeOutcome(host.ID, healthy, score); err != nil {
		writeError(rw, err)
		return
	}
	if healthy {
		current, err := s.deps.Inventory.Get(host.ID)
		if err != nil {
			writeError(rw, err)
			return
		}
		if _, err := s.deps.Inventory.UpdateFacts(host.ID, current.Version, report.Facts); err != nil {
			writeError(rw, err)
			return
		}
	}

	if probeErr != nil {
		writeError(rw, probeErr)
		return
	}
	writeJSON(rw, http.StatusOK, report)
}

type hostMigrateRequest struct {
	SourceHostID string             `json:"source_host_id"`
	TargetHostID string             `json:"target_host_id"`
	Service      types.ServiceKind  `json:"service"`
	Config       map[string]string  `json:"config,omitempty"`
}

// handleHostMigrate implements spec.md §4.4's pre-flight requirement: a
// migration whose target host's HealthScore is below the configured
// threshold aborts with VerifyFailed before any command runs on either
// host, and still produces exactly one AuditEntry for the attempt.
func (s *Server) handleHostMigrate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req hostMigrateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}

	s.recordAudit(r.Context(), "host.migrate", req)

	target, err := s.deps.Inventory.Get(req.TargetHostID)
	if err != nil {
		writeError(rw, err)
		return
	}
	if target.HealthScore < s.deps.MigrationHealthThreshold {
		writeError(rw, ctlerr.New(ctlerr.VerifyFailed,
			"migration target health score below pre-flight threshold"))
		return
	}

	cfg, err := taskConfigJSON(req.Config, nil)
	if err != nil {
		writeError(rw, err)
		return
	}
	task, err := s.deps.Dispatcher.Submit(&types.DeploymentTask{
		Kind:          types.TaskMigrate,
		TargetService: req.Service,
		SourceHostID:  req.SourceHostID,
		TargetHostID:  req.TargetHostID,
		Config:        cfg,
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, task)
}
