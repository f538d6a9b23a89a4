package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// scanCredentialBundle mirrors pkg/scanner's unexported task config
// shape so requests built here decode cleanly on the handler side;
// the two are kept in lockstep by their json tags, not by sharing a type.
type scanCredentialBundle struct {
	User     string               `json:"user"`
	Port     int                  `json:"port,omitempty"`
	AuthKind types.CredentialKind `json:"auth_kind"`
	Secret   string               `json:"secret"`
}

type scanStartRequest struct {
	CIDR        string                 `json:"cidr"`
	Credentials []scanCredentialBundle `json:"credentials"`
}

func (s *Server) handleScanStart(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req scanStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	s.recordAudit(r.Context(), "scan.start", struct {
		CIDR string `json:"cidr"`
	}{CIDR: req.CIDR})

	raw, err := json.Marshal(req)
	if err != nil {
		writeError(rw, ctlerr.Wrap(ctlerr.ConfigInvalid, "encode scan config", err))
		return
	}

	task, err := s.deps.Dispatcher.Submit(&types.DeploymentTask{
		Kind:   types.TaskNetworkScan,
		Config: raw,
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, task)
}

func (s *Server) handleScanStatus(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	task, err := s.deps.Store.GetTask(ps.ByName("task_id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, task)
}
