package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tovfikur/infra-controlplane/pkg/types"
)

type deploymentCreateRequest struct {
	Kind         types.TaskKind      `json:"kind"`
	Service      types.ServiceKind   `json:"service"`
	TargetHostID string              `json:"target_host_id"`
	SourceHostID string              `json:"source_host_id,omitempty"`
	Config       map[string]string   `json:"config,omitempty"`
	Roles        []types.ServiceKind `json:"roles,omitempty"`
}

func (s *Server) handleDeploymentCreate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req deploymentCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	s.recordAudit(r.Context(), "deployment.create", req)

	cfg, err := taskConfigJSON(req.Config, req.Roles)
	if err != nil {
		writeError(rw, err)
		return
	}
	task, err := s.deps.Dispatcher.Submit(&types.DeploymentTask{
		Kind:          req.Kind,
		TargetService: req.Service,
		TargetHostID:  req.TargetHostID,
		SourceHostID:  req.SourceHostID,
		Config:        cfg,
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, task)
}

func (s *Server) handleDeploymentList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tasks, err := s.deps.Store.ListTasks()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, tasks)
}

func (s *Server) handleDeploymentLogs(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	task, err := s.deps.Store.GetTask(ps.ByName("id"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		ID  string `json:"id"`
		Log string `json:"log"`
	}{ID: task.ID, Log: task.Log})
}

func (s *Server) handleDeploymentCancel(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	s.recordAudit(r.Context(), "deployment.cancel", map[string]string{"task_id": id})

	if err := s.deps.Dispatcher.Cancel(id); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}
