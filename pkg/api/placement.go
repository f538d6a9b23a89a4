package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/tovfikur/infra-controlplane/pkg/types"
)

type placementCreateRequest struct {
	Name     string             `json:"name"`
	Role     types.ServiceKind  `json:"role"`
	Capacity int                `json:"capacity"`
	HostID   string             `json:"host_id,omitempty"`
	Config   map[string]string  `json:"config,omitempty"`
}

func (s *Server) handlePlacementCreate(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req placementCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	s.recordAudit(r.Context(), "placement.create", req)

	pl, err := s.deps.Placement.CreateOnHost(req.Name, req.Role, req.Capacity, req.HostID, req.Config)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, pl)
}

func (s *Server) handlePlacementList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	placements, err := s.deps.Placement.List()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, placements)
}

func (s *Server) handlePlacementDrain(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	s.recordAudit(r.Context(), "placement.drain", map[string]string{"name": name})

	pl, err := s.deps.Store.GetPlacementByName(name)
	if err != nil {
		writeError(rw, err)
		return
	}
	if err := s.deps.Placement.Drain(pl.ID); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}

func (s *Server) handlePlacementDelete(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	s.recordAudit(r.Context(), "placement.delete", map[string]string{"name": name})

	pl, err := s.deps.Store.GetPlacementByName(name)
	if err != nil {
		writeError(rw, err)
		return
	}
	if err := s.deps.Placement.Stop(pl.ID); err != nil {
		writeError(rw, err)
		return
	}
	if err := s.deps.Store.DeletePlacement(pl.ID); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nil)
}
