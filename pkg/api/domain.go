package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

type domainAddRequest struct {
	Domain     string `json:"domain"`
	TargetName string `json:"target_name"`
	TLS        bool   `json:"tls"`
}

func (s *Server) handleDomainAdd(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req domainAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	s.recordAudit(r.Context(), "domain.add", req)

	m, err := s.deps.Domain.Create(req.Domain, req.TargetName, req.TLS)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, m)
}

func (s *Server) handleDomainList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mappings, err := s.deps.Domain.List()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, mappings)
}

func (s *Server) handleDomainVerify(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	s.recordAudit(r.Context(), "domain.verify", map[string]string{"id": id})

	m, err := s.deps.Domain.Get(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	if err := s.deps.Domain.VerifyOne(r.Context(), m); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, m)
}
