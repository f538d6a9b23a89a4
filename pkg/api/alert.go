package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (s *Server) handleAlertList(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	alerts, err := s.deps.Store.ListAlerts()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, alerts)
}

func (s *Server) handleAlertAck(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	actor := actorFromContext(r.Context())
	s.recordAudit(r.Context(), "alert.ack", map[string]string{"id": id})

	alert, err := s.deps.Monitor.Acknowledge(id, actor)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, alert)
}

type alertResolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleAlertResolve(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req alertResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	actor := actorFromContext(r.Context())
	s.recordAudit(r.Context(), "alert.resolve", map[string]string{"id": id, "note": req.Note})

	alert, err := s.deps.Monitor.Resolve(id, actor, req.Note)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, alert)
}
