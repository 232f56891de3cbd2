package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(urlParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleCancel cancels the in-flight task. ?turnId= restricts it to one turn.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := s.Sessions.CancelTurn(id, r.URL.Query().Get("turnId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sessionId": id, "cancelled": true})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.End(urlParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
