package api

import (
	"net/http"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		writeErrorCode(w, http.StatusNotImplemented, "NO_REGISTRY", "agent registry not configured")
		return
	}
	agents, err := s.Agents.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		writeErrorCode(w, http.StatusNotImplemented, "NO_REGISTRY", "agent registry not configured")
		return
	}
	agent, err := s.Agents.GetAgent(r.Context(), urlParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePutAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		writeErrorCode(w, http.StatusNotImplemented, "NO_REGISTRY", "agent registry not configured")
		return
	}
	var payload struct {
		BaseURL     string `json:"base_url"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.Agents.PutAgent(r.Context(), urlParam(r, "name"), payload.BaseURL, payload.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		writeErrorCode(w, http.StatusNotImplemented, "NO_REGISTRY", "agent registry not configured")
		return
	}
	if err := s.Agents.DeleteAgent(r.Context(), urlParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
