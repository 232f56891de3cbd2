package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/state"
)

// AgentRegistry is the part of the agent store the API needs.
type AgentRegistry interface {
	GetAgent(ctx context.Context, name string) (state.Agent, error)
	ListAgents(ctx context.Context) ([]state.Agent, error)
	PutAgent(ctx context.Context, name, baseURL, description string) (state.Agent, error)
	DeleteAgent(ctx context.Context, name string) error
}

type Server struct {
	Sessions *sessions.Manager
	Agents   AgentRegistry
	// StartRateLimit caps POST /api/messages per client IP per minute. Zero
	// disables it.
	StartRateLimit int
	StartedAt      time.Time
	Info           DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/diagnostics", s.handleDiagnostics)
	r.Handle("/metrics", promhttp.Handler())

	r.With(startRateLimit(s.StartRateLimit)).Post("/api/messages", s.handleMessage)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleEndSession)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/ws", s.handleSessionWS)
	})

	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/{name}", s.handleGetAgent)
		r.Put("/{name}", s.handlePutAgent)
		r.Delete("/{name}", s.handleDeleteAgent)
	})

	return otelhttp.NewHandler(r, "agent-relay",
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errBadRequest("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
