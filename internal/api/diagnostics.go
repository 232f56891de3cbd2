package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/agent-relay/internal/sessions"
)

type DiagnosticsInfo struct {
	HTTPAddr     string `json:"http_addr"`
	DBPath       string `json:"db_path"`
	DefaultAgent string `json:"default_agent,omitempty"`
	UpstreamMode string `json:"upstream_mode"`
	BusyPolicy   string `json:"busy_policy"`
	Overflow     string `json:"overflow"`
	Verbosity    string `json:"verbosity"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Goroutines    int             `json:"goroutines"`
	Info          DiagnosticsInfo `json:"info"`
	Sessions      sessions.Stats  `json:"sessions"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	writeJSON(w, http.StatusOK, DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Info:          s.Info,
		Sessions:      s.Sessions.Stats(),
	})
}
