package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Number of conversation sessions currently held in memory.",
	})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_tasks_in_flight",
		Help: "Number of sessions with an upstream call in progress.",
	})

	TasksStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_tasks_started_total",
		Help: "Total upstream tasks started.",
	})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tasks_finished_total",
		Help: "Total tasks that reached a terminal state, by state and error class.",
	}, []string{"state", "class"})

	BusyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_busy_rejections_total",
		Help: "Total messages rejected because the session already had a task in flight.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Total upstream frames decoded, by frame kind.",
	}, []string{"kind"})

	DiagnosticsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_diagnostics_total",
		Help: "Total frames rejected or dropped by the task state machine, by reason.",
	}, []string{"reason"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_published_total",
		Help: "Total canonical events written to clients, by event kind.",
	}, []string{"kind"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Total canonical events evicted from a session log before delivery.",
	}, []string{"reason"})

	ForcedReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_forced_releases_total",
		Help: "Total session slots released by the manager after the cancel grace period.",
	})

	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_request_duration_seconds",
		Help:    "Duration of upstream agent calls from request to stream end.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
)

// IncDiagnostic records a frame the state machine refused to apply.
func IncDiagnostic(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	DiagnosticsTotal.WithLabelValues(reason).Inc()
}

// IncEventDrop records an event evicted from a session log.
func IncEventDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}
