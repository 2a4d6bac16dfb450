package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Generation pipeline metrics
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_generation_jobs_submitted_total",
			Help: "Total generation jobs submitted",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_generation_jobs_finished_total",
			Help: "Total generation jobs by terminal status",
		},
		[]string{"status"}, // "completed", "error", "cancelled"
	)

	SubmitConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_generation_submit_conflicts_total",
			Help: "Submissions rejected because a job was already in flight",
		},
	)

	ChunksPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_stream_chunks_total",
			Help: "Total chunk events published",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_stream_events_total",
			Help: "Total stream events published by kind",
		},
		[]string{"kind"},
	)

	// Relay metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_active_streams",
			Help: "Open stream subscriber connections",
		},
	)

	// Conversation metrics
	ChatsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_chats_created_total",
			Help: "Total chats created",
		},
	)

	ChatsBranched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_chats_branched_total",
			Help: "Total chats created by branching",
		},
	)
)
