package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestCounter counts HTTP requests by status code, method, and route
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"status", "method", "path"},
	)

	// RequestDuration measures HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ActiveRooms = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_rooms_active",
			Help: "Rooms currently held in memory by status",
		},
		[]string{"status"},
	)

	MatchesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arena_matches_started_total",
			Help: "Total number of matches started",
		},
	)

	// Settlements counts settlement runs by the trigger that won the race
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_settlements_total",
			Help: "Total number of match settlements",
		},
		[]string{"trigger"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_submissions_total",
			Help: "Total number of graded submissions by status",
		},
		[]string{"status"},
	)

	GradingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arena_grading_duration_seconds",
			Help:    "Time spent grading a whole submission",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
	)

	ProfileUpdateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_profile_update_failures_total",
			Help: "Profile update attempts that failed",
		},
		[]string{"stage"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arena_websocket_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_broadcast_errors_total",
			Help: "Events that could not be delivered by a transport",
		},
		[]string{"transport"},
	)
)

// ObserveGrading records the duration of a grading run.
func ObserveGrading(startTime time.Time) {
	GradingDuration.Observe(time.Since(startTime).Seconds())
}
