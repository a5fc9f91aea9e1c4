package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veristream_verification_events_total",
			Help: "Total number of verification events submitted",
		},
		[]string{"modality", "outcome"},
	)

	submitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veristream_submit_duration_seconds",
			Help:    "Submit pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Trust metrics
	trustScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veristream_trust_score",
			Help: "Current fused trust score per session",
		},
		[]string{"session"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veristream_alerts_total",
			Help: "Total number of escalation alerts raised",
		},
		[]string{"type", "severity"},
	)

	// Registry metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veristream_active_sessions",
			Help: "Number of live session monitors in the registry",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veristream_sessions_total",
			Help: "Total number of session lifecycle transitions",
		},
		[]string{"transition"},
	)

	// Dispatch metrics
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veristream_notifications_total",
			Help: "Total number of notifications published",
		},
		[]string{"kind"},
	)

	notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veristream_notifications_dropped_total",
			Help: "Notifications discarded because a subscriber was slow",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsTotal,
			submitDuration,
			trustScore,
			alertsTotal,
			activeSessions,
			sessionsTotal,
			notificationsTotal,
			notificationsDropped,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent records a submitted verification event and its outcome
// (accepted, rejected, closed, persist_error, rate_limited, duplicate).
func RecordEvent(modality, outcome string, duration time.Duration) {
	eventsTotal.WithLabelValues(modality, outcome).Inc()
	submitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetTrustScore sets the trust score gauge for a session.
func SetTrustScore(sessionID string, score int) {
	trustScore.WithLabelValues(sessionID).Set(float64(score))
}

// DropTrustScore removes the gauge series for an evicted session.
func DropTrustScore(sessionID string) {
	trustScore.DeleteLabelValues(sessionID)
}

// RecordAlert records an escalation alert.
func RecordAlert(alertType, severity string) {
	alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// SetActiveSessions sets the live monitor gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionTransition records a lifecycle transition
// (started, suspicious, recovered, terminated, completed, evicted).
func RecordSessionTransition(transition string) {
	sessionsTotal.WithLabelValues(transition).Inc()
}

// RecordNotification records a published notification.
func RecordNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

// RecordNotificationDropped records a drop due to a slow subscriber.
func RecordNotificationDropped() {
	notificationsDropped.Inc()
}
