// Package metrics exposes Prometheus collectors for the interview service.
// Every method is safe on a nil *Metrics so components can run without one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kindred"

// Metrics groups the collectors reported by the interview, extraction,
// safety and scoring components.
type Metrics struct {
	conversations      *prometheus.CounterVec
	turns              *prometheus.CounterVec
	extractions        *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	rejectedReadings   prometheus.Counter
	jobs               *prometheus.CounterVec
	jobsActive         prometheus.Gauge
	screenings         *prometheus.CounterVec
	activationsBlocked prometheus.Counter
	scores             *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// MustNewMetrics constructs Metrics and registers every collector with reg.
// Tests should pass a fresh prometheus.NewRegistry(). Registration errors
// panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "interview", Name: "conversations_total",
			Help: "Conversation lifecycle events by outcome.",
		}, []string{"event"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "interview", Name: "turns_total",
			Help: "Stored turns by kind.",
		}, []string{"kind"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "extract", Name: "results_total",
			Help: "Turn extractions by outcome.",
		}, []string{"outcome"}),
		extractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "extract", Name: "duration_seconds",
			Help:    "Time spent extracting one turn.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		rejectedReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "extract", Name: "rejected_readings_total",
			Help: "Model readings dropped by schema validation.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "jobs_total",
			Help: "Background jobs processed by type and outcome.",
		}, []string{"type", "outcome"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "jobs_active",
			Help: "Jobs currently being processed.",
		}),
		screenings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "screenings_total",
			Help: "Safety screening updates by resulting risk level.",
		}, []string{"level"}),
		activationsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "activations_blocked_total",
			Help: "Automatic activations suppressed by a review flag.",
		}),
		scores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scoring", Name: "scores_total",
			Help: "Scored records by scorer and priority.",
		}, []string{"scorer", "priority"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.conversations, m.turns, m.extractions, m.extractionDuration, m.rejectedReadings,
		m.jobs, m.jobsActive, m.screenings, m.activationsBlocked, m.scores,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// ConversationEvent counts a lifecycle event: started, completed or abandoned.
func (m *Metrics) ConversationEvent(event string) {
	if m == nil {
		return
	}
	m.conversations.WithLabelValues(event).Inc()
}

// TurnStored counts a stored turn of the given kind.
func (m *Metrics) TurnStored(kind string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(kind).Inc()
}

// ObserveExtraction records one extraction attempt.
func (m *Metrics) ObserveExtraction(outcome string, rejected int, d time.Duration) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(outcome).Inc()
	m.extractionDuration.Observe(d.Seconds())
	if rejected > 0 {
		m.rejectedReadings.Add(float64(rejected))
	}
}

// JobDone counts a processed job.
func (m *Metrics) JobDone(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, outcome).Inc()
}

// JobStarted marks a job as active.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

// JobFinished marks an active job as done.
func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
}

// ScreeningUpdated counts a safety screening write at the given level.
func (m *Metrics) ScreeningUpdated(level string) {
	if m == nil {
		return
	}
	m.screenings.WithLabelValues(level).Inc()
}

// ActivationBlocked counts a suppressed activation.
func (m *Metrics) ActivationBlocked() {
	if m == nil {
		return
	}
	m.activationsBlocked.Inc()
}

// Scored counts a scoring result.
func (m *Metrics) Scored(scorer, priority string) {
	if m == nil {
		return
	}
	m.scores.WithLabelValues(scorer, priority).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, statusLabel(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
