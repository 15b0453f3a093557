// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing used across the pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudship"

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// deploymentsTotal counts finished runs by outcome
	// (deployed, failed, kept_last_good).
	deploymentsTotal *prometheus.CounterVec

	// deploymentDuration tracks submit-to-terminal time of a run.
	deploymentDuration *prometheus.HistogramVec

	buildPolls      *prometheus.CounterVec
	reloadAttempts  *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	runsInFlight    prometheus.Gauge
	artifactUploads *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. Passing a fresh registry keeps
// tests isolated from each other.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "deployments_total",
			Help:      "Finished pipeline runs by outcome.",
		}, []string{"outcome", "reason"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "deployment_duration_seconds",
			Help:      "Duration of a pipeline run from start to terminal state.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"outcome"}),
		buildPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "build_polls_total",
			Help:      "Remote build status queries by result.",
		}, []string{"result"}),
		reloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hotreload",
			Name:      "attempts_total",
			Help:      "Hot reload calls to deployed services by result.",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Inbound webhook deliveries by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by admission control.",
		}, []string{"limiter"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently holding a claim.",
		}),
		artifactUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "uploads_total",
			Help:      "Artifact uploads by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.deploymentsTotal,
		m.deploymentDuration,
		m.buildPolls,
		m.reloadAttempts,
		m.webhookEvents,
		m.rateLimited,
		m.runsInFlight,
		m.artifactUploads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DeploymentFinished(outcome, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(outcome, reason).Inc()
	m.deploymentDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) BuildPolled(result string) {
	if m == nil {
		return
	}
	m.buildPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) ReloadAttempt(result string) {
	if m == nil {
		return
	}
	m.reloadAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
}

func (m *Metrics) ArtifactUploaded(result string) {
	if m == nil {
		return
	}
	m.artifactUploads.WithLabelValues(result).Inc()
}
