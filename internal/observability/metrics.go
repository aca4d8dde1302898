// Package observability holds the router's Prometheus metrics and OpenTelemetry
// tracer setup. All metric methods are safe on a nil *Metrics, so components
// can run uninstrumented in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "router"

// #region metrics
// Metrics holds every counter and gauge the control loop reports.
type Metrics struct {
	RoutesTotal           *prometheus.CounterVec
	RouteErrorsTotal      *prometheus.CounterVec
	FeedbackIngestedTotal *prometheus.CounterVec
	FeedbackDroppedTotal  *prometheus.CounterVec
	DecisionsTotal        *prometheus.CounterVec
	TriggersTotal         *prometheus.CounterVec
	RunsTotal             *prometheus.CounterVec
	TuningAttemptsTotal   *prometheus.CounterVec
	TuningDuration        prometheus.Histogram
	AlertsTotal           *prometheus.CounterVec
	ActiveExperiments     *prometheus.GaugeVec
}

// NewMetrics registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoutesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Resolved routes by tag and bucket",
		}, []string{"tag", "bucket"}),
		RouteErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "route_errors_total",
			Help:      "Rejected route requests by reason",
		}, []string{"reason"}),
		FeedbackIngestedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feedback",
			Name:      "ingested_total",
			Help:      "Feedback records accepted into a window",
		}, []string{"tag"}),
		FeedbackDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feedback",
			Name:      "dropped_late_total",
			Help:      "Feedback records dropped for exceeding the lateness bound",
		}, []string{"tag"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by action and apply outcome",
		}, []string{"tag", "action", "outcome"}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Optimization triggers by source and result",
		}, []string{"trigger", "status"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Finished optimization runs by outcome",
		}, []string{"tag", "outcome"}),
		TuningAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "tuning_attempts_total",
			Help:      "Calls to the tuning collaborator by result",
		}, []string{"result"}),
		TuningDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "tuning_duration_seconds",
			Help:      "Duration of single tuning collaborator calls",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "alert",
			Name:      "emitted_total",
			Help:      "Alerts emitted by kind",
		}, []string{"kind"}),
		ActiveExperiments: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "experiment_active",
			Help:      "1 while a tag runs an experiment split",
		}, []string{"tag"}),
	}
}

// #endregion metrics

// #region recorders
func (m *Metrics) Route(tag, bucket string) {
	if m == nil {
		return
	}
	m.RoutesTotal.WithLabelValues(tag, bucket).Inc()
}

func (m *Metrics) RouteError(reason string) {
	if m == nil {
		return
	}
	m.RouteErrorsTotal.WithLabelValues(reason).Inc()
}

// FeedbackIngested implements feedback.Recorder.
func (m *Metrics) FeedbackIngested(tag string) {
	if m == nil {
		return
	}
	m.FeedbackIngestedTotal.WithLabelValues(tag).Inc()
}

// FeedbackDroppedLate implements feedback.Recorder.
func (m *Metrics) FeedbackDroppedLate(tag string) {
	if m == nil {
		return
	}
	m.FeedbackDroppedTotal.WithLabelValues(tag).Inc()
}

func (m *Metrics) Decision(tag, action, outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(tag, action, outcome).Inc()
}

func (m *Metrics) Trigger(trigger, status string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(trigger, status).Inc()
}

func (m *Metrics) Run(tag, outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(tag, outcome).Inc()
}

func (m *Metrics) TuningAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.TuningAttemptsTotal.WithLabelValues(result).Inc()
	m.TuningDuration.Observe(seconds)
}

func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// Experiment records whether tag currently runs a split.
func (m *Metrics) Experiment(tag string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.ActiveExperiments.WithLabelValues(tag).Set(v)
}

// #endregion recorders
