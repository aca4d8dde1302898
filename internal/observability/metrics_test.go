package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Route("summarize", "stable")
	m.Route("summarize", "stable")
	m.FeedbackIngested("summarize")
	m.FeedbackDroppedLate("summarize")
	m.Decision("summarize", "promote", "applied")
	m.Experiment("summarize", true)
	m.TuningAttempt("failed", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoutesTotal.WithLabelValues("summarize", "stable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedbackDroppedTotal.WithLabelValues("summarize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("summarize", "promote", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveExperiments.WithLabelValues("summarize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TuningAttemptsTotal.WithLabelValues("failed")))

	m.Experiment("summarize", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveExperiments.WithLabelValues("summarize")))
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Route("a", "b")
		m.RouteError("conflict")
		m.FeedbackIngested("a")
		m.FeedbackDroppedLate("a")
		m.Decision("a", "hold", "held")
		m.Trigger("manual", "scheduled")
		m.Run("a", "failed")
		m.TuningAttempt("ok", 1)
		m.Alert("tuning_failed")
		m.Experiment("a", true)
	})
}

func TestTracerNoopWithoutInit(t *testing.T) {
	_, span := Tracer().Start(t.Context(), "test")
	defer span.End()
	assert.NotNil(t, span)
}
