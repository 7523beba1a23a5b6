package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
)

func TestMetricsCollector_ExposesRecordedSeries(t *testing.T) {
	m := NewMetricsCollector(&config.MetricsConfig{Enabled: true, Path: "/metrics"}, zap.NewNop())

	m.RecordAdvisory("WEATHER", "WARNING", "created")
	m.RecordAdvisory("WEATHER", "WARNING", "deduped")
	m.RecordDeliveryAttempt("SMS", "FAILED", 120*time.Millisecond)
	m.RecordCacheOperation("farmer_get", "hit")
	m.RecordCacheOperation("farmer_get", "miss")
	m.RecordAuditEvent("broadcast", "failure")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `agri_advisory_advisories_total{advisory_type="WEATHER",outcome="deduped",severity="WARNING"} 1`)
	assert.Contains(t, w.Body.String(), `agri_advisory_delivery_attempts_total{channel="SMS",status="FAILED"} 1`)
	assert.Contains(t, w.Body.String(), `agri_advisory_audit_events_total{status="failure",type="broadcast"} 1`)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats["advisories_generated"])
	assert.Equal(t, int64(1), stats["advisories_deduped"])
	assert.Equal(t, 50.0, stats["cache_hit_rate"])
}

func TestMetricsCollector_Disabled(t *testing.T) {
	m := NewMetricsCollector(&config.MetricsConfig{Enabled: false}, zap.NewNop())

	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond)
		m.RecordEvaluation(true, []string{"crop"}, time.Millisecond)
		m.RecordTransition("CREATED", "DISPATCHED")
		m.UpdateQueueDepth(3)
		m.RecordAuditEvent("rule_create", "success")
	})
	assert.Equal(t, false, m.GetStats()["metrics_enabled"])
}

func TestMetricsCollectors_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsCollector(&config.MetricsConfig{Enabled: true}, zap.NewNop())
		NewMetricsCollector(&config.MetricsConfig{Enabled: true}, zap.NewNop())
	})
}
