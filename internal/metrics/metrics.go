package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
)

// MetricsCollector collects and exposes metrics for the advisory service
type MetricsCollector struct {
	config   *config.MetricsConfig
	logger   *zap.Logger
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Rule evaluation metrics
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	evaluationGaps     *prometheus.CounterVec
	ruleSnapshotRules  prometheus.Gauge
	ruleSnapshotVer    prometheus.Gauge

	// Advisory pipeline metrics
	advisoriesTotal    *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	feedbackTotal      *prometheus.CounterVec
	triggerEventsTotal *prometheus.CounterVec

	// Delivery metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	deliveryQueueDepth    prometheus.Gauge
	broadcastsTotal       *prometheus.CounterVec

	// Cache metrics
	cacheOperationsTotal *prometheus.CounterVec
	cacheHitRate         prometheus.Gauge

	// Audit metrics
	auditEventsTotal *prometheus.CounterVec

	// Internal state
	mu          sync.RWMutex
	cacheHits   int64
	cacheMisses int64
	generated   int64
	deduped     int64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg *config.MetricsConfig, logger *zap.Logger) *MetricsCollector {
	if !cfg.Enabled {
		logger.Info("metrics collection disabled")
		return &MetricsCollector{
			config:   cfg,
			logger:   logger,
			registry: prometheus.NewRegistry(),
		}
	}

	histogramBuckets := cfg.HistogramBuckets
	if len(histogramBuckets) == 0 {
		histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
	}

	collector := &MetricsCollector{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agri_advisory_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: histogramBuckets,
			},
			[]string{"method", "endpoint"},
		),

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_evaluations_total",
				Help: "Total number of farmer context evaluations",
			},
			[]string{"result"}, // result: matched/no_match/error
		),

		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agri_advisory_evaluation_duration_seconds",
				Help:    "Rule evaluation duration per farmer in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		evaluationGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_evaluation_gaps_total",
				Help: "Conditions skipped because the context lacked the field",
			},
			[]string{"field"},
		),

		ruleSnapshotRules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agri_advisory_rule_snapshot_rules",
				Help: "Number of live rules in the current snapshot",
			},
		),

		ruleSnapshotVer: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agri_advisory_rule_snapshot_version",
				Help: "Version of the current rule snapshot",
			},
		),

		advisoriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_advisories_total",
				Help: "Advisories generated by outcome",
			},
			[]string{"advisory_type", "severity", "outcome"}, // outcome: created/deduped/no_channel
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_status_transitions_total",
				Help: "Advisory lifecycle transitions",
			},
			[]string{"from", "to"},
		),

		feedbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_feedback_total",
				Help: "Farmer feedback submissions",
			},
			[]string{"feedback", "resubmission"},
		),

		triggerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_trigger_events_total",
				Help: "Trigger events processed by source",
			},
			[]string{"source", "transport", "result"},
		),

		deliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_delivery_attempts_total",
				Help: "Channel delivery attempts",
			},
			[]string{"channel", "status"}, // status: SENT/FAILED/DELIVERED
		),

		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agri_advisory_delivery_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"channel"},
		),

		deliveryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agri_advisory_delivery_queue_depth",
				Help: "Jobs waiting in the dispatcher queue",
			},
		),

		broadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_broadcasts_total",
				Help: "Administrator broadcasts by final status",
			},
			[]string{"channel", "status"},
		),

		cacheOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_cache_operations_total",
				Help: "Total number of cache operations",
			},
			[]string{"operation", "result"}, // result: hit/miss/error
		),

		cacheHitRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agri_advisory_cache_hit_rate_percent",
				Help: "Overall cache hit rate percentage",
			},
		),

		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agri_advisory_audit_events_total",
				Help: "Committed audit events by type and status",
			},
			[]string{"type", "status"},
		),
	}

	collector.registerMetrics()

	logger.Info("metrics collector initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.String("path", cfg.Path))

	return collector
}

// registerMetrics registers all metrics with the collector's registry
func (m *MetricsCollector) registerMetrics() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		m.httpRequestsTotal,
		m.httpRequestDuration,

		m.evaluationsTotal,
		m.evaluationDuration,
		m.evaluationGaps,
		m.ruleSnapshotRules,
		m.ruleSnapshotVer,

		m.advisoriesTotal,
		m.transitionsTotal,
		m.feedbackTotal,
		m.triggerEventsTotal,

		m.deliveryAttemptsTotal,
		m.deliveryDuration,
		m.deliveryQueueDepth,
		m.broadcastsTotal,

		m.cacheOperationsTotal,
		m.cacheHitRate,

		m.auditEventsTotal,
	)
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if !m.config.Enabled {
		return
	}

	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEvaluation records one farmer evaluation
func (m *MetricsCollector) RecordEvaluation(matched bool, gapFields []string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}

	result := "no_match"
	if matched {
		result = "matched"
	}
	m.evaluationsTotal.WithLabelValues(result).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
	for _, f := range gapFields {
		m.evaluationGaps.WithLabelValues(f).Inc()
	}
}

// RecordEvaluationError records a farmer whose context could not be resolved
func (m *MetricsCollector) RecordEvaluationError() {
	if !m.config.Enabled {
		return
	}
	m.evaluationsTotal.WithLabelValues("error").Inc()
}

// UpdateRuleSnapshot records the size and version of the live rule snapshot
func (m *MetricsCollector) UpdateRuleSnapshot(version int64, rules int) {
	if !m.config.Enabled {
		return
	}
	m.ruleSnapshotVer.Set(float64(version))
	m.ruleSnapshotRules.Set(float64(rules))
}

// RecordAdvisory records a generated advisory and how the dedup gate treated it
func (m *MetricsCollector) RecordAdvisory(advisoryType, severity, outcome string) {
	m.mu.Lock()
	if outcome == "deduped" {
		m.deduped++
	} else {
		m.generated++
	}
	m.mu.Unlock()

	if !m.config.Enabled {
		return
	}
	m.advisoriesTotal.WithLabelValues(advisoryType, severity, outcome).Inc()
}

// RecordTransition records a lifecycle transition
func (m *MetricsCollector) RecordTransition(from, to string) {
	if !m.config.Enabled {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordFeedback records a feedback submission
func (m *MetricsCollector) RecordFeedback(feedback string, resubmission bool) {
	if !m.config.Enabled {
		return
	}
	m.feedbackTotal.WithLabelValues(feedback, strconv.FormatBool(resubmission)).Inc()
}

// RecordTriggerEvent records a processed trigger event
func (m *MetricsCollector) RecordTriggerEvent(source, transport, result string) {
	if !m.config.Enabled {
		return
	}
	m.triggerEventsTotal.WithLabelValues(source, transport, result).Inc()
}

// RecordDeliveryAttempt records a channel attempt
func (m *MetricsCollector) RecordDeliveryAttempt(channel, status string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(channel, status).Inc()
	if duration > 0 {
		m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// UpdateQueueDepth records the dispatcher backlog
func (m *MetricsCollector) UpdateQueueDepth(depth int) {
	if !m.config.Enabled {
		return
	}
	m.deliveryQueueDepth.Set(float64(depth))
}

// RecordBroadcast records a finished broadcast
func (m *MetricsCollector) RecordBroadcast(channel, status string) {
	if !m.config.Enabled {
		return
	}
	m.broadcastsTotal.WithLabelValues(channel, status).Inc()
}

// RecordCacheOperation records cache operation metrics
func (m *MetricsCollector) RecordCacheOperation(operation, result string) {
	m.mu.Lock()
	switch result {
	case "hit":
		m.cacheHits++
	case "miss":
		m.cacheMisses++
	}
	m.mu.Unlock()

	if !m.config.Enabled {
		return
	}
	m.cacheOperationsTotal.WithLabelValues(operation, result).Inc()
	m.updateCacheHitRate()
}

// RecordAuditEvent records a stored audit event
func (m *MetricsCollector) RecordAuditEvent(eventType, status string) {
	if !m.config.Enabled {
		return
	}
	m.auditEventsTotal.WithLabelValues(eventType, status).Inc()
}

// updateCacheHitRate calculates and updates cache hit rate
func (m *MetricsCollector) updateCacheHitRate() {
	m.mu.RLock()
	hits := m.cacheHits
	misses := m.cacheMisses
	m.mu.RUnlock()

	total := hits + misses
	if total > 0 {
		m.cacheHitRate.Set(float64(hits) / float64(total) * 100)
	}
}

// Handler returns the Prometheus metrics handler for this collector
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GetStats returns current metrics statistics
func (m *MetricsCollector) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hitRate := 0.0
	if total := m.cacheHits + m.cacheMisses; total > 0 {
		hitRate = float64(m.cacheHits) / float64(total) * 100
	}

	return map[string]interface{}{
		"metrics_enabled":      m.config.Enabled,
		"advisories_generated": m.generated,
		"advisories_deduped":   m.deduped,
		"cache_hits":           m.cacheHits,
		"cache_misses":         m.cacheMisses,
		"cache_hit_rate":       hitRate,
	}
}
