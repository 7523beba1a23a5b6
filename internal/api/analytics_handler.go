package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
	"agri-advisory/internal/services"
)

// AnalyticsProvider computes engagement analytics over a time window
type AnalyticsProvider interface {
	Window(since time.Time) time.Time
	Compute(ctx context.Context, since time.Time) (*models.AdvisoryAnalytics, error)
	TopRules(ctx context.Context, since time.Time, limit int) ([]models.RuleRanking, error)
	UnderperformingRules(ctx context.Context, since time.Time, limit int) ([]models.RuleRanking, error)
	HighRiskDistricts(ctx context.Context, since time.Time, limit int) ([]models.DistrictRisk, error)
	AlertFatigue(ctx context.Context, since time.Time, limit int) (map[string]int, error)
	Engagement(ctx context.Context, since time.Time) (*services.EngagementScore, error)
}

// AnalyticsHandler serves the analytics dashboard endpoints
type AnalyticsHandler struct {
	analytics AnalyticsProvider
	logger    *zap.Logger
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(analytics *services.AnalyticsAggregator, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, logger: logger}
}

type windowParams struct {
	since time.Time
	limit int
}

func (h *AnalyticsHandler) window(c *gin.Context) (windowParams, bool) {
	since, err := sinceQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return windowParams{}, false
	}
	limit, err := limitQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return windowParams{}, false
	}
	return windowParams{since: since, limit: limit}, true
}

// Report returns the full analytics report
// GET /api/v1/analytics
func (h *AnalyticsHandler) Report(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	start := time.Now()
	report, err := h.analytics.Compute(c.Request.Context(), p.since)
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute analytics")
		return
	}
	h.logger.Debug("analytics computed",
		zap.Int("advisories", report.TotalAdvisories),
		zap.Duration("duration", time.Since(start)))
	c.JSON(http.StatusOK, report)
}

// TopRules returns the rules with the best open rate
// GET /api/v1/analytics/top-rules
func (h *AnalyticsHandler) TopRules(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	rules, err := h.analytics.TopRules(c.Request.Context(), p.since, p.limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to rank rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": h.analytics.Window(p.since), "rules": rules})
}

// UnderperformingRules returns the rules with the worst open rate
// GET /api/v1/analytics/underperforming-rules
func (h *AnalyticsHandler) UnderperformingRules(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	rules, err := h.analytics.UnderperformingRules(c.Request.Context(), p.since, p.limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to rank rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": h.analytics.Window(p.since), "rules": rules})
}

// HighRiskDistricts returns districts whose delivery failure rate exceeds
// the configured threshold
// GET /api/v1/analytics/high-risk-districts
func (h *AnalyticsHandler) HighRiskDistricts(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	districts, err := h.analytics.HighRiskDistricts(c.Request.Context(), p.since, p.limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute district risk")
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": h.analytics.Window(p.since), "districts": districts})
}

// AlertFatigue returns farmers who received more advisories than the
// fatigue threshold
// GET /api/v1/analytics/alert-fatigue
func (h *AnalyticsHandler) AlertFatigue(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	farmers, err := h.analytics.AlertFatigue(c.Request.Context(), p.since, p.limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute alert fatigue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": h.analytics.Window(p.since), "farmers": farmers})
}

// EngagementScore returns the weighted open/feedback engagement score
// GET /api/v1/analytics/engagement-score
func (h *AnalyticsHandler) EngagementScore(c *gin.Context) {
	p, ok := h.window(c)
	if !ok {
		return
	}
	score, err := h.analytics.Engagement(c.Request.Context(), p.since)
	if err != nil {
		respondError(c, h.logger, err, "Failed to compute engagement score")
		return
	}
	c.JSON(http.StatusOK, score)
}
