package api

import (
	"github.com/gin-gonic/gin"

	"agri-advisory/internal/metrics"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Health        *HealthHandler
	Rules         *RuleHandler
	Advisories    *AdvisoryHandler
	Analytics     *AnalyticsHandler
	Notifications *NotificationHandler
	Audit         *AuditHandler
}

// RegisterRoutes mounts health, metrics and the v1 API on the engine
func RegisterRoutes(engine *gin.Engine, h Handlers, m *metrics.MetricsCollector, metricsPath string) {
	// Health endpoints
	engine.GET("/health", h.Health.Health)
	engine.GET("/health/ready", h.Health.Ready)
	engine.GET("/health/live", h.Health.Live)

	if m != nil && metricsPath != "" {
		engine.GET(metricsPath, gin.WrapH(m.Handler()))
	}

	v1 := engine.Group("/api/v1", AuditActor())
	{
		// Rule CMS and playground
		v1.GET("/rules", h.Rules.List)
		v1.POST("/rules", h.Rules.Create)
		v1.POST("/rules/simulate", h.Rules.Simulate)
		v1.GET("/rules/:id", h.Rules.Get)
		v1.PUT("/rules/:id", h.Rules.Update)
		v1.POST("/rules/:id/retire", h.Rules.Retire)
		v1.GET("/rules/:id/versions", h.Rules.Versions)

		// Advisory lifecycle
		v1.POST("/advisories/trigger", h.Advisories.Trigger)
		v1.GET("/advisory-logs", h.Advisories.ListLogs)
		v1.GET("/advisory-logs/:id", h.Advisories.GetLog)
		v1.POST("/advisory-logs/:id/open", h.Advisories.MarkOpened)
		v1.POST("/advisory-logs/:id/feedback", h.Advisories.SubmitFeedback)
		v1.GET("/farmers/:id/advisory-logs", h.Advisories.ListFarmerLogs)
		v1.POST("/delivery/callbacks", h.Advisories.DeliveryCallback)

		// Analytics
		v1.GET("/analytics", h.Analytics.Report)
		v1.GET("/analytics/top-rules", h.Analytics.TopRules)
		v1.GET("/analytics/underperforming-rules", h.Analytics.UnderperformingRules)
		v1.GET("/analytics/high-risk-districts", h.Analytics.HighRiskDistricts)
		v1.GET("/analytics/alert-fatigue", h.Analytics.AlertFatigue)
		v1.GET("/analytics/engagement-score", h.Analytics.EngagementScore)

		// Notification manager
		v1.POST("/notifications/broadcast", h.Notifications.Broadcast)
		v1.GET("/notifications/broadcasts/:id", h.Notifications.GetBroadcast)
		v1.GET("/notifications/stats", h.Notifications.Stats)
		v1.POST("/notifications/retry-pending", h.Notifications.RetryPending)
		v1.GET("/notifications/templates", h.Notifications.ListTemplates)
		v1.POST("/notifications/templates", h.Notifications.CreateTemplate)
		v1.GET("/notifications/templates/:id", h.Notifications.GetTemplate)
		v1.PUT("/notifications/templates/:id", h.Notifications.UpdateTemplate)
		v1.DELETE("/notifications/templates/:id", h.Notifications.DeleteTemplate)

		if h.Audit != nil {
			v1.GET("/audit/events", h.Audit.Events)
		}
	}
}
