package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agri-advisory/internal/monitoring"
)

// AuditHandler exposes the recent administrative audit trail
type AuditHandler struct {
	audit  *monitoring.AuditLogger
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(audit *monitoring.AuditLogger, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// Events returns audit events, newest first
// GET /api/v1/audit/events?since&type&resourceId&limit
func (h *AuditHandler) Events(c *gin.Context) {
	since, err := sinceQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return
	}
	limit, err := limitQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return
	}
	if limit == 0 {
		limit = 100
	}

	query := monitoring.AuditQuery{
		ResourceID: c.Query("resourceId"),
		Limit:      limit,
	}
	if !since.IsZero() {
		query.StartTime = &since
	}
	if types := c.Query("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			query.EventTypes = append(query.EventTypes, monitoring.AuditEventType(strings.TrimSpace(t)))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":  h.audit.QueryEvents(query),
		"summary": h.audit.Summarize(query),
	})
}
