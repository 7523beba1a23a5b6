package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
	"agri-advisory/internal/services"
)

// NotificationManager is the broadcast and template surface
type NotificationManager interface {
	Broadcast(ctx context.Context, req *models.BroadcastRequest) (*models.Notification, error)
	GetBroadcast(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	Stats(ctx context.Context) (*models.NotificationStats, error)
	RetryPending(ctx context.Context) (*models.RetrySummary, error)
	ListTemplates(ctx context.Context) ([]*models.NotificationTemplate, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*models.NotificationTemplate, error)
	CreateTemplate(ctx context.Context, req *models.TemplateRequest) (*models.NotificationTemplate, error)
	UpdateTemplate(ctx context.Context, id uuid.UUID, req *models.TemplateRequest) (*models.NotificationTemplate, error)
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
}

// NotificationHandler handles broadcasts, templates and delivery stats
type NotificationHandler struct {
	notifications NotificationManager
	logger        *zap.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(notifications *services.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: logger}
}

// Broadcast queues a one-off message to a role or district audience
// POST /api/v1/notifications/broadcast
func (h *NotificationHandler) Broadcast(c *gin.Context) {
	var req models.BroadcastRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	n, err := h.notifications.Broadcast(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to queue broadcast")
		return
	}

	h.logger.Info("broadcast queued",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(n.Channel)),
		zap.Int("targets", n.TargetCount))

	c.JSON(http.StatusAccepted, gin.H{"notification": n})
}

// GetBroadcast returns the progress of one broadcast
// GET /api/v1/notifications/broadcasts/:id
func (h *NotificationHandler) GetBroadcast(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid notification ID")
		return
	}
	n, err := h.notifications.GetBroadcast(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get broadcast")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

// Stats returns broadcast counts and advisory delivery health
// GET /api/v1/notifications/stats
func (h *NotificationHandler) Stats(c *gin.Context) {
	stats, err := h.notifications.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to get notification stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RetryPending re-queues advisories whose delivery has not settled
// POST /api/v1/notifications/retry-pending
func (h *NotificationHandler) RetryPending(c *gin.Context) {
	summary, err := h.notifications.RetryPending(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to retry pending advisories")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListTemplates returns all notification templates
// GET /api/v1/notifications/templates
func (h *NotificationHandler) ListTemplates(c *gin.Context) {
	templates, err := h.notifications.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to list templates")
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

// GetTemplate returns one template
// GET /api/v1/notifications/templates/:id
func (h *NotificationHandler) GetTemplate(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid template ID")
		return
	}
	tpl, err := h.notifications.GetTemplate(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get template")
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": tpl})
}

// CreateTemplate stores a new template
// POST /api/v1/notifications/templates
func (h *NotificationHandler) CreateTemplate(c *gin.Context) {
	var req models.TemplateRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	tpl, err := h.notifications.CreateTemplate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create template")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"template": tpl})
}

// UpdateTemplate replaces a template
// PUT /api/v1/notifications/templates/:id
func (h *NotificationHandler) UpdateTemplate(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid template ID")
		return
	}
	var req models.TemplateRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	tpl, err := h.notifications.UpdateTemplate(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to update template")
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": tpl})
}

// DeleteTemplate removes a template
// DELETE /api/v1/notifications/templates/:id
func (h *NotificationHandler) DeleteTemplate(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid template ID")
		return
	}
	if err := h.notifications.DeleteTemplate(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err, "Failed to delete template")
		return
	}
	c.Status(http.StatusNoContent)
}
