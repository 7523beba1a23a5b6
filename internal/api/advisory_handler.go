package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
	"agri-advisory/internal/services"
)

// AdvisoryTracker exposes advisory logs and their lifecycle transitions
type AdvisoryTracker interface {
	Get(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error)
	ListLogs(ctx context.Context, query models.AdvisoryLogQuery) (*models.AdvisoryLogPage, error)
	ListByFarmer(ctx context.Context, farmerID uuid.UUID, limit int) ([]*models.AdvisoryLog, error)
	Attempts(ctx context.Context, id uuid.UUID) ([]*models.DeliveryAttempt, error)
	MarkAsOpened(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error)
	ConfirmDelivery(ctx context.Context, cb models.DeliveryCallback) (*models.AdvisoryLog, error)
}

// FeedbackSubmitter records farmer feedback on an advisory
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, id uuid.UUID, req models.FeedbackRequest) (*models.AdvisoryLog, error)
}

// TriggerProcessor runs a trigger event through the advisory pipeline
type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, event *models.TriggerEvent, transport string) (*models.TriggerSummary, error)
}

// AdvisoryHandler handles advisory logs, triggers and provider callbacks
type AdvisoryHandler struct {
	tracker  AdvisoryTracker
	feedback FeedbackSubmitter
	pipeline TriggerProcessor
	logger   *zap.Logger
}

// NewAdvisoryHandler creates a new advisory handler
func NewAdvisoryHandler(
	tracker *services.StatusTracker,
	feedback *services.FeedbackCollector,
	pipeline *services.AdvisoryPipeline,
	logger *zap.Logger,
) *AdvisoryHandler {
	return &AdvisoryHandler{
		tracker:  tracker,
		feedback: feedback,
		pipeline: pipeline,
		logger:   logger,
	}
}

// ListLogs returns one page of the advisory log viewer
// GET /api/v1/advisory-logs
func (h *AdvisoryHandler) ListLogs(c *gin.Context) {
	query, err := parseLogQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return
	}

	page, err := h.tracker.ListLogs(c.Request.Context(), query)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list advisory logs")
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseLogQuery(c *gin.Context) (models.AdvisoryLogQuery, error) {
	var query models.AdvisoryLogQuery

	limit, err := limitQuery(c)
	if err != nil {
		return query, err
	}
	query.Limit = limit

	if token := c.Query("cursor"); token != "" {
		cursor, err := repository.DecodeCursor(token)
		if err != nil {
			return query, fmt.Errorf("invalid cursor")
		}
		query.Cursor = cursor
	}
	if v := c.Query("advisoryType"); v != "" {
		t := models.AdvisoryType(strings.ToUpper(v))
		if !t.Valid() {
			return query, fmt.Errorf("unknown advisoryType %q", v)
		}
		query.AdvisoryType = &t
	}
	if v := c.Query("severity"); v != "" {
		s := models.Severity(strings.ToUpper(v))
		if !s.Valid() {
			return query, fmt.Errorf("unknown severity %q", v)
		}
		query.Severity = &s
	}
	if v := c.Query("deliveryStatus"); v != "" {
		s := models.DeliveryStatus(strings.ToUpper(v))
		if !s.Valid() {
			return query, fmt.Errorf("unknown deliveryStatus %q", v)
		}
		query.DeliveryStatus = &s
	}
	if v := c.Query("district"); v != "" {
		query.District = &v
	}
	if v := c.Query("farmerId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return query, fmt.Errorf("invalid farmerId")
		}
		query.FarmerID = &id
	}
	return query, nil
}

// GetLog returns one advisory with its delivery attempts
// GET /api/v1/advisory-logs/:id
func (h *AdvisoryHandler) GetLog(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid advisory ID")
		return
	}
	log, err := h.tracker.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get advisory log")
		return
	}
	attempts, err := h.tracker.Attempts(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get delivery attempts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"advisory": log, "attempts": attempts})
}

// MarkOpened records that the farmer opened the advisory. Repeated calls
// keep the first open time.
// POST /api/v1/advisory-logs/:id/open
func (h *AdvisoryHandler) MarkOpened(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid advisory ID")
		return
	}
	log, err := h.tracker.MarkAsOpened(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to mark advisory as opened")
		return
	}
	c.JSON(http.StatusOK, gin.H{"advisory": log})
}

// SubmitFeedback stores USEFUL / NOT_USEFUL feedback
// POST /api/v1/advisory-logs/:id/feedback
func (h *AdvisoryHandler) SubmitFeedback(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid advisory ID")
		return
	}
	var req models.FeedbackRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	log, err := h.feedback.SubmitFeedback(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to record feedback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"advisory": log})
}

// ListFarmerLogs returns the recent advisories of one farmer
// GET /api/v1/farmers/:id/advisory-logs
func (h *AdvisoryHandler) ListFarmerLogs(c *gin.Context) {
	farmerID, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid farmer ID")
		return
	}
	limit, err := limitQuery(c)
	if err != nil {
		badRequest(c, h.logger, err, err.Error())
		return
	}

	logs, err := h.tracker.ListByFarmer(c.Request.Context(), farmerID, limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list farmer advisories")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs, "meta": gin.H{"returned": len(logs)}})
}

// Trigger evaluates the active rules for the farmers a trigger targets
// POST /api/v1/advisories/trigger
func (h *AdvisoryHandler) Trigger(c *gin.Context) {
	var event models.TriggerEvent
	if !bindJSON(c, h.logger, &event) {
		return
	}

	start := time.Now()
	summary, err := h.pipeline.ProcessTrigger(c.Request.Context(), &event, "http")
	if err != nil {
		respondError(c, h.logger, err, "Failed to process trigger")
		return
	}

	h.logger.Info("trigger processed",
		zap.String("trigger_id", summary.TriggerID),
		zap.String("source", string(event.Source)),
		zap.Int("farmers", summary.FarmersTargeted),
		zap.Int("generated", summary.Generated),
		zap.Duration("duration", time.Since(start)))

	c.JSON(http.StatusAccepted, gin.H{"summary": summary})
}

// DeliveryCallback applies a provider delivery report
// POST /api/v1/delivery/callbacks
func (h *AdvisoryHandler) DeliveryCallback(c *gin.Context) {
	var cb models.DeliveryCallback
	if !bindJSON(c, h.logger, &cb) {
		return
	}

	log, err := h.tracker.ConfirmDelivery(c.Request.Context(), cb)
	if err != nil {
		respondError(c, h.logger, err, "Failed to apply delivery callback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"advisory": log})
}
