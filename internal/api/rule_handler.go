package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
	"agri-advisory/internal/services"
)

// RuleManager is the rule CMS and playground surface used by RuleHandler
type RuleManager interface {
	List(ctx context.Context, status string) ([]*models.Rule, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	Create(ctx context.Context, req *models.RuleRequest) (*models.Rule, error)
	Update(ctx context.Context, id uuid.UUID, req *models.RuleRequest) (*models.Rule, error)
	Retire(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	Versions(ctx context.Context, id uuid.UUID) ([]*models.RuleVersion, error)
	Simulate(ctx context.Context, req *models.SimulateRequest) (*services.SimulationResult, error)
}

// RuleHandler handles HTTP requests for advisory rules
type RuleHandler struct {
	rules  RuleManager
	logger *zap.Logger
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(rules *services.RuleService, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

// List returns rules, optionally filtered by status
// GET /api/v1/rules
func (h *RuleHandler) List(c *gin.Context) {
	rules, err := h.rules.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to list rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "meta": gin.H{"returned": len(rules)}})
}

// Get returns one rule
// GET /api/v1/rules/:id
func (h *RuleHandler) Get(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid rule ID")
		return
	}
	rule, err := h.rules.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Create saves a new rule after validating its definition
// POST /api/v1/rules
func (h *RuleHandler) Create(c *gin.Context) {
	var req models.RuleRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	start := time.Now()
	rule, err := h.rules.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create rule")
		return
	}

	h.logger.Info("rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("name", rule.Name),
		zap.Duration("duration", time.Since(start)))

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// Update replaces a rule definition. The request carries the version it was
// read at; a stale version is rejected with 409.
// PUT /api/v1/rules/:id
func (h *RuleHandler) Update(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid rule ID")
		return
	}
	var req models.RuleRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to update rule")
		return
	}

	h.logger.Info("rule updated",
		zap.String("rule_id", rule.ID.String()),
		zap.Int("version", rule.Version))

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Retire removes a rule from evaluation while keeping its history
// POST /api/v1/rules/:id/retire
func (h *RuleHandler) Retire(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid rule ID")
		return
	}
	rule, err := h.rules.Retire(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to retire rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Versions returns the saved versions of a rule, newest first
// GET /api/v1/rules/:id/versions
func (h *RuleHandler) Versions(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		badRequest(c, h.logger, err, "Invalid rule ID")
		return
	}
	versions, err := h.rules.Versions(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list rule versions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// Simulate evaluates a rule against mock or real farmer data without
// producing an advisory
// POST /api/v1/rules/simulate
func (h *RuleHandler) Simulate(c *gin.Context) {
	var req models.SimulateRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	start := time.Now()
	result, err := h.rules.Simulate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to simulate rule")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"triggered":   result.Triggered,
		"matchReason": result.MatchReason,
		"outcome":     result.Outcome,
		"gaps":        result.Gaps,
		"context":     result.Context,
		"meta": gin.H{
			"processing_time_ms": time.Since(start).Milliseconds(),
		},
	})
}
