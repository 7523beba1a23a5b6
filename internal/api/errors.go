package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

// respondError maps service errors to HTTP responses. message is used for
// unexpected errors only; domain errors carry their own detail.
func respondError(c *gin.Context, logger *zap.Logger, err error, message string) {
	var (
		validation *models.ValidationError
		definition *models.RuleDefinitionError
		notFound   *models.NotFoundError
		state      *models.StateError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "fields": validation.Fields})
	case errors.As(err, &definition):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule definition", "fields": definition.Fields})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.As(err, &state):
		c.JSON(http.StatusConflict, gin.H{"error": state.Error(), "deliveryStatus": state.Current})
	case errors.Is(err, repository.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Resource was modified concurrently, reload and retry"})
	case errors.Is(err, repository.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Resource already exists"})
	case errors.Is(err, repository.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(message, zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func badRequest(c *gin.Context, logger *zap.Logger, err error, message string) {
	logger.Warn(message, zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// bindJSON decodes the request body. Rule definitions validate while they
// decode, so their errors keep the field-level detail.
func bindJSON(c *gin.Context, logger *zap.Logger, dest interface{}) bool {
	err := c.ShouldBindJSON(dest)
	if err == nil {
		return true
	}
	var definition *models.RuleDefinitionError
	if errors.As(err, &definition) {
		respondError(c, logger, err, "")
		return false
	}
	logger.Warn("invalid request body", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "detail": err.Error()})
	return false
}
