package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

const maxFeedbackComment = 2000

// FeedbackCollector stores farmer ratings of advisories
type FeedbackCollector struct {
	logs    repository.AdvisoryLogRepository
	metrics *metrics.MetricsCollector
	logger  *zap.Logger
	now     func() time.Time
}

// NewFeedbackCollector creates a feedback collector
func NewFeedbackCollector(store *repository.Store, m *metrics.MetricsCollector, logger *zap.Logger) *FeedbackCollector {
	return &FeedbackCollector{
		logs:    store.Logs,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SubmitFeedback records feedback on a reached advisory. The first submission
// moves the log to FEEDBACK_RECEIVED; later ones replace the content and keep
// the status.
func (f *FeedbackCollector) SubmitFeedback(ctx context.Context, id uuid.UUID, req models.FeedbackRequest) (*models.AdvisoryLog, error) {
	feedback := models.Feedback(strings.ToUpper(strings.TrimSpace(req.Feedback)))
	if !feedback.Valid() {
		return nil, models.NewValidationError("feedback", "must be USEFUL or NOT_USEFUL")
	}
	comment := strings.TrimSpace(req.Comment)
	if utf8.RuneCountInString(comment) > maxFeedbackComment {
		return nil, models.NewValidationError("comment", "must be at most 2000 characters")
	}

	resubmission := false
	var from models.DeliveryStatus
	log, err := f.logs.Transition(ctx, id, func(l *models.AdvisoryLog) (bool, error) {
		from = l.DeliveryStatus
		switch l.DeliveryStatus {
		case models.StatusDispatched, models.StatusDelivered, models.StatusOpened:
			l.DeliveryStatus = models.StatusFeedbackReceived
		case models.StatusFeedbackReceived:
			resubmission = true
		default:
			return false, &models.StateError{Current: l.DeliveryStatus, Action: "submit feedback on"}
		}
		now := f.now()
		l.Feedback = &feedback
		if comment != "" {
			l.FeedbackComment = &comment
		} else {
			l.FeedbackComment = nil
		}
		l.FeedbackAt = &now
		return true, nil
	})
	if err != nil {
		return nil, wrapNotFound(err, "advisory log", id)
	}

	if from != log.DeliveryStatus {
		f.metrics.RecordTransition(string(from), string(log.DeliveryStatus))
	}
	f.metrics.RecordFeedback(string(feedback), resubmission)
	f.logger.Debug("feedback recorded",
		zap.String("log_id", id.String()),
		zap.String("feedback", string(feedback)),
		zap.Bool("resubmission", resubmission))

	return log, nil
}
