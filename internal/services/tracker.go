package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

// StatusTracker owns the advisory lifecycle. Every change goes through the
// repository's Transition, which serializes writers on the same log.
type StatusTracker struct {
	logs     repository.AdvisoryLogRepository
	attempts repository.DeliveryAttemptRepository
	metrics  *metrics.MetricsCollector
	logger   *zap.Logger
	now      func() time.Time
}

// NewStatusTracker creates a status tracker
func NewStatusTracker(store *repository.Store, m *metrics.MetricsCollector, logger *zap.Logger) *StatusTracker {
	return &StatusTracker{
		logs:     store.Logs,
		attempts: store.Attempts,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns one advisory log
func (t *StatusTracker) Get(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error) {
	log, err := t.logs.GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, "advisory log", id)
	}
	return log, nil
}

// Page size bounds of the log viewer
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListLogs returns one keyset page of the log viewer, newest first
func (t *StatusTracker) ListLogs(ctx context.Context, query models.AdvisoryLogQuery) (*models.AdvisoryLogPage, error) {
	switch {
	case query.Limit <= 0:
		query.Limit = DefaultPageSize
	case query.Limit > MaxPageSize:
		query.Limit = MaxPageSize
	}
	rows, err := t.logs.List(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list advisory logs: %w", err)
	}

	page := &models.AdvisoryLogPage{Data: rows}
	if len(rows) > query.Limit {
		page.Data = rows[:query.Limit]
		page.HasMore = true
		last := page.Data[len(page.Data)-1]
		page.NextCursor = repository.EncodeCursor(models.LogCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Data == nil {
		page.Data = []*models.AdvisoryLog{}
	}
	return page, nil
}

// ListByFarmer returns the most recent advisories of one farmer
func (t *StatusTracker) ListByFarmer(ctx context.Context, farmerID uuid.UUID, limit int) ([]*models.AdvisoryLog, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	logs, err := t.logs.ListByFarmer(ctx, farmerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list farmer advisories: %w", err)
	}
	if logs == nil {
		logs = []*models.AdvisoryLog{}
	}
	return logs, nil
}

// Attempts returns the delivery attempt ledger of one advisory
func (t *StatusTracker) Attempts(ctx context.Context, id uuid.UUID) ([]*models.DeliveryAttempt, error) {
	if _, err := t.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.attempts.ListByLog(ctx, id)
}

// MarkDispatched records that a provider accepted the advisory
func (t *StatusTracker) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := t.advance(ctx, id, models.StatusDispatched, func(l *models.AdvisoryLog, now time.Time) {
		l.DispatchedAt = &now
	})
	return err
}

// MarkDelivered records the first delivery confirmation
func (t *StatusTracker) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := t.advance(ctx, id, models.StatusDelivered, func(l *models.AdvisoryLog, now time.Time) {
		if l.DispatchedAt == nil {
			l.DispatchedAt = &now
		}
		l.DeliveredAt = &now
	})
	return err
}

// MarkFailed moves a log that never reached a provider to DELIVERY_FAILED
func (t *StatusTracker) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := t.advance(ctx, id, models.StatusDeliveryFailed, func(l *models.AdvisoryLog, _ time.Time) {
		l.FailureReason = &reason
	})
	return err
}

// MarkAsOpened records that the farmer opened the advisory. A DISPATCHED
// advisory without a provider confirmation moves straight to OPENED with
// DeliveredAt set to the open time. Opening an already opened advisory
// returns it unchanged.
func (t *StatusTracker) MarkAsOpened(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error) {
	var from models.DeliveryStatus
	log, err := t.logs.Transition(ctx, id, func(l *models.AdvisoryLog) (bool, error) {
		from = l.DeliveryStatus
		switch l.DeliveryStatus {
		case models.StatusOpened, models.StatusFeedbackReceived:
			return false, nil
		case models.StatusDispatched, models.StatusDelivered:
		default:
			return false, &models.StateError{Current: l.DeliveryStatus, Action: "open"}
		}
		now := t.now()
		if l.DeliveredAt == nil {
			l.DeliveredAt = &now
		}
		l.OpenedAt = &now
		l.DeliveryStatus = models.StatusOpened
		return true, nil
	})
	if err != nil {
		return nil, wrapNotFound(err, "advisory log", id)
	}
	if from != log.DeliveryStatus {
		t.metrics.RecordTransition(string(from), string(log.DeliveryStatus))
	}
	return log, nil
}

// ConfirmDelivery applies an asynchronous provider delivery report. The
// report is appended to the attempt ledger; a DELIVERED report advances the
// log. A FAILED one only records the failure since other channels may still
// succeed; the retry sweep later resumes the channel or fails the log.
func (t *StatusTracker) ConfirmDelivery(ctx context.Context, cb models.DeliveryCallback) (*models.AdvisoryLog, error) {
	if !cb.Channel.Valid() {
		return nil, models.NewValidationError("channel", fmt.Sprintf("unknown channel %q", cb.Channel))
	}
	switch cb.Status {
	case models.AttemptSent, models.AttemptDelivered, models.AttemptFailed:
	default:
		return nil, models.NewValidationError("status", "must be one of SENT, DELIVERED, FAILED")
	}

	log, err := t.Get(ctx, cb.LogID)
	if err != nil {
		return nil, err
	}

	existing, err := t.attempts.ListByLog(ctx, cb.LogID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery attempts: %w", err)
	}
	number := 0
	for _, a := range existing {
		if a.Channel == cb.Channel && a.AttemptNumber > number {
			number = a.AttemptNumber
		}
	}
	if number == 0 {
		number = 1
	}

	attempt := &models.DeliveryAttempt{
		ID:                uuid.New(),
		LogID:             cb.LogID,
		Channel:           cb.Channel,
		AttemptNumber:     number,
		Status:            cb.Status,
		ProviderMessageID: cb.ProviderMessageID,
		AttemptedAt:       t.now(),
	}
	if cb.ErrorReason != "" {
		reason := cb.ErrorReason
		attempt.ErrorReason = &reason
	}
	if err := t.attempts.Append(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record delivery callback: %w", err)
	}

	switch cb.Status {
	case models.AttemptDelivered:
		log, err = t.advance(ctx, cb.LogID, models.StatusDelivered, func(l *models.AdvisoryLog, now time.Time) {
			if l.DispatchedAt == nil {
				l.DispatchedAt = &now
			}
			l.DeliveredAt = &now
		})
	case models.AttemptSent:
		log, err = t.advance(ctx, cb.LogID, models.StatusDispatched, func(l *models.AdvisoryLog, now time.Time) {
			l.DispatchedAt = &now
		})
	}
	if err != nil {
		return nil, err
	}

	t.logger.Debug("delivery callback applied",
		zap.String("log_id", cb.LogID.String()),
		zap.String("channel", string(cb.Channel)),
		zap.String("status", string(cb.Status)))
	return log, nil
}

// advance moves a log forward to status when the lifecycle allows it. A log
// that is already at or past status is left untouched, so duplicate signals
// are harmless.
func (t *StatusTracker) advance(ctx context.Context, id uuid.UUID, to models.DeliveryStatus, apply func(*models.AdvisoryLog, time.Time)) (*models.AdvisoryLog, error) {
	var from models.DeliveryStatus
	log, err := t.logs.Transition(ctx, id, func(l *models.AdvisoryLog) (bool, error) {
		from = l.DeliveryStatus
		if !models.CanTransition(l.DeliveryStatus, to) {
			return false, nil
		}
		apply(l, t.now())
		l.DeliveryStatus = to
		return true, nil
	})
	if err != nil {
		return nil, wrapNotFound(err, "advisory log", id)
	}
	if from != log.DeliveryStatus {
		t.metrics.RecordTransition(string(from), string(log.DeliveryStatus))
	} else if from != to {
		t.logger.Debug("transition skipped",
			zap.String("log_id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return log, nil
}

func wrapNotFound(err error, resource string, id uuid.UUID) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &models.NotFoundError{Resource: resource, ID: id.String()}
	}
	return err
}
