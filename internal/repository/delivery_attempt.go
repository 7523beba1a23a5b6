package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

// PostgresDeliveryAttemptRepository handles the delivery attempt ledger
type PostgresDeliveryAttemptRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewDeliveryAttemptRepository creates a new delivery attempt repository
func NewDeliveryAttemptRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresDeliveryAttemptRepository {
	return &PostgresDeliveryAttemptRepository{
		db:     db,
		logger: logger,
	}
}

// Append records one attempt; rows are never updated
func (r *PostgresDeliveryAttemptRepository) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO delivery_attempts (
			id, log_id, channel, attempt_number, status, error_reason, provider_message_id, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.LogID, string(a.Channel), a.AttemptNumber, string(a.Status),
		a.ErrorReason, a.ProviderMessageID, a.AttemptedAt,
	)
	if err != nil {
		r.logger.Error("failed to append delivery attempt",
			zap.Error(err),
			zap.String("log_id", a.LogID.String()),
			zap.String("channel", string(a.Channel)))
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

// ListByLog returns the attempts of one log in the order they were made
func (r *PostgresDeliveryAttemptRepository) ListByLog(ctx context.Context, logID uuid.UUID) ([]*models.DeliveryAttempt, error) {
	return r.query(ctx, `
		SELECT id, log_id, channel, attempt_number, status, error_reason, provider_message_id, attempted_at
		FROM delivery_attempts
		WHERE log_id = $1
		ORDER BY attempted_at, attempt_number`, logID)
}

// ListForLogsSince returns attempts whose log was created at or after since
func (r *PostgresDeliveryAttemptRepository) ListForLogsSince(ctx context.Context, since time.Time) ([]*models.DeliveryAttempt, error) {
	return r.query(ctx, `
		SELECT a.id, a.log_id, a.channel, a.attempt_number, a.status, a.error_reason,
		       a.provider_message_id, a.attempted_at
		FROM delivery_attempts a
		JOIN advisory_logs l ON l.id = a.log_id
		WHERE l.created_at >= $1
		ORDER BY a.attempted_at`, since)
}

// CountFailedByChannel counts FAILED attempts per channel within the window
func (r *PostgresDeliveryAttemptRepository) CountFailedByChannel(ctx context.Context, since time.Time) (map[models.Channel]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT channel, COUNT(*)
		FROM delivery_attempts
		WHERE status = 'FAILED' AND attempted_at >= $1
		GROUP BY channel`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Channel]int)
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, fmt.Errorf("failed to scan attempt count: %w", err)
		}
		counts[models.Channel(ch)] = n
	}
	return counts, rows.Err()
}

func (r *PostgresDeliveryAttemptRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.DeliveryAttempt, 0)
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.LogID, &a.Channel, &a.AttemptNumber, &a.Status,
			&a.ErrorReason, &a.ProviderMessageID, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
