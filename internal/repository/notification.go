package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

// PostgresTemplateRepository handles database operations for notification templates
type PostgresTemplateRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresTemplateRepository {
	return &PostgresTemplateRepository{db: db, logger: logger}
}

const templateColumns = `id, name, channel, language, title_template, body_template, is_active, created_at, updated_at`

func scanTemplate(row rowScanner) (*models.NotificationTemplate, error) {
	var t models.NotificationTemplate
	err := row.Scan(&t.ID, &t.Name, &t.Channel, &t.Language, &t.TitleTemplate,
		&t.BodyTemplate, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns every template ordered by name
func (r *PostgresTemplateRepository) List(ctx context.Context) ([]*models.NotificationTemplate, error) {
	rows, err := r.db.Query(ctx, `SELECT `+templateColumns+` FROM notification_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	templates := make([]*models.NotificationTemplate, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// GetByID retrieves a template by ID
func (r *PostgresTemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.NotificationTemplate, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM notification_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// Create inserts a template
func (r *PostgresTemplateRepository) Create(ctx context.Context, t *models.NotificationTemplate) error {
	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, string(t.Channel), t.Language, t.TitleTemplate, t.BodyTemplate,
		t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// Update overwrites a template
func (r *PostgresTemplateRepository) Update(ctx context.Context, t *models.NotificationTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		UPDATE notification_templates
		SET name = $2, channel = $3, language = $4, title_template = $5, body_template = $6,
		    is_active = $7, updated_at = $8
		WHERE id = $1
		RETURNING created_at`,
		t.ID, t.Name, string(t.Channel), t.Language, t.TitleTemplate, t.BodyTemplate,
		t.IsActive, t.UpdatedAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

// Delete removes a template
func (r *PostgresTemplateRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresNotificationRepository handles database operations for broadcasts
type PostgresNotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db, logger: logger}
}

// Create inserts a broadcast
func (r *PostgresNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (
			id, title, message, channel, target_role, target_value, template_id, status,
			target_count, sent_count, failed_count, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.Title, n.Message, string(n.Channel), n.TargetRole, n.TargetValue, n.TemplateID,
		string(n.Status), n.TargetCount, n.SentCount, n.FailedCount, n.CreatedAt, n.CompletedAt,
	)
	if err != nil {
		r.logger.Error("failed to create notification", zap.Error(err))
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// Update writes the progress counters and status of a broadcast
func (r *PostgresNotificationRepository) Update(ctx context.Context, n *models.Notification) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications
		SET status = $2, target_count = $3, sent_count = $4, failed_count = $5, completed_at = $6
		WHERE id = $1`,
		n.ID, string(n.Status), n.TargetCount, n.SentCount, n.FailedCount, n.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a broadcast by ID
func (r *PostgresNotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := r.db.QueryRow(ctx, `
		SELECT id, title, message, channel, target_role, target_value, template_id, status,
		       target_count, sent_count, failed_count, created_at, completed_at
		FROM notifications WHERE id = $1`, id,
	).Scan(&n.ID, &n.Title, &n.Message, &n.Channel, &n.TargetRole, &n.TargetValue, &n.TemplateID,
		&n.Status, &n.TargetCount, &n.SentCount, &n.FailedCount, &n.CreatedAt, &n.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

// Stats aggregates broadcast counters
func (r *PostgresNotificationRepository) Stats(ctx context.Context) (*models.BroadcastStats, error) {
	var s models.BroadcastStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'QUEUED'),
		       COUNT(*) FILTER (WHERE status = 'SENDING'),
		       COUNT(*) FILTER (WHERE status = 'COMPLETED'),
		       COUNT(*) FILTER (WHERE status = 'FAILED'),
		       COALESCE(SUM(sent_count), 0),
		       COALESCE(SUM(failed_count), 0)
		FROM notifications`,
	).Scan(&s.Total, &s.Queued, &s.Sending, &s.Completed, &s.Failed, &s.Sent, &s.Undelivered)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate notification stats: %w", err)
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
