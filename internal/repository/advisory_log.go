package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

var logColumns = []string{
	"id", "farmer_id", "rule_id", "rule_name", "advisory_type", "severity", "title",
	"advisory_content", "district", "crop_type", "growth_stage", "season",
	"temperature", "rainfall", "humidity", "channels", "dedup_key", "delivery_status",
	"failure_reason", "feedback", "feedback_comment", "created_at", "dispatched_at",
	"delivered_at", "opened_at", "feedback_at",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresAdvisoryLogRepository handles database operations for advisory logs
type PostgresAdvisoryLogRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewAdvisoryLogRepository creates a new advisory log repository
func NewAdvisoryLogRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresAdvisoryLogRepository {
	return &PostgresAdvisoryLogRepository{
		db:     db,
		logger: logger,
	}
}

func scanLog(row rowScanner) (*models.AdvisoryLog, error) {
	var l models.AdvisoryLog
	var channels []string
	var feedback *string
	err := row.Scan(
		&l.ID, &l.FarmerID, &l.RuleID, &l.RuleName, &l.AdvisoryType, &l.Severity, &l.Title,
		&l.AdvisoryContent, &l.District, &l.CropType, &l.GrowthStage, &l.Season,
		&l.Temperature, &l.Rainfall, &l.Humidity, &channels, &l.DedupKey, &l.DeliveryStatus,
		&l.FailureReason, &feedback, &l.FeedbackComment, &l.CreatedAt, &l.DispatchedAt,
		&l.DeliveredAt, &l.OpenedAt, &l.FeedbackAt,
	)
	if err != nil {
		return nil, err
	}
	l.Channels = make([]models.Channel, len(channels))
	for i, ch := range channels {
		l.Channels[i] = models.Channel(ch)
	}
	if feedback != nil {
		fb := models.Feedback(*feedback)
		l.Feedback = &fb
	}
	return &l, nil
}

func logValues(l *models.AdvisoryLog) []interface{} {
	channels := make([]string, len(l.Channels))
	for i, ch := range l.Channels {
		channels[i] = string(ch)
	}
	var feedback *string
	if l.Feedback != nil {
		s := string(*l.Feedback)
		feedback = &s
	}
	return []interface{}{
		l.ID, l.FarmerID, l.RuleID, l.RuleName, string(l.AdvisoryType), string(l.Severity), l.Title,
		l.AdvisoryContent, l.District, l.CropType, l.GrowthStage, l.Season,
		l.Temperature, l.Rainfall, l.Humidity, channels, l.DedupKey, string(l.DeliveryStatus),
		l.FailureReason, feedback, l.FeedbackComment, l.CreatedAt, l.DispatchedAt,
		l.DeliveredAt, l.OpenedAt, l.FeedbackAt,
	}
}

func (r *PostgresAdvisoryLogRepository) insert(ctx context.Context, l *models.AdvisoryLog, suffix string) (int64, error) {
	builder := psql.Insert("advisory_logs").
		Columns(logColumns...).
		Values(logValues(l)...)
	if suffix != "" {
		builder = builder.Suffix(suffix)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build log insert: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to insert advisory log",
			zap.Error(err),
			zap.String("log_id", l.ID.String()),
			zap.String("dedup_key", l.DedupKey))
		return 0, fmt.Errorf("failed to insert advisory log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertIfAbsent inserts the log unless its dedup key is already held
func (r *PostgresAdvisoryLogRepository) InsertIfAbsent(ctx context.Context, l *models.AdvisoryLog) (bool, error) {
	n, err := r.insert(ctx, l, "ON CONFLICT (dedup_key) WHERE delivery_status <> 'DEDUPED' DO NOTHING")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Insert stores a log unconditionally
func (r *PostgresAdvisoryLogRepository) Insert(ctx context.Context, l *models.AdvisoryLog) error {
	_, err := r.insert(ctx, l, "")
	return err
}

// GetByID retrieves an advisory log by ID
func (r *PostgresAdvisoryLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AdvisoryLog, error) {
	query, args, err := psql.Select(logColumns...).From("advisory_logs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build log query: %w", err)
	}
	l, err := scanLog(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get advisory log: %w", err)
	}
	return l, nil
}

// Transition locks the row with SELECT ... FOR UPDATE so concurrent
// transitions on one log apply one at a time.
func (r *PostgresAdvisoryLogRepository) Transition(ctx context.Context, id uuid.UUID, fn LogMutator) (*models.AdvisoryLog, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Select(logColumns...).From("advisory_logs").
		Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build log lock query: %w", err)
	}
	l, err := scanLog(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock advisory log: %w", err)
	}

	changed, err := fn(l)
	if err != nil {
		return nil, err
	}
	if !changed {
		return l, nil
	}

	var feedback *string
	if l.Feedback != nil {
		s := string(*l.Feedback)
		feedback = &s
	}
	_, err = tx.Exec(ctx, `
		UPDATE advisory_logs
		SET delivery_status = $2, failure_reason = $3, feedback = $4, feedback_comment = $5,
		    dispatched_at = $6, delivered_at = $7, opened_at = $8, feedback_at = $9
		WHERE id = $1`,
		l.ID, string(l.DeliveryStatus), l.FailureReason, feedback, l.FeedbackComment,
		l.DispatchedAt, l.DeliveredAt, l.OpenedAt, l.FeedbackAt,
	)
	if err != nil {
		r.logger.Error("failed to update advisory log",
			zap.Error(err),
			zap.String("log_id", id.String()))
		return nil, fmt.Errorf("failed to update advisory log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit log transition: %w", err)
	}
	return l, nil
}

// List returns one page of logs in keyset order, fetching one extra row so
// the caller can tell whether more pages exist.
func (r *PostgresAdvisoryLogRepository) List(ctx context.Context, q models.AdvisoryLogQuery) ([]*models.AdvisoryLog, error) {
	start := time.Now()
	defer func() {
		r.logger.Debug("advisory log list completed",
			zap.Duration("duration", time.Since(start)),
			zap.Int("limit", q.Limit))
	}()

	builder := psql.Select(logColumns...).From("advisory_logs")
	if q.AdvisoryType != nil {
		builder = builder.Where(sq.Eq{"advisory_type": string(*q.AdvisoryType)})
	}
	if q.Severity != nil {
		builder = builder.Where(sq.Eq{"severity": string(*q.Severity)})
	}
	if q.DeliveryStatus != nil {
		builder = builder.Where(sq.Eq{"delivery_status": string(*q.DeliveryStatus)})
	}
	if q.District != nil {
		builder = builder.Where(sq.Eq{"district": *q.District})
	}
	if q.FarmerID != nil {
		builder = builder.Where(sq.Eq{"farmer_id": *q.FarmerID})
	}
	if q.Cursor != nil {
		builder = builder.Where(sq.Expr("(created_at, id) < (?, ?)", q.Cursor.CreatedAt, q.Cursor.ID))
	}
	builder = builder.OrderBy("created_at DESC", "id DESC").Limit(uint64(q.Limit + 1))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build log list query: %w", err)
	}
	return r.queryLogs(ctx, query, args...)
}

// ListByFarmer returns the most recent logs of a farmer
func (r *PostgresAdvisoryLogRepository) ListByFarmer(ctx context.Context, farmerID uuid.UUID, limit int) ([]*models.AdvisoryLog, error) {
	query, args, err := psql.Select(logColumns...).From("advisory_logs").
		Where(sq.Eq{"farmer_id": farmerID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build farmer log query: %w", err)
	}
	return r.queryLogs(ctx, query, args...)
}

// ListSince returns every log created at or after since
func (r *PostgresAdvisoryLogRepository) ListSince(ctx context.Context, since time.Time) ([]*models.AdvisoryLog, error) {
	query, args, err := psql.Select(logColumns...).From("advisory_logs").
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build window query: %w", err)
	}
	return r.queryLogs(ctx, query, args...)
}

// ListPending returns CREATED or DISPATCHED logs created at or after since
func (r *PostgresAdvisoryLogRepository) ListPending(ctx context.Context, since time.Time, limit int) ([]*models.AdvisoryLog, error) {
	query, args, err := psql.Select(logColumns...).From("advisory_logs").
		Where(sq.Eq{"delivery_status": []string{string(models.StatusCreated), string(models.StatusDispatched)}}).
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending query: %w", err)
	}
	return r.queryLogs(ctx, query, args...)
}

// CountByStatus counts logs per delivery status within the window
func (r *PostgresAdvisoryLogRepository) CountByStatus(ctx context.Context, since time.Time) (map[models.DeliveryStatus]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT delivery_status, COUNT(*)
		FROM advisory_logs
		WHERE created_at >= $1
		GROUP BY delivery_status`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count logs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountFailureReasons counts DELIVERY_FAILED logs per failure reason
func (r *PostgresAdvisoryLogRepository) CountFailureReasons(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT COALESCE(failure_reason, 'UNKNOWN'), COUNT(*)
		FROM advisory_logs
		WHERE created_at >= $1 AND delivery_status = 'DELIVERY_FAILED'
		GROUP BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count failure reasons: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan failure reason: %w", err)
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

func (r *PostgresAdvisoryLogRepository) queryLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AdvisoryLog, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query advisory logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AdvisoryLog, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advisory log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate advisory logs: %w", err)
	}
	return logs, nil
}
