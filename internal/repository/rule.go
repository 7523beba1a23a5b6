package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

const ruleColumns = `id, name, description, priority, is_active, status, definition,
		dedup_window_hours, version, created_at, updated_at`

// PostgresRuleRepository handles database operations for rules
type PostgresRuleRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresRuleRepository {
	return &PostgresRuleRepository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var definition []byte
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Priority, &rule.IsActive,
		&rule.Status, &definition, &rule.DedupWindowHours, &rule.Version,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(definition, &rule.Definition); err != nil {
		return nil, fmt.Errorf("stored definition of rule %s is invalid: %w", rule.ID, err)
	}
	return &rule, nil
}

func (r *PostgresRuleRepository) queryRules(ctx context.Context, query string, args ...interface{}) ([]*models.Rule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			// One unreadable rule must not hide the others
			r.logger.Error("skipping unreadable rule", zap.Error(err))
			continue
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return result, nil
}

// List returns all rules, optionally filtered by status
func (r *PostgresRuleRepository) List(ctx context.Context, status *models.RuleStatus) ([]*models.Rule, error) {
	if status != nil {
		return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE status = $1 ORDER BY priority DESC, id`, *status)
	}
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, id`)
}

// ListLive returns active rules in ACTIVE status
func (r *PostgresRuleRepository) ListLive(ctx context.Context) ([]*models.Rule, error) {
	return r.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE is_active = true AND status = 'ACTIVE'
		ORDER BY priority DESC, id`)
}

// GetByID retrieves a rule by ID
func (r *PostgresRuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to get rule by ID",
			zap.Error(err),
			zap.String("rule_id", id.String()))
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// Create inserts a rule as version 1 and records the version row
func (r *PostgresRuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	definition, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode rule definition: %w", err)
	}

	now := time.Now().UTC()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rule.ID, rule.Name, rule.Description, rule.Priority, rule.IsActive, rule.Status,
		definition, rule.DedupWindowHours, rule.Version, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create rule",
			zap.Error(err),
			zap.String("rule_name", rule.Name))
		return fmt.Errorf("failed to create rule: %w", err)
	}

	if err := insertRuleVersion(ctx, tx, rule, definition); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rule create: %w", err)
	}
	return nil
}

// Update writes a new version of a rule. When rule.Version is set it must
// match the stored version, otherwise ErrConflict is returned.
func (r *PostgresRuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	start := time.Now()
	defer func() {
		r.logger.Debug("rule update completed",
			zap.Duration("duration", time.Since(start)),
			zap.String("rule_id", rule.ID.String()))
	}()

	definition, err := json.Marshal(rule.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode rule definition: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx, `SELECT version FROM rules WHERE id = $1 FOR UPDATE`, rule.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock rule: %w", err)
	}
	if rule.Version != 0 && rule.Version != current {
		return ErrConflict
	}

	rule.Version = current + 1
	rule.UpdatedAt = time.Now().UTC()

	err = tx.QueryRow(ctx, `
		UPDATE rules
		SET name = $2, description = $3, priority = $4, is_active = $5, status = $6,
		    definition = $7, dedup_window_hours = $8, version = $9, updated_at = $10
		WHERE id = $1
		RETURNING created_at`,
		rule.ID, rule.Name, rule.Description, rule.Priority, rule.IsActive, rule.Status,
		definition, rule.DedupWindowHours, rule.Version, rule.UpdatedAt,
	).Scan(&rule.CreatedAt)
	if err != nil {
		r.logger.Error("failed to update rule",
			zap.Error(err),
			zap.String("rule_id", rule.ID.String()))
		return fmt.Errorf("failed to update rule: %w", err)
	}

	if err := insertRuleVersion(ctx, tx, rule, definition); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rule update: %w", err)
	}
	return nil
}

func insertRuleVersion(ctx context.Context, tx pgx.Tx, rule *models.Rule, definition []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rule_versions (rule_id, version, name, priority, status, definition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, rule.Version, rule.Name, rule.Priority, rule.Status, definition, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule version: %w", err)
	}
	return nil
}

// ListVersions returns the version history of a rule, newest first
func (r *PostgresRuleRepository) ListVersions(ctx context.Context, ruleID uuid.UUID) ([]*models.RuleVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT rule_id, version, name, priority, status, definition, created_at
		FROM rule_versions
		WHERE rule_id = $1
		ORDER BY version DESC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.RuleVersion
	for rows.Next() {
		var v models.RuleVersion
		var definition []byte
		if err := rows.Scan(&v.RuleID, &v.Version, &v.Name, &v.Priority, &v.Status, &definition, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		if err := json.Unmarshal(definition, &v.Definition); err != nil {
			r.logger.Warn("rule version has unreadable definition",
				zap.String("rule_id", ruleID.String()),
				zap.Int("version", v.Version),
				zap.Error(err))
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// Count returns the number of stored rules
func (r *PostgresRuleRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}
