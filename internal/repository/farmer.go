package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

var farmerColumns = []string{
	"id", "name", "role", "district", "province", "crop_type", "planting_date",
	"growth_stage", "land_size", "is_verified", "device_token", "email", "mobile",
	"language", "created_at", "updated_at",
}

// PostgresFarmerRepository reads farmer profiles
type PostgresFarmerRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewFarmerRepository creates a new farmer repository
func NewFarmerRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresFarmerRepository {
	return &PostgresFarmerRepository{db: db, logger: logger}
}

func scanFarmer(row rowScanner) (*models.Farmer, error) {
	var f models.Farmer
	err := row.Scan(&f.ID, &f.Name, &f.Role, &f.District, &f.Province, &f.CropType,
		&f.PlantingDate, &f.GrowthStage, &f.LandSize, &f.IsVerified, &f.DeviceToken,
		&f.Email, &f.Mobile, &f.Language, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetByID retrieves a farmer by ID
func (r *PostgresFarmerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Farmer, error) {
	query, args, err := psql.Select(farmerColumns...).From("farmers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build farmer query: %w", err)
	}
	f, err := scanFarmer(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to get farmer by ID",
			zap.Error(err),
			zap.String("farmer_id", id.String()))
		return nil, fmt.Errorf("failed to get farmer: %w", err)
	}
	return f, nil
}

// ListByIDs returns the farmers that exist among ids
func (r *PostgresFarmerRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Farmer, error) {
	if len(ids) == 0 {
		return []*models.Farmer{}, nil
	}
	query, args, err := psql.Select(farmerColumns...).From("farmers").
		Where(sq.Eq{"id": ids}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build farmer query: %w", err)
	}
	return r.query(ctx, query, args...)
}

// ListByFilter returns farmers matching a broadcast or trigger audience
func (r *PostgresFarmerRepository) ListByFilter(ctx context.Context, filter models.RecipientFilter, limit int) ([]*models.Farmer, error) {
	builder := psql.Select(farmerColumns...).From("farmers")
	if filter.Role != "" && !strings.EqualFold(filter.Role, models.TargetAll) {
		builder = builder.Where("UPPER(role) = ?", strings.ToUpper(filter.Role))
	}
	if filter.District != "" {
		builder = builder.Where(sq.Eq{"district": filter.District})
	}
	if filter.Province != "" {
		builder = builder.Where(sq.Eq{"province": filter.Province})
	}
	if filter.CropType != "" {
		builder = builder.Where("UPPER(crop_type) = ?", strings.ToUpper(filter.CropType))
	}
	builder = builder.OrderBy("id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build farmer filter query: %w", err)
	}
	return r.query(ctx, query, args...)
}

func (r *PostgresFarmerRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Farmer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query farmers: %w", err)
	}
	defer rows.Close()

	farmers := make([]*models.Farmer, 0)
	for rows.Next() {
		f, err := scanFarmer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan farmer: %w", err)
		}
		farmers = append(farmers, f)
	}
	return farmers, rows.Err()
}
