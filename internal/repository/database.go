package repository

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// NewPostgresDB creates a new PostgreSQL database connection pool
func NewPostgresDB(cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.Username,
		cfg.Database.Password,
		cfg.Database.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConnections)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connected successfully",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database),
		zap.Int("max_connections", cfg.Database.MaxConnections))

	if cfg.Storage.Migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database schema applied")
	}

	return pool, nil
}

// Migrate applies the idempotent schema
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// NewPostgresStore wires every Postgres repository into a Store
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		Rules:         NewRuleRepository(db, logger),
		Logs:          NewAdvisoryLogRepository(db, logger),
		Attempts:      NewDeliveryAttemptRepository(db, logger),
		Templates:     NewTemplateRepository(db, logger),
		Notifications: NewNotificationRepository(db, logger),
		Farmers:       NewFarmerRepository(db, logger),
		Ping:          db.Ping,
	}
}
