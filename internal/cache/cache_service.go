package cache

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

// FarmerStore is the subset of RedisCache used for farmer profiles
type FarmerStore interface {
	GetFarmer(ctx context.Context, id uuid.UUID) (*models.Farmer, error)
	SetFarmer(ctx context.Context, farmer *models.Farmer) error
	InvalidateFarmers(ctx context.Context, ids []uuid.UUID) error
}

// WeatherStore is the subset of RedisCache used for weather readings
type WeatherStore interface {
	GetWeather(ctx context.Context, district string) (*models.WeatherSnapshot, error)
	SetWeather(ctx context.Context, district string, snapshot *models.WeatherSnapshot) error
}

// WeatherSource provides the current weather of a district
type WeatherSource interface {
	Current(ctx context.Context, district string) (*models.WeatherSnapshot, error)
}

// CachedFarmerRepository is a cache-first FarmerRepository with database
// fallback. Cache failures degrade to the database and are never returned.
type CachedFarmerRepository struct {
	repo    repository.FarmerRepository
	cache   FarmerStore
	metrics *metrics.MetricsCollector
	logger  *zap.Logger
}

// NewCachedFarmerRepository wraps repo with a farmer profile cache
func NewCachedFarmerRepository(repo repository.FarmerRepository, cache FarmerStore, m *metrics.MetricsCollector, logger *zap.Logger) *CachedFarmerRepository {
	return &CachedFarmerRepository{
		repo:    repo,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// GetByID retrieves a farmer with cache-first strategy
func (s *CachedFarmerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Farmer, error) {
	farmer, err := s.cache.GetFarmer(ctx, id)
	if err != nil {
		s.logger.Warn("cache get failed, falling back to database",
			zap.Error(err),
			zap.String("farmer_id", id.String()))
		s.metrics.RecordCacheOperation("farmer_get", "error")
	} else if farmer != nil {
		s.metrics.RecordCacheOperation("farmer_get", "hit")
		return farmer, nil
	} else {
		s.metrics.RecordCacheOperation("farmer_get", "miss")
	}

	farmer, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, farmer)
	return farmer, nil
}

// ListByIDs serves cached profiles and loads only the misses from the database
func (s *CachedFarmerRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Farmer, error) {
	result := make([]*models.Farmer, 0, len(ids))
	missing := make([]uuid.UUID, 0)
	for _, id := range ids {
		farmer, err := s.cache.GetFarmer(ctx, id)
		switch {
		case err != nil:
			s.metrics.RecordCacheOperation("farmer_get", "error")
			missing = append(missing, id)
		case farmer == nil:
			s.metrics.RecordCacheOperation("farmer_get", "miss")
			missing = append(missing, id)
		default:
			s.metrics.RecordCacheOperation("farmer_get", "hit")
			result = append(result, farmer)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := s.repo.ListByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, farmer := range loaded {
		s.store(ctx, farmer)
	}
	return append(result, loaded...), nil
}

// ListByFilter always reads the database; audience queries are not cached
func (s *CachedFarmerRepository) ListByFilter(ctx context.Context, filter models.RecipientFilter, limit int) ([]*models.Farmer, error) {
	return s.repo.ListByFilter(ctx, filter, limit)
}

// Invalidate drops cached profiles so the next read goes to the database.
// Failures are logged; stale entries still expire with their TTL.
func (s *CachedFarmerRepository) Invalidate(ctx context.Context, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if err := s.cache.InvalidateFarmers(ctx, ids); err != nil {
		s.logger.Warn("failed to invalidate cached farmers",
			zap.Error(err),
			zap.Int("farmers", len(ids)))
		s.metrics.RecordCacheOperation("farmer_invalidate", "error")
		return
	}
	s.metrics.RecordCacheOperation("farmer_invalidate", "ok")
}

func (s *CachedFarmerRepository) store(ctx context.Context, farmer *models.Farmer) {
	if err := s.cache.SetFarmer(ctx, farmer); err != nil {
		s.logger.Warn("failed to cache farmer", zap.Error(err))
		s.metrics.RecordCacheOperation("farmer_set", "error")
		return
	}
	s.metrics.RecordCacheOperation("farmer_set", "ok")
}

// CachedWeatherSource caches district weather lookups
type CachedWeatherSource struct {
	source  WeatherSource
	cache   WeatherStore
	metrics *metrics.MetricsCollector
	logger  *zap.Logger
}

// NewCachedWeatherSource wraps source with a per-district cache
func NewCachedWeatherSource(source WeatherSource, cache WeatherStore, m *metrics.MetricsCollector, logger *zap.Logger) *CachedWeatherSource {
	return &CachedWeatherSource{source: source, cache: cache, metrics: m, logger: logger}
}

// Current returns the cached reading of a district or fetches a fresh one
func (s *CachedWeatherSource) Current(ctx context.Context, district string) (*models.WeatherSnapshot, error) {
	snapshot, err := s.cache.GetWeather(ctx, district)
	switch {
	case err != nil:
		s.logger.Warn("weather cache get failed", zap.Error(err), zap.String("district", district))
		s.metrics.RecordCacheOperation("weather_get", "error")
	case snapshot != nil:
		s.metrics.RecordCacheOperation("weather_get", "hit")
		return snapshot, nil
	default:
		s.metrics.RecordCacheOperation("weather_get", "miss")
	}

	snapshot, err = s.source.Current(ctx, district)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetWeather(ctx, district, snapshot); err != nil {
		s.logger.Warn("failed to cache weather", zap.Error(err), zap.String("district", district))
	}
	return snapshot, nil
}

// NewRedisClient creates the Redis cache from the service config. It returns
// nil when Redis is disabled.
func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*RedisCache, error) {
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled; farmer and weather lookups go straight to their sources")
		return nil, nil
	}
	return NewRedisCache(&cfg.Redis, logger)
}
