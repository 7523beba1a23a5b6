package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

const (
	// Cache key prefixes
	FarmerPrefix  = "fm:" // farmer:farmer_id
	WeatherPrefix = "wx:" // weather:district
)

// RedisCache caches farmer profiles and district weather, and carries rule
// change notifications between instances.
type RedisCache struct {
	client *redis.Client
	config *config.RedisConfig
	logger *zap.Logger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(cfg *config.RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.Int("database", cfg.Database))

	return newRedisCache(client, cfg, logger), nil
}

func newRedisCache(client *redis.Client, cfg *config.RedisConfig, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping tests the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func farmerKey(id uuid.UUID) string {
	return FarmerPrefix + id.String()
}

func weatherKey(district string) string {
	return WeatherPrefix + strings.ToLower(strings.TrimSpace(district))
}

// getJSON loads key into dest. A miss returns false with no error.
func (c *RedisCache) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	start := time.Now()
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			c.logger.Debug("cache miss",
				zap.String("key", key),
				zap.Duration("duration", time.Since(start)))
			return false, nil
		}
		c.logger.Error("failed to read from cache",
			zap.Error(err),
			zap.String("key", key))
		return false, fmt.Errorf("failed to read %s from cache: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Error("failed to unmarshal cached value",
			zap.Error(err),
			zap.String("key", key))
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	c.logger.Debug("cache hit",
		zap.String("key", key),
		zap.Duration("duration", time.Since(start)))
	return true, nil
}

func (c *RedisCache) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Error("failed to write to cache",
			zap.Error(err),
			zap.String("key", key))
		return fmt.Errorf("failed to write %s to cache: %w", key, err)
	}
	return nil
}

// GetFarmer retrieves a farmer profile from cache; a miss returns nil, nil
func (c *RedisCache) GetFarmer(ctx context.Context, id uuid.UUID) (*models.Farmer, error) {
	var farmer models.Farmer
	found, err := c.getJSON(ctx, farmerKey(id), &farmer)
	if err != nil || !found {
		return nil, err
	}
	return &farmer, nil
}

// SetFarmer stores a farmer profile in cache
func (c *RedisCache) SetFarmer(ctx context.Context, farmer *models.Farmer) error {
	return c.setJSON(ctx, farmerKey(farmer.ID), farmer, c.config.FarmerCacheTTL)
}

// InvalidateFarmers removes farmer profiles from cache
func (c *RedisCache) InvalidateFarmers(ctx context.Context, ids []uuid.UUID) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, farmerKey(id))
	}
	return c.BatchInvalidate(ctx, keys)
}

// GetWeather retrieves the cached weather reading of a district
func (c *RedisCache) GetWeather(ctx context.Context, district string) (*models.WeatherSnapshot, error) {
	var snapshot models.WeatherSnapshot
	found, err := c.getJSON(ctx, weatherKey(district), &snapshot)
	if err != nil || !found {
		return nil, err
	}
	return &snapshot, nil
}

// SetWeather stores the weather reading of a district
func (c *RedisCache) SetWeather(ctx context.Context, district string, snapshot *models.WeatherSnapshot) error {
	return c.setJSON(ctx, weatherKey(district), snapshot, c.config.WeatherCacheTTL)
}

// BatchInvalidate removes multiple cache entries in a single operation
func (c *RedisCache) BatchInvalidate(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	err := c.client.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("failed to batch invalidate cache",
			zap.Error(err),
			zap.Int("key_count", len(keys)))
		return fmt.Errorf("failed to batch invalidate cache: %w", err)
	}

	c.logger.Debug("batch cache invalidation completed",
		zap.Int("key_count", len(keys)))

	return nil
}

// PublishRuleChange announces a rule write so other instances reload
func (c *RedisCache) PublishRuleChange(ctx context.Context, ruleID uuid.UUID) error {
	if err := c.client.Publish(ctx, c.config.RuleChannel, ruleID.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish rule change: %w", err)
	}
	return nil
}

// SubscribeRuleChanges calls handler for every rule change message until ctx
// is cancelled.
func (c *RedisCache) SubscribeRuleChanges(ctx context.Context, handler func(ctx context.Context, ruleID string)) error {
	sub := c.client.Subscribe(ctx, c.config.RuleChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.config.RuleChannel, err)
	}
	c.logger.Info("subscribed to rule changes", zap.String("channel", c.config.RuleChannel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			handler(ctx, msg.Payload)
		}
	}
}

// GetCacheStats returns connection pool statistics
func (c *RedisCache) GetCacheStats() map[string]interface{} {
	stats := c.client.PoolStats()
	return map[string]interface{}{
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
	}
}
