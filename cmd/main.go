package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"agri-advisory/internal/api"
	"agri-advisory/internal/cache"
	"agri-advisory/internal/config"
	"agri-advisory/internal/delivery"
	"agri-advisory/internal/integration"
	"agri-advisory/internal/messaging"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
	"agri-advisory/internal/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := fx.New(
		// Configuration
		fx.Provide(config.NewConfig),

		// Logging
		fx.Provide(NewLogger),

		// Observability
		fx.Provide(NewMetrics),
		fx.Provide(monitoring.NewAuditLogger),

		// Storage
		fx.Provide(NewStore),

		// Cache
		fx.Provide(cache.NewRedisClient),

		// Integrations
		fx.Provide(integration.NewWeatherClient),
		fx.Provide(NewSenders),

		// Services
		fx.Provide(NewDependencies),
		fx.Provide(services.NewServiceContainer),
		fx.Provide(NewTriggerConsumer),

		// API
		fx.Provide(NewGinEngine),
		fx.Provide(NewHandlers),

		// HTTP Server
		fx.Provide(NewHTTPServer),

		// Lifecycle
		fx.Invoke(RegisterRoutes),
		fx.Invoke(StartServices),
		fx.Invoke(StartServer),
	)

	app.Run()
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if cfg.Logging.Encoding != "" {
		zc.Encoding = cfg.Logging.Encoding
	}
	return zc.Build()
}

func NewMetrics(cfg *config.Config, logger *zap.Logger) *metrics.MetricsCollector {
	return metrics.NewMetricsCollector(&cfg.Metrics, logger)
}

// NewStore opens the configured persistence backend
func NewStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*repository.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		return repository.NewMemoryStore().Store(), nil
	case "postgres", "":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	pool, err := repository.NewPostgresDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})

	if cfg.Storage.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := repository.Migrate(ctx, pool); err != nil {
			return nil, err
		}
	}
	return repository.NewPostgresStore(pool, logger), nil
}

func NewSenders(cfg *config.Config, logger *zap.Logger) []delivery.Sender {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return delivery.NewSenders(ctx, cfg, logger)
}

// NewDependencies layers the Redis cache over farmer and weather lookups when
// Redis is enabled. redis and weather may be nil.
func NewDependencies(
	store *repository.Store,
	redis *cache.RedisCache,
	weather *integration.WeatherClient,
	senders []delivery.Sender,
	m *metrics.MetricsCollector,
	audit *monitoring.AuditLogger,
	logger *zap.Logger,
) services.Dependencies {
	deps := services.Dependencies{
		Store:   store,
		Senders: senders,
		Metrics: m,
		Audit:   audit,
	}
	if redis != nil {
		deps.Farmers = cache.NewCachedFarmerRepository(store.Farmers, redis, m, logger)
		deps.Publisher = redis
	}
	if weather != nil {
		if redis != nil {
			deps.Weather = cache.NewCachedWeatherSource(weather, redis, m, logger)
		} else {
			deps.Weather = weather
		}
	}
	return deps
}

func NewTriggerConsumer(cfg *config.Config, container *services.ServiceContainer, logger *zap.Logger) *messaging.TriggerConsumer {
	return messaging.NewTriggerConsumer(cfg, container.Pipeline, logger)
}

func NewGinEngine(cfg *config.Config, m *metrics.MetricsCollector) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(api.CORS())
	engine.Use(api.BodyLimit(cfg.Server.MaxRequestSize))
	if cfg.Metrics.Enabled {
		engine.Use(api.RequestMetrics(m))
	}

	return engine
}

func NewHandlers(container *services.ServiceContainer, redis *cache.RedisCache, logger *zap.Logger) api.Handlers {
	return api.Handlers{
		Health:        api.NewHealthHandler(container, redis, logger),
		Rules:         api.NewRuleHandler(container.Rules, logger),
		Advisories:    api.NewAdvisoryHandler(container.Tracker, container.Feedback, container.Pipeline, logger),
		Analytics:     api.NewAnalyticsHandler(container.Analytics, logger),
		Notifications: api.NewNotificationHandler(container.Notifications, logger),
		Audit:         api.NewAuditHandler(container.Audit, logger),
	}
}

func NewHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        engine,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
}

func RegisterRoutes(cfg *config.Config, engine *gin.Engine, handlers api.Handlers, m *metrics.MetricsCollector) {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	api.RegisterRoutes(engine, handlers, m, metricsPath)
}

// StartServices runs the rule registry, delivery workers, scheduler, rule
// change subscription and queue consumer for the lifetime of the app.
func StartServices(
	lc fx.Lifecycle,
	cfg *config.Config,
	container *services.ServiceContainer,
	redis *cache.RedisCache,
	weather *integration.WeatherClient,
	consumer *messaging.TriggerConsumer,
	logger *zap.Logger,
) {
	subCtx, cancelSub := context.WithCancel(context.Background())
	subDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := container.Start(ctx); err != nil {
				return err
			}

			if redis != nil {
				go func() {
					defer close(subDone)
					if err := redis.SubscribeRuleChanges(subCtx, container.Rules.HandleRemoteChange); err != nil {
						logger.Error("rule change subscription ended", zap.Error(err))
					}
				}()
			} else {
				close(subDone)
			}

			if cfg.Messaging.Enabled {
				if err := consumer.Start(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var firstErr error
			if err := consumer.Stop(ctx); err != nil {
				logger.Error("failed to stop trigger consumer", zap.Error(err))
				firstErr = err
			}

			cancelSub()
			<-subDone

			if err := container.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			if weather != nil {
				weather.Close()
			}
			if redis != nil {
				if err := redis.Close(); err != nil {
					logger.Warn("failed to close redis", zap.Error(err))
				}
			}
			return firstErr
		},
	})
}

func StartServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	server *http.Server,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting Agricultural Advisory Service",
				zap.String("addr", server.Addr))

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Failed to start server", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down Agricultural Advisory Service")

			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		},
	})
}
