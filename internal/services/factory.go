package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/delivery"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
	"agri-advisory/internal/rules"
)

// Dependencies are the infrastructure pieces the services are built on.
// Farmers defaults to Store.Farmers; Weather and Publisher may be nil.
type Dependencies struct {
	Store     *repository.Store
	Farmers   repository.FarmerRepository
	Weather   WeatherProvider
	Publisher RulePublisher
	Senders   []delivery.Sender
	Metrics   *metrics.MetricsCollector
	Audit     *monitoring.AuditLogger
}

// ServiceContainer holds all service dependencies
type ServiceContainer struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    *repository.Store
	Metrics  *metrics.MetricsCollector
	Audit    *monitoring.AuditLogger
	Registry *rules.Registry

	Dispatcher    *delivery.Dispatcher
	Tracker       *StatusTracker
	Feedback      *FeedbackCollector
	Resolver      *ContextResolver
	Dedup         *Deduplicator
	Generator     *Generator
	Pipeline      *AdvisoryPipeline
	Rules         *RuleService
	Notifications *NotificationService
	Analytics     *AnalyticsAggregator
	Scheduler     *Scheduler
}

// NewServiceContainer creates a fully configured service container
func NewServiceContainer(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*ServiceContainer, error) {
	if deps.Store == nil {
		return nil, errors.New("service container requires a store")
	}
	loc, err := time.LoadLocation(cfg.Rules.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Rules.Timezone, err)
	}
	farmers := deps.Farmers
	if farmers == nil {
		farmers = deps.Store.Farmers
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetricsCollector(&cfg.Metrics, logger)
	}
	audit := deps.Audit
	if audit == nil {
		audit = monitoring.NewAuditLogger(logger)
	}
	for _, t := range monitoring.AllEventTypes {
		audit.RegisterHandler(t, func(e *monitoring.AuditEvent) {
			m.RecordAuditEvent(string(e.Type), e.Status)
		})
	}

	c := &ServiceContainer{
		Config:   cfg,
		Logger:   logger,
		Store:    deps.Store,
		Metrics:  m,
		Audit:    audit,
		Registry: rules.NewRegistry(deps.Store.Rules, logger),
	}

	c.Tracker = NewStatusTracker(deps.Store, m, logger)
	c.Feedback = NewFeedbackCollector(deps.Store, m, logger)
	c.Dispatcher = delivery.NewDispatcher(cfg.Delivery, cfg.Channels, deps.Senders, deps.Store.Attempts, c.Tracker, m, logger)
	c.Resolver = NewContextResolver(deps.Weather, loc, logger)
	c.Dedup = NewDeduplicator(deps.Store.Logs, loc, cfg.Rules.DefaultDedupHours)
	c.Generator = NewGenerator(c.Dedup)
	c.Pipeline = NewAdvisoryPipeline(cfg, farmers, c.Registry, c.Resolver, c.Generator, c.Dedup, c.Dispatcher, audit, m, logger)
	c.Rules = NewRuleService(deps.Store, farmers, c.Registry, c.Resolver, deps.Publisher, audit, m, logger)
	c.Notifications = NewNotificationService(cfg, deps.Store, farmers, c.Dispatcher, c.Tracker, audit, m, logger)
	c.Analytics = NewAnalyticsAggregator(cfg, deps.Store, logger)
	c.Scheduler = NewScheduler(cfg, c.Notifications, c.Rules, logger)

	logger.Info("service container initialized",
		zap.Int("senders", len(deps.Senders)),
		zap.Bool("weather_integration", deps.Weather != nil),
		zap.Bool("rule_fanout", deps.Publisher != nil),
		zap.String("timezone", loc.String()))

	return c, nil
}

// Start imports the seed rules, loads the first snapshot and starts the
// delivery workers and the scheduler.
func (c *ServiceContainer) Start(ctx context.Context) error {
	if _, err := c.Rules.ImportSeed(ctx, c.Config.Rules.SeedFile); err != nil {
		return fmt.Errorf("failed to import seed rules: %w", err)
	}
	if err := c.Rules.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load rule snapshot: %w", err)
	}
	c.Dispatcher.Start()
	c.Scheduler.Start()
	return nil
}

// Close gracefully shuts down all services in the container
func (c *ServiceContainer) Close(ctx context.Context) error {
	var errs []error

	c.Scheduler.Stop()

	if err := c.Notifications.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := c.Audit.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.Logger.Info("service container closed")
	return nil
}
