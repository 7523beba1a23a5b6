package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
)

// Scheduler runs the periodic retry-pending sweep and the rule snapshot
// refresh.
type Scheduler struct {
	notifications *NotificationService
	rules         *RuleService
	config        config.SchedulerConfig
	logger        *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler
func NewScheduler(cfg *config.Config, notifications *NotificationService, rules *RuleService, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		notifications: notifications,
		rules:         rules,
		config:        cfg.Scheduler,
		logger:        logger,
	}
}

// Start launches the periodic jobs. It is a no-op when disabled or running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.config.Enabled || s.cron != nil {
		return
	}

	log := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	ctx, cancel := context.WithCancel(context.Background())

	s.every(ctx, c, "retry_pending", s.config.RetryInterval, func(ctx context.Context) error {
		_, err := s.notifications.RetryPending(ctx)
		return err
	})
	s.every(ctx, c, "rule_refresh", s.config.RuleRefreshInterval, s.rules.Reload)

	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.Info("scheduler started",
		zap.Duration("retry_interval", s.config.RetryInterval),
		zap.Duration("rule_refresh_interval", s.config.RuleRefreshInterval),
		zap.Int("jobs", len(c.Entries())))
}

// Stop cancels the jobs and waits for a running one to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// every registers job on the "@every" schedule. Sub-second intervals run
// once per second.
func (s *Scheduler) every(ctx context.Context, c *cron.Cron, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		return
	}
	_, err := c.AddFunc("@every "+interval.String(), func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			}
			return
		}
		s.logger.Debug("scheduled job completed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)))
	})
	if err != nil {
		s.logger.Error("failed to schedule job", zap.String("job", name), zap.Error(err))
	}
}

// cronLogger routes the cron runner's logging through zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
