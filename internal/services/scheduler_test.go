package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

func TestScheduler_RefreshPicksUpRulesWrittenElsewhere(t *testing.T) {
	h := newHarness(t)
	rule := h.addRule(t, "Rice blast", riceBlastDefinition)
	require.Len(t, h.Registry.Snapshot().Rules, 1)

	// Another instance retires the rule; this process has not reloaded yet.
	stored, err := h.Store.Rules.GetByID(context.Background(), rule.ID)
	require.NoError(t, err)
	stored.Status = models.RuleStatusRetired
	stored.IsActive = false
	require.NoError(t, h.Store.Rules.Update(context.Background(), stored))
	require.Len(t, h.Registry.Snapshot().Rules, 1)

	cfg := testConfig()
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, RuleRefreshInterval: 10 * time.Millisecond}
	s := NewScheduler(cfg, h.Notifications, h.Rules, zap.NewNop())
	s.Start()
	s.Start()
	defer s.Stop()

	require.Len(t, s.cron.Entries(), 1, "zero retry interval is not scheduled")
	require.Eventually(t, func() bool {
		return len(h.Registry.Snapshot().Rules) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_DisabledAndStopIdempotent(t *testing.T) {
	h := newHarness(t)

	cfg := testConfig()
	cfg.Scheduler = config.SchedulerConfig{Enabled: false, RetryInterval: time.Minute}
	s := NewScheduler(cfg, h.Notifications, h.Rules, zap.NewNop())
	s.Start()
	assert.Nil(t, s.cron)
	s.Stop()

	cfg.Scheduler.Enabled = true
	s = NewScheduler(cfg, h.Notifications, h.Rules, zap.NewNop())
	s.Start()
	require.NotNil(t, s.cron)
	assert.Len(t, s.cron.Entries(), 1)
	s.Stop()
	s.Stop()
	assert.Nil(t, s.cron)
}
