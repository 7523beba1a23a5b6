package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
)

func TestAnalytics_OpenRateScenario(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	now := time.Now().UTC()

	for i := 0; i < 100; i++ {
		status := models.StatusDispatched
		switch {
		case i < 60:
			status = models.StatusOpened
		case i < 80:
			status = models.StatusDelivered
		}
		log := h.insertLog(t, farmer, status, now.Add(-time.Duration(i)*time.Minute))
		if status == models.StatusOpened {
			_, err := h.Store.Logs.Transition(context.Background(), log.ID, func(l *models.AdvisoryLog) (bool, error) {
				opened := now
				l.OpenedAt = &opened
				return true, nil
			})
			require.NoError(t, err)
		}
	}

	report, err := h.Analytics.Compute(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 100, report.TotalAdvisories)
	assert.Equal(t, 80, report.Delivered)
	assert.Equal(t, 60, report.Opened)
	assert.Equal(t, 80.0, report.DeliverySuccessRate)
	assert.Equal(t, 75.0, report.OpenRate)
	assert.Equal(t, 0.0, report.FeedbackRate)
	assert.Equal(t, 37.5, report.FarmerEngagementScore)

	rule := report.RuleEffectiveness["Rice blast"]
	assert.Equal(t, 100, rule.TriggerCount)
	assert.Equal(t, 75.0, rule.OpenRate)

	fatigue, err := h.Analytics.AlertFatigue(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, fatigue[farmer.ID.String()])
}

func TestAnalytics_ChannelPerformance(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	log := h.insertLog(t, farmer, models.StatusDelivered, time.Now().UTC())
	ctx := context.Background()

	reason := "fcm unavailable"
	for n := 1; n <= 3; n++ {
		require.NoError(t, h.Store.Attempts.Append(ctx, &models.DeliveryAttempt{
			ID: uuid.New(), LogID: log.ID, Channel: models.ChannelPush,
			AttemptNumber: n, Status: models.AttemptFailed, ErrorReason: &reason,
			AttemptedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, h.Store.Attempts.Append(ctx, &models.DeliveryAttempt{
		ID: uuid.New(), LogID: log.ID, Channel: models.ChannelSMS,
		AttemptNumber: 1, Status: models.AttemptFailed, ErrorReason: &reason,
		AttemptedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.Store.Attempts.Append(ctx, &models.DeliveryAttempt{
		ID: uuid.New(), LogID: log.ID, Channel: models.ChannelSMS,
		AttemptNumber: 2, Status: models.AttemptDelivered,
		AttemptedAt: time.Now().UTC(),
	}))

	report, err := h.Analytics.Compute(ctx, time.Time{})
	require.NoError(t, err)

	push := report.ChannelPerformance[models.ChannelPush]
	assert.Equal(t, 1, push.TotalSent)
	assert.Equal(t, 0, push.Delivered)
	assert.Equal(t, 0.0, push.SuccessRate)

	sms := report.ChannelPerformance[models.ChannelSMS]
	assert.Equal(t, 1, sms.TotalSent)
	assert.Equal(t, 1, sms.Delivered)
	assert.Equal(t, 100.0, sms.SuccessRate)

	for ch, perf := range report.ChannelPerformance {
		assert.LessOrEqual(t, perf.Delivered, perf.TotalSent, ch)
	}
}

func TestAnalytics_HighRiskDistricts(t *testing.T) {
	h := newHarness(t)
	chitwan := h.addFarmer(riceFarmer("Sita"))
	kaski := riceFarmer("Gita")
	kaski.District = "Kaski"
	h.addFarmer(kaski)
	now := time.Now().UTC()

	h.insertLog(t, chitwan, models.StatusDeliveryFailed, now)
	h.insertLog(t, chitwan, models.StatusDelivered, now)
	h.insertLog(t, kaski, models.StatusDelivered, now)

	risky, err := h.Analytics.HighRiskDistricts(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, risky, 1)
	assert.Equal(t, "Chitwan", risky[0].District)
	assert.Equal(t, 50.0, risky[0].DeliveryFailureRate)
}

func TestAnalytics_EmptyWindow(t *testing.T) {
	h := newHarness(t)

	report, err := h.Analytics.Compute(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.TotalAdvisories)
	assert.Zero(t, report.OpenRate)
	assert.Zero(t, report.FarmerEngagementScore)
	assert.Empty(t, report.HighRiskDistricts)
}

// insertRuleLog stores a log of the named rule, opened when requested
func (h *harness) insertRuleLog(t *testing.T, farmer *models.Farmer, rule string, status models.DeliveryStatus, opened bool, createdAt time.Time) {
	t.Helper()
	log := &models.AdvisoryLog{
		ID:              uuid.New(),
		FarmerID:        farmer.ID,
		RuleID:          uuid.New(),
		RuleName:        rule,
		AdvisoryType:    models.AdvisoryDisease,
		Severity:        models.SeverityWarning,
		AdvisoryContent: rule,
		District:        farmer.District,
		Channels:        []models.Channel{models.ChannelPush},
		DedupKey:        uuid.NewString(),
		DeliveryStatus:  status,
		CreatedAt:       createdAt,
	}
	if opened {
		at := createdAt.Add(time.Minute)
		log.OpenedAt = &at
	}
	inserted, err := h.Store.Logs.InsertIfAbsent(context.Background(), log)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestAnalytics_DeliverySuccessRateExcludesDeduped(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	now := time.Now().UTC()

	for i := 0; i < 100; i++ {
		status := models.StatusDispatched
		switch {
		case i < 20:
			status = models.StatusDeduped
		case i < 80:
			status = models.StatusDelivered
		}
		h.insertLog(t, farmer, status, now.Add(-time.Duration(i)*time.Minute))
	}

	report, err := h.Analytics.Compute(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 100, report.TotalAdvisories)
	assert.Equal(t, 80, report.NonDeduped)
	assert.Equal(t, 60, report.Delivered)
	assert.Equal(t, 75.0, report.DeliverySuccessRate)
	assert.Equal(t, 80, report.RuleEffectiveness["Rice blast"].TriggerCount)
}

func TestAnalytics_RankingsRequireMinTriggerCount(t *testing.T) {
	h := newHarness(t)
	h.Analytics.config.MinTriggerCount = 3
	farmer := h.addFarmer(riceFarmer("Sita"))
	now := time.Now().UTC()

	h.insertRuleLog(t, farmer, "Rice blast", models.StatusOpened, true, now)
	h.insertRuleLog(t, farmer, "Rice blast", models.StatusOpened, true, now)
	h.insertRuleLog(t, farmer, "Rice blast", models.StatusDelivered, false, now)
	h.insertRuleLog(t, farmer, "Heat stress", models.StatusOpened, true, now)

	report, err := h.Analytics.Compute(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.RuleEffectiveness["Heat stress"].TriggerCount)
	require.Len(t, report.TopPerformingRules, 1)
	assert.Equal(t, "Rice blast", report.TopPerformingRules[0].RuleName)
	assert.Equal(t, 66.67, report.TopPerformingRules[0].OpenRate)
	require.Len(t, report.UnderperformingRules, 1)
	assert.Equal(t, "Rice blast", report.UnderperformingRules[0].RuleName)

	top, err := h.Analytics.TopRules(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestAnalytics_IgnoresLogsBeforeSince(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	now := time.Now().UTC()

	h.insertLog(t, farmer, models.StatusDelivered, now.Add(-2*time.Hour))
	h.insertLog(t, farmer, models.StatusDeliveryFailed, now.Add(-10*time.Minute))
	h.insertLog(t, farmer, models.StatusDelivered, now.Add(-8*24*time.Hour))

	report, err := h.Analytics.Compute(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalAdvisories)
	assert.Zero(t, report.Delivered)
	assert.Zero(t, report.DeliverySuccessRate)

	// a zero since falls back to the seven day default window
	report, err = h.Analytics.Compute(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalAdvisories)
	assert.Equal(t, 50.0, report.DeliverySuccessRate)
}
