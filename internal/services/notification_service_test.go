package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/delivery"
	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
)

func (h *harness) waitForBroadcast(t *testing.T, id uuid.UUID) *models.Notification {
	t.Helper()
	var n *models.Notification
	require.Eventually(t, func() bool {
		got, err := h.Notifications.GetBroadcast(context.Background(), id)
		if err != nil {
			return false
		}
		n = got
		return got.Status == models.NotificationCompleted || got.Status == models.NotificationFailed
	}, 2*time.Second, 5*time.Millisecond)
	return n
}

func TestBroadcast_ReachesRoleAudience(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush}
	h := newHarness(t, push)
	h.addFarmer(riceFarmer("Sita"))
	h.addFarmer(riceFarmer("Gita"))
	h.addFarmer(&models.Farmer{Name: "Hari", Role: "FARMER", District: "Chitwan"})
	h.addFarmer(&models.Farmer{Name: "Shop", Role: "SELLER", District: "Chitwan", DeviceToken: "t"})

	n, err := h.Notifications.Broadcast(context.Background(), &models.BroadcastRequest{
		Title:      "Subsidy window open",
		Message:    "Apply at the ward office",
		Channel:    "push",
		TargetRole: "farmer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationQueued, n.Status)
	assert.Equal(t, 2, n.TargetCount)

	final := h.waitForBroadcast(t, n.ID)
	assert.Equal(t, models.NotificationCompleted, final.Status)
	assert.Equal(t, 2, final.SentCount)
	assert.Zero(t, final.FailedCount)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 2, push.Count())
}

func TestBroadcast_AllRecipientsFail(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelSMS, failing: true})
	h.addFarmer(riceFarmer("Sita"))
	ctx := monitoring.WithActor(context.Background(), "agronomist-1", "10.0.0.5")

	n, err := h.Notifications.Broadcast(ctx, &models.BroadcastRequest{
		Title:       "Flood warning",
		Message:     "Move livestock to high ground",
		Channel:     models.ChannelSMS,
		TargetRole:  models.TargetAll,
		TargetValue: "Chitwan",
	})
	require.NoError(t, err)

	final := h.waitForBroadcast(t, n.ID)
	assert.Equal(t, models.NotificationFailed, final.Status)
	assert.Equal(t, 1, final.FailedCount)

	var events []*monitoring.AuditEvent
	require.Eventually(t, func() bool {
		events = h.Audit.QueryEvents(monitoring.AuditQuery{ResourceID: n.ID.String()})
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	finished, queued := events[0], events[1]
	assert.Equal(t, "failure", finished.Status)
	assert.Contains(t, finished.Details["error"], "gateway unavailable")
	assert.Equal(t, "success", queued.Status)
	assert.Equal(t, "agronomist-1", queued.ActorID)
	assert.Equal(t, "10.0.0.5", queued.ActorIP)
}

func TestBroadcast_NoRecipientsCompletesImmediately(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelPush})

	n, err := h.Notifications.Broadcast(context.Background(), &models.BroadcastRequest{
		Title:      "Notice",
		Message:    "Nobody is listening",
		Channel:    models.ChannelPush,
		TargetRole: models.TargetAll,
	})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationCompleted, n.Status)
	assert.Zero(t, n.TargetCount)
}

func TestBroadcast_Validation(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelPush})

	_, err := h.Notifications.Broadcast(context.Background(), &models.BroadcastRequest{
		Channel: models.ChannelEmail,
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "title")
	assert.Contains(t, verr.Fields, "message")
	assert.Contains(t, verr.Fields, "channel")
	assert.Contains(t, verr.Fields, "targetRole")
}

func TestBroadcast_FromTemplate(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush}
	h := newHarness(t, push)
	h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()

	tpl, err := h.Notifications.CreateTemplate(ctx, &models.TemplateRequest{
		Name:          "market price",
		Channel:       "push",
		TitleTemplate: "Prices in {{.district}}",
		BodyTemplate:  "Paddy sells at {{.price}} per quintal",
	})
	require.NoError(t, err)
	assert.Equal(t, "ne", tpl.Language)
	assert.True(t, tpl.IsActive)

	n, err := h.Notifications.Broadcast(ctx, &models.BroadcastRequest{
		TemplateID: &tpl.ID,
		TargetRole: models.TargetAll,
		Data:       map[string]string{"district": "Chitwan", "price": "3200"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Prices in Chitwan", n.Title)
	assert.Equal(t, "Paddy sells at 3200 per quintal", n.Message)
	assert.Equal(t, models.ChannelPush, n.Channel)
	h.waitForBroadcast(t, n.ID)
}

func TestTemplates_CRUD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.Notifications.CreateTemplate(ctx, &models.TemplateRequest{Name: "bad", Channel: "FAX"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "channel")
	assert.Contains(t, verr.Fields, "bodyTemplate")

	tpl, err := h.Notifications.CreateTemplate(ctx, &models.TemplateRequest{
		Name: "reminder", Channel: models.ChannelSMS, Language: "en", BodyTemplate: "Hello {{.name}}",
	})
	require.NoError(t, err)

	inactive := false
	updated, err := h.Notifications.UpdateTemplate(ctx, tpl.ID, &models.TemplateRequest{
		Name: "reminder", Channel: models.ChannelSMS, BodyTemplate: "Namaste {{.name}}", IsActive: &inactive,
	})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "Namaste {{.name}}", updated.BodyTemplate)

	all, err := h.Notifications.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, h.Notifications.DeleteTemplate(ctx, tpl.ID))
	_, err = h.Notifications.GetTemplate(ctx, tpl.ID)
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRetryPending(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush, confirm: true}
	h := newHarness(t, push)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()
	now := time.Now().UTC()

	failure := "fcm unavailable"
	permanent := delivery.PermanentPrefix + "unregistered token"
	appendFailures := func(log *models.AdvisoryLog, n int, reason string) {
		for i := 1; i <= n; i++ {
			require.NoError(t, h.Store.Attempts.Append(ctx, &models.DeliveryAttempt{
				ID: uuid.New(), LogID: log.ID, Channel: models.ChannelPush,
				AttemptNumber: i, Status: models.AttemptFailed, ErrorReason: &reason,
				AttemptedAt: now,
			}))
		}
	}

	resumable := h.insertLog(t, farmer, models.StatusCreated, now)
	appendFailures(resumable, 1, failure)
	exhausted := h.insertLog(t, farmer, models.StatusCreated, now)
	appendFailures(exhausted, 3, failure)
	rejected := h.insertLog(t, farmer, models.StatusCreated, now)
	appendFailures(rejected, 1, permanent)
	h.insertLog(t, farmer, models.StatusDelivered, now)
	h.insertLog(t, farmer, models.StatusCreated, now.Add(-100*time.Hour))

	summary, err := h.Notifications.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 1, summary.Requeued)
	assert.Equal(t, 2, summary.Exhausted)

	h.waitForStatus(t, resumable, models.StatusDelivered)
	attempts, err := h.Tracker.Attempts(ctx, resumable.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.Equal(t, models.AttemptDelivered, attempts[1].Status)

	for _, log := range []*models.AdvisoryLog{exhausted, rejected} {
		got, err := h.Tracker.Get(ctx, log.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDeliveryFailed, got.DeliveryStatus)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	now := time.Now().UTC()
	h.insertLog(t, farmer, models.StatusCreated, now)
	h.insertLog(t, farmer, models.StatusDispatched, now)
	h.insertLog(t, farmer, models.StatusDelivered, now)

	stats, err := h.Notifications.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingRetries)
	assert.Equal(t, 1, stats.AdvisoriesBy[models.StatusDelivered])
}

func TestRetryPending_SkipsAdvisoryStillBeingDelivered(t *testing.T) {
	push := newGatedSender(models.ChannelPush)
	h := newHarness(t, push)
	t.Cleanup(push.release)
	h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()

	_, err := h.Pipeline.ProcessTrigger(ctx, &models.TriggerEvent{
		Source:    "weather_update",
		FarmerIDs: []uuid.UUID{farmer.ID},
	}, "http")
	require.NoError(t, err)
	<-push.entered

	summary, err := h.Notifications.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Zero(t, summary.Requeued)
	assert.Equal(t, 1, summary.Skipped)

	push.release()
	logs := h.logsOf(t, farmer)
	require.Len(t, logs, 1)
	h.waitForStatus(t, logs[0], models.StatusDelivered)

	attempts, err := h.Tracker.Attempts(ctx, logs[0].ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, 1, push.Count())
}

func TestRetryPending_ResumesChannelAfterFailedReport(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush}
	h := newHarness(t, push)
	h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()

	_, err := h.Pipeline.ProcessTrigger(ctx, &models.TriggerEvent{
		Source:    "weather_update",
		FarmerIDs: []uuid.UUID{farmer.ID},
	}, "http")
	require.NoError(t, err)
	logs := h.logsOf(t, farmer)
	require.Len(t, logs, 1)
	log := h.waitForStatus(t, logs[0], models.StatusDispatched)
	require.Eventually(t, func() bool { return !h.Dispatcher.InFlight(log.ID) }, time.Second, 5*time.Millisecond)

	_, err = h.Tracker.ConfirmDelivery(ctx, models.DeliveryCallback{
		LogID:       log.ID,
		Channel:     models.ChannelPush,
		Status:      models.AttemptFailed,
		ErrorReason: "device unreachable",
	})
	require.NoError(t, err)

	summary, err := h.Notifications.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Requeued)

	var attempts []*models.DeliveryAttempt
	require.Eventually(t, func() bool {
		attempts, err = h.Tracker.Attempts(ctx, log.ID)
		return err == nil && len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, attempts[2].AttemptNumber)
	assert.Equal(t, models.AttemptSent, attempts[2].Status)
	assert.Equal(t, 2, push.Count())
}

func TestRetryPending_FailedReportOnSpentBudgetFailsAdvisory(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush}
	h := newHarness(t, push)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()
	now := time.Now().UTC()

	appendAttempt := func(log *models.AdvisoryLog, n int, status models.AttemptStatus, at time.Time) {
		require.NoError(t, h.Store.Attempts.Append(ctx, &models.DeliveryAttempt{
			ID: uuid.New(), LogID: log.ID, Channel: models.ChannelPush,
			AttemptNumber: n, Status: status, AttemptedAt: at,
		}))
	}

	rejected := h.insertLog(t, farmer, models.StatusDispatched, now)
	appendAttempt(rejected, 1, models.AttemptFailed, now)
	appendAttempt(rejected, 2, models.AttemptFailed, now)
	appendAttempt(rejected, 3, models.AttemptSent, now)
	appendAttempt(rejected, 3, models.AttemptFailed, now.Add(time.Second))

	awaiting := h.insertLog(t, farmer, models.StatusDispatched, now)
	appendAttempt(awaiting, 1, models.AttemptSent, now)

	summary, err := h.Notifications.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Exhausted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, push.Count())

	got, err := h.Tracker.Get(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeliveryFailed, got.DeliveryStatus)

	got, err = h.Tracker.Get(ctx, awaiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDispatched, got.DeliveryStatus)
}
