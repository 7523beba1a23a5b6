package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

func (h *harness) insertLog(t *testing.T, farmer *models.Farmer, status models.DeliveryStatus, createdAt time.Time) *models.AdvisoryLog {
	t.Helper()
	log := &models.AdvisoryLog{
		ID:              uuid.New(),
		FarmerID:        farmer.ID,
		RuleID:          uuid.New(),
		RuleName:        "Rice blast",
		AdvisoryType:    models.AdvisoryDisease,
		Severity:        models.SeverityWarning,
		AdvisoryContent: "Blast risk",
		District:        farmer.District,
		Channels:        []models.Channel{models.ChannelPush},
		DedupKey:        uuid.NewString(),
		DeliveryStatus:  status,
		CreatedAt:       createdAt,
	}
	inserted, err := h.Store.Logs.InsertIfAbsent(context.Background(), log)
	require.NoError(t, err)
	require.True(t, inserted)
	return log
}

func TestMarkAsOpened_Idempotent(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	log := h.insertLog(t, farmer, models.StatusDispatched, time.Now().UTC())

	first, err := h.Tracker.MarkAsOpened(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, first.DeliveryStatus)
	require.NotNil(t, first.OpenedAt)
	require.NotNil(t, first.DeliveredAt)

	second, err := h.Tracker.MarkAsOpened(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpened, second.DeliveryStatus)
	assert.True(t, first.OpenedAt.Equal(*second.OpenedAt))
}

func TestMarkAsOpened_RejectedStates(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))

	for _, status := range []models.DeliveryStatus{models.StatusCreated, models.StatusDeduped, models.StatusDeliveryFailed} {
		log := h.insertLog(t, farmer, status, time.Now().UTC())
		_, err := h.Tracker.MarkAsOpened(context.Background(), log.ID)
		var stateErr *models.StateError
		require.ErrorAs(t, err, &stateErr, status)
		assert.Equal(t, status, stateErr.Current)
	}

	_, err := h.Tracker.MarkAsOpened(context.Background(), uuid.New())
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSubmitFeedback_Resubmission(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	log := h.insertLog(t, farmer, models.StatusDelivered, time.Now().UTC())

	_, err := h.Tracker.MarkAsOpened(context.Background(), log.ID)
	require.NoError(t, err)

	first, err := h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{Feedback: "useful", Comment: "timely"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFeedbackReceived, first.DeliveryStatus)
	require.NotNil(t, first.Feedback)
	assert.Equal(t, models.FeedbackUseful, *first.Feedback)
	require.NotNil(t, first.FeedbackComment)
	assert.Equal(t, "timely", *first.FeedbackComment)

	second, err := h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{Feedback: "NOT_USEFUL"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFeedbackReceived, second.DeliveryStatus)
	assert.Equal(t, models.FeedbackNotUseful, *second.Feedback)
	assert.Nil(t, second.FeedbackComment)
}

func TestSubmitFeedback_Validation(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	log := h.insertLog(t, farmer, models.StatusDelivered, time.Now().UTC())

	_, err := h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{Feedback: "MAYBE"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "feedback")

	_, err = h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{
		Feedback: "USEFUL",
		Comment:  strings.Repeat("x", 2001),
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "comment")

	_, err = h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{
		Feedback: "USEFUL",
		Comment:  strings.Repeat("धान", 667),
	})
	require.ErrorAs(t, err, &verr, "2001 characters")

	// 1800 characters of Devanagari are 5400 bytes
	nepali := strings.Repeat("धान", 600)
	updated, err := h.Feedback.SubmitFeedback(context.Background(), log.ID, models.FeedbackRequest{
		Feedback: "USEFUL",
		Comment:  nepali,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.FeedbackComment)
	assert.Equal(t, nepali, *updated.FeedbackComment)

	created := h.insertLog(t, farmer, models.StatusCreated, time.Now().UTC())
	_, err = h.Feedback.SubmitFeedback(context.Background(), created.ID, models.FeedbackRequest{Feedback: "USEFUL"})
	var stateErr *models.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestTransitions_NeverMoveBackwards(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()
	log := h.insertLog(t, farmer, models.StatusCreated, time.Now().UTC())

	require.NoError(t, h.Tracker.MarkDelivered(ctx, log.ID))
	require.NoError(t, h.Tracker.MarkDispatched(ctx, log.ID))
	require.NoError(t, h.Tracker.MarkFailed(ctx, log.ID, "late failure"))

	got, err := h.Tracker.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.DeliveryStatus)
	assert.NotNil(t, got.DispatchedAt)
	assert.Nil(t, got.FailureReason)

	failed := h.insertLog(t, farmer, models.StatusCreated, time.Now().UTC())
	require.NoError(t, h.Tracker.MarkFailed(ctx, failed.ID, "all channels failed"))
	require.NoError(t, h.Tracker.MarkDelivered(ctx, failed.ID))
	got, err = h.Tracker.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeliveryFailed, got.DeliveryStatus)
}

func TestConfirmDelivery(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()
	log := h.insertLog(t, farmer, models.StatusDispatched, time.Now().UTC())

	got, err := h.Tracker.ConfirmDelivery(ctx, models.DeliveryCallback{
		LogID:             log.ID,
		Channel:           models.ChannelPush,
		Status:            models.AttemptDelivered,
		ProviderMessageID: "fcm-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.DeliveryStatus)

	attempts, err := h.Tracker.Attempts(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, "fcm-1", attempts[0].ProviderMessageID)

	_, err = h.Tracker.ConfirmDelivery(ctx, models.DeliveryCallback{LogID: log.ID, Channel: "FAX", Status: models.AttemptSent})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestListLogs_KeysetPaging(t *testing.T) {
	h := newHarness(t)
	farmer := h.addFarmer(riceFarmer("Sita"))
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		h.insertLog(t, farmer, models.StatusDelivered, base.Add(time.Duration(i)*time.Minute))
	}

	seen := make(map[uuid.UUID]bool)
	query := models.AdvisoryLogQuery{Limit: 2}
	pages := 0
	for {
		page, err := h.Tracker.ListLogs(context.Background(), query)
		require.NoError(t, err)
		pages++
		for _, l := range page.Data {
			assert.False(t, seen[l.ID], "log returned twice")
			seen[l.ID] = true
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		query.Cursor, err = repository.DecodeCursor(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)
}
