package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

func TestProcessTrigger_RiceWheatScenario(t *testing.T) {
	push := &stubSender{channel: models.ChannelPush, confirm: true}
	h := newHarness(t, push)
	h.addRule(t, "Rice blast", riceBlastDefinition)

	rice := h.addFarmer(riceFarmer("Sita"))
	wheat := h.addFarmer(&models.Farmer{
		Name:        "Ram",
		District:    "Chitwan",
		CropType:    "WHEAT",
		DeviceToken: "token-ram",
	})

	summary, err := h.Pipeline.ProcessTrigger(context.Background(), &models.TriggerEvent{
		Source:    "weather_update",
		FarmerIDs: []uuid.UUID{rice.ID, wheat.ID},
	}, "http")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FarmersTargeted)
	assert.Equal(t, 1, summary.RulesMatched)
	assert.Equal(t, 1, summary.Generated)
	assert.Zero(t, summary.Deduped)

	assert.Empty(t, h.logsOf(t, wheat))

	logs := h.logsOf(t, rice)
	require.Len(t, logs, 1)
	log := logs[0]
	assert.Equal(t, "Rice blast risk", log.Title)
	assert.Equal(t, "Blast risk for rice in Chitwan, Sita\n- Spray tricyclazole", log.AdvisoryContent)
	assert.Equal(t, models.AdvisoryDisease, log.AdvisoryType)
	assert.Equal(t, models.SeverityWarning, log.Severity)
	assert.Equal(t, []models.Channel{models.ChannelPush}, log.Channels)

	delivered := h.waitForStatus(t, log, models.StatusDelivered)
	assert.NotNil(t, delivered.DispatchedAt)
	assert.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, 1, push.Count())
}

func TestProcessTrigger_SameDayDuplicateIsDeduped(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelPush})
	h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(riceFarmer("Sita"))

	event := func() *models.TriggerEvent {
		return &models.TriggerEvent{Source: models.TriggerManual, FarmerIDs: []uuid.UUID{farmer.ID}}
	}
	first, err := h.Pipeline.ProcessTrigger(context.Background(), event(), "http")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generated)

	second, err := h.Pipeline.ProcessTrigger(context.Background(), event(), "http")
	require.NoError(t, err)
	assert.Zero(t, second.Generated)
	assert.Equal(t, 1, second.Deduped)

	logs := h.logsOf(t, farmer)
	require.Len(t, logs, 2)
	assert.Equal(t, logs[0].DedupKey, logs[1].DedupKey)

	deduped := 0
	for _, l := range logs {
		if l.DeliveryStatus == models.StatusDeduped {
			deduped++
		}
	}
	assert.Equal(t, 1, deduped)
}

func TestProcessTrigger_ConcurrentTriggersYieldOneAdvisory(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelPush})
	h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(riceFarmer("Sita"))

	const triggers = 12
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Pipeline.ProcessTrigger(context.Background(), &models.TriggerEvent{
				Source:    models.TriggerWeatherUpdate,
				FarmerIDs: []uuid.UUID{farmer.ID},
			}, "amqp")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	logs := h.logsOf(t, farmer)
	require.Len(t, logs, triggers)
	live := 0
	for _, l := range logs {
		if l.DeliveryStatus != models.StatusDeduped {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestProcessTrigger_NoEligibleChannel(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelPush})
	h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(&models.Farmer{Name: "Hari", District: "Chitwan", CropType: "RICE"})

	summary, err := h.Pipeline.ProcessTrigger(context.Background(), &models.TriggerEvent{
		Source:    models.TriggerManual,
		FarmerIDs: []uuid.UUID{farmer.ID},
	}, "http")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Generated)
	assert.Equal(t, 1, summary.NoChannel)

	logs := h.logsOf(t, farmer)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StatusDeliveryFailed, logs[0].DeliveryStatus)
	require.NotNil(t, logs[0].FailureReason)
	assert.Equal(t, models.FailureNoEligibleChannel, *logs[0].FailureReason)
	assert.Empty(t, logs[0].Channels)

	attempts, err := h.Tracker.Attempts(context.Background(), logs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestProcessTrigger_DistrictAudience(t *testing.T) {
	h := newHarness(t, &stubSender{channel: models.ChannelSMS})
	h.addRule(t, "Rice blast", riceBlastDefinition)
	inside := h.addFarmer(riceFarmer("Sita"))
	outside := riceFarmer("Gita")
	outside.District = "Kaski"
	h.addFarmer(outside)

	summary, err := h.Pipeline.ProcessTrigger(context.Background(), &models.TriggerEvent{
		Source:   models.TriggerCropStage,
		District: "Chitwan",
	}, "http")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FarmersTargeted)
	assert.Len(t, h.logsOf(t, inside), 1)
	assert.Empty(t, h.logsOf(t, outside))
}

func TestProcessTrigger_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		event *models.TriggerEvent
		field string
	}{
		{"unknown source", &models.TriggerEvent{Source: "FLOOD", District: "Chitwan"}, "source"},
		{"no audience", &models.TriggerEvent{Source: models.TriggerManual}, "farmerIds"},
		{"bad confidence", &models.TriggerEvent{
			Source:    models.TriggerDiagnosis,
			District:  "Chitwan",
			Diagnosis: &models.Diagnosis{Disease: "blast", Confidence: 1.5},
		}, "diagnosis.confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Pipeline.ProcessTrigger(context.Background(), tt.event, "http")
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

// invalidatingFarmers records cache invalidations over a farmer repository
type invalidatingFarmers struct {
	repository.FarmerRepository

	mu          sync.Mutex
	invalidated []uuid.UUID
}

func (f *invalidatingFarmers) Invalidate(_ context.Context, ids ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, ids...)
}

func (f *invalidatingFarmers) Invalidated() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.invalidated...)
}

func TestProcessTrigger_CropStageChangeRefreshesCachedProfiles(t *testing.T) {
	farmers := &invalidatingFarmers{}
	h := newHarnessWith(t, func(memory *repository.MemoryStore, deps *Dependencies) {
		farmers.FarmerRepository = memory.Store().Farmers
		deps.Farmers = farmers
	})
	farmer := h.addFarmer(riceFarmer("Sita"))
	ctx := context.Background()

	_, err := h.Pipeline.ProcessTrigger(ctx, &models.TriggerEvent{
		Source:    models.TriggerWeatherUpdate,
		FarmerIDs: []uuid.UUID{farmer.ID},
	}, "http")
	require.NoError(t, err)
	assert.Empty(t, farmers.Invalidated())

	_, err = h.Pipeline.ProcessTrigger(ctx, &models.TriggerEvent{
		Source:    "crop_stage_change",
		FarmerIDs: []uuid.UUID{farmer.ID},
	}, "http")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{farmer.ID}, farmers.Invalidated())
}
