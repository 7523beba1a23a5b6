package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishRuleChange(ctx context.Context, ruleID uuid.UUID) error {
	args := m.Called(ctx, ruleID)
	return args.Error(0)
}

func TestRuleService_LifecycleReloadsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "Rice blast", riceBlastDefinition)
	assert.Equal(t, models.RuleStatusActive, rule.Status)
	assert.True(t, rule.IsActive)
	assert.Equal(t, 1, rule.Version)
	require.Len(t, h.Registry.Snapshot().Rules, 1)

	def, err := models.ParseRuleDefinition([]byte(riceBlastDefinition))
	require.NoError(t, err)
	updated, err := h.Rules.Update(ctx, rule.ID, &models.RuleRequest{
		Name:       "Rice blast (monsoon)",
		Priority:   20,
		Definition: def,
		Version:    rule.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Rice blast (monsoon)", h.Registry.Snapshot().Rules[0].Name)

	_, err = h.Rules.Update(ctx, rule.ID, &models.RuleRequest{
		Name:       "stale write",
		Definition: def,
		Version:    rule.Version,
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	retired, err := h.Rules.Retire(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusRetired, retired.Status)
	assert.False(t, retired.IsActive)
	assert.Empty(t, h.Registry.Snapshot().Rules)

	versions, err := h.Rules.Versions(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
}

func TestRuleService_CreateValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.Rules.Create(context.Background(), &models.RuleRequest{Status: "PAUSED", DedupWindowHours: -1})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Fields, "definition")
	assert.Contains(t, verr.Fields, "status")
	assert.Contains(t, verr.Fields, "dedupWindowHours")

	_, err = h.Rules.List(context.Background(), "paused")
	assert.ErrorAs(t, err, &verr)
}

func TestRuleService_PublishesChanges(t *testing.T) {
	h := newHarness(t)
	publisher := &mockPublisher{}
	publisher.On("PublishRuleChange", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil).Once()
	h.Rules.publisher = publisher

	h.addRule(t, "Rice blast", riceBlastDefinition)
	publisher.AssertExpectations(t)
}

func TestRuleService_Simulate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := h.addRule(t, "Rice blast", riceBlastDefinition)
	farmer := h.addFarmer(riceFarmer("Sita"))

	res, err := h.Rules.Simulate(ctx, &models.SimulateRequest{
		RuleID:         &rule.ID,
		MockFarmerData: map[string]interface{}{"crop": "RICE"},
	})
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Contains(t, res.MatchReason, "crop EQUALS RICE")
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.AdvisoryDisease, res.Outcome.AdvisoryType)

	res, err = h.Rules.Simulate(ctx, &models.SimulateRequest{
		RuleID:         &rule.ID,
		UserID:         &farmer.ID,
		MockFarmerData: map[string]interface{}{"crop": "WHEAT"},
	})
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, "Chitwan", res.Context["district"])

	res, err = h.Rules.Simulate(ctx, &models.SimulateRequest{
		RuleConditions: &models.ConditionSet{
			Logic: models.LogicAnd,
			Conditions: []models.Condition{
				{Field: "temperature", Operator: models.OpGT, Value: models.NumberOperand(35)},
			},
		},
		MockFarmerData: map[string]interface{}{"temperature": 38.5},
	})
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Nil(t, res.Outcome)

	_, err = h.Rules.Simulate(ctx, &models.SimulateRequest{RuleID: &rule.ID})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRuleService_ImportSeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seed := `
rules:
  - name: Heat stress
    priority: 5
    definition:
      logic: AND
      conditions:
        - field: temperature
          operator: GT
          value: 35
      actions:
        - type: SEND_ADVISORY
          payload:
            advisoryType: WEATHER
            severity: WATCH
            message: Irrigate in the evening
`
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	n, err := h.Rules.ImportSeed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, h.Rules.Reload(ctx))
	assert.Len(t, h.Registry.Snapshot().Rules, 1)

	n, err = h.Rules.ImportSeed(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuleService_AuditEventsCarryActorAndFeedMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := monitoring.WithActor(context.Background(), "agronomist-4", "198.51.100.7")

	def, err := models.ParseRuleDefinition([]byte(riceBlastDefinition))
	require.NoError(t, err)
	rule, err := h.Rules.Create(ctx, &models.RuleRequest{Name: "Rice blast", Priority: 10, Definition: def})
	require.NoError(t, err)

	var events []*monitoring.AuditEvent
	require.Eventually(t, func() bool {
		events = h.Audit.QueryEvents(monitoring.AuditQuery{
			EventTypes: []monitoring.AuditEventType{monitoring.EventRuleCreate},
			ResourceID: rule.ID.String(),
		})
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "agronomist-4", events[0].ActorID)
	assert.Equal(t, "198.51.100.7", events[0].ActorIP)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		h.Metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(w.Body.String(), `agri_advisory_audit_events_total{status="success",type="rule_create"} 1`)
	}, time.Second, 5*time.Millisecond)
}
