package rules

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
)

func mustRule(t *testing.T, name string, priority int, definition string) *models.Rule {
	t.Helper()
	def, err := models.ParseRuleDefinition([]byte(definition))
	require.NoError(t, err)
	return &models.Rule{
		ID:         uuid.New(),
		Name:       name,
		Priority:   priority,
		IsActive:   true,
		Status:     models.RuleStatusActive,
		Definition: *def,
	}
}

const riceDefinition = `{
	"logic": "AND",
	"conditions": [{"field": "crop", "operator": "EQUALS", "value": "RICE"}],
	"actions": [{"type": "SEND_ADVISORY", "payload": {
		"advisoryType": "DISEASE", "severity": "WARNING",
		"message": "Blast risk for rice in {{.district}}"}}]
}`

func TestEvaluate_RiceScenario(t *testing.T) {
	rule := mustRule(t, "Rice blast", 10, riceDefinition)

	res := Evaluate([]*models.Rule{rule}, models.EvaluationContext{"crop": "RICE", "district": "Chitwan"}, Options{})
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].Triggered)
	assert.Equal(t, rule.ID, res.Matches[0].MatchedRule.ID)
	assert.Equal(t, models.AdvisoryDisease, res.Matches[0].Outcome.AdvisoryType)
	assert.Contains(t, res.Matches[0].MatchReason, "crop EQUALS RICE")

	res = Evaluate([]*models.Rule{rule}, models.EvaluationContext{"crop": "WHEAT"}, Options{})
	assert.False(t, res.Triggered())
	assert.Empty(t, res.Matches)
}

func TestEvaluate_Deterministic(t *testing.T) {
	rules := []*models.Rule{
		mustRule(t, "a", 5, riceDefinition),
		mustRule(t, "b", 5, riceDefinition),
		mustRule(t, "c", 9, riceDefinition),
	}
	ctx := models.EvaluationContext{"crop": "rice"}

	first := Evaluate(rules, ctx, Options{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Evaluate(rules, ctx, Options{}))
	}
	require.Len(t, first.Matches, 3)
	assert.Equal(t, "c", first.Matches[0].MatchedRule.Name)
}

func TestEvaluate_SkipsInactiveAndDraft(t *testing.T) {
	inactive := mustRule(t, "inactive", 10, riceDefinition)
	inactive.IsActive = false
	draft := mustRule(t, "draft", 10, riceDefinition)
	draft.Status = models.RuleStatusDraft

	res := Evaluate([]*models.Rule{inactive, draft}, models.EvaluationContext{"crop": "RICE"}, Options{})
	assert.Empty(t, res.Matches)
	assert.Equal(t, 0, res.Evaluated)
}

func TestEvaluate_MissingFieldIsGap(t *testing.T) {
	rule := mustRule(t, "stage", 1, `{
		"conditions": [{"field": "growthStage", "operator": "EQUALS", "value": "FLOWERING"}],
		"actions": [{"type": "SEND_ADVISORY", "payload": {"advisoryType": "PEST", "severity": "INFO", "message": "check"}}]
	}`)

	res := Evaluate([]*models.Rule{rule}, models.EvaluationContext{"crop": "RICE"}, Options{})
	assert.Empty(t, res.Matches)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, "growthStage", res.Gaps[0].Field)
}

func TestEvaluate_FirstMatchOnlyPerType(t *testing.T) {
	high := mustRule(t, "high", 20, riceDefinition)
	low := mustRule(t, "low", 1, riceDefinition)
	weather := mustRule(t, "rain", 5, `{
		"conditions": [{"field": "rainfall", "operator": "GT", "value": 50}],
		"actions": [{"type": "SEND_ADVISORY", "payload": {"advisoryType": "WEATHER", "severity": "WATCH", "message": "rain"}}]
	}`)
	ctx := models.EvaluationContext{"crop": "RICE", "rainfall": 80.0}

	all := Evaluate([]*models.Rule{low, weather, high}, ctx, Options{})
	assert.Len(t, all.Matches, 3)

	first := Evaluate([]*models.Rule{low, weather, high}, ctx, Options{
		FirstMatchOnly: map[models.AdvisoryType]bool{models.AdvisoryDisease: true},
	})
	require.Len(t, first.Matches, 2)
	assert.Equal(t, "high", first.Matches[0].MatchedRule.Name)
	assert.Equal(t, "rain", first.Matches[1].MatchedRule.Name)
}

func TestEvaluateRule_Operators(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		ctx       models.EvaluationContext
		want      bool
	}{
		{"not equals", `{"field": "district", "operator": "NOT_EQUALS", "value": "Kaski"}`, models.EvaluationContext{"district": "Chitwan"}, true},
		{"gt false", `{"field": "temperature", "operator": "GT", "value": 35}`, models.EvaluationContext{"temperature": 30.0}, false},
		{"lt int value", `{"field": "humidity", "operator": "LT", "value": 40}`, models.EvaluationContext{"humidity": 20}, true},
		{"between inclusive", `{"field": "rainfall", "operator": "BETWEEN", "value": [10, 20]}`, models.EvaluationContext{"rainfall": 20.0}, true},
		{"between object", `{"field": "rainfall", "operator": "BETWEEN", "value": {"min": 10, "max": 20}}`, models.EvaluationContext{"rainfall": 21.0}, false},
		{"in list", `{"field": "crop", "operator": "IN", "value": ["WHEAT", "MAIZE"]}`, models.EvaluationContext{"crop": "maize"}, true},
		{"bool", `{"field": "isVerified", "operator": "EQUALS", "value": true}`, models.EvaluationContext{"isVerified": false}, false},
		{"numeric string context", `{"field": "landSize", "operator": "GT", "value": 2}`, models.EvaluationContext{"landSize": "3.5"}, true},
		{"non numeric for GT", `{"field": "customScore", "operator": "GT", "value": 2}`, models.EvaluationContext{"customScore": "high"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := mustRule(t, tt.name, 1, `{"conditions": [`+tt.condition+`],
				"actions": [{"type": "SEND_ADVISORY", "payload": {"advisoryType": "WEATHER", "severity": "INFO", "message": "m"}}]}`)
			res, _ := EvaluateRule(rule, tt.ctx)
			assert.Equal(t, tt.want, res.Triggered)
		})
	}
}

func TestEvaluateRule_OrLogic(t *testing.T) {
	rule := mustRule(t, "heat or drought", 1, `{
		"logic": "OR",
		"conditions": [
			{"field": "temperature", "operator": "GT", "value": 38},
			{"field": "rainfall", "operator": "LT", "value": 1}
		],
		"actions": [
			{"type": "SEND_ADVISORY", "payload": {"advisoryType": "WEATHER", "severity": "WARNING", "message": "irrigate"}},
			{"type": "ATTACH_RECOMMENDATION", "payload": {"text": "Irrigate early morning"}}
		]
	}`)

	res, gaps := EvaluateRule(rule, models.EvaluationContext{"temperature": 40.0})
	assert.True(t, res.Triggered)
	assert.Len(t, gaps, 1)
	assert.Equal(t, []string{"Irrigate early morning"}, res.Outcome.Recommendations)

	res, _ = EvaluateRule(rule, models.EvaluationContext{"temperature": 20.0, "rainfall": 5.0})
	assert.False(t, res.Triggered)
	assert.Nil(t, res.Outcome)
}
