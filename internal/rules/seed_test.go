package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
)

func TestParseSeed(t *testing.T) {
	data := []byte(`
rules:
  - name: Heavy rain for paddy
    priority: 20
    dedup_window_hours: 12
    definition:
      logic: AND
      conditions:
        - field: crop
          operator: EQUALS
          value: RICE
        - field: rainfall
          operator: BETWEEN
          value: [50, 500]
      actions:
        - type: SEND_ADVISORY
          payload:
            advisoryType: WEATHER
            severity: WARNING
            message: "Drain excess water from fields in {{.district}}"
  - name: Draft pest watch
    status: draft
    definition:
      conditions:
        - field: season
          operator: IN
          value: [KHARIF]
      actions:
        - type: SEND_ADVISORY
          payload:
            advisoryType: PEST
            severity: WATCH
            message: Scout for stem borer
`)

	rules, err := ParseSeed(data)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "Heavy rain for paddy", rules[0].Name)
	assert.Equal(t, 12, rules[0].DedupWindowHours)
	assert.True(t, rules[0].IsLive())
	assert.Equal(t, models.ValueRange, rules[0].Definition.Conditions[1].Value.Kind)
	assert.Equal(t, models.RuleStatusDraft, rules[1].Status)
	assert.Equal(t, models.LogicAnd, rules[1].Definition.Logic)
}

func TestParseSeed_RejectsInvalidDefinition(t *testing.T) {
	data := []byte(`
rules:
  - name: broken
    definition:
      conditions:
        - field: temperature
          operator: GT
          value: hot
      actions:
        - type: SEND_ADVISORY
          payload: {advisoryType: WEATHER, severity: INFO, message: m}
`)
	_, err := ParseSeed(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
