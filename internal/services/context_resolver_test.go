package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

type mockWeather struct {
	mock.Mock
}

func (m *mockWeather) Current(ctx context.Context, district string) (*models.WeatherSnapshot, error) {
	args := m.Called(ctx, district)
	snap, _ := args.Get(0).(*models.WeatherSnapshot)
	return snap, args.Error(1)
}

func floatPtr(f float64) *float64 { return &f }

func TestSeason(t *testing.T) {
	tests := []struct {
		month time.Month
		want  string
	}{
		{time.June, SeasonKharif},
		{time.October, SeasonKharif},
		{time.November, SeasonRabi},
		{time.February, SeasonRabi},
		{time.March, SeasonZaid},
		{time.May, SeasonZaid},
	}
	for _, tt := range tests {
		t.Run(tt.month.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Season(time.Date(2024, tt.month, 15, 0, 0, 0, 0, time.UTC)))
		})
	}
}

func TestGrowthStage(t *testing.T) {
	planted := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	day := func(n int) time.Time { return planted.AddDate(0, 0, n) }

	assert.Equal(t, "", GrowthStage(planted, day(-3)))
	assert.Equal(t, StageGermination, GrowthStage(planted, day(0)))
	assert.Equal(t, StageVegetative, GrowthStage(planted, day(15)))
	assert.Equal(t, StageFlowering, GrowthStage(planted, day(60)))
	assert.Equal(t, StageMaturation, GrowthStage(planted, day(100)))
	assert.Equal(t, StageHarvest, GrowthStage(planted, day(140)))
}

func TestResolve_MergesProfileTriggerAndDerivedFields(t *testing.T) {
	resolver := NewContextResolver(nil, time.UTC, zap.NewNop())
	planted := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	farmer := &models.Farmer{
		Name:         "Sita",
		Role:         "FARMER",
		District:     "Chitwan",
		CropType:     "RICE",
		PlantingDate: &planted,
		IsVerified:   true,
		LandSize:     1.5,
	}

	fc := resolver.Resolve(context.Background(), farmer, &models.TriggerEvent{
		Source:     models.TriggerDiagnosis,
		OccurredAt: time.Date(2024, time.August, 10, 0, 0, 0, 0, time.UTC),
		Weather:    &models.WeatherSnapshot{Temperature: floatPtr(33), Humidity: floatPtr(90)},
		Diagnosis:  &models.Diagnosis{Disease: "BLAST", Confidence: 0.92},
	})

	v := fc.Values
	assert.Equal(t, SeasonKharif, v[models.FieldSeason])
	assert.Equal(t, StageVegetative, v[models.FieldGrowthStage])
	assert.Equal(t, "RICE", v[models.FieldCrop])
	assert.Equal(t, 33.0, v[models.FieldTemperature])
	assert.Equal(t, 90.0, v[models.FieldHumidity])
	assert.Equal(t, "BLAST", v[models.FieldDiagnosis])
	assert.Equal(t, 0.92, v[models.FieldDiagnosisConfidence])
	assert.Equal(t, string(models.TriggerDiagnosis), v[models.FieldTrigger])
	_, hasRain := v.Lookup(models.FieldRainfall)
	assert.False(t, hasRain)

	fc = resolver.Resolve(context.Background(), farmer, &models.TriggerEvent{
		Source:      models.TriggerCropStage,
		GrowthStage: StageFlowering,
	})
	assert.Equal(t, StageFlowering, fc.Values[models.FieldGrowthStage])
}

func TestResolve_WeatherProvider(t *testing.T) {
	weather := &mockWeather{}
	weather.On("Current", mock.Anything, "Chitwan").
		Return(&models.WeatherSnapshot{Rainfall: floatPtr(120)}, nil).Once()
	weather.On("Current", mock.Anything, "Kaski").
		Return(nil, errors.New("weather api down")).Once()
	resolver := NewContextResolver(weather, time.UTC, zap.NewNop())

	fc := resolver.Resolve(context.Background(), &models.Farmer{District: "Chitwan"}, &models.TriggerEvent{Source: models.TriggerManual})
	assert.Equal(t, 120.0, fc.Values[models.FieldRainfall])

	fc = resolver.Resolve(context.Background(), &models.Farmer{District: "Kaski"}, &models.TriggerEvent{Source: models.TriggerManual})
	_, ok := fc.Values.Lookup(models.FieldRainfall)
	assert.False(t, ok)

	fc = resolver.Resolve(context.Background(), &models.Farmer{District: "Chitwan"}, &models.TriggerEvent{
		Source:  models.TriggerWeatherUpdate,
		Weather: &models.WeatherSnapshot{Temperature: floatPtr(40)},
	})
	require.Equal(t, 40.0, fc.Values[models.FieldTemperature])
	weather.AssertExpectations(t)
}
