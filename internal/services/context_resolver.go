package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

// WeatherProvider returns the current reading for a district
type WeatherProvider interface {
	Current(ctx context.Context, district string) (*models.WeatherSnapshot, error)
}

// Seasons of the Nepali cropping calendar
const (
	SeasonKharif = "KHARIF"
	SeasonRabi   = "RABI"
	SeasonZaid   = "ZAID"
)

// Growth stages derived from days since planting
const (
	StageGermination = "GERMINATION"
	StageVegetative  = "VEGETATIVE"
	StageFlowering   = "FLOWERING"
	StageMaturation  = "MATURATION"
	StageHarvest     = "HARVEST"
)

// ContextResolver builds the flat evaluation context of one farmer
type ContextResolver struct {
	weather  WeatherProvider
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewContextResolver creates a resolver. weather may be nil, in which case
// only readings carried by the trigger are used.
func NewContextResolver(weather WeatherProvider, loc *time.Location, logger *zap.Logger) *ContextResolver {
	if loc == nil {
		loc = time.UTC
	}
	return &ContextResolver{
		weather:  weather,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve merges the farmer profile, the trigger payload and derived fields.
// Fields that cannot be resolved are left out so conditions on them become
// evaluation gaps.
func (r *ContextResolver) Resolve(ctx context.Context, farmer *models.Farmer, event *models.TriggerEvent) *models.FarmerContext {
	now := r.now()
	if event != nil && !event.OccurredAt.IsZero() {
		now = event.OccurredAt
	}

	fc := &models.FarmerContext{
		Farmer: farmer,
		Season: Season(now.In(r.location)),
		Values: models.EvaluationContext{},
	}

	fc.GrowthStage = farmer.GrowthStage
	if event != nil && event.GrowthStage != "" {
		fc.GrowthStage = event.GrowthStage
	}
	if fc.GrowthStage == "" && farmer.PlantingDate != nil {
		fc.GrowthStage = GrowthStage(*farmer.PlantingDate, now)
	}

	if event != nil {
		fc.Trigger = event.Source
		fc.Diagnosis = event.Diagnosis
		if event.Weather != nil {
			fc.Weather = *event.Weather
		}
	}
	if fc.Weather.Temperature == nil && fc.Weather.Rainfall == nil && fc.Weather.Humidity == nil && r.weather != nil && farmer.District != "" {
		reading, err := r.weather.Current(ctx, farmer.District)
		if err != nil {
			r.logger.Warn("weather unavailable for context",
				zap.String("district", farmer.District),
				zap.Error(err))
		} else if reading != nil {
			fc.Weather = *reading
		}
	}

	v := fc.Values
	v[models.FieldFarmerID] = farmer.ID.String()
	v[models.FieldIsVerified] = farmer.IsVerified
	v[models.FieldLandSize] = farmer.LandSize
	v[models.FieldSeason] = fc.Season
	setString(v, models.FieldDistrict, farmer.District)
	setString(v, models.FieldProvince, farmer.Province)
	setString(v, models.FieldCrop, farmer.CropType)
	setString(v, models.FieldRole, farmer.Role)
	setString(v, models.FieldGrowthStage, fc.GrowthStage)
	setString(v, models.FieldTrigger, string(fc.Trigger))
	setNumber(v, models.FieldTemperature, fc.Weather.Temperature)
	setNumber(v, models.FieldRainfall, fc.Weather.Rainfall)
	setNumber(v, models.FieldHumidity, fc.Weather.Humidity)
	setNumber(v, models.FieldWindSpeed, fc.Weather.WindSpeed)
	if fc.Diagnosis != nil {
		setString(v, models.FieldDiagnosis, fc.Diagnosis.Disease)
		v[models.FieldDiagnosisConfidence] = fc.Diagnosis.Confidence
	}

	return fc
}

// Season maps a date to its cropping season
func Season(t time.Time) string {
	switch t.Month() {
	case time.June, time.July, time.August, time.September, time.October:
		return SeasonKharif
	case time.November, time.December, time.January, time.February:
		return SeasonRabi
	default:
		return SeasonZaid
	}
}

// GrowthStage estimates the crop stage from the planting date. A future
// planting date yields no stage.
func GrowthStage(planted, now time.Time) string {
	days := int(now.Sub(planted).Hours() / 24)
	switch {
	case days < 0:
		return ""
	case days < 15:
		return StageGermination
	case days < 50:
		return StageVegetative
	case days < 80:
		return StageFlowering
	case days < 110:
		return StageMaturation
	default:
		return StageHarvest
	}
}

func setString(v models.EvaluationContext, field, value string) {
	if value = strings.TrimSpace(value); value != "" {
		v[field] = value
	}
}

func setNumber(v models.EvaluationContext, field string, value *float64) {
	if value != nil {
		v[field] = *value
	}
}
