package models

import (
	"time"

	"github.com/google/uuid"
)

// Context field names understood by the resolver
const (
	FieldFarmerID            = "farmerId"
	FieldDistrict            = "district"
	FieldProvince            = "province"
	FieldCrop                = "crop"
	FieldGrowthStage         = "growthStage"
	FieldSeason              = "season"
	FieldTemperature         = "temperature"
	FieldRainfall            = "rainfall"
	FieldHumidity            = "humidity"
	FieldWindSpeed           = "windSpeed"
	FieldIsVerified          = "isVerified"
	FieldRole                = "role"
	FieldLandSize            = "landSize"
	FieldDiagnosis           = "diagnosis"
	FieldDiagnosisConfidence = "diagnosisConfidence"
	FieldTrigger             = "trigger"
)

// ContextFieldKinds declares the value kind of every resolved context field.
// Conditions on these fields are type checked when a rule is saved.
var ContextFieldKinds = map[string]ValueKind{
	FieldFarmerID:            ValueString,
	FieldDistrict:            ValueString,
	FieldProvince:            ValueString,
	FieldCrop:                ValueString,
	FieldGrowthStage:         ValueString,
	FieldSeason:              ValueString,
	FieldTemperature:         ValueNumber,
	FieldRainfall:            ValueNumber,
	FieldHumidity:            ValueNumber,
	FieldWindSpeed:           ValueNumber,
	FieldIsVerified:          ValueBool,
	FieldRole:                ValueString,
	FieldLandSize:            ValueNumber,
	FieldDiagnosis:           ValueString,
	FieldDiagnosisConfidence: ValueNumber,
	FieldTrigger:             ValueString,
}

// EvaluationContext is the flat per-farmer map rules are evaluated against
type EvaluationContext map[string]interface{}

// Lookup returns a field value and whether it is present and non-nil
func (c EvaluationContext) Lookup(field string) (interface{}, bool) {
	v, ok := c[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// WeatherSnapshot is the environmental reading attached to a context
type WeatherSnapshot struct {
	Temperature *float64  `json:"temperature,omitempty"`
	Rainfall    *float64  `json:"rainfall,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	WindSpeed   *float64  `json:"windSpeed,omitempty"`
	ObservedAt  time.Time `json:"observedAt,omitempty"`
}

// Diagnosis is an AI crop diagnosis result carried by a trigger
type Diagnosis struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// TriggerSource names what caused an evaluation run
type TriggerSource string

const (
	TriggerWeatherUpdate TriggerSource = "WEATHER_UPDATE"
	TriggerCropStage     TriggerSource = "CROP_STAGE_CHANGE"
	TriggerDiagnosis     TriggerSource = "AI_DIAGNOSIS"
	TriggerManual        TriggerSource = "MANUAL"
)

// Valid reports whether s is a known trigger source
func (s TriggerSource) Valid() bool {
	switch s {
	case TriggerWeatherUpdate, TriggerCropStage, TriggerDiagnosis, TriggerManual:
		return true
	}
	return false
}

// TriggerEvent starts an evaluation run for a set of farmers
type TriggerEvent struct {
	ID          string           `json:"id,omitempty"`
	Source      TriggerSource    `json:"source" binding:"required"`
	FarmerIDs   []uuid.UUID      `json:"farmerIds,omitempty"`
	District    string           `json:"district,omitempty"`
	Weather     *WeatherSnapshot `json:"weather,omitempty"`
	GrowthStage string           `json:"growthStage,omitempty"`
	Diagnosis   *Diagnosis       `json:"diagnosis,omitempty"`
	OccurredAt  time.Time        `json:"occurredAt,omitempty"`
}

// FarmerContext is the typed form of a resolved evaluation context
type FarmerContext struct {
	Farmer      *Farmer
	Season      string
	GrowthStage string
	Weather     WeatherSnapshot
	Diagnosis   *Diagnosis
	Trigger     TriggerSource
	Values      EvaluationContext
}

// TriggerSummary reports the outcome of an evaluation run
type TriggerSummary struct {
	TriggerID       string `json:"triggerId,omitempty"`
	RuleVersion     int64  `json:"ruleVersion"`
	FarmersTargeted int    `json:"farmersTargeted"`
	RulesMatched    int    `json:"rulesMatched"`
	Generated       int    `json:"generated"`
	Deduped         int    `json:"deduped"`
	NoChannel       int    `json:"noChannel"`
	Failed          int    `json:"failed"`
	DurationMs      int64  `json:"durationMs"`
}
