package models

import "time"

// AdvisoryAnalytics is the window-scoped dashboard report
type AdvisoryAnalytics struct {
	Since       time.Time `json:"since"`
	GeneratedAt time.Time `json:"generatedAt"`

	TotalAdvisories int `json:"totalAdvisories"`
	NonDeduped      int `json:"nonDeduped"`
	Delivered       int `json:"delivered"`
	Opened          int `json:"opened"`
	WithFeedback    int `json:"withFeedback"`

	DeliverySuccessRate float64 `json:"deliverySuccessRate"`
	OpenRate            float64 `json:"openRate"`
	FeedbackRate        float64 `json:"feedbackRate"`

	ChannelPerformance map[Channel]ChannelPerformance `json:"channelPerformance"`
	RuleEffectiveness  map[string]RuleEffectiveness   `json:"ruleEffectiveness"`
	DistrictInsights   map[string]DistrictInsight     `json:"districtInsights"`

	TopPerformingRules    []RuleRanking  `json:"topPerformingRules"`
	UnderperformingRules  []RuleRanking  `json:"underperformingRules"`
	HighRiskDistricts     []DistrictRisk `json:"highRiskDistricts"`
	AlertFatigue          map[string]int `json:"alertFatigue"`
	FarmerEngagementScore float64        `json:"farmerEngagementScore"`

	DeliveryLatency *LatencySummary `json:"deliveryLatency,omitempty"`
}

// ChannelPerformance aggregates attempts per channel
type ChannelPerformance struct {
	TotalSent   int     `json:"totalSent"`
	Delivered   int     `json:"delivered"`
	Opened      int     `json:"opened"`
	SuccessRate float64 `json:"successRate"`
}

// RuleEffectiveness aggregates engagement per rule
type RuleEffectiveness struct {
	TriggerCount      int     `json:"triggerCount"`
	OpenRate          float64 `json:"openRate"`
	UsefulFeedback    int     `json:"usefulFeedback"`
	NotUsefulFeedback int     `json:"notUsefulFeedback"`
}

// DistrictInsight aggregates risk signals per district
type DistrictInsight struct {
	AdvisoryCount       int     `json:"advisoryCount"`
	EmergencyCount      int     `json:"emergencyCount"`
	DeliveryFailureRate float64 `json:"deliveryFailureRate"`
}

// RuleRanking is one entry of the top/underperforming lists
type RuleRanking struct {
	RuleName     string  `json:"ruleName"`
	TriggerCount int     `json:"triggerCount"`
	OpenRate     float64 `json:"openRate"`
}

// DistrictRisk is one entry of the high-risk district list
type DistrictRisk struct {
	District            string  `json:"district"`
	EmergencyCount      int     `json:"emergencyCount"`
	DeliveryFailureRate float64 `json:"deliveryFailureRate"`
}

// LatencySummary describes dispatch-to-delivery latency in seconds
type LatencySummary struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"meanSeconds"`
	P50     float64 `json:"p50Seconds"`
	P95     float64 `json:"p95Seconds"`
}
