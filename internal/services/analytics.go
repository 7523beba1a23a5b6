package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
	"agri-advisory/internal/repository"
)

// EngagementScore is the response of the engagement-score endpoint
type EngagementScore struct {
	Since        time.Time `json:"since"`
	Score        float64   `json:"farmerEngagementScore"`
	OpenRate     float64   `json:"openRate"`
	FeedbackRate float64   `json:"feedbackRate"`
}

// AnalyticsAggregator computes window-scoped engagement analytics. Every call
// reads the logs afresh; nothing is cached between calls.
type AnalyticsAggregator struct {
	logs     repository.AdvisoryLogRepository
	attempts repository.DeliveryAttemptRepository
	config   config.AnalyticsConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewAnalyticsAggregator creates an analytics aggregator
func NewAnalyticsAggregator(cfg *config.Config, store *repository.Store, logger *zap.Logger) *AnalyticsAggregator {
	return &AnalyticsAggregator{
		logs:     store.Logs,
		attempts: store.Attempts,
		config:   cfg.Analytics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Window returns since, or the start of the default window when since is zero
func (a *AnalyticsAggregator) Window(since time.Time) time.Time {
	if since.IsZero() {
		return a.now().Add(-a.config.DefaultWindow)
	}
	return since
}

// Compute builds the full analytics report for logs created at or after since
func (a *AnalyticsAggregator) Compute(ctx context.Context, since time.Time) (*models.AdvisoryAnalytics, error) {
	return a.compute(ctx, since, a.config.TopN)
}

// TopRules returns the best rules by open rate
func (a *AnalyticsAggregator) TopRules(ctx context.Context, since time.Time, limit int) ([]models.RuleRanking, error) {
	report, err := a.compute(ctx, since, a.limit(limit))
	if err != nil {
		return nil, err
	}
	return report.TopPerformingRules, nil
}

// UnderperformingRules returns the worst rules by open rate
func (a *AnalyticsAggregator) UnderperformingRules(ctx context.Context, since time.Time, limit int) ([]models.RuleRanking, error) {
	report, err := a.compute(ctx, since, a.limit(limit))
	if err != nil {
		return nil, err
	}
	return report.UnderperformingRules, nil
}

// HighRiskDistricts returns districts over the failure or emergency threshold
func (a *AnalyticsAggregator) HighRiskDistricts(ctx context.Context, since time.Time, limit int) ([]models.DistrictRisk, error) {
	report, err := a.compute(ctx, since, a.config.TopN)
	if err != nil {
		return nil, err
	}
	risks := report.HighRiskDistricts
	if limit > 0 && len(risks) > limit {
		risks = risks[:limit]
	}
	return risks, nil
}

// AlertFatigue returns over-notified farmers, keeping the limit largest
// counts when limit is set.
func (a *AnalyticsAggregator) AlertFatigue(ctx context.Context, since time.Time, limit int) (map[string]int, error) {
	report, err := a.compute(ctx, since, a.config.TopN)
	if err != nil {
		return nil, err
	}
	fatigue := report.AlertFatigue
	if limit <= 0 || len(fatigue) <= limit {
		return fatigue, nil
	}

	ids := make([]string, 0, len(fatigue))
	for id := range fatigue {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if fatigue[ids[i]] != fatigue[ids[j]] {
			return fatigue[ids[i]] > fatigue[ids[j]]
		}
		return ids[i] < ids[j]
	})
	trimmed := make(map[string]int, limit)
	for _, id := range ids[:limit] {
		trimmed[id] = fatigue[id]
	}
	return trimmed, nil
}

// Engagement returns the composite engagement score
func (a *AnalyticsAggregator) Engagement(ctx context.Context, since time.Time) (*EngagementScore, error) {
	report, err := a.compute(ctx, since, a.config.TopN)
	if err != nil {
		return nil, err
	}
	return &EngagementScore{
		Since:        report.Since,
		Score:        report.FarmerEngagementScore,
		OpenRate:     report.OpenRate,
		FeedbackRate: report.FeedbackRate,
	}, nil
}

func (a *AnalyticsAggregator) limit(limit int) int {
	if limit > 0 {
		return limit
	}
	return a.config.TopN
}

type ruleTally struct {
	triggers, delivered, opened, useful, notUseful int
}

type districtTally struct {
	advisories, emergencies, failed int
}

type channelPair struct {
	log     uuid.UUID
	channel models.Channel
}

func (a *AnalyticsAggregator) compute(ctx context.Context, since time.Time, topN int) (*models.AdvisoryAnalytics, error) {
	start := time.Now()
	since = a.Window(since)

	logs, err := a.logs.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load advisory logs: %w", err)
	}
	attempts, err := a.attempts.ListForLogsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery attempts: %w", err)
	}

	report := &models.AdvisoryAnalytics{
		Since:              since,
		GeneratedAt:        a.now(),
		TotalAdvisories:    len(logs),
		ChannelPerformance: make(map[models.Channel]models.ChannelPerformance),
		RuleEffectiveness:  make(map[string]models.RuleEffectiveness),
		DistrictInsights:   make(map[string]models.DistrictInsight),
		AlertFatigue:       make(map[string]int),
	}

	byRule := make(map[string]*ruleTally)
	byDistrict := make(map[string]*districtTally)
	perFarmer := make(map[uuid.UUID]int)
	opened := make(map[uuid.UUID]bool)
	var latencies []float64

	for _, l := range logs {
		if l.DeliveryStatus == models.StatusDeduped {
			continue
		}
		report.NonDeduped++
		perFarmer[l.FarmerID]++

		rt := byRule[l.RuleName]
		if rt == nil {
			rt = &ruleTally{}
			byRule[l.RuleName] = rt
		}
		rt.triggers++

		if l.District != "" {
			dt := byDistrict[l.District]
			if dt == nil {
				dt = &districtTally{}
				byDistrict[l.District] = dt
			}
			dt.advisories++
			if l.Severity == models.SeverityEmergency {
				dt.emergencies++
			}
			if l.DeliveryStatus == models.StatusDeliveryFailed {
				dt.failed++
			}
		}

		if l.DeliveryStatus.IsDelivered() {
			report.Delivered++
			rt.delivered++
		}
		if l.OpenedAt != nil {
			report.Opened++
			rt.opened++
			opened[l.ID] = true
		}
		if l.Feedback != nil {
			report.WithFeedback++
			switch *l.Feedback {
			case models.FeedbackUseful:
				rt.useful++
			case models.FeedbackNotUseful:
				rt.notUseful++
			}
		}
		if l.DispatchedAt != nil && l.DeliveredAt != nil {
			latencies = append(latencies, l.DeliveredAt.Sub(*l.DispatchedAt).Seconds())
		}
	}

	report.DeliverySuccessRate = percent(report.Delivered, report.NonDeduped)
	report.OpenRate = percent(report.Opened, report.Delivered)
	report.FeedbackRate = percent(report.WithFeedback, report.Opened)
	report.FarmerEngagementScore = a.engagement(report.OpenRate, report.FeedbackRate)

	a.channelPerformance(report, attempts, opened)

	for name, rt := range byRule {
		report.RuleEffectiveness[name] = models.RuleEffectiveness{
			TriggerCount:      rt.triggers,
			OpenRate:          percent(rt.opened, rt.delivered),
			UsefulFeedback:    rt.useful,
			NotUsefulFeedback: rt.notUseful,
		}
	}
	report.TopPerformingRules, report.UnderperformingRules = a.rankRules(report.RuleEffectiveness, topN)

	for district, dt := range byDistrict {
		insight := models.DistrictInsight{
			AdvisoryCount:       dt.advisories,
			EmergencyCount:      dt.emergencies,
			DeliveryFailureRate: percent(dt.failed, dt.advisories),
		}
		report.DistrictInsights[district] = insight
		if insight.DeliveryFailureRate > a.config.HighRiskFailureRate || insight.EmergencyCount > a.config.HighRiskEmergencyCount {
			report.HighRiskDistricts = append(report.HighRiskDistricts, models.DistrictRisk{
				District:            district,
				EmergencyCount:      insight.EmergencyCount,
				DeliveryFailureRate: insight.DeliveryFailureRate,
			})
		}
	}
	sort.Slice(report.HighRiskDistricts, func(i, j int) bool {
		x, y := report.HighRiskDistricts[i], report.HighRiskDistricts[j]
		if x.DeliveryFailureRate != y.DeliveryFailureRate {
			return x.DeliveryFailureRate > y.DeliveryFailureRate
		}
		if x.EmergencyCount != y.EmergencyCount {
			return x.EmergencyCount > y.EmergencyCount
		}
		return x.District < y.District
	})
	if report.HighRiskDistricts == nil {
		report.HighRiskDistricts = []models.DistrictRisk{}
	}

	for farmerID, count := range perFarmer {
		if count > a.config.AlertFatigueThreshold {
			report.AlertFatigue[farmerID.String()] = count
		}
	}

	report.DeliveryLatency = latencySummary(latencies)

	a.logger.Debug("analytics computed",
		zap.Time("since", since),
		zap.Int("logs", len(logs)),
		zap.Int("attempts", len(attempts)),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

// channelPerformance counts distinct (log, channel) pairs. A pair is sent
// when it has any attempt and delivered when one attempt was DELIVERED, so
// delivered never exceeds totalSent.
func (a *AnalyticsAggregator) channelPerformance(report *models.AdvisoryAnalytics, attempts []*models.DeliveryAttempt, opened map[uuid.UUID]bool) {
	sent := make(map[channelPair]bool)
	reached := make(map[channelPair]bool)
	delivered := make(map[channelPair]bool)
	for _, at := range attempts {
		pair := channelPair{log: at.LogID, channel: at.Channel}
		sent[pair] = true
		switch at.Status {
		case models.AttemptDelivered:
			delivered[pair] = true
			reached[pair] = true
		case models.AttemptSent:
			reached[pair] = true
		}
	}

	for pair := range sent {
		perf := report.ChannelPerformance[pair.channel]
		perf.TotalSent++
		if delivered[pair] {
			perf.Delivered++
		}
		if reached[pair] && opened[pair.log] {
			perf.Opened++
		}
		report.ChannelPerformance[pair.channel] = perf
	}
	for ch, perf := range report.ChannelPerformance {
		perf.SuccessRate = percent(perf.Delivered, perf.TotalSent)
		report.ChannelPerformance[ch] = perf
	}
}

func (a *AnalyticsAggregator) rankRules(eff map[string]models.RuleEffectiveness, topN int) ([]models.RuleRanking, []models.RuleRanking) {
	eligible := make([]models.RuleRanking, 0, len(eff))
	for name, e := range eff {
		if e.TriggerCount < a.config.MinTriggerCount {
			continue
		}
		eligible = append(eligible, models.RuleRanking{RuleName: name, TriggerCount: e.TriggerCount, OpenRate: e.OpenRate})
	}

	top := append([]models.RuleRanking(nil), eligible...)
	sort.Slice(top, func(i, j int) bool {
		if top[i].OpenRate != top[j].OpenRate {
			return top[i].OpenRate > top[j].OpenRate
		}
		return top[i].RuleName < top[j].RuleName
	})
	bottom := append([]models.RuleRanking(nil), eligible...)
	sort.Slice(bottom, func(i, j int) bool {
		if bottom[i].OpenRate != bottom[j].OpenRate {
			return bottom[i].OpenRate < bottom[j].OpenRate
		}
		return bottom[i].RuleName < bottom[j].RuleName
	})

	if topN > 0 && len(top) > topN {
		top = top[:topN]
		bottom = bottom[:topN]
	}
	return top, bottom
}

// engagement is the weighted mean of open and feedback rates, 0 to 100
func (a *AnalyticsAggregator) engagement(openRate, feedbackRate float64) float64 {
	weights := []float64{a.config.OpenWeight, a.config.FeedbackWeight}
	total := floats.Sum(weights)
	if total <= 0 {
		return 0
	}
	return round2(floats.Dot(weights, []float64{openRate, feedbackRate}) / total)
}

func latencySummary(samples []float64) *models.LatencySummary {
	if len(samples) == 0 {
		return nil
	}
	sort.Float64s(samples)
	return &models.LatencySummary{
		Samples: len(samples),
		Mean:    round2(stat.Mean(samples, nil)),
		P50:     round2(stat.Quantile(0.5, stat.Empirical, samples, nil)),
		P95:     round2(stat.Quantile(0.95, stat.Empirical, samples, nil)),
	}
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round2(float64(n) / float64(d) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
