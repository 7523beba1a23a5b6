package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agri-advisory/internal/config"
	"agri-advisory/internal/delivery"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
	"agri-advisory/internal/rules"
)

// Dispatcher is the part of the delivery dispatcher the services use
type Dispatcher interface {
	Dispatch(ctx context.Context, job delivery.Job) error
	EligibleChannels(r models.Recipient, requested []models.Channel) []models.Channel
	HasChannel(ch models.Channel) bool
	InFlight(logID uuid.UUID) bool
	MaxAttempts() int
	QueueDepth() int
}

// FarmerInvalidator is implemented by farmer repositories that cache
// profiles
type FarmerInvalidator interface {
	Invalidate(ctx context.Context, ids ...uuid.UUID)
}

// AdvisoryPipeline runs trigger events through context resolution, rule
// evaluation, generation, dedup and dispatch.
type AdvisoryPipeline struct {
	farmers    repository.FarmerRepository
	registry   *rules.Registry
	resolver   *ContextResolver
	generator  *Generator
	dedup      *Deduplicator
	dispatcher Dispatcher
	audit      *monitoring.AuditLogger
	metrics    *metrics.MetricsCollector
	logger     *zap.Logger

	workers   int
	batchSize int
	options   rules.Options
	now       func() time.Time
}

// NewAdvisoryPipeline creates the trigger pipeline
func NewAdvisoryPipeline(
	cfg *config.Config,
	farmers repository.FarmerRepository,
	registry *rules.Registry,
	resolver *ContextResolver,
	generator *Generator,
	dedup *Deduplicator,
	dispatcher Dispatcher,
	audit *monitoring.AuditLogger,
	m *metrics.MetricsCollector,
	logger *zap.Logger,
) *AdvisoryPipeline {
	opts := rules.Options{FirstMatchOnly: make(map[models.AdvisoryType]bool)}
	for _, t := range cfg.Rules.FirstMatchOnly {
		opts.FirstMatchOnly[models.AdvisoryType(strings.ToUpper(t))] = true
	}
	workers := cfg.Rules.EvaluationWorkers
	if workers < 1 {
		workers = 1
	}

	logger.Info("advisory pipeline initialized",
		zap.Int("evaluation_workers", workers),
		zap.Int("trigger_batch_size", cfg.Rules.TriggerBatchSize),
		zap.Strings("first_match_only", cfg.Rules.FirstMatchOnly))

	return &AdvisoryPipeline{
		farmers:    farmers,
		registry:   registry,
		resolver:   resolver,
		generator:  generator,
		dedup:      dedup,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    m,
		logger:     logger,
		workers:    workers,
		batchSize:  cfg.Rules.TriggerBatchSize,
		options:    opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessTrigger evaluates every targeted farmer against one rule snapshot.
// A failure for one farmer or rule never stops the others.
func (p *AdvisoryPipeline) ProcessTrigger(ctx context.Context, event *models.TriggerEvent, transport string) (*models.TriggerSummary, error) {
	start := time.Now()
	if err := validateTrigger(event); err != nil {
		p.metrics.RecordTriggerEvent(string(event.Source), transport, "invalid")
		return nil, err
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	farmers, err := p.targetFarmers(ctx, event)
	if err != nil {
		p.metrics.RecordTriggerEvent(string(event.Source), transport, "error")
		return nil, err
	}

	snapshot := p.registry.Snapshot()
	summary := &models.TriggerSummary{
		TriggerID:       event.ID,
		RuleVersion:     snapshot.Version,
		FarmersTargeted: len(farmers),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, farmer := range farmers {
		farmer := farmer
		g.Go(func() error {
			res := p.processFarmer(ctx, snapshot, farmer, event)
			mu.Lock()
			summary.RulesMatched += res.RulesMatched
			summary.Generated += res.Generated
			summary.Deduped += res.Deduped
			summary.NoChannel += res.NoChannel
			summary.Failed += res.Failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.DurationMs = time.Since(start).Milliseconds()
	result := "processed"
	if ctx.Err() != nil {
		result = "cancelled"
	}
	p.metrics.RecordTriggerEvent(string(event.Source), transport, result)

	p.audit.Record(monitoring.EventTrigger, "process", "trigger processed").
		ActorFrom(ctx).
		Correlation(event.ID).
		Detail("source", string(event.Source)).
		Detail("transport", transport).
		Detail("farmers", summary.FarmersTargeted).
		Detail("generated", summary.Generated).
		Detail("deduped", summary.Deduped).
		Commit()

	p.logger.Info("trigger processed",
		zap.String("trigger_id", event.ID),
		zap.String("source", string(event.Source)),
		zap.String("transport", transport),
		zap.Int64("rule_version", summary.RuleVersion),
		zap.Int("farmers", summary.FarmersTargeted),
		zap.Int("matched", summary.RulesMatched),
		zap.Int("generated", summary.Generated),
		zap.Int("deduped", summary.Deduped),
		zap.Int("no_channel", summary.NoChannel),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", time.Since(start)))

	return summary, ctx.Err()
}

func validateTrigger(event *models.TriggerEvent) error {
	if event == nil {
		return models.NewValidationError("event", "is required")
	}
	fields := make(map[string]string)
	event.Source = models.TriggerSource(strings.ToUpper(string(event.Source)))
	if !event.Source.Valid() {
		fields["source"] = "must be WEATHER_UPDATE, CROP_STAGE_CHANGE, AI_DIAGNOSIS or MANUAL"
	}
	if len(event.FarmerIDs) == 0 && strings.TrimSpace(event.District) == "" {
		fields["farmerIds"] = "farmerIds or district is required"
	}
	if event.Diagnosis != nil && (event.Diagnosis.Confidence < 0 || event.Diagnosis.Confidence > 1) {
		fields["diagnosis.confidence"] = "must be between 0 and 1"
	}
	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}
	return nil
}

func (p *AdvisoryPipeline) targetFarmers(ctx context.Context, event *models.TriggerEvent) ([]*models.Farmer, error) {
	if len(event.FarmerIDs) > 0 {
		// a crop stage change means the upstream profile moved on
		if inv, ok := p.farmers.(FarmerInvalidator); ok && event.Source == models.TriggerCropStage {
			inv.Invalidate(ctx, event.FarmerIDs...)
		}
		farmers, err := p.farmers.ListByIDs(ctx, event.FarmerIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load trigger farmers: %w", err)
		}
		if len(farmers) < len(event.FarmerIDs) {
			p.logger.Warn("trigger references unknown farmers",
				zap.String("trigger_id", event.ID),
				zap.Int("requested", len(event.FarmerIDs)),
				zap.Int("found", len(farmers)))
		}
		return farmers, nil
	}

	farmers, err := p.farmers.ListByFilter(ctx, models.RecipientFilter{District: event.District}, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load district farmers: %w", err)
	}
	if p.batchSize > 0 && len(farmers) == p.batchSize {
		p.logger.Warn("trigger audience truncated to batch size",
			zap.String("district", event.District),
			zap.Int("batch_size", p.batchSize))
	}
	return farmers, nil
}

func (p *AdvisoryPipeline) processFarmer(ctx context.Context, snapshot *rules.Snapshot, farmer *models.Farmer, event *models.TriggerEvent) models.TriggerSummary {
	var res models.TriggerSummary
	if ctx.Err() != nil {
		return res
	}

	start := time.Now()
	fc := p.resolver.Resolve(ctx, farmer, event)
	eval := rules.Evaluate(snapshot.Rules, fc.Values, p.options)

	gapFields := make([]string, 0, len(eval.Gaps))
	for _, gap := range eval.Gaps {
		gapFields = append(gapFields, gap.Field)
		p.logger.Debug("evaluation gap",
			zap.String("farmer_id", farmer.ID.String()),
			zap.String("rule", gap.RuleName),
			zap.String("field", gap.Field))
	}
	p.metrics.RecordEvaluation(eval.Triggered(), gapFields, time.Since(start))
	res.RulesMatched = len(eval.Matches)

	recipient := farmer.Recipient()
	for _, match := range eval.Matches {
		switch p.emit(ctx, fc, recipient, match) {
		case emitGenerated:
			res.Generated++
		case emitDeduped:
			res.Deduped++
		case emitNoChannel:
			res.Generated++
			res.NoChannel++
		case emitFailed:
			res.Failed++
		}
	}
	return res
}

type emitResult int

const (
	emitGenerated emitResult = iota
	emitDeduped
	emitNoChannel
	emitFailed
)

func (p *AdvisoryPipeline) emit(ctx context.Context, fc *models.FarmerContext, recipient models.Recipient, match rules.EvaluationResult) emitResult {
	log, err := p.generator.Generate(fc, match, p.now())
	if err != nil {
		p.metrics.RecordEvaluationError()
		p.logger.Error("failed to generate advisory",
			zap.String("farmer_id", recipient.FarmerID.String()),
			zap.Error(err))
		return emitFailed
	}

	log.Channels = p.dispatcher.EligibleChannels(recipient, match.Outcome.Channels)
	if len(log.Channels) == 0 {
		reason := models.FailureNoEligibleChannel
		log.DeliveryStatus = models.StatusDeliveryFailed
		log.FailureReason = &reason
	}

	suppressed, err := p.dedup.ShouldSuppress(ctx, log)
	if err != nil {
		p.logger.Error("dedup gate failed",
			zap.String("log_id", log.ID.String()),
			zap.Error(err))
		return emitFailed
	}
	if suppressed {
		p.metrics.RecordAdvisory(string(log.AdvisoryType), string(log.Severity), "deduped")
		return emitDeduped
	}
	if len(log.Channels) == 0 {
		p.metrics.RecordAdvisory(string(log.AdvisoryType), string(log.Severity), "no_channel")
		return emitNoChannel
	}
	p.metrics.RecordAdvisory(string(log.AdvisoryType), string(log.Severity), "created")

	job := delivery.Job{
		LogID:     log.ID,
		Recipient: recipient,
		Channels:  log.Channels,
		Title:     log.Title,
		Body:      log.AdvisoryContent,
		Data: map[string]string{
			"advisory_type": string(log.AdvisoryType),
			"severity":      string(log.Severity),
			"rule_id":       log.RuleID.String(),
		},
	}
	if err := p.dispatcher.Dispatch(ctx, job); err != nil {
		// The log stays CREATED and the retry sweep picks it up.
		p.logger.Warn("advisory not queued for delivery",
			zap.String("log_id", log.ID.String()),
			zap.Error(err))
	}
	return emitGenerated
}
