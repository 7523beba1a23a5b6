package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
	"agri-advisory/internal/rules"
)

// RulePublisher tells other instances that a rule changed
type RulePublisher interface {
	PublishRuleChange(ctx context.Context, ruleID uuid.UUID) error
}

// SimulationResult is the playground response
type SimulationResult struct {
	Triggered   bool                     `json:"triggered"`
	MatchReason string                   `json:"matchReason"`
	Outcome     *rules.Outcome           `json:"outcome"`
	Gaps        []rules.Gap              `json:"gaps,omitempty"`
	Context     models.EvaluationContext `json:"context"`
}

// RuleService backs the rule CMS and playground
type RuleService struct {
	rules     repository.RuleRepository
	farmers   repository.FarmerRepository
	registry  *rules.Registry
	resolver  *ContextResolver
	publisher RulePublisher
	audit     *monitoring.AuditLogger
	metrics   *metrics.MetricsCollector
	logger    *zap.Logger
}

// NewRuleService creates a rule service. publisher may be nil.
func NewRuleService(
	store *repository.Store,
	farmers repository.FarmerRepository,
	registry *rules.Registry,
	resolver *ContextResolver,
	publisher RulePublisher,
	audit *monitoring.AuditLogger,
	m *metrics.MetricsCollector,
	logger *zap.Logger,
) *RuleService {
	return &RuleService{
		rules:     store.Rules,
		farmers:   farmers,
		registry:  registry,
		resolver:  resolver,
		publisher: publisher,
		audit:     audit,
		metrics:   m,
		logger:    logger,
	}
}

// List returns rules, optionally filtered by status
func (s *RuleService) List(ctx context.Context, status string) ([]*models.Rule, error) {
	var filter *models.RuleStatus
	if status != "" {
		st := models.RuleStatus(strings.ToUpper(status))
		if !st.Valid() {
			return nil, models.NewValidationError("status", "must be ACTIVE, DRAFT or RETIRED")
		}
		filter = &st
	}
	return s.rules.List(ctx, filter)
}

// Get returns one rule
func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, "rule", id)
	}
	return rule, nil
}

// Create stores a new rule and reloads the live snapshot
func (s *RuleService) Create(ctx context.Context, req *models.RuleRequest) (*models.Rule, error) {
	rule := &models.Rule{ID: uuid.New()}
	if err := applyRuleRequest(rule, req, true); err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.audit.Record(monitoring.EventRuleCreate, "create", "rule created").
		ActorFrom(ctx).
		Resource(rule.ID.String(), "rule").
		Detail("name", rule.Name).
		Detail("status", string(rule.Status)).
		Snapshot(rule.Definition).
		Commit()
	s.changed(ctx, rule.ID)
	return rule, nil
}

// Update replaces a rule's fields and bumps its version
func (s *RuleService) Update(ctx context.Context, id uuid.UUID, req *models.RuleRequest) (*models.Rule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyRuleRequest(rule, req, false); err != nil {
		return nil, err
	}
	rule.Version = req.Version
	if err := s.rules.Update(ctx, rule); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, wrapNotFound(err, "rule", id)
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	s.audit.Record(monitoring.EventRuleUpdate, "update", "rule updated").
		ActorFrom(ctx).
		Resource(rule.ID.String(), "rule").
		Detail("version", rule.Version).
		Snapshot(rule.Definition).
		Commit()
	s.changed(ctx, rule.ID)
	return rule, nil
}

// Retire takes a rule out of live evaluation for good
func (s *RuleService) Retire(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Status == models.RuleStatusRetired {
		return rule, nil
	}
	rule.Status = models.RuleStatusRetired
	rule.IsActive = false
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to retire rule: %w", err)
	}

	s.audit.Record(monitoring.EventRuleRetire, "retire", "rule retired").
		ActorFrom(ctx).
		Resource(rule.ID.String(), "rule").
		Detail("version", rule.Version).
		Commit()
	s.changed(ctx, rule.ID)
	return rule, nil
}

// Versions returns the rule's history, newest first
func (s *RuleService) Versions(ctx context.Context, id uuid.UUID) ([]*models.RuleVersion, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.rules.ListVersions(ctx, id)
}

// Simulate evaluates one rule against a mock or resolved farmer context
// using the same evaluator as live triggers.
func (s *RuleService) Simulate(ctx context.Context, req *models.SimulateRequest) (*SimulationResult, error) {
	start := time.Now()
	defer func() {
		s.logger.Debug("rule simulation completed", zap.Duration("duration", time.Since(start)))
	}()

	rule, conditionsOnly, err := s.simulationRule(ctx, req)
	if err != nil {
		return nil, err
	}

	values := models.EvaluationContext{}
	if req.UserID != nil {
		farmer, err := s.farmers.GetByID(ctx, *req.UserID)
		if err != nil {
			return nil, wrapNotFound(err, "farmer", *req.UserID)
		}
		values = s.resolver.Resolve(ctx, farmer, &models.TriggerEvent{Source: models.TriggerManual}).Values
	}
	for k, v := range req.MockFarmerData {
		values[k] = v
	}
	if len(values) == 0 {
		return nil, models.NewValidationError("mockFarmerData", "mockFarmerData or userId is required")
	}

	res, gaps := rules.EvaluateRule(rule, values)
	result := &SimulationResult{
		Triggered:   res.Triggered,
		MatchReason: res.MatchReason,
		Outcome:     res.Outcome,
		Gaps:        gaps,
		Context:     values,
	}
	if conditionsOnly {
		result.Outcome = nil
	}
	return result, nil
}

func (s *RuleService) simulationRule(ctx context.Context, req *models.SimulateRequest) (*models.Rule, bool, error) {
	switch {
	case req.Definition != nil:
		return &models.Rule{Name: "simulation", Definition: *req.Definition}, false, nil
	case req.RuleConditions != nil:
		def, err := req.RuleConditions.Definition()
		if err != nil {
			return nil, false, err
		}
		return &models.Rule{Name: "simulation", Definition: *def}, true, nil
	case req.RuleID != nil:
		rule, err := s.Get(ctx, *req.RuleID)
		return rule, false, err
	}
	return nil, false, models.NewValidationError("definition", "definition, ruleConditions or ruleId is required")
}

// ImportSeed loads rules from a YAML seed file when the rule table is empty
func (s *RuleService) ImportSeed(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	count, err := s.rules.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	seeded, err := rules.LoadSeedFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("rule seed file not found, starting with an empty rule set", zap.String("file", path))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, rule := range seeded {
		if err := s.rules.Create(ctx, rule); err != nil {
			return 0, fmt.Errorf("failed to import seed rule %q: %w", rule.Name, err)
		}
	}

	s.audit.Record(monitoring.EventRuleImport, "import", "seed rules imported").
		ActorFrom(ctx).
		Detail("file", path).
		Detail("rules", len(seeded)).
		Commit()
	s.logger.Info("seed rules imported", zap.String("file", path), zap.Int("rules", len(seeded)))
	return len(seeded), nil
}

// Reload refreshes the live snapshot from storage
func (s *RuleService) Reload(ctx context.Context) error {
	snap, err := s.registry.Reload(ctx)
	if err != nil {
		return err
	}
	s.metrics.UpdateRuleSnapshot(snap.Version, len(snap.Rules))
	return nil
}

// HandleRemoteChange reloads the snapshot after another instance wrote a rule
func (s *RuleService) HandleRemoteChange(ctx context.Context, ruleID string) {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("failed to reload rules after remote change",
			zap.String("rule_id", ruleID),
			zap.Error(err))
	}
}

func (s *RuleService) changed(ctx context.Context, id uuid.UUID) {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("failed to reload rules", zap.Error(err))
	}
	if s.publisher != nil {
		if err := s.publisher.PublishRuleChange(ctx, id); err != nil {
			s.logger.Warn("failed to publish rule change", zap.Error(err))
		}
	}
}

func applyRuleRequest(rule *models.Rule, req *models.RuleRequest, creating bool) error {
	fields := make(map[string]string)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		fields["name"] = "is required"
	}
	if req.Definition == nil {
		fields["definition"] = "is required"
	}
	if req.DedupWindowHours < 0 {
		fields["dedupWindowHours"] = "must not be negative"
	}

	status := models.RuleStatus(strings.ToUpper(string(req.Status)))
	switch {
	case status == "" && creating:
		status = models.RuleStatusActive
	case status == "":
		status = rule.Status
	case !status.Valid():
		fields["status"] = "must be ACTIVE, DRAFT or RETIRED"
	}
	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}

	rule.Name = name
	rule.Description = strings.TrimSpace(req.Description)
	rule.Priority = req.Priority
	rule.Status = status
	rule.Definition = *req.Definition
	rule.DedupWindowHours = req.DedupWindowHours
	switch {
	case req.IsActive != nil:
		rule.IsActive = *req.IsActive
	case creating:
		rule.IsActive = status == models.RuleStatusActive
	}
	if status == models.RuleStatusRetired {
		rule.IsActive = false
	}
	return nil
}
