package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
)

// Options tune a batch evaluation
type Options struct {
	// FirstMatchOnly stops at the highest priority match for the listed
	// advisory types. Other types still collect every match.
	FirstMatchOnly map[models.AdvisoryType]bool
}

// EvaluationResult is the outcome of evaluating one rule against a context
type EvaluationResult struct {
	Triggered   bool         `json:"triggered"`
	MatchedRule *models.Rule `json:"matchedRule,omitempty"`
	MatchReason string       `json:"matchReason"`
	Outcome     *Outcome     `json:"outcome,omitempty"`
}

// Outcome is the action payload of a matched rule
type Outcome struct {
	models.AdvisoryPayload
	Recommendations []string `json:"recommendations,omitempty"`
}

// Gap records a condition that referenced a field missing from the context
type Gap struct {
	RuleID   uuid.UUID `json:"ruleId"`
	RuleName string    `json:"ruleName"`
	Field    string    `json:"field"`
}

// Evaluation is the result of a batch evaluation
type Evaluation struct {
	Matches   []EvaluationResult `json:"matches"`
	Gaps      []Gap              `json:"gaps,omitempty"`
	Evaluated int                `json:"evaluated"`
}

// Triggered reports whether any rule matched
func (e Evaluation) Triggered() bool {
	return len(e.Matches) > 0
}

// Evaluate runs every live rule against the context in priority order and
// returns all matches. It has no side effects and is safe for concurrent use
// as long as callers do not mutate the rules.
func Evaluate(rules []*models.Rule, ctx models.EvaluationContext, opts Options) Evaluation {
	ordered := SortByPriority(FilterLive(rules))
	result := Evaluation{Matches: make([]EvaluationResult, 0)}
	matchedTypes := make(map[models.AdvisoryType]bool)

	for _, rule := range ordered {
		advisoryType := rule.AdvisoryType()
		if opts.FirstMatchOnly[advisoryType] && matchedTypes[advisoryType] {
			continue
		}

		res, gaps := EvaluateRule(rule, ctx)
		result.Evaluated++
		result.Gaps = append(result.Gaps, gaps...)
		if !res.Triggered {
			continue
		}
		matchedTypes[advisoryType] = true
		result.Matches = append(result.Matches, res)
	}

	return result
}

// EvaluateRule evaluates a single rule regardless of its lifecycle status.
// The playground uses it for drafts and ad-hoc definitions.
func EvaluateRule(rule *models.Rule, ctx models.EvaluationContext) (EvaluationResult, []Gap) {
	def := rule.Definition
	var gaps []Gap
	var met, unmet []string

	for _, cond := range def.Conditions {
		value, ok := ctx.Lookup(cond.Field)
		if !ok {
			gaps = append(gaps, Gap{RuleID: rule.ID, RuleName: rule.Name, Field: cond.Field})
			unmet = append(unmet, "missing field "+cond.Field)
			continue
		}
		if evaluateCondition(value, cond) {
			met = append(met, cond.String())
		} else {
			unmet = append(unmet, cond.String())
		}
	}

	var triggered bool
	switch def.Logic {
	case models.LogicOr:
		triggered = len(met) > 0
	default:
		triggered = len(def.Conditions) > 0 && len(unmet) == 0
	}

	res := EvaluationResult{Triggered: triggered}
	if !triggered {
		res.MatchReason = "conditions not met: " + strings.Join(unmet, ", ")
		return res, gaps
	}

	res.MatchedRule = rule
	if def.Logic == models.LogicOr {
		res.MatchReason = fmt.Sprintf("rule %q matched (any of): %s", rule.Name, strings.Join(met, ", "))
	} else {
		res.MatchReason = fmt.Sprintf("rule %q matched: %s", rule.Name, strings.Join(met, ", "))
	}
	res.Outcome = buildOutcome(def.Actions)
	return res, gaps
}

// FilterLive keeps rules that are active and in ACTIVE status
func FilterLive(rules []*models.Rule) []*models.Rule {
	live := make([]*models.Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.IsLive() {
			live = append(live, r)
		}
	}
	return live
}

// SortByPriority returns a copy ordered by priority descending, then id
func SortByPriority(rules []*models.Rule) []*models.Rule {
	sorted := make([]*models.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	return sorted
}

func buildOutcome(actions []models.Action) *Outcome {
	out := &Outcome{}
	for _, a := range actions {
		switch a.Type {
		case models.ActionSendAdvisory:
			if a.Advisory != nil {
				out.AdvisoryPayload = *a.Advisory
				out.Channels = append([]models.Channel(nil), a.Advisory.Channels...)
			}
		case models.ActionRecommendation:
			if a.Recommendation != nil {
				out.Recommendations = append(out.Recommendations, a.Recommendation.Text)
			}
		}
	}
	return out
}

func evaluateCondition(value interface{}, cond models.Condition) bool {
	switch cond.Operator {
	case models.OpEquals:
		return isEqual(value, cond.Value)
	case models.OpNotEquals:
		return !isEqual(value, cond.Value)
	case models.OpGT:
		v, ok := toFloat64(value)
		return ok && v > cond.Value.Num
	case models.OpLT:
		v, ok := toFloat64(value)
		return ok && v < cond.Value.Num
	case models.OpBetween:
		v, ok := toFloat64(value)
		return ok && v >= cond.Value.Min && v <= cond.Value.Max
	case models.OpIn:
		for _, item := range cond.Value.List {
			if isEqual(value, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// isEqual compares a context value with a scalar operand. Strings compare
// case-insensitively, numbers numerically.
func isEqual(value interface{}, op models.Operand) bool {
	switch op.Kind {
	case models.ValueString:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		return strings.EqualFold(strings.TrimSpace(s), op.Str)
	case models.ValueNumber:
		v, ok := toFloat64(value)
		return ok && v == op.Num
	case models.ValueBool:
		switch b := value.(type) {
		case bool:
			return b == op.Bool
		case string:
			parsed, err := strconv.ParseBool(b)
			return err == nil && parsed == op.Bool
		}
	}
	return false
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case *float64:
		if v == nil {
			return 0, false
		}
		return *v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
