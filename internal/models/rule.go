package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// RuleStatus represents the lifecycle status of a rule
type RuleStatus string

const (
	RuleStatusActive  RuleStatus = "ACTIVE"
	RuleStatusDraft   RuleStatus = "DRAFT"
	RuleStatusRetired RuleStatus = "RETIRED"
)

// Valid reports whether s is a known rule status
func (s RuleStatus) Valid() bool {
	return s == RuleStatusActive || s == RuleStatusDraft || s == RuleStatusRetired
}

// Logic combines the conditions of a rule
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is a condition comparison operator
type Operator string

const (
	OpEquals    Operator = "EQUALS"
	OpNotEquals Operator = "NOT_EQUALS"
	OpGT        Operator = "GT"
	OpLT        Operator = "LT"
	OpBetween   Operator = "BETWEEN"
	OpIn        Operator = "IN"
)

// ActionType is the closed set of rule actions
type ActionType string

const (
	ActionSendAdvisory   ActionType = "SEND_ADVISORY"
	ActionRecommendation ActionType = "ATTACH_RECOMMENDATION"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// Rule represents an advisory rule managed through the rule CMS
type Rule struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	Name             string         `json:"name" db:"name"`
	Description      string         `json:"description,omitempty" db:"description"`
	Priority         int            `json:"priority" db:"priority"` // Higher = evaluated first
	IsActive         bool           `json:"isActive" db:"is_active"`
	Status           RuleStatus     `json:"status" db:"status"`
	Definition       RuleDefinition `json:"definition" db:"definition"`
	DedupWindowHours int            `json:"dedupWindowHours,omitempty" db:"dedup_window_hours"`
	Version          int            `json:"version" db:"version"`
	CreatedAt        time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time      `json:"updatedAt" db:"updated_at"`
}

// IsLive reports whether the rule takes part in live evaluation
func (r *Rule) IsLive() bool {
	return r.IsActive && r.Status == RuleStatusActive
}

// AdvisoryAction returns the SEND_ADVISORY payload of the rule, if any
func (r *Rule) AdvisoryAction() *AdvisoryPayload {
	for _, a := range r.Definition.Actions {
		if a.Type == ActionSendAdvisory {
			return a.Advisory
		}
	}
	return nil
}

// AdvisoryType returns the advisory type produced by the rule
func (r *Rule) AdvisoryType() AdvisoryType {
	if p := r.AdvisoryAction(); p != nil {
		return p.AdvisoryType
	}
	return ""
}

// RuleVersion is an immutable snapshot of a rule saved on every write
type RuleVersion struct {
	RuleID     uuid.UUID      `json:"ruleId" db:"rule_id"`
	Version    int            `json:"version" db:"version"`
	Name       string         `json:"name" db:"name"`
	Priority   int            `json:"priority" db:"priority"`
	Status     RuleStatus     `json:"status" db:"status"`
	Definition RuleDefinition `json:"definition" db:"definition"`
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`
}

// RuleDefinition is the typed condition tree of a rule. Decoding it from JSON
// validates it, so a RuleDefinition value is always well formed.
type RuleDefinition struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Condition compares one context field against an operand
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Operand  `json:"value"`
}

// String renders the condition for match reasons
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value.String())
}

// ValueKind tags the variant held by an Operand
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueList   ValueKind = "list"
	ValueRange  ValueKind = "range"
)

// Operand is a tagged union over the literal values a condition may hold
type Operand struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Operand
	Min  float64
	Max  float64
}

// StringOperand builds a string operand
func StringOperand(s string) Operand { return Operand{Kind: ValueString, Str: s} }

// NumberOperand builds a numeric operand
func NumberOperand(n float64) Operand { return Operand{Kind: ValueNumber, Num: n} }

// BoolOperand builds a boolean operand
func BoolOperand(b bool) Operand { return Operand{Kind: ValueBool, Bool: b} }

// RangeOperand builds an inclusive numeric range operand
func RangeOperand(min, max float64) Operand { return Operand{Kind: ValueRange, Min: min, Max: max} }

// ListOperand builds a list operand
func ListOperand(items ...Operand) Operand { return Operand{Kind: ValueList, List: items} }

// IsScalar reports whether the operand is a string, number or bool
func (o Operand) IsScalar() bool {
	return o.Kind == ValueString || o.Kind == ValueNumber || o.Kind == ValueBool
}

// String renders the operand for match reasons
func (o Operand) String() string {
	switch o.Kind {
	case ValueString:
		return o.Str
	case ValueNumber:
		return fmt.Sprintf("%g", o.Num)
	case ValueBool:
		return fmt.Sprintf("%t", o.Bool)
	case ValueRange:
		return fmt.Sprintf("[%g, %g]", o.Min, o.Max)
	case ValueList:
		parts := make([]string, len(o.List))
		for i, item := range o.List {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return ""
}

// MarshalJSON writes the operand back as a plain JSON literal
func (o Operand) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case ValueString:
		return json.Marshal(o.Str)
	case ValueNumber:
		return json.Marshal(o.Num)
	case ValueBool:
		return json.Marshal(o.Bool)
	case ValueRange:
		return json.Marshal([]float64{o.Min, o.Max})
	case ValueList:
		if o.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(o.List)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes a JSON literal into an operand. Arrays decode as lists;
// BETWEEN conditions convert two-number lists into ranges during validation.
func (o *Operand) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	op, err := operandFromValue(raw)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

func operandFromValue(v interface{}) (Operand, error) {
	switch t := v.(type) {
	case string:
		return StringOperand(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Operand{}, fmt.Errorf("invalid number %q", t.String())
		}
		return NumberOperand(f), nil
	case float64:
		return NumberOperand(t), nil
	case bool:
		return BoolOperand(t), nil
	case []interface{}:
		items := make([]Operand, 0, len(t))
		for _, item := range t {
			op, err := operandFromValue(item)
			if err != nil {
				return Operand{}, err
			}
			if !op.IsScalar() {
				return Operand{}, fmt.Errorf("nested lists are not supported")
			}
			items = append(items, op)
		}
		return ListOperand(items...), nil
	case map[string]interface{}:
		min, okMin := t["min"]
		max, okMax := t["max"]
		if !okMin || !okMax || len(t) != 2 {
			return Operand{}, fmt.Errorf("object values must be {\"min\": n, \"max\": n}")
		}
		lo, err1 := operandFromValue(min)
		hi, err2 := operandFromValue(max)
		if err1 != nil || err2 != nil || lo.Kind != ValueNumber || hi.Kind != ValueNumber {
			return Operand{}, fmt.Errorf("range bounds must be numbers")
		}
		return RangeOperand(lo.Num, hi.Num), nil
	case nil:
		return Operand{}, fmt.Errorf("value is required")
	}
	return Operand{}, fmt.Errorf("unsupported value type %T", v)
}

// AdvisoryPayload is the payload of a SEND_ADVISORY action
type AdvisoryPayload struct {
	AdvisoryType AdvisoryType `json:"advisoryType"`
	Severity     Severity     `json:"severity"`
	Title        string       `json:"title,omitempty"`
	Message      string       `json:"message"`
	Channels     []Channel    `json:"channels,omitempty"` // empty = every eligible channel
}

// RecommendationPayload is the payload of an ATTACH_RECOMMENDATION action
type RecommendationPayload struct {
	Text string `json:"text"`
}

// Action is a tagged union over the supported rule actions
type Action struct {
	Type           ActionType
	Advisory       *AdvisoryPayload
	Recommendation *RecommendationPayload
}

type actionJSON struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON writes the action as {type, payload}
func (a Action) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch a.Type {
	case ActionSendAdvisory:
		payload = a.Advisory
	case ActionRecommendation:
		payload = a.Recommendation
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionJSON{Type: a.Type, Payload: raw})
}

// UnmarshalJSON decodes {type, payload} into the matching variant
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Type = raw.Type
	a.Advisory = nil
	a.Recommendation = nil
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	switch raw.Type {
	case ActionSendAdvisory:
		var p AdvisoryPayload
		if err := strictUnmarshal(raw.Payload, &p); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		a.Advisory = &p
	case ActionRecommendation:
		var p RecommendationPayload
		if err := strictUnmarshal(raw.Payload, &p); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		a.Recommendation = &p
	}
	return nil
}

type ruleDefinitionJSON struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// UnmarshalJSON decodes and validates a rule definition. A JSON string holding
// the definition text is accepted as well, since the rule editor submits raw text.
func (d *RuleDefinition) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		trimmed = []byte(text)
	}
	def, err := ParseRuleDefinition(trimmed)
	if err != nil {
		return err
	}
	*d = *def
	return nil
}

// ParseRuleDefinition parses raw rule JSON into a validated definition
func ParseRuleDefinition(data []byte) (*RuleDefinition, error) {
	var raw ruleDefinitionJSON
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, &RuleDefinitionError{Fields: map[string]string{"definition": err.Error()}}
	}
	def := &RuleDefinition{
		Logic:      Logic(strings.ToUpper(string(raw.Logic))),
		Conditions: raw.Conditions,
		Actions:    raw.Actions,
	}
	if def.Logic == "" {
		def.Logic = LogicAnd
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the definition against the closed condition/action schema
func (d *RuleDefinition) Validate() error {
	fields := make(map[string]string)

	if d.Logic != LogicAnd && d.Logic != LogicOr {
		fields["definition.logic"] = fmt.Sprintf("must be AND or OR, got %q", d.Logic)
	}
	if len(d.Conditions) == 0 {
		fields["definition.conditions"] = "at least one condition is required"
	}
	for i := range d.Conditions {
		key := fmt.Sprintf("definition.conditions[%d]", i)
		if msg := normalizeCondition(&d.Conditions[i]); msg != "" {
			fields[key] = msg
		}
	}

	advisoryActions := 0
	for i, a := range d.Actions {
		key := fmt.Sprintf("definition.actions[%d]", i)
		switch a.Type {
		case ActionSendAdvisory:
			advisoryActions++
			if msg := validateAdvisoryPayload(a.Advisory); msg != "" {
				fields[key] = msg
			}
		case ActionRecommendation:
			if a.Recommendation == nil || strings.TrimSpace(a.Recommendation.Text) == "" {
				fields[key] = "recommendation text is required"
			} else if msg := validateTemplate(a.Recommendation.Text); msg != "" {
				fields[key] = msg
			}
		default:
			fields[key] = fmt.Sprintf("unsupported action type %q", a.Type)
		}
	}
	if advisoryActions != 1 {
		fields["definition.actions"] = "exactly one SEND_ADVISORY action is required"
	}

	if len(fields) > 0 {
		return &RuleDefinitionError{Fields: fields}
	}
	return nil
}

func normalizeCondition(c *Condition) string {
	c.Field = strings.TrimSpace(c.Field)
	c.Operator = Operator(strings.ToUpper(string(c.Operator)))
	if !fieldPattern.MatchString(c.Field) {
		return fmt.Sprintf("invalid field name %q", c.Field)
	}

	kind, known := ContextFieldKinds[c.Field]

	switch c.Operator {
	case OpEquals, OpNotEquals:
		if !c.Value.IsScalar() {
			return fmt.Sprintf("%s requires a scalar value", c.Operator)
		}
		if known && kind != c.Value.Kind {
			return fmt.Sprintf("field %s expects a %s value", c.Field, kind)
		}
	case OpGT, OpLT:
		if c.Value.Kind != ValueNumber {
			return fmt.Sprintf("%s requires a numeric value", c.Operator)
		}
		if known && kind != ValueNumber {
			return fmt.Sprintf("field %s is not numeric", c.Field)
		}
	case OpBetween:
		if c.Value.Kind == ValueList && len(c.Value.List) == 2 &&
			c.Value.List[0].Kind == ValueNumber && c.Value.List[1].Kind == ValueNumber {
			c.Value = RangeOperand(c.Value.List[0].Num, c.Value.List[1].Num)
		}
		if c.Value.Kind != ValueRange {
			return "BETWEEN requires [min, max] numbers"
		}
		if c.Value.Min > c.Value.Max {
			return "BETWEEN min must not exceed max"
		}
		if known && kind != ValueNumber {
			return fmt.Sprintf("field %s is not numeric", c.Field)
		}
	case OpIn:
		if c.Value.Kind != ValueList || len(c.Value.List) == 0 {
			return "IN requires a non-empty list"
		}
	default:
		return fmt.Sprintf("unsupported operator %q", c.Operator)
	}
	return ""
}

func validateAdvisoryPayload(p *AdvisoryPayload) string {
	if p == nil {
		return "payload is required"
	}
	if !p.AdvisoryType.Valid() {
		return fmt.Sprintf("invalid advisoryType %q", p.AdvisoryType)
	}
	if !p.Severity.Valid() {
		return fmt.Sprintf("invalid severity %q", p.Severity)
	}
	if strings.TrimSpace(p.Message) == "" {
		return "message is required"
	}
	for _, ch := range p.Channels {
		if !ch.Valid() {
			return fmt.Sprintf("invalid channel %q", ch)
		}
	}
	if msg := validateTemplate(p.Message); msg != "" {
		return msg
	}
	if msg := validateTemplate(p.Title); msg != "" {
		return msg
	}
	return ""
}

func validateTemplate(text string) string {
	if _, err := template.New("content").Option("missingkey=zero").Parse(text); err != nil {
		return fmt.Sprintf("invalid template: %v", err)
	}
	return ""
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// RuleRequest is the body of rule create and update calls. Version, when set
// on update, must match the stored version.
type RuleRequest struct {
	Name             string          `json:"name" binding:"required"`
	Description      string          `json:"description"`
	Priority         int             `json:"priority"`
	IsActive         *bool           `json:"isActive"`
	Status           RuleStatus      `json:"status"`
	Definition       *RuleDefinition `json:"definition"`
	DedupWindowHours int             `json:"dedupWindowHours"`
	Version          int             `json:"version"`
}

// ConditionSet is a bare condition list submitted to the playground
type ConditionSet struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// Definition validates the conditions by wrapping them in a definition with
// a placeholder advisory action.
func (c ConditionSet) Definition() (*RuleDefinition, error) {
	def := &RuleDefinition{
		Logic:      Logic(strings.ToUpper(string(c.Logic))),
		Conditions: append([]Condition(nil), c.Conditions...),
		Actions: []Action{{
			Type: ActionSendAdvisory,
			Advisory: &AdvisoryPayload{
				AdvisoryType: AdvisoryPolicy,
				Severity:     SeverityInfo,
				Message:      "simulation",
			},
		}},
	}
	if def.Logic == "" {
		def.Logic = LogicAnd
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// SimulateRequest is the body of POST /rules/simulate. One of Definition,
// RuleConditions or RuleID selects the rule; MockFarmerData and UserID build
// the context, with mock values overriding the resolved farmer.
type SimulateRequest struct {
	Definition     *RuleDefinition        `json:"definition"`
	RuleConditions *ConditionSet          `json:"ruleConditions"`
	RuleID         *uuid.UUID             `json:"ruleId"`
	MockFarmerData map[string]interface{} `json:"mockFarmerData"`
	UserID         *uuid.UUID             `json:"userId"`
}
