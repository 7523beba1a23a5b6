package models

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports malformed input with per-field messages
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + joinFields(e.Fields)
}

// RuleDefinitionError reports a rule definition that does not fit the schema
type RuleDefinitionError struct {
	Fields map[string]string
}

func (e *RuleDefinitionError) Error() string {
	return "invalid rule definition: " + joinFields(e.Fields)
}

// NotFoundError reports an unknown rule, log, farmer or template
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StateError reports an operation that the current lifecycle state forbids
type StateError struct {
	Current DeliveryStatus
	Action  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s an advisory in state %s", e.Action, e.Current)
}

func joinFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + fields[k]
	}
	return strings.Join(parts, "; ")
}
