package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agri-advisory/internal/models"
)

type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	Name             string                 `yaml:"name"`
	Description      string                 `yaml:"description"`
	Priority         int                    `yaml:"priority"`
	Status           string                 `yaml:"status"`
	Active           *bool                  `yaml:"active"`
	DedupWindowHours int                    `yaml:"dedup_window_hours"`
	Definition       map[string]interface{} `yaml:"definition"`
}

// LoadSeedFile reads rule definitions from a YAML seed file
func LoadSeedFile(path string) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses YAML seed content. Every definition goes through the same
// validation as rules saved over the API.
func ParseSeed(data []byte) ([]*models.Rule, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule seed: %w", err)
	}

	out := make([]*models.Rule, 0, len(file.Rules))
	for i, sr := range file.Rules {
		if strings.TrimSpace(sr.Name) == "" {
			return nil, fmt.Errorf("seed rule %d: name is required", i)
		}

		raw, err := json.Marshal(sr.Definition)
		if err != nil {
			return nil, fmt.Errorf("seed rule %q: failed to encode definition: %w", sr.Name, err)
		}
		def, err := models.ParseRuleDefinition(raw)
		if err != nil {
			return nil, fmt.Errorf("seed rule %q: %w", sr.Name, err)
		}

		status := models.RuleStatus(strings.ToUpper(sr.Status))
		if status == "" {
			status = models.RuleStatusActive
		}
		if !status.Valid() {
			return nil, fmt.Errorf("seed rule %q: invalid status %q", sr.Name, sr.Status)
		}
		active := true
		if sr.Active != nil {
			active = *sr.Active
		}

		out = append(out, &models.Rule{
			Name:             sr.Name,
			Description:      sr.Description,
			Priority:         sr.Priority,
			IsActive:         active,
			Status:           status,
			Definition:       *def,
			DedupWindowHours: sr.DedupWindowHours,
		})
	}
	return out, nil
}
