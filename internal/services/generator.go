package services

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
	"agri-advisory/internal/rules"
)

// Generator turns a matched rule into an advisory log candidate
type Generator struct {
	dedup     *Deduplicator
	templates sync.Map // template text -> *template.Template
}

// NewGenerator creates a generator
func NewGenerator(dedup *Deduplicator) *Generator {
	return &Generator{dedup: dedup}
}

// Generate renders the advisory content for one farmer. The returned log is in
// CREATED status with its dedup key set; channels are resolved by the caller.
func (g *Generator) Generate(fc *models.FarmerContext, match rules.EvaluationResult, now time.Time) (*models.AdvisoryLog, error) {
	if match.MatchedRule == nil || match.Outcome == nil {
		return nil, fmt.Errorf("evaluation result has no matched rule")
	}
	rule := match.MatchedRule
	data := TemplateData(fc.Values)
	if fc.Farmer != nil {
		data["farmerName"] = fc.Farmer.Name
	}

	title, err := g.render(match.Outcome.Title, data)
	if err != nil {
		return nil, fmt.Errorf("rule %s title: %w", rule.Name, err)
	}
	body, err := g.render(match.Outcome.Message, data)
	if err != nil {
		return nil, fmt.Errorf("rule %s message: %w", rule.Name, err)
	}
	parts := []string{body}
	for _, rec := range match.Outcome.Recommendations {
		text, err := g.render(rec, data)
		if err != nil {
			return nil, fmt.Errorf("rule %s recommendation: %w", rule.Name, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, "- "+text)
		}
	}
	if title == "" {
		title = rule.Name
	}

	log := &models.AdvisoryLog{
		ID:              uuid.New(),
		FarmerID:        fc.Farmer.ID,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		AdvisoryType:    match.Outcome.AdvisoryType,
		Severity:        match.Outcome.Severity,
		Title:           title,
		AdvisoryContent: strings.Join(parts, "\n"),
		District:        fc.Farmer.District,
		CropType:        fc.Farmer.CropType,
		GrowthStage:     fc.GrowthStage,
		Season:          fc.Season,
		Temperature:     fc.Weather.Temperature,
		Rainfall:        fc.Weather.Rainfall,
		Humidity:        fc.Weather.Humidity,
		DedupKey:        DedupKey(fc.Farmer.ID, rule.ID, g.dedup.WindowBucket(rule, now)),
		DeliveryStatus:  models.StatusCreated,
		CreatedAt:       now.UTC(),
	}
	return log, nil
}

// TemplateData converts an evaluation context into template values. Missing
// placeholders render empty.
func TemplateData(values models.EvaluationContext) map[string]string {
	data := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			data[k] = t
		case float64:
			data[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			data[k] = strconv.FormatBool(t)
		case nil:
		default:
			data[k] = fmt.Sprint(t)
		}
	}
	return data
}

// RenderTemplate renders text with data, leaving missing keys empty
func RenderTemplate(text string, data map[string]string) (string, error) {
	tpl, err := template.New("content").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (g *Generator) render(text string, data map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	cached, ok := g.templates.Load(text)
	if !ok {
		tpl, err := template.New("content").Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", err
		}
		cached, _ = g.templates.LoadOrStore(text, tpl)
	}
	var buf bytes.Buffer
	if err := cached.(*template.Template).Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
