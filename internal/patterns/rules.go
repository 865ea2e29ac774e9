package patterns

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

// RuleEngine attaches remediation hints to mined patterns.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single remediation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Severity matches
// patterns at least that severe.
type RuleMatch struct {
	Metric         string   `yaml:"metric"`
	Severity       string   `yaml:"severity"`
	BudgetContains []string `yaml:"budget_contains"`
	MinPrevalence  float64  `yaml:"min_prevalence"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from path. An empty or missing path yields a nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("remediation rules loaded", slog.String("path", path), slog.Int("count", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the hints of every rule matching p, deduplicated in rule order.
func (e *RuleEngine) Recommend(p models.RegressionPattern) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Metric != "" && !strings.EqualFold(rule.Match.Metric, p.Metric) {
			continue
		}
		if rule.Match.Severity != "" && p.WorstSeverity.Rank() < models.Severity(strings.ToLower(rule.Match.Severity)).Rank() {
			continue
		}
		if len(rule.Match.BudgetContains) > 0 && !budgetsContain(rule.Match.BudgetContains, p.TopBudgets) {
			continue
		}
		if p.Prevalence < rule.Match.MinPrevalence {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func budgetsContain(keywords, budgets []string) bool {
	for _, id := range budgets {
		id = strings.ToLower(id)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(id, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
