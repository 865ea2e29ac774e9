package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-vitals/internal/budget"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

type budgetFile struct {
	Budgets []models.Budget `yaml:"budgets"`
}

// LoadBudgets reads a budget file and validates every entry.
func LoadBudgets(path string) ([]models.Budget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budgets: %w", err)
	}
	var file budgetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse budgets: %w", err)
	}
	for i, b := range file.Budgets {
		if err := budget.Validate(budget.Normalize(b)); err != nil {
			return nil, fmt.Errorf("budgets[%d]: %w", i, err)
		}
	}
	return file.Budgets, nil
}

// GroupByMetric splits budgets per metric, preserving order.
func GroupByMetric(budgets []models.Budget) map[string][]models.Budget {
	out := make(map[string][]models.Budget)
	for _, b := range budgets {
		out[b.Metric] = append(out[b.Metric], b)
	}
	return out
}
