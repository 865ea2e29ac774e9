package models

import (
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// AlertLevel selects how a breached budget is reported.
type AlertLevel string

const (
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelError   AlertLevel = "error"
)

// Budget is a user-defined threshold for one metric. The engine only reads budgets.
type Budget struct {
	ID         string     `json:"id" yaml:"id"`
	Metric     string     `json:"metric" yaml:"metric"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Unit       string     `json:"unit" yaml:"unit"`
	AlertLevel AlertLevel `json:"alertLevel" yaml:"alertLevel"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
}

// budgetFields breaks the UnmarshalYAML/UnmarshalJSON recursion.
type budgetFields Budget

// UnmarshalYAML treats a budget without an enabled key as enabled.
func (b *Budget) UnmarshalYAML(value *yaml.Node) error {
	fields := budgetFields{Enabled: true}
	if err := value.Decode(&fields); err != nil {
		return err
	}
	*b = Budget(fields)
	return nil
}

// UnmarshalJSON treats a budget without an enabled key as enabled.
func (b *Budget) UnmarshalJSON(data []byte) error {
	fields := budgetFields{Enabled: true}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &fields); err != nil {
		return err
	}
	*b = Budget(fields)
	return nil
}

// BudgetState is the evaluated pass/warning/fail verdict.
type BudgetState string

const (
	BudgetPass    BudgetState = "pass"
	BudgetWarning BudgetState = "warning"
	BudgetFail    BudgetState = "fail"
)

// BudgetStatus is a budget evaluated against a value.
type BudgetStatus struct {
	Budget       Budget      `json:"budget"`
	CurrentValue float64     `json:"currentValue"`
	PercentUsed  float64     `json:"percentUsed"`
	Status       BudgetState `json:"status"`
	Timestamp    int64       `json:"timestamp"`
}

// BudgetEventKind distinguishes threshold crossings.
type BudgetEventKind string

const (
	BudgetViolated  BudgetEventKind = "violated"
	BudgetRecovered BudgetEventKind = "recovered"
)

// BudgetEvent is emitted once per threshold crossing, not per sample.
type BudgetEvent struct {
	Kind       BudgetEventKind `json:"kind"`
	Metric     string          `json:"metric"`
	BudgetID   string          `json:"budgetId"`
	Value      float64         `json:"value"`
	Threshold  float64         `json:"threshold"`
	Status     BudgetState     `json:"status"`
	AlertLevel AlertLevel      `json:"alertLevel"`
	Timestamp  int64           `json:"timestamp"`
}
