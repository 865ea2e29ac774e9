package main

import (
	"context"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-vitals/internal/api"
	"github.com/miradorstack/mirador-vitals/internal/config"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/patterns"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type replayOutput struct {
	Report       engine.ReplayReport                `json:"report"`
	Periods      map[string][]models.IncidentPeriod `json:"periods"`
	BudgetEvents []models.BudgetEvent               `json:"budgetEvents"`
	Patterns     []models.RegressionPattern         `json:"patterns"`
	Stats        engine.Counters                    `json:"stats"`
}

func newReplayCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run recorded samples through a fresh engine and print the incidents found",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return replay(cmd.Context(), file, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON samples to replay; - reads stdin")
	return cmd
}

func replay(ctx context.Context, file string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, os.Stderr)

	var data []byte
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read samples: %w", err)
	}
	samples, err := api.SamplesFromJSON(data)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Logger:        logger,
		Defaults:      cfg.Engine.Defaults,
		AutoRegister:  true,
		LatencyWindow: cfg.Engine.LatencyWindow,
	})
	for _, m := range cfg.Metrics {
		if err := eng.RegisterMetric(m.Name, m.MetricConfig); err != nil {
			return err
		}
	}
	budgets := cfg.Budgets.Items
	if cfg.Budgets.Path != "" {
		fromFile, err := config.LoadBudgets(cfg.Budgets.Path)
		if err != nil {
			return err
		}
		budgets = append(budgets, fromFile...)
	}
	for metric, list := range config.GroupByMetric(budgets) {
		if _, err := eng.SetBudgets(metric, list); err != nil {
			return err
		}
	}

	rules, err := patterns.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return err
	}

	report, err := eng.Replay(ctx, samples)
	if err != nil {
		return err
	}
	eng.FlushAll()

	result := replayOutput{
		Report:       report,
		Periods:      make(map[string][]models.IncidentPeriod),
		BudgetEvents: report.BudgetEvents,
		Stats:        eng.Stats(),
	}
	var all []models.IncidentPeriod
	for _, metric := range eng.Metrics() {
		periods, err := eng.IncidentPeriods(metric)
		if err != nil {
			return err
		}
		if len(periods) > 0 {
			result.Periods[metric] = periods
			all = append(all, periods...)
		}
	}
	result.Patterns = patterns.NewMiner(logger, rules).Mine(all, report.BudgetEvents)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
