package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/gpscreen"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	screenData       string
	screenPool       string
	screenIterations int
	screenBatch      int
)

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Replay an active-learning run on a labelled pool",
	Long: `Run active learning against a pool whose targets are already known, e.g.
from a previous DFT campaign. The targets in the last column of --pool are
hidden from the model and revealed one batch at a time, which measures how
fast the configured acquisition policy finds the best candidates.

Examples:
  gpscreen screen --data seed.csv --pool labelled.csv --iterations 20
  gpscreen screen -c gpscreen.yaml --data seed.csv --pool labelled.csv --batch 4`,
	RunE: runScreen,
}

// screenReport is printed by the screen command.
type screenReport struct {
	Iterations  int                `yaml:"iterations"`
	BestIndex   int                `yaml:"best_index"`
	BestTarget  float64            `yaml:"best_target"`
	Evaluations []screenEvaluation `yaml:"evaluations"`
}

type screenEvaluation struct {
	Index     int     `yaml:"index"`
	Iteration int     `yaml:"iteration"`
	Target    float64 `yaml:"target"`
	Error     string  `yaml:"error,omitempty"`
}

func init() {
	rootCmd.AddCommand(screenCmd)

	screenCmd.Flags().StringVar(&screenData, "data", "", "initial training CSV, target in the last column")
	screenCmd.Flags().StringVar(&screenPool, "pool", "", "labelled pool CSV, target in the last column")
	screenCmd.Flags().IntVar(&screenIterations, "iterations", 0, "rounds (overrides screen.iterations)")
	screenCmd.Flags().IntVar(&screenBatch, "batch", 0, "batch size (overrides screen.batch_size)")
	_ = screenCmd.MarkFlagRequired("data")
	_ = screenCmd.MarkFlagRequired("pool")
}

func runScreen(cmd *cobra.Command, _ []string) error {
	X, y, err := loadTraining(screenData, dataHeader)
	if err != nil {
		return err
	}

	pool, truth, err := loadTraining(screenPool, dataHeader)
	if err != nil {
		return err
	}

	sc, err := cfg.ScreenConfig(log)
	if err != nil {
		return err
	}

	if screenIterations > 0 {
		sc.Iterations = screenIterations
	}

	if screenBatch > 0 {
		sc.BatchSize = screenBatch
	}

	oracle := func(_ context.Context, index int, _ []float64) (float64, error) {
		return truth[index], nil
	}

	res, err := gpscreen.Screen(cmd.Context(), sc, X, y, pool, oracle)
	if err != nil {
		return err
	}

	log.Info("screening finished",
		zap.Int("iterations", res.Iterations),
		zap.Int("evaluations", len(res.Evaluations)),
		zap.Float64("best_target", res.BestTarget),
	)

	report := screenReport{
		Iterations:  res.Iterations,
		BestIndex:   res.BestIndex,
		BestTarget:  res.BestTarget,
		Evaluations: make([]screenEvaluation, len(res.Evaluations)),
	}

	for i, e := range res.Evaluations {
		report.Evaluations[i] = screenEvaluation{Index: e.Index, Iteration: e.Iteration, Target: e.Target}
		if e.Err != nil {
			report.Evaluations[i].Error = e.Err.Error()
		}
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}
