package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/gpscreen"
	"github.com/thalesfsp/gpscreen/snapshot"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var (
	selectData       string
	selectSnapshot   string
	selectCandidates string
	selectBatch      int
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Pick the next candidates to evaluate",
	Long: `Score a candidate CSV with the configured acquisition policy and print the
next batch to evaluate, best first.

The model is either trained on --data or restored from --snapshot.

Examples:
  gpscreen select --data train.csv --candidates pool.csv --batch 5
  gpscreen select -c gpscreen.yaml --snapshot 6c1f... --candidates pool.csv`,
	RunE: runSelect,
}

// selection is one row of the select output.
type selection struct {
	Index    int     `yaml:"index"`
	Score    float64 `yaml:"score"`
	Mean     float64 `yaml:"mean"`
	Variance float64 `yaml:"variance"`
}

func init() {
	rootCmd.AddCommand(selectCmd)

	selectCmd.Flags().StringVar(&selectData, "data", "", "training CSV, target in the last column")
	selectCmd.Flags().StringVar(&selectSnapshot, "snapshot", "", "snapshot ID to restore instead of training")
	selectCmd.Flags().StringVar(&selectCandidates, "candidates", "", "candidate CSV, features only")
	selectCmd.Flags().IntVar(&selectBatch, "batch", 0, "batch size (overrides screen.batch_size)")
	_ = selectCmd.MarkFlagRequired("candidates")
	selectCmd.MarkFlagsMutuallyExclusive("data", "snapshot")
	selectCmd.MarkFlagsOneRequired("data", "snapshot")
}

func runSelect(cmd *cobra.Command, _ []string) error {
	model, y, err := selectModel(cmd)
	if err != nil {
		return err
	}

	pool, err := loadCandidates(selectCandidates, dataHeader)
	if err != nil {
		return err
	}

	engine, err := gpscreen.NewAcquisitionEngine(cfg.AcquisitionConfig(log))
	if err != nil {
		return err
	}

	scores, err := engine.Score(model, pool, engine.Incumbent(y))
	if err != nil {
		return err
	}

	batch := cfg.Screen.BatchSize
	if selectBatch > 0 {
		batch = selectBatch
	}

	picked := engine.Select(scores, batch)

	rows := mat.NewDense(len(picked), pool.RawMatrix().Cols, nil)
	for i, idx := range picked {
		rows.SetRow(i, pool.RawRowView(idx))
	}

	var mean, variance []float64
	if len(picked) > 0 {
		mean, variance, err = model.Predict(rows)
		if err != nil {
			return err
		}
	}

	out := make([]selection, len(picked))
	for i, idx := range picked {
		out[i] = selection{Index: idx, Score: scores[idx], Mean: mean[i], Variance: variance[i]}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(data)

	return err
}

// selectModel trains a model on --data or restores --snapshot. It also
// returns the training targets, used for the incumbent.
func selectModel(cmd *cobra.Command) (*gpscreen.GPModel, []float64, error) {
	if selectSnapshot != "" {
		if cfg.Store.Path == "" {
			return nil, nil, fmt.Errorf("--snapshot needs store.path in the configuration")
		}

		store, err := snapshot.Open(cfg.Store.Path, cfg.Store.Bucket)
		if err != nil {
			return nil, nil, err
		}
		defer store.Close()

		snap, err := store.Get(cmd.Context(), selectSnapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot %s: %w", selectSnapshot, err)
		}

		model, err := snap.Restore(log)
		if err != nil {
			return nil, nil, err
		}

		return model, snap.Targets, nil
	}

	X, y, err := loadTraining(selectData, dataHeader)
	if err != nil {
		return nil, nil, err
	}

	gpCfg, err := cfg.GPConfig(log)
	if err != nil {
		return nil, nil, err
	}

	model, err := gpscreen.NewGPModel(gpCfg)
	if err != nil {
		return nil, nil, err
	}

	if _, _, err := gpscreen.Train(cmd.Context(), model, X, y, cfg.OptimizerConfig(log)); err != nil {
		return nil, nil, err
	}

	return model, y, nil
}
