package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/gpscreen"
	"github.com/thalesfsp/gpscreen/snapshot"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	fitData string
	fitSave string
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Optimize hyperparameters and fit a model",
	Long: `Optimize the hyperparameters of the configured kernel on a training CSV,
fit the model and print the result. With --save, the fitted model is stored
as a snapshot in the configured store.

Examples:
  gpscreen fit --data train.csv
  gpscreen fit -c gpscreen.yaml --data train.csv --save pt-alloys`,
	RunE: runFit,
}

// fitReport is printed by the fit command.
type fitReport struct {
	Snapshot   string                   `yaml:"snapshot,omitempty"`
	Names      []string                 `yaml:"names"`
	Hyper      gpscreen.Hyperparameters `yaml:"hyper"`
	LML        float64                  `yaml:"lml"`
	InitialLML float64                  `yaml:"initial_lml"`
	Restart    int                      `yaml:"restart"`
	Jitter     float64                  `yaml:"jitter"`
}

func init() {
	rootCmd.AddCommand(fitCmd)

	fitCmd.Flags().StringVar(&fitData, "data", "", "training CSV, target in the last column")
	fitCmd.Flags().StringVar(&fitSave, "save", "", "store the fitted model as a snapshot with this name")
	_ = fitCmd.MarkFlagRequired("data")
}

func runFit(cmd *cobra.Command, _ []string) error {
	X, y, err := loadTraining(fitData, dataHeader)
	if err != nil {
		return err
	}

	gpCfg, err := cfg.GPConfig(log)
	if err != nil {
		return err
	}

	model, err := gpscreen.NewGPModel(gpCfg)
	if err != nil {
		return err
	}

	res, state, err := gpscreen.Train(cmd.Context(), model, X, y, cfg.OptimizerConfig(log))
	if err != nil {
		return err
	}

	_, dim := X.Dims()

	report := fitReport{
		Names:      gpscreen.HyperparameterNames(model.Kernel(), dim),
		Hyper:      res.Hyper,
		LML:        state.LML,
		InitialLML: res.InitialLML,
		Restart:    res.Restart,
		Jitter:     state.Jitter,
	}

	if fitSave != "" {
		id, err := saveSnapshot(cmd, model, fitSave)
		if err != nil {
			return err
		}

		report.Snapshot = id
	}

	out, err := yaml.Marshal(report)
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}

func saveSnapshot(cmd *cobra.Command, model *gpscreen.GPModel, name string) (string, error) {
	if cfg.Store.Path == "" {
		return "", fmt.Errorf("--save needs store.path in the configuration")
	}

	snap, err := snapshot.FromModel(model, name)
	if err != nil {
		return "", err
	}

	store, err := snapshot.Open(cfg.Store.Path, cfg.Store.Bucket)
	if err != nil {
		return "", err
	}
	defer store.Close()

	if err := store.Put(cmd.Context(), snap); err != nil {
		return "", err
	}

	log.Info("snapshot saved", zap.String("id", snap.ID), zap.String("name", name))

	return snap.ID, nil
}
