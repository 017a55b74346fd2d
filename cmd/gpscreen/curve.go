package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thalesfsp/gpscreen"
	"gopkg.in/yaml.v3"
)

var (
	curveData    string
	curveSizes   []int
	curveRepeats int
	curveWorkers int
)

var curveCmd = &cobra.Command{
	Use:   "curve",
	Short: "Build a learning curve",
	Long: `Build a learning curve by nested resampling: for every training size,
random subsets are trained and scored on held-out rows.

Examples:
  gpscreen curve --data train.csv --sizes 10,20,40 --repeats 3
  gpscreen curve -c gpscreen.yaml --data train.csv --workers 4`,
	RunE: runCurve,
}

func init() {
	rootCmd.AddCommand(curveCmd)

	curveCmd.Flags().StringVar(&curveData, "data", "", "training CSV, target in the last column")
	curveCmd.Flags().IntSliceVar(&curveSizes, "sizes", nil, "training sizes (overrides hierarchy.sizes)")
	curveCmd.Flags().IntVar(&curveRepeats, "repeats", 0, "repeats per size (overrides hierarchy.repeats)")
	curveCmd.Flags().IntVar(&curveWorkers, "workers", 0, "concurrent units (overrides hierarchy.workers)")
	_ = curveCmd.MarkFlagRequired("data")
}

func runCurve(cmd *cobra.Command, _ []string) error {
	X, y, err := loadTraining(curveData, dataHeader)
	if err != nil {
		return err
	}

	hc, err := cfg.HierarchyConfig(log)
	if err != nil {
		return err
	}

	sizes := cfg.Hierarchy.Sizes
	if len(curveSizes) > 0 {
		sizes = curveSizes
	}

	if len(sizes) == 0 {
		return fmt.Errorf("no training sizes: set --sizes or hierarchy.sizes")
	}

	repeats := cfg.Hierarchy.Repeats
	if curveRepeats > 0 {
		repeats = curveRepeats
	}

	if curveWorkers > 0 {
		hc.Workers = curveWorkers
	}

	cv, err := gpscreen.NewHierarchyCV(hc)
	if err != nil {
		return err
	}

	curve, err := cv.Run(cmd.Context(), X, y, sizes, repeats)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(curve)
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}
