package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thalesfsp/gpscreen"
)

const sampleYAML = `
log_level: debug
log_format: json
normalize_targets: true
kernel:
  family: sum
  parts:
    - family: squared_exponential
    - family: constant
optimizer:
  restarts: 2
  max_iterations: 50
  min_improvement: 0.05
acquisition:
  policy: posterior_variance
  goal: minimize
hierarchy:
  sizes: [10, 20, 40]
  repeats: 5
  metric: mae
  workers: 4
screen:
  iterations: 3
  batch_size: 2
store:
  path: /tmp/gpscreen.db
`

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, gpscreen.FamilySum, cfg.Kernel.Family)
	assert.Len(t, cfg.Kernel.Parts, 2)
	assert.Equal(t, 2, cfg.Optimizer.Restarts)
	assert.Equal(t, 50, cfg.Optimizer.MaxIterations)

	// Keys missing from the file keep their defaults.
	assert.Equal(t, Default().Optimizer.GradientThreshold, cfg.Optimizer.GradientThreshold)
	assert.Equal(t, "snapshots", cfg.Store.Bucket)

	assert.Equal(t, []int{10, 20, 40}, cfg.Hierarchy.Sizes)
	assert.Equal(t, 5, cfg.Hierarchy.Repeats)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"Bad log level", "log_level: verbose"},
		{"Unknown kernel", "kernel: {family: matern}"},
		{"Empty sum", "kernel: {family: sum}"},
		{"Unknown policy", "acquisition: {policy: greedy}"},
		{"Unknown goal", "acquisition: {goal: sideways}"},
		{"Decreasing sizes", "hierarchy: {sizes: [20, 10]}"},
		{"Zero repeats", "hierarchy: {repeats: 0}"},
		{"Unknown metric", "hierarchy: {metric: r2}"},
		{"Negative restarts", "optimizer: {restarts: -1}"},
		{"Negative min improvement", "optimizer: {min_improvement: -1}"},
		{"Zero batch", "screen: {batch_size: 0}"},
		{"Malformed", "kernel: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConverters(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	k, err := cfg.KernelValue()
	require.NoError(t, err)
	assert.Equal(t, gpscreen.FamilySum, k.Family())

	acq := cfg.AcquisitionConfig(nil)
	assert.Equal(t, gpscreen.PolicyPosteriorVariance, acq.Policy)
	assert.Equal(t, gpscreen.GoalMinimize, acq.Goal)

	hc, err := cfg.HierarchyConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, gpscreen.MetricMAE, hc.Metric)
	assert.Equal(t, 4, hc.Workers)
	assert.True(t, hc.GP.NormalizeTargets)

	sc, err := cfg.ScreenConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Iterations)
	assert.Equal(t, 2, sc.BatchSize)
	assert.Equal(t, 2, sc.Optimizer.Restarts)
	assert.Equal(t, 0.05, sc.Optimizer.MinImprovement)

	_, err = gpscreen.NewHierarchyCV(hc)
	assert.NoError(t, err)
}
