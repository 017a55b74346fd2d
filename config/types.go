package config

import (
	"github.com/thalesfsp/gpscreen"
)

// Config is the root configuration of a gpscreen run.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// NormalizeTargets standardizes targets before fitting.
	NormalizeTargets bool `yaml:"normalize_targets"`

	Kernel      gpscreen.KernelSpec `yaml:"kernel"`
	Optimizer   Optimizer           `yaml:"optimizer"`
	Acquisition Acquisition         `yaml:"acquisition"`
	Hierarchy   Hierarchy           `yaml:"hierarchy"`
	Screen      Screen              `yaml:"screen"`
	Store       Store               `yaml:"store"`
}

// Optimizer configures the log marginal likelihood optimizer.
type Optimizer struct {
	Restarts          int     `yaml:"restarts"`
	MaxIterations     int     `yaml:"max_iterations"`
	GradientThreshold float64 `yaml:"gradient_threshold"`
	MinImprovement    float64 `yaml:"min_improvement"`
	BoundaryTolerance float64 `yaml:"boundary_tolerance"`
	Seed              int64   `yaml:"seed"`
}

// Acquisition configures candidate scoring.
type Acquisition struct {
	Policy  string  `yaml:"policy"`
	Goal    string  `yaml:"goal"`
	Beta    float64 `yaml:"beta"`
	Xi      float64 `yaml:"xi"`
	ZeroStd float64 `yaml:"zero_std"`
	Seed    int64   `yaml:"seed"`
}

// Hierarchy configures learning curves.
type Hierarchy struct {
	Sizes       []int  `yaml:"sizes"`
	Repeats     int    `yaml:"repeats"`
	Metric      string `yaml:"metric"`
	MinHoldout  int    `yaml:"min_holdout"`
	HoldoutSize int    `yaml:"holdout_size"`
	Workers     int    `yaml:"workers"`
	Seed        int64  `yaml:"seed"`
}

// Screen configures an active-learning run.
type Screen struct {
	Iterations int `yaml:"iterations"`
	BatchSize  int `yaml:"batch_size"`
}

// Store configures the snapshot store.
type Store struct {
	// Path is the bbolt file. Empty disables snapshots.
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}
