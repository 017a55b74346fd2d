package config

import (
	"fmt"
	"os"

	"github.com/thalesfsp/gpscreen"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default returns a configuration that validates as is.
func Default() *Config {
	opt := gpscreen.DefaultOptimizerConfig()
	acq := gpscreen.DefaultAcquisitionConfig()

	return &Config{
		LogLevel:         "info",
		LogFormat:        "text",
		NormalizeTargets: true,
		Kernel:           gpscreen.KernelSpec{Family: gpscreen.FamilySquaredExponential},
		Optimizer: Optimizer{
			Restarts:          opt.Restarts,
			MaxIterations:     opt.MaxIterations,
			GradientThreshold: opt.GradientThreshold,
			MinImprovement:    opt.MinImprovement,
			BoundaryTolerance: opt.BoundaryTolerance,
			Seed:              opt.Seed,
		},
		Acquisition: Acquisition{
			Policy:  string(acq.Policy),
			Goal:    string(acq.Goal),
			Beta:    acq.Beta,
			Xi:      acq.Xi,
			ZeroStd: acq.ZeroStd,
			Seed:    acq.Seed,
		},
		Hierarchy: Hierarchy{
			Repeats:    3,
			Metric:     string(gpscreen.MetricRMSE),
			MinHoldout: 1,
			Workers:    1,
			Seed:       1,
		},
		Screen: Screen{
			Iterations: 10,
			BatchSize:  1,
		},
		Store: Store{
			Bucket: "snapshots",
		},
	}
}

// Load loads and parses a configuration file. Keys missing from the file
// keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Parse parses a Config from YAML bytes on top of Default and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate performs validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", cfg.LogFormat)
	}

	if _, err := cfg.Kernel.Build(); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	if err := validateOptimizer(&cfg.Optimizer); err != nil {
		return fmt.Errorf("optimizer validation failed: %w", err)
	}

	if err := validateAcquisition(&cfg.Acquisition); err != nil {
		return fmt.Errorf("acquisition validation failed: %w", err)
	}

	if err := validateHierarchy(&cfg.Hierarchy); err != nil {
		return fmt.Errorf("hierarchy validation failed: %w", err)
	}

	if cfg.Screen.Iterations < 0 {
		return fmt.Errorf("screen iterations cannot be negative, got %d", cfg.Screen.Iterations)
	}

	if cfg.Screen.BatchSize <= 0 {
		return fmt.Errorf("screen batch_size must be positive, got %d", cfg.Screen.BatchSize)
	}

	if cfg.Store.Path != "" && cfg.Store.Bucket == "" {
		return fmt.Errorf("store bucket cannot be empty when a path is set")
	}

	return nil
}

func validateOptimizer(o *Optimizer) error {
	if o.Restarts < 0 {
		return fmt.Errorf("restarts cannot be negative, got %d", o.Restarts)
	}

	if o.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", o.MaxIterations)
	}

	if o.GradientThreshold <= 0 {
		return fmt.Errorf("gradient_threshold must be positive, got %g", o.GradientThreshold)
	}

	if o.MinImprovement < 0 {
		return fmt.Errorf("min_improvement cannot be negative, got %g", o.MinImprovement)
	}

	if o.BoundaryTolerance <= 0 || o.BoundaryTolerance >= 0.5 {
		return fmt.Errorf("boundary_tolerance must be in (0, 0.5), got %g", o.BoundaryTolerance)
	}

	return nil
}

func validateAcquisition(a *Acquisition) error {
	if _, err := gpscreen.AcquisitionPolicy(a.Policy).Func(); err != nil {
		return err
	}

	if err := gpscreen.Goal(a.Goal).Validate(); err != nil {
		return err
	}

	if a.Beta < 0 {
		return fmt.Errorf("beta cannot be negative, got %g", a.Beta)
	}

	if a.ZeroStd < 0 {
		return fmt.Errorf("zero_std cannot be negative, got %g", a.ZeroStd)
	}

	return nil
}

func validateHierarchy(h *Hierarchy) error {
	if h.Repeats < 1 {
		return fmt.Errorf("repeats must be at least 1, got %d", h.Repeats)
	}

	for i, size := range h.Sizes {
		if size <= 0 {
			return fmt.Errorf("sizes[%d] must be positive, got %d", i, size)
		}

		if i > 0 && size <= h.Sizes[i-1] {
			return fmt.Errorf("sizes must be strictly increasing, got %d after %d", size, h.Sizes[i-1])
		}
	}

	if h.Metric != string(gpscreen.MetricRMSE) && h.Metric != string(gpscreen.MetricMAE) {
		return fmt.Errorf("invalid metric: %s (must be rmse or mae)", h.Metric)
	}

	if h.MinHoldout < 1 {
		return fmt.Errorf("min_holdout must be at least 1, got %d", h.MinHoldout)
	}

	if h.HoldoutSize < 0 {
		return fmt.Errorf("holdout_size cannot be negative, got %d", h.HoldoutSize)
	}

	if h.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", h.Workers)
	}

	return nil
}

//////
// Converters.
//////

// KernelValue builds the configured kernel.
func (c *Config) KernelValue() (gpscreen.Kernel, error) {
	return c.Kernel.Build()
}

// GPConfig returns the model configuration.
func (c *Config) GPConfig(logger *zap.Logger) (gpscreen.GPConfig, error) {
	k, err := c.KernelValue()
	if err != nil {
		return gpscreen.GPConfig{}, err
	}

	gp := gpscreen.DefaultGPConfig(k)
	gp.NormalizeTargets = c.NormalizeTargets
	gp.Logger = logger

	return gp, nil
}

// OptimizerConfig returns the optimizer configuration.
func (c *Config) OptimizerConfig(logger *zap.Logger) gpscreen.OptimizerConfig {
	return gpscreen.OptimizerConfig{
		Restarts:          c.Optimizer.Restarts,
		MaxIterations:     c.Optimizer.MaxIterations,
		GradientThreshold: c.Optimizer.GradientThreshold,
		MinImprovement:    c.Optimizer.MinImprovement,
		BoundaryTolerance: c.Optimizer.BoundaryTolerance,
		Seed:              c.Optimizer.Seed,
		Logger:            logger,
	}
}

// AcquisitionConfig returns the acquisition configuration.
func (c *Config) AcquisitionConfig(logger *zap.Logger) gpscreen.AcquisitionConfig {
	return gpscreen.AcquisitionConfig{
		Policy:  gpscreen.AcquisitionPolicy(c.Acquisition.Policy),
		Goal:    gpscreen.Goal(c.Acquisition.Goal),
		Beta:    c.Acquisition.Beta,
		Xi:      c.Acquisition.Xi,
		ZeroStd: c.Acquisition.ZeroStd,
		Seed:    c.Acquisition.Seed,
		Logger:  logger,
	}
}

// HierarchyConfig returns the learning-curve configuration.
func (c *Config) HierarchyConfig(logger *zap.Logger) (gpscreen.HierarchyConfig, error) {
	gp, err := c.GPConfig(logger)
	if err != nil {
		return gpscreen.HierarchyConfig{}, err
	}

	return gpscreen.HierarchyConfig{
		GP:          gp,
		Optimizer:   c.OptimizerConfig(logger),
		Metric:      gpscreen.Metric(c.Hierarchy.Metric),
		MinHoldout:  c.Hierarchy.MinHoldout,
		HoldoutSize: c.Hierarchy.HoldoutSize,
		Workers:     c.Hierarchy.Workers,
		Seed:        c.Hierarchy.Seed,
		Logger:      logger,
	}, nil
}

// ScreenConfig returns the active-learning configuration.
func (c *Config) ScreenConfig(logger *zap.Logger) (gpscreen.ScreenConfig, error) {
	gp, err := c.GPConfig(logger)
	if err != nil {
		return gpscreen.ScreenConfig{}, err
	}

	return gpscreen.ScreenConfig{
		Iterations:  c.Screen.Iterations,
		BatchSize:   c.Screen.BatchSize,
		GP:          gp,
		Optimizer:   c.OptimizerConfig(logger),
		Acquisition: c.AcquisitionConfig(logger),
		Logger:      logger,
	}, nil
}
