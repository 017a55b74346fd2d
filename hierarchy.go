package gpscreen

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

// Metric names a held-out error metric.
type Metric string

const (
	// MetricRMSE is the root-mean-square error.
	MetricRMSE Metric = "rmse"

	// MetricMAE is the mean absolute error.
	MetricMAE Metric = "mae"
)

// HierarchyConfig configures a HierarchyCV.
type HierarchyConfig struct {
	// GP configures the model trained for every (size, repeat) unit.
	GP GPConfig

	// Optimizer configures the hyperparameter search of every unit.
	Optimizer OptimizerConfig

	// Metric is the held-out error metric. Defaults to rmse.
	Metric Metric

	// MinHoldout is the smallest held-out subset accepted. Defaults to 1.
	MinHoldout int

	// HoldoutSize caps the held-out subset. 0 holds out every row not used
	// for training.
	HoldoutSize int

	// Workers is the number of units evaluated concurrently. Defaults to 1.
	// Results do not depend on it.
	Workers int

	// Seed drives the subset draws.
	Seed int64

	// ProgressChan receives one update per finished unit. Sends never
	// block.
	ProgressChan chan<- ProgressUpdate

	// Logger receives per-unit diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// LearningCurvePoint is the aggregated held-out error at one training size.
type LearningCurvePoint struct {
	Size     int       `yaml:"size"`
	Error    float64   `yaml:"error"`
	ErrorStd float64   `yaml:"error_std"`
	Repeats  int       `yaml:"repeats"`
	Errors   []float64 `yaml:"errors"`
}

// LearningCurve holds one point per training size, sizes strictly
// increasing.
type LearningCurve []LearningCurvePoint

// HierarchyCV builds learning curves by nested resampling: for every
// training size, repeated random training subsets are scored on disjoint
// held-out rows.
type HierarchyCV struct {
	config HierarchyConfig
	logger *zap.Logger
}

type cvUnit struct {
	sizeIdx, repeat int
}

//////
// Methods.
//////

// Sizes returns the training sizes of the curve.
func (c LearningCurve) Sizes() []int {
	out := make([]int, len(c))
	for i, p := range c {
		out[i] = p.Size
	}

	return out
}

// Errors returns the mean held-out error at each size.
func (c LearningCurve) Errors() []float64 {
	out := make([]float64, len(c))
	for i, p := range c {
		out[i] = p.Error
	}

	return out
}

// Run computes the learning curve of X, y.
//
// Parameters:
// - ctx: checked before every unit; cancellation stops the run
// - X, y: the full dataset
// - sizes: training sizes, positive and strictly increasing
// - nRepeats: number of random subsets per size, >= 1
//
// Returns:
// - LearningCurve: one point per size, in the given order
// - error: *InsufficientDataError for a size that leaves fewer than
// MinHoldout rows, ErrInvalidData for a bad schedule, or the first unit
// failure (optimizer or fit error)
//
// Usage example:
//
//	cv, _ := NewHierarchyCV(DefaultHierarchyConfig(&SquaredExponential{}))
//	curve, err := cv.Run(ctx, X, y, []int{10, 20, 40}, 3)
//	if err == nil {
//	    fmt.Println(curve.Sizes(), curve.Errors())
//	}
//
// How it works:
// 1. Validates the whole schedule before any training
// 2. For every (size, repeat) pair, draws a seeded permutation of the rows;
// the first size rows train, the next ones are held out
// 3. Optimizes hyperparameters, fits and predicts the held-out rows
// 4. Aggregates the metric over repeats (mean and population std-dev)
//
// Important notes:
// - Draws are independent across sizes, so a larger size does not
// necessarily contain a smaller size's training rows
// - Each unit owns its own model; nothing is shared between goroutines
func (h *HierarchyCV) Run(ctx context.Context, X mat.Matrix, y []float64, sizes []int, nRepeats int) (LearningCurve, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return nil, err
	}

	n := len(y)

	if err := h.validate(n, sizes, nRepeats); err != nil {
		return nil, err
	}

	units := make([]cvUnit, 0, len(sizes)*nRepeats)
	for si := range sizes {
		for r := 0; r < nRepeats; r++ {
			units = append(units, cvUnit{sizeIdx: si, repeat: r})
		}
	}

	errs := make([][]float64, len(sizes))
	for si := range errs {
		errs[si] = make([]float64, nRepeats)
	}

	var (
		doneMu sync.Mutex
		done   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Workers)

	for _, u := range units {
		u := u

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			size := sizes[u.sizeIdx]

			e, err := h.evaluate(gctx, Xc, y, size, u)
			if err != nil {
				return fmt.Errorf("size %d repeat %d: %w", size, u.repeat, err)
			}

			errs[u.sizeIdx][u.repeat] = e

			doneMu.Lock()
			done++
			current := done
			doneMu.Unlock()

			h.logger.Debug("learning curve unit finished",
				zap.Int("size", size),
				zap.Int("repeat", u.repeat),
				zap.Float64("error", e),
			)

			h.sendProgress(ProgressUpdate{
				Phase:            "LearningCurve",
				CurrentIteration: current,
				TotalIterations:  len(units),
				Size:             size,
				Repeat:           u.repeat,
				Error:            e,
			})

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	curve := make(LearningCurve, len(sizes))

	for si, size := range sizes {
		mean := stat.Mean(errs[si], nil)

		var std float64
		if nRepeats > 1 {
			_, std = stat.PopMeanStdDev(errs[si], nil)
		}

		curve[si] = LearningCurvePoint{
			Size:     size,
			Error:    mean,
			ErrorStd: std,
			Repeats:  nRepeats,
			Errors:   errs[si],
		}
	}

	return curve, nil
}

// evaluate trains on one random subset of the given size and returns the
// held-out error.
func (h *HierarchyCV) evaluate(ctx context.Context, X *mat.Dense, y []float64, size int, u cvUnit) (float64, error) {
	n := len(y)

	rng := rand.New(rand.NewSource(h.unitSeed(u)))
	perm := rng.Perm(n)

	holdout := n - size
	if h.config.HoldoutSize > 0 && h.config.HoldoutSize < holdout {
		holdout = h.config.HoldoutSize
	}

	trainIdx := perm[:size]
	testIdx := perm[size : size+holdout]

	gpCfg := h.config.GP
	if gpCfg.Logger == nil {
		gpCfg.Logger = h.config.Logger
	}

	model, err := NewGPModel(gpCfg)
	if err != nil {
		return 0, err
	}

	optCfg := h.config.Optimizer
	if optCfg.Logger == nil {
		optCfg.Logger = h.config.Logger
	}

	if _, _, err := Train(ctx, model, selectRows(X, trainIdx), selectValues(y, trainIdx), optCfg); err != nil {
		return 0, err
	}

	mean, _, err := model.Predict(selectRows(X, testIdx))
	if err != nil {
		return 0, err
	}

	return h.score(mean, selectValues(y, testIdx)), nil
}

func (h *HierarchyCV) unitSeed(u cvUnit) int64 {
	return h.config.Seed + int64(u.sizeIdx)*7919 + int64(u.repeat)*104729
}

func (h *HierarchyCV) score(pred, truth []float64) float64 {
	residual := make([]float64, len(pred))
	floats.SubTo(residual, pred, truth)

	switch h.config.Metric {
	case MetricMAE:
		return floats.Norm(residual, 1) / float64(len(residual))
	default:
		return floats.Norm(residual, 2) / math.Sqrt(float64(len(residual)))
	}
}

func (h *HierarchyCV) validate(n int, sizes []int, nRepeats int) error {
	if nRepeats < 1 {
		return fmt.Errorf("%w: repeats must be at least 1, got %d", ErrInvalidData, nRepeats)
	}

	if len(sizes) == 0 {
		return fmt.Errorf("%w: empty size schedule", ErrInvalidData)
	}

	for i, size := range sizes {
		if size < 1 {
			return fmt.Errorf("%w: training size %d must be positive", ErrInvalidData, size)
		}

		if i > 0 && size <= sizes[i-1] {
			return fmt.Errorf("%w: training sizes must be strictly increasing, got %d after %d", ErrInvalidData, size, sizes[i-1])
		}

		if size > n-h.config.MinHoldout {
			return &InsufficientDataError{Size: size, Rows: n, MinHoldout: h.config.MinHoldout}
		}
	}

	return nil
}

func (h *HierarchyCV) sendProgress(update ProgressUpdate) {
	if h.config.ProgressChan == nil {
		return
	}

	select {
	case h.config.ProgressChan <- update:
	default:
		// Skip update if channel is full.
	}
}

//////
// Factory.
//////

// DefaultHierarchyConfig returns an rmse learning-curve configuration for
// kernel.
func DefaultHierarchyConfig(kernel Kernel) HierarchyConfig {
	return HierarchyConfig{
		GP:         DefaultGPConfig(kernel),
		Optimizer:  DefaultOptimizerConfig(),
		Metric:     MetricRMSE,
		MinHoldout: 1,
		Workers:    1,
		Seed:       1,
	}
}

// NewHierarchyCV creates a learning-curve runner.
func NewHierarchyCV(config HierarchyConfig) (*HierarchyCV, error) {
	if config.GP.Kernel == nil {
		return nil, fmt.Errorf("%w: kernel is required", ErrInvalidData)
	}

	switch config.Metric {
	case "":
		config.Metric = MetricRMSE
	case MetricRMSE, MetricMAE:
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidData, string(config.Metric))
	}

	if config.MinHoldout < 1 {
		config.MinHoldout = 1
	}

	if config.Workers < 1 {
		config.Workers = 1
	}

	if config.HoldoutSize < 0 || (config.HoldoutSize > 0 && config.HoldoutSize < config.MinHoldout) {
		return nil, fmt.Errorf("%w: holdout size %d must be 0 or at least %d", ErrInvalidData, config.HoldoutSize, config.MinHoldout)
	}

	return &HierarchyCV{
		config: config,
		logger: loggerOrNop(config.Logger).Named("hierarchy"),
	}, nil
}
