package gpscreen

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// ScreenConfig controls an active-learning screening run.
type ScreenConfig struct {
	// Iterations is the maximum number of select-evaluate-refit rounds.
	Iterations int

	// BatchSize is the number of candidates evaluated per round.
	BatchSize int

	// GP configures the surrogate model.
	GP GPConfig

	// Optimizer configures the hyperparameter search done every round.
	Optimizer OptimizerConfig

	// Acquisition configures candidate scoring.
	Acquisition AcquisitionConfig

	// ProgressChan receives one update per round. Sends never block.
	ProgressChan chan<- ProgressUpdate

	// Logger receives per-round diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Evaluation is one oracle call.
type Evaluation struct {
	// Index is the candidate's row in the pool.
	Index int

	// Iteration is the round the candidate was selected in (1-based).
	Iteration int

	// Target is the measured value; meaningless when Err is set.
	Target float64

	// Err is the oracle's error, if any.
	Err error
}

// ScreenResult is the outcome of Screen.
type ScreenResult struct {
	// Evaluations lists every oracle call in order.
	Evaluations []Evaluation

	// BestIndex is the pool row of the best target, or -1 when the best
	// target came from the initial training set.
	BestIndex int

	// BestTarget is the best target seen, initial data included.
	BestTarget float64

	// Model is the surrogate fitted on all successful observations.
	Model *GPModel

	// Optimization is the last hyperparameter search.
	Optimization *OptimizationResult

	// Iterations is the number of rounds run.
	Iterations int
}

//////
// Exported functionalities.
//////

// DefaultScreenConfig returns a default configuration: expected improvement
// on a maximized target, one candidate per round.
func DefaultScreenConfig(kernel Kernel) ScreenConfig {
	return ScreenConfig{
		Iterations:  10,
		BatchSize:   1,
		GP:          DefaultGPConfig(kernel),
		Optimizer:   DefaultOptimizerConfig(),
		Acquisition: DefaultAcquisitionConfig(),
	}
}

// Screen runs active learning over a finite pool of candidate structures.
//
// Parameters:
// - ctx: checked at the start of every round and passed to the oracle
// - config: ScreenConfig controlling the run
// - X, y: initial training data (at least one row)
// - pool: unevaluated candidates, one per row, same columns as X
// - oracle: evaluates the true target of a pool row
//
// Returns:
// - *ScreenResult: every evaluation, the best target and the final model
// - error: a data, optimizer or fit error, or the context error
//
// Usage example:
//
//	config := DefaultScreenConfig(&SquaredExponential{})
//	config.Acquisition.Goal = GoalMinimize
//	config.BatchSize = 4
//
//	res, err := Screen(ctx, config, X, y, pool, func(ctx context.Context, i int, f []float64) (float64, error) {
//	    return relax(ctx, structures[i])
//	})
//	if err == nil {
//	    fmt.Println("best:", res.BestIndex, res.BestTarget)
//	}
//
// How it works:
// 1. Optimizes the hyperparameters and fits the model on the observations
// 2. Scores the remaining pool against the best observed target
// 3. Selects the next batch and evaluates it with the oracle
// 4. Appends successful evaluations to the observations
// 5. Repeats until Iterations rounds ran or the pool is exhausted, then
// refits on everything observed
//
// Important notes:
// - A failed oracle call is recorded in the result and the candidate is
// removed from the pool; its target is never fed to the model
// - Every round refits from scratch
func Screen(
	ctx context.Context,
	config ScreenConfig,
	X mat.Matrix,
	y []float64,
	pool mat.Matrix,
	oracle OracleFunc,
) (*ScreenResult, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return nil, err
	}

	if oracle == nil {
		return nil, fmt.Errorf("%w: oracle is required", ErrInvalidData)
	}

	if pool == nil {
		return nil, fmt.Errorf("%w: nil candidate pool", ErrInvalidData)
	}

	_, dim := Xc.Dims()
	poolRows, poolDim := pool.Dims()

	if poolDim != dim {
		return nil, fmt.Errorf("%w: pool has %d features, training data has %d", ErrDimensionMismatch, poolDim, dim)
	}

	if config.BatchSize < 1 {
		config.BatchSize = 1
	}

	logger := loggerOrNop(config.Logger).Named("screen")

	if config.GP.Logger == nil {
		config.GP.Logger = config.Logger
	}

	if config.Optimizer.Logger == nil {
		config.Optimizer.Logger = config.Logger
	}

	if config.Acquisition.Logger == nil {
		config.Acquisition.Logger = config.Logger
	}

	model, err := NewGPModel(config.GP)
	if err != nil {
		return nil, err
	}

	engine, err := NewAcquisitionEngine(config.Acquisition)
	if err != nil {
		return nil, err
	}

	poolDense := mat.DenseCopyOf(pool)
	poolFeatures := rowsOf(poolDense)

	remaining := make([]int, poolRows)
	for i := range remaining {
		remaining[i] = i
	}

	obsX := rowsOf(Xc)
	obsY := append([]float64(nil), y...)

	result := &ScreenResult{
		BestIndex:  -1,
		BestTarget: engine.Incumbent(obsY),
		Model:      model,
	}

	goal := engine.config.Goal
	dirty := true

	// sendProgress sends a progress update without blocking.
	sendProgress := func(iteration int, selected []int) {
		if config.ProgressChan == nil {
			return
		}

		update := ProgressUpdate{
			Phase:             "Screening",
			CurrentIteration:  iteration,
			TotalIterations:   config.Iterations,
			Size:              len(obsY),
			Selected:          selected,
			CurrentBestTarget: result.BestTarget,
		}

		select {
		case config.ProgressChan <- update:
		default:
			// Skip update if channel is full.
		}
	}

	for it := 1; it <= config.Iterations && len(remaining) > 0; it++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("screening interrupted at round %d: %w", it, err)
		}

		trainX := denseFromRows(obsX)

		opt, _, err := Train(ctx, model, trainX, obsY, config.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", it, err)
		}

		result.Optimization = opt
		dirty = false

		candidates := mat.NewDense(len(remaining), dim, nil)
		for i, idx := range remaining {
			candidates.SetRow(i, poolFeatures[idx])
		}

		scores, err := engine.Score(model, candidates, engine.Incumbent(obsY))
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", it, err)
		}

		picked := engine.Select(scores, config.BatchSize)

		selected := make([]int, len(picked))
		for i, p := range picked {
			selected[i] = remaining[p]
		}

		for _, idx := range selected {
			target, err := oracle(ctx, idx, append([]float64(nil), poolFeatures[idx]...))
			if err == nil && (math.IsNaN(target) || math.IsInf(target, 0)) {
				err = fmt.Errorf("%w: oracle returned %g", ErrInvalidData, target)
			}

			result.Evaluations = append(result.Evaluations, Evaluation{
				Index:     idx,
				Iteration: it,
				Target:    target,
				Err:       err,
			})

			if err != nil {
				logger.Warn("candidate evaluation failed",
					zap.Int("index", idx),
					zap.Int("iteration", it),
					zap.Error(err),
				)

				continue
			}

			obsX = append(obsX, poolFeatures[idx])
			obsY = append(obsY, target)
			dirty = true

			if better(target, result.BestTarget, goal) {
				result.BestTarget = target
				result.BestIndex = idx
			}
		}

		remaining = without(remaining, selected)
		result.Iterations = it

		logger.Debug("screening round finished",
			zap.Int("iteration", it),
			zap.Ints("selected", selected),
			zap.Int("observations", len(obsY)),
			zap.Float64("best_target", result.BestTarget),
		)

		sendProgress(it, selected)
	}

	if dirty {
		opt, _, err := Train(ctx, model, denseFromRows(obsX), obsY, config.Optimizer)
		if err != nil {
			return nil, fmt.Errorf("final refit: %w", err)
		}

		result.Optimization = opt
	}

	return result, nil
}

//////
// Helpers.
//////

func better(candidate, incumbent float64, goal Goal) bool {
	if goal == GoalMinimize {
		return candidate < incumbent
	}

	return candidate > incumbent
}

func without(idx, drop []int) []int {
	skip := make(map[int]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}

	out := idx[:0]

	for _, i := range idx {
		if _, ok := skip[i]; !ok {
			out = append(out, i)
		}
	}

	return out
}

func denseFromRows(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}

	return m
}
