package gpscreen

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// parabola peaks at x = 2.
func parabola(x float64) float64 {
	return -(x - 2) * (x - 2)
}

// screenSetup returns three initial observations and a grid pool on [0, 3).
func screenSetup() (*mat.Dense, []float64, *mat.Dense) {
	initial := []float64{0, 0.55, 3}

	X := mat.NewDense(len(initial), 1, initial)
	y := make([]float64, len(initial))

	for i, x := range initial {
		y[i] = parabola(x)
	}

	pool := mat.NewDense(30, 1, nil)
	for i := 0; i < 30; i++ {
		pool.Set(i, 0, 0.1*float64(i))
	}

	return X, y, pool
}

func parabolaOracle(_ context.Context, _ int, features []float64) (float64, error) {
	return parabola(features[0]), nil
}

func testScreenConfig() ScreenConfig {
	cfg := DefaultScreenConfig(&SquaredExponential{})
	cfg.Optimizer.Restarts = 1

	return cfg
}

func TestScreenFindsOptimum(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 10

	res, err := Screen(context.Background(), cfg, X, y, pool, parabolaOracle)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Iterations)
	require.Len(t, res.Evaluations, 10)

	seen := map[int]bool{}

	for i, e := range res.Evaluations {
		require.NoError(t, e.Err)
		assert.Equal(t, i+1, e.Iteration)
		assert.False(t, seen[e.Index], "candidate %d evaluated twice", e.Index)
		seen[e.Index] = true
	}

	require.GreaterOrEqual(t, res.BestIndex, 0)
	assert.Greater(t, res.BestTarget, -0.1)
	assert.Equal(t, parabola(pool.At(res.BestIndex, 0)), res.BestTarget)

	state := res.Model.State()
	require.NotNil(t, state)
	assert.Equal(t, 13, state.Size())
	assert.NotNil(t, res.Optimization)
}

func TestScreenMinimize(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 4
	cfg.BatchSize = 2
	cfg.Acquisition.Goal = GoalMinimize

	// Flip the target so the optimum becomes a minimum.
	for i := range y {
		y[i] = -y[i]
	}

	oracle := func(ctx context.Context, i int, f []float64) (float64, error) {
		v, err := parabolaOracle(ctx, i, f)

		return -v, err
	}

	res, err := Screen(context.Background(), cfg, X, y, pool, oracle)
	require.NoError(t, err)

	assert.Len(t, res.Evaluations, 8)
	assert.LessOrEqual(t, res.BestTarget, 1.0)

	for _, e := range res.Evaluations {
		assert.GreaterOrEqual(t, e.Target, res.BestTarget)
	}
}

func TestScreenOracleFailures(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 6

	errBroken := errors.New("relaxation did not converge")

	oracle := func(_ context.Context, i int, f []float64) (float64, error) {
		switch i % 3 {
		case 0:
			return 0, errBroken
		case 1:
			return math.NaN(), nil
		default:
			return parabola(f[0]), nil
		}
	}

	res, err := Screen(context.Background(), cfg, X, y, pool, oracle)
	require.NoError(t, err)
	require.Len(t, res.Evaluations, 6)

	ok := 0

	for _, e := range res.Evaluations {
		switch e.Index % 3 {
		case 0:
			assert.ErrorIs(t, e.Err, errBroken)
		case 1:
			assert.ErrorIs(t, e.Err, ErrInvalidData)
		default:
			assert.NoError(t, e.Err)
			ok++
		}
	}

	// Only successful evaluations reach the model.
	assert.Equal(t, 3+ok, res.Model.State().Size())

	if res.BestIndex >= 0 {
		assert.Equal(t, 2, res.BestIndex%3)
	}
}

func TestScreenInitialDataStaysBest(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 3

	oracle := func(context.Context, int, []float64) (float64, error) {
		return -100, nil
	}

	res, err := Screen(context.Background(), cfg, X, y, pool, oracle)
	require.NoError(t, err)

	assert.Equal(t, -1, res.BestIndex)
	assert.Equal(t, BestTarget(y, GoalMaximize), res.BestTarget)
}

func TestScreenExhaustsPool(t *testing.T) {
	X, y, _ := screenSetup()
	pool := mat.NewDense(3, 1, []float64{1, 1.5, 2})

	cfg := testScreenConfig()
	cfg.Iterations = 10
	cfg.BatchSize = 2

	res, err := Screen(context.Background(), cfg, X, y, pool, parabolaOracle)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Iterations)
	assert.Len(t, res.Evaluations, 3)
	assert.Equal(t, 2, res.BestIndex)
	assert.Equal(t, 0.0, res.BestTarget)
}

func TestScreenZeroIterationsStillFits(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 0

	calls := 0
	oracle := func(context.Context, int, []float64) (float64, error) {
		calls++

		return 0, nil
	}

	res, err := Screen(context.Background(), cfg, X, y, pool, oracle)
	require.NoError(t, err)

	assert.Zero(t, calls)
	assert.Zero(t, res.Iterations)
	assert.Empty(t, res.Evaluations)
	assert.NotNil(t, res.Optimization)
	require.NotNil(t, res.Model.State())
	assert.Equal(t, 3, res.Model.State().Size())
}

func TestScreenValidation(t *testing.T) {
	X, y, pool := screenSetup()
	ctx := context.Background()
	cfg := testScreenConfig()

	_, err := Screen(ctx, cfg, X, y, mat.NewDense(2, 2, nil), parabolaOracle)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = Screen(ctx, cfg, X, y, pool, nil)
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = Screen(ctx, cfg, X, y, nil, parabolaOracle)
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = Screen(ctx, cfg, X, y[:2], pool, parabolaOracle)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	bad := cfg
	bad.Acquisition.Policy = "random"

	_, err = Screen(ctx, bad, X, y, pool, parabolaOracle)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestScreenCancelled(t *testing.T) {
	X, y, pool := screenSetup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Screen(ctx, testScreenConfig(), X, y, pool, parabolaOracle)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScreenProgressChannel(t *testing.T) {
	X, y, pool := screenSetup()

	cfg := testScreenConfig()
	cfg.Iterations = 4

	// Create a bidirectional channel for progress updates.
	progressChan := make(chan ProgressUpdate, cfg.Iterations)

	// Assign the channel to config (will be automatically converted to send-only).
	cfg.ProgressChan = progressChan

	var counter int32

	done := make(chan struct{})

	// Start a goroutine to handle progress updates.
	go func() {
		defer close(done)

		for update := range progressChan {
			atomic.AddInt32(&counter, int32(update.CurrentIteration))
			assert.Equal(t, "Screening", update.Phase)
			assert.Len(t, update.Selected, 1)
		}
	}()

	_, err := Screen(context.Background(), cfg, X, y, pool, parabolaOracle)
	require.NoError(t, err)

	close(progressChan)
	<-done

	// 1 + 2 + 3 + 4.
	assert.Equal(t, int32(10), atomic.LoadInt32(&counter))
}
