package gpscreen

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestOptimizeNeverWorseThanStart(t *testing.T) {
	ctx := context.Background()

	starts := []Hyperparameters{
		{Kernel: []float64{0.05, 0.05, 1}, Noise: 0.5},
		{Kernel: []float64{1, 1, 1}, Noise: 0.01},
		{Kernel: []float64{20, 20, 0.01}, Noise: 1e-5},
	}

	for seed := int64(1); seed <= 3; seed++ {
		X, y := smoothData(seed, 20)
		gp := newTestModel(t, &SquaredExponential{}, true)

		bounds := []Bound{
			{Lower: 1e-2, Upper: 1e2},
			{Lower: 1e-2, Upper: 1e2},
			{Lower: 1e-3, Upper: 1e2},
			{Lower: 1e-6, Upper: 1},
		}

		for _, start := range starts {
			cfg := DefaultOptimizerConfig()
			cfg.Seed = seed

			res, err := NewLMLOptimizer(gp, cfg).Optimize(ctx, X, y, start, bounds)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, res.LML, res.InitialLML)

			lml, _, err := gp.LogMarginalLikelihood(X, y, res.Hyper)
			require.NoError(t, err)
			assert.InDelta(t, res.LML, lml, 1e-8)

			for i, v := range res.Hyper.Vector() {
				assert.GreaterOrEqual(t, v, bounds[i].Lower)
				assert.LessOrEqual(t, v, bounds[i].Upper)
			}
		}
	}
}

func TestOptimizeImprovesPoorStart(t *testing.T) {
	X, y := smoothData(21, 25)
	gp := newTestModel(t, &SquaredExponential{}, true)

	initial, bounds, err := DefaultHyperparameters(gp, X, y)
	require.NoError(t, err)

	// Start with tiny length-scales: every point looks independent.
	initial.Kernel[0] = bounds[0].Lower * 1.5
	initial.Kernel[1] = bounds[1].Lower * 1.5

	res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(context.Background(), X, y, initial, bounds)
	require.NoError(t, err)

	assert.Greater(t, res.LML, res.InitialLML+1)
	assert.GreaterOrEqual(t, res.Restart, 0)
}

func TestOptimizeEscapesFlatStart(t *testing.T) {
	X, y := smoothData(21, 25)
	gp := newTestModel(t, &SquaredExponential{}, true)

	initial, bounds, err := DefaultHyperparameters(gp, X, y)
	require.NoError(t, err)

	defaultLML, _, err := gp.LogMarginalLikelihood(X, y, initial)
	require.NoError(t, err)

	// Gradients with respect to tiny length-scales vanish, so a run started
	// there barely moves.
	initial.Kernel[0] = bounds[0].Lower * 1.5
	initial.Kernel[1] = bounds[1].Lower * 1.5

	res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(context.Background(), X, y, initial, bounds)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(res.Trace), 2)
	assert.GreaterOrEqual(t, res.Restart, 1)
	assert.Greater(t, res.LML, defaultLML-1)

	// The first restart starts at the centre of the box in log space.
	for i, v := range res.Trace[1].Start.Vector() {
		centre := math.Sqrt(bounds[i].Lower * bounds[i].Upper)
		assert.InDelta(t, 1, v/centre, 1e-9, "slot %d", i)
	}
}

func TestNeedsRestart(t *testing.T) {
	opt := NewLMLOptimizer(newTestModel(t, &SquaredExponential{}, true), DefaultOptimizerConfig())

	tests := []struct {
		name  string
		trace []RestartTrace
		best  int
		want  bool
	}{
		{"No successful run", []RestartTrace{{Err: ErrSingularCovariance}}, -1, true},
		{"Negligible gain", []RestartTrace{{FinalLML: -10 + 5e-3}}, 0, true},
		{"No gain", []RestartTrace{{FinalLML: -10}}, 0, true},
		{"On boundary", []RestartTrace{{FinalLML: -5, OnBoundary: true}}, 0, true},
		{"Clear gain", []RestartTrace{{FinalLML: -9.5}}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opt.needsRestart(tt.trace, tt.best, -10))
		})
	}

	assert.False(t, opt.needsRestart([]RestartTrace{{FinalLML: -10}}, 0, math.NaN()))
}

func TestRestartStartsSpreadAcrossBounds(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.Restarts = 5

	opt := NewLMLOptimizer(newTestModel(t, &SquaredExponential{}, true), cfg)

	starts := opt.restartStarts(3)
	require.Len(t, starts, 5)
	assert.Equal(t, []float64{0, 0, 0}, starts[0])

	for k := 0; k < 3; k++ {
		strata := map[int]bool{}

		for _, u := range starts[1:] {
			f := sigmoid(u[k])
			require.Greater(t, f, 0.0)
			require.Less(t, f, 1.0)

			strata[int((f-0.02)/0.96*4)] = true
		}

		// Every later restart lands in its own quarter of the range.
		assert.Len(t, strata, 4, "slot %d", k)
	}

	assert.Equal(t, starts, opt.restartStarts(3))

	cfg.Restarts = 0
	assert.Empty(t, NewLMLOptimizer(newTestModel(t, &SquaredExponential{}, true), cfg).restartStarts(3))
}

func TestTransformOnBoundary(t *testing.T) {
	tr, err := newTransform([]Bound{{Lower: 1e-2, Upper: 1e2}, {Lower: 3, Upper: 3}}, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []int{0}, tr.free)

	// at returns the value at fraction f of the slot's log-range.
	at := func(f float64) []float64 {
		return []float64{math.Exp(math.Log(1e-2) + f*math.Log(1e4)), 3}
	}

	tests := []struct {
		name string
		f    float64
		want bool
	}{
		{"Near lower", 0.005, true},
		{"Near upper", 0.995, true},
		{"Inside lower", 0.02, false},
		{"Inside upper", 0.98, false},
		{"Centre", 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.onBoundary(tr.toFree(at(tt.f)), 0.01))
		})
	}
}

func TestOptimizeTrace(t *testing.T) {
	X, y := smoothData(4, 15)
	gp := newTestModel(t, &Laplacian{Isotropic: true}, true)

	initial, bounds, err := DefaultHyperparameters(gp, X, y)
	require.NoError(t, err)

	res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(context.Background(), X, y, initial, bounds)
	require.NoError(t, err)

	require.NotEmpty(t, res.Trace)
	assert.LessOrEqual(t, len(res.Trace), DefaultOptimizerConfig().Restarts+1)

	first := res.Trace[0]
	assert.Equal(t, 0, first.Restart)
	require.NoError(t, first.Err)
	require.NotEmpty(t, first.Points)

	// The first recorded point is the caller's start, up to the bounded
	// reparameterization.
	assert.InDelta(t, res.InitialLML, first.Points[0].LML, 1e-6)
	assert.InDeltaSlice(t, initial.Vector(), first.Points[0].Hyper.Vector(), 1e-6)

	for i, run := range res.Trace {
		assert.Equal(t, i, run.Restart)

		if run.Err == nil {
			assert.LessOrEqual(t, run.FinalLML, res.LML+1e-9)
		}
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	X, y := smoothData(8, 15)

	run := func() *OptimizationResult {
		gp := newTestModel(t, &SquaredExponential{}, true)

		initial, bounds, err := DefaultHyperparameters(gp, X, y)
		require.NoError(t, err)

		res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(context.Background(), X, y, initial, bounds)
		require.NoError(t, err)

		return res
	}

	a, b := run(), run()

	assert.Equal(t, a.Hyper, b.Hyper)
	assert.Equal(t, a.LML, b.LML)
	assert.Equal(t, len(a.Trace), len(b.Trace))
}

func TestOptimizePinnedSlot(t *testing.T) {
	X, y := smoothData(5, 12)
	gp := newTestModel(t, &SquaredExponential{Isotropic: true}, true)

	bounds := []Bound{
		{Lower: 1e-2, Upper: 1e2},
		{Lower: 1e-2, Upper: 1e2},
		{Lower: 0.1, Upper: 0.1},
	}

	res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(
		context.Background(), X, y,
		Hyperparameters{Kernel: []float64{1, 1}, Noise: 0.1},
		bounds,
	)
	require.NoError(t, err)

	assert.InDelta(t, 0.1, res.Hyper.Noise, 1e-12)
}

func TestOptimizeInvalidInput(t *testing.T) {
	X, y := smoothData(6, 8)
	gp := newTestModel(t, &SquaredExponential{}, true)
	opt := NewLMLOptimizer(gp, DefaultOptimizerConfig())
	ctx := context.Background()

	good := []Bound{{1e-2, 1e2}, {1e-2, 1e2}, {1e-2, 1e2}, {1e-6, 1}}
	start := Hyperparameters{Kernel: []float64{1, 1, 1}, Noise: 0.01}

	tests := []struct {
		name   string
		start  Hyperparameters
		bounds []Bound
	}{
		{"Start outside bounds", Hyperparameters{Kernel: []float64{1, 1, 1000}, Noise: 0.01}, good},
		{"Zero lower bound", start, []Bound{{0, 1e2}, {1e-2, 1e2}, {1e-2, 1e2}, {1e-6, 1}}},
		{"Inverted bounds", start, []Bound{{1e2, 1e-2}, {1e-2, 1e2}, {1e-2, 1e2}, {1e-6, 1}}},
		{"Too few bounds", start, good[:3]},
		{"Wrong hyperparameter count", Hyperparameters{Kernel: []float64{1, 1}, Noise: 0.01}, good},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := opt.Optimize(ctx, X, y, tt.start, tt.bounds)
			assert.ErrorIs(t, err, ErrInvalidHyperparameter)
		})
	}
}

func TestOptimizeDiverged(t *testing.T) {
	X := mat.NewDense(3, 1, []float64{2, 2, 2})
	y := []float64{0, 1, 2}

	cfg := DefaultGPConfig(&SquaredExponential{})
	cfg.InitialJitter = 1e-30
	cfg.MaxJitterAttempts = 1

	gp, err := NewGPModel(cfg)
	require.NoError(t, err)

	optCfg := DefaultOptimizerConfig()
	optCfg.Restarts = 2

	_, err = NewLMLOptimizer(gp, optCfg).Optimize(
		context.Background(), X, y,
		Hyperparameters{Kernel: []float64{1, 1}, Noise: 1e-30},
		[]Bound{{1e-1, 1e1}, {1e-1, 1e1}, {1e-30, 1e-30}},
	)
	require.ErrorIs(t, err, ErrOptimizationDiverged)
	assert.ErrorIs(t, err, ErrSingularCovariance)

	var dErr *OptimizationDivergedError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, 3, dErr.Restarts)
}

func TestOptimizeCancelled(t *testing.T) {
	X, y := smoothData(7, 8)
	gp := newTestModel(t, &SquaredExponential{}, true)

	initial, bounds, err := DefaultHyperparameters(gp, X, y)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(ctx, X, y, initial, bounds)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultHyperparameters(t *testing.T) {
	X, y := smoothData(10, 30)

	normalized := newTestModel(t, &SquaredExponential{}, true)

	h, bounds, err := DefaultHyperparameters(normalized, X, y)
	require.NoError(t, err)
	require.Len(t, bounds, 4)
	assert.Equal(t, 1.0, h.Kernel[2])
	assert.InDelta(t, 1e-2, h.Noise, 1e-15)

	raw := newTestModel(t, &SquaredExponential{}, false)

	h, _, err = DefaultHyperparameters(raw, X, y)
	require.NoError(t, err)
	assert.InDelta(t, stat.PopVariance(y, nil), h.Kernel[2], 1e-12)

	col := mat.Col(nil, 0, X)
	_, std := stat.PopMeanStdDev(col, nil)
	assert.InDelta(t, std, h.Kernel[0], 1e-12)
}

func TestTrain(t *testing.T) {
	X, y := smoothData(12, 20)
	gp := newTestModel(t, &SquaredExponential{}, true)

	res, state, err := Train(context.Background(), gp, X, y, DefaultOptimizerConfig())
	require.NoError(t, err)

	assert.Same(t, state, gp.State())
	assert.Equal(t, res.Hyper, state.Hyper)
	assert.InDelta(t, res.LML, state.LML, 1e-8)
}
