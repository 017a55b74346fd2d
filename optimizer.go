package gpscreen

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

// OptimizerConfig controls the LML optimizer.
type OptimizerConfig struct {
	// Restarts is the maximum number of extra runs after the first one.
	// They are only attempted while the best run sits on a bound or has not
	// improved on the initial point by at least MinImprovement.
	Restarts int

	// MaxIterations caps the L-BFGS major iterations of one run.
	MaxIterations int

	// GradientThreshold stops a run once the gradient norm drops below it.
	GradientThreshold float64

	// MinImprovement is the LML gain over the starting point below which a
	// run counts as stuck, e.g. on a plateau of vanishing gradients.
	MinImprovement float64

	// BoundaryTolerance is a fraction of a slot's log-span: a run whose
	// sigmoid position sigmoid(u) ends below it, or above 1 minus it, is
	// considered to have converged to that bound.
	BoundaryTolerance float64

	// Seed makes the restart starting points reproducible.
	Seed int64

	// Logger receives per-restart diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// TracePoint is one visited point of a run.
type TracePoint struct {
	Hyper Hyperparameters
	LML   float64
}

// RestartTrace records one optimizer run.
type RestartTrace struct {
	// Restart is the run index; 0 starts at the caller's point.
	Restart int

	// Start is the starting point of the run.
	Start Hyperparameters

	// Points are the major iterates, starting point first.
	Points []TracePoint

	// Final is the best point of the run and FinalLML its LML.
	Final    Hyperparameters
	FinalLML float64

	// OnBoundary is set when Final is within BoundaryTolerance of a bound.
	OnBoundary bool

	// Err is set when the run failed numerically.
	Err error
}

// OptimizationResult is the outcome of LMLOptimizer.Optimize.
type OptimizationResult struct {
	// Hyper is the best point found; LML its log marginal likelihood.
	Hyper Hyperparameters
	LML   float64

	// InitialLML is the LML of the caller's starting point (NaN if it could
	// not be evaluated).
	InitialLML float64

	// Restart is the index of the winning run, or -1 when no run improved on
	// the starting point.
	Restart int

	// Trace holds one entry per attempted run.
	Trace []RestartTrace
}

// LMLOptimizer maximizes the log marginal likelihood of a GPModel over its
// hyperparameters.
type LMLOptimizer struct {
	model  *GPModel
	config OptimizerConfig
	logger *zap.Logger
}

// transform maps unconstrained coordinates u to hyperparameters inside their
// bounds:
//
//	log(theta) = log(lower) + (log(upper) - log(lower)) * sigmoid(u)
//
// Slots with lower == upper are pinned and not optimized.
type transform struct {
	bounds   []Bound
	lo, span []float64
	free     []int
}

//////
// Methods.
//////

// Optimize searches hyperparameter space for the maximum of the log marginal
// likelihood of y given X.
//
// Parameters:
// - ctx: checked between runs; an in-flight run is never interrupted
// - X, y: training data
// - initial: starting point, inside bounds
// - bounds: one Bound per slot of the canonical layout (kernel..., noise),
// with 0 < Lower <= Upper < +Inf
//
// Returns:
// - *OptimizationResult: best hyperparameters and the per-run trace
// - error: *InvalidHyperparameterError for bad bounds or a starting point
// outside them, *OptimizationDivergedError when no run produced a finite
// LML, or the context error
//
// Usage example:
//
//	gp, _ := NewGPModel(DefaultGPConfig(&SquaredExponential{}))
//	initial, bounds, _ := DefaultHyperparameters(gp, X, y)
//	res, err := NewLMLOptimizer(gp, DefaultOptimizerConfig()).Optimize(ctx, X, y, initial, bounds)
//	if err == nil {
//	    _, err = gp.Fit(X, y, res.Hyper)
//	}
//
// How it works:
// 1. Evaluates the LML at the starting point
// 2. Runs L-BFGS on the negative LML in bounded coordinates
// 3. While the best run is on a bound or gained less than MinImprovement,
// restarts: first from the centre of the box, then from seeded points
// spread across the bounds (one stratum per restart and slot)
// 4. Returns the best run, or the starting point if nothing beat it
func (o *LMLOptimizer) Optimize(
	ctx context.Context,
	X mat.Matrix,
	y []float64,
	initial Hyperparameters,
	bounds []Bound,
) (*OptimizationResult, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return nil, err
	}

	_, dim := Xc.Dims()
	names := HyperparameterNames(o.model.kernel, dim)

	tr, err := newTransform(bounds, names)
	if err != nil {
		return nil, err
	}

	x0 := initial.Vector()
	if len(x0) != len(names) {
		return nil, &InvalidHyperparameterError{
			Name:   "count",
			Value:  float64(len(x0)),
			Reason: fmt.Sprintf("expected %d hyperparameters", len(names)),
		}
	}

	for i, v := range x0 {
		if v < bounds[i].Lower || v > bounds[i].Upper {
			return nil, &InvalidHyperparameterError{
				Name:   names[i],
				Value:  v,
				Reason: fmt.Sprintf("outside bounds [%g, %g]", bounds[i].Lower, bounds[i].Upper),
			}
		}
	}

	if err := o.model.validate(initial, dim); err != nil {
		return nil, err
	}

	result := &OptimizationResult{Restart: -1, InitialLML: math.NaN()}

	var (
		best    = -1
		lastErr error
	)

	if lml, _, err := o.model.LogMarginalLikelihood(Xc, y, initial); err == nil {
		result.InitialLML = lml
		result.Hyper = initial.Clone()
		result.LML = lml
	} else {
		lastErr = err
		o.logger.Debug("initial point could not be evaluated", zap.Error(err))
	}

	u0 := tr.toFree(x0)
	starts := o.restartStarts(len(u0))

	for r := 0; r <= o.config.Restarts; r++ {
		if r > 0 && (len(tr.free) == 0 || !o.needsRestart(result.Trace, best, result.InitialLML)) {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("lml optimization interrupted before restart %d: %w", r, err)
		}

		start := u0
		if r > 0 {
			start = starts[r-1]
		}

		run := o.run(Xc, y, tr, x0, start)
		run.Restart = r
		result.Trace = append(result.Trace, run)

		if run.Err != nil {
			lastErr = run.Err
			o.logger.Warn("lml optimizer restart failed",
				zap.Int("restart", r),
				zap.Error(run.Err),
			)

			continue
		}

		o.logger.Debug("lml optimizer restart finished",
			zap.Int("restart", r),
			zap.Float64("lml", run.FinalLML),
			zap.Bool("on_boundary", run.OnBoundary),
			zap.Int("iterations", len(run.Points)),
		)

		if best < 0 || run.FinalLML > result.Trace[best].FinalLML {
			best = len(result.Trace) - 1
		}
	}

	if best < 0 && math.IsNaN(result.InitialLML) {
		return nil, &OptimizationDivergedError{Restarts: len(result.Trace), Last: lastErr}
	}

	if best >= 0 {
		if winner := result.Trace[best]; math.IsNaN(result.InitialLML) || winner.FinalLML > result.InitialLML {
			result.Hyper = winner.Final.Clone()
			result.LML = winner.FinalLML
			result.Restart = winner.Restart
		}
	}

	return result, nil
}

// needsRestart decides whether another run is worth attempting.
func (o *LMLOptimizer) needsRestart(trace []RestartTrace, best int, initialLML float64) bool {
	if best < 0 {
		return true
	}

	if trace[best].OnBoundary {
		return true
	}

	return !math.IsNaN(initialLML) && trace[best].FinalLML <= initialLML+o.config.MinImprovement
}

// restartStarts returns the starting points of restarts 1..Restarts in
// unconstrained coordinates. Restart 1 starts at the centre of the box. The
// others form a seeded Latin hypercube over the bounds: along every slot,
// each restart falls in its own stratum of the log-range.
func (o *LMLOptimizer) restartStarts(nFree int) [][]float64 {
	const margin = 0.02

	starts := make([][]float64, o.config.Restarts)
	if len(starts) == 0 {
		return starts
	}

	starts[0] = make([]float64, nFree)

	m := len(starts) - 1
	if m == 0 {
		return starts
	}

	rng := rand.New(rand.NewSource(o.config.Seed))

	for r := 1; r <= m; r++ {
		starts[r] = make([]float64, nFree)
	}

	for k := 0; k < nFree; k++ {
		perm := rng.Perm(m)

		for r := 1; r <= m; r++ {
			f := (float64(perm[r-1]) + rng.Float64()) / float64(m)
			f = margin + (1-2*margin)*f
			starts[r][k] = math.Log(f / (1 - f))
		}
	}

	return starts
}

// run performs one L-BFGS minimization of the negative LML from start.
func (o *LMLOptimizer) run(X *mat.Dense, y []float64, tr *transform, x0, start []float64) RestartTrace {
	run := RestartTrace{Start: HyperparametersFromVector(tr.toFull(start, x0))}

	obj := &lmlObjective{model: o.model, X: X, y: y, tr: tr, base: x0}

	f0 := obj.Func(start)
	if math.IsInf(f0, 1) || math.IsNaN(f0) {
		run.Err = obj.lastErr
		if run.Err == nil {
			run.Err = fmt.Errorf("%w: non-finite lml at starting point", ErrOptimizationDiverged)
		}

		return run
	}

	if len(tr.free) == 0 {
		run.Final = run.Start
		run.FinalLML = -f0
		run.Points = []TracePoint{{Hyper: run.Start, LML: -f0}}

		return run
	}

	rec := &traceRecorder{tr: tr, base: x0}
	rec.add(start, f0)
	settings := &optimize.Settings{
		MajorIterations:   o.config.MaxIterations,
		GradientThreshold: o.config.GradientThreshold,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 25,
		},
		Recorder: rec,
	}

	problem := optimize.Problem{Func: obj.Func, Grad: obj.Grad}

	_, err := optimize.Minimize(problem, start, settings, &optimize.LBFGS{})
	if err != nil {
		// The best evaluated point is still usable; L-BFGS failing in the
		// line search near a flat optimum is common.
		o.logger.Debug("l-bfgs stopped with error", zap.Error(err))
	}

	if obj.bestU == nil {
		run.Err = fmt.Errorf("%w: no finite lml evaluated", ErrOptimizationDiverged)

		return run
	}

	run.Points = rec.points
	run.Final = HyperparametersFromVector(tr.toFull(obj.bestU, x0))
	run.FinalLML = -obj.bestF
	run.OnBoundary = tr.onBoundary(obj.bestU, o.config.BoundaryTolerance)

	return run
}

func newTransform(bounds []Bound, names []string) (*transform, error) {
	if len(bounds) != len(names) {
		return nil, &InvalidHyperparameterError{
			Name:   "bounds",
			Value:  float64(len(bounds)),
			Reason: fmt.Sprintf("expected %d bounds", len(names)),
		}
	}

	tr := &transform{
		bounds: bounds,
		lo:     make([]float64, len(bounds)),
		span:   make([]float64, len(bounds)),
	}

	for i, b := range bounds {
		if !(b.Lower > 0) || math.IsInf(b.Upper, 0) || math.IsNaN(b.Upper) || b.Upper < b.Lower {
			return nil, &InvalidHyperparameterError{
				Name:   names[i],
				Value:  b.Lower,
				Reason: fmt.Sprintf("invalid bounds [%g, %g]", b.Lower, b.Upper),
			}
		}

		tr.lo[i] = math.Log(b.Lower)
		tr.span[i] = math.Log(b.Upper) - tr.lo[i]

		if tr.span[i] > 0 {
			tr.free = append(tr.free, i)
		}
	}

	return tr, nil
}

// toFree maps a full hyperparameter vector to unconstrained coordinates.
func (t *transform) toFree(x []float64) []float64 {
	const eps = 1e-6

	u := make([]float64, len(t.free))

	for k, i := range t.free {
		f := (math.Log(x[i]) - t.lo[i]) / t.span[i]
		f = math.Min(math.Max(f, eps), 1-eps)
		u[k] = math.Log(f / (1 - f))
	}

	return u
}

// toFull maps unconstrained coordinates back to a full vector. Pinned slots
// take their lower bound; base supplies the vector length.
func (t *transform) toFull(u, base []float64) []float64 {
	x := make([]float64, len(base))

	for i := range x {
		x[i] = t.bounds[i].Lower
	}

	for k, i := range t.free {
		v := math.Exp(t.lo[i] + t.span[i]*sigmoid(u[k]))
		x[i] = math.Min(math.Max(v, t.bounds[i].Lower), t.bounds[i].Upper)
	}

	return x
}

// chain converts d/dtheta into d/du in place, for the free slots.
func (t *transform) chain(u, x, gradX, gradU []float64) {
	for k, i := range t.free {
		s := sigmoid(u[k])
		gradU[k] = gradX[i] * x[i] * t.span[i] * s * (1 - s)
	}
}

func (t *transform) onBoundary(u []float64, tol float64) bool {
	for _, v := range u {
		s := sigmoid(v)
		if s < tol || s > 1-tol {
			return true
		}
	}

	return false
}

func sigmoid(u float64) float64 {
	return 1 / (1 + math.Exp(-u))
}

// lmlObjective is the negative LML in unconstrained coordinates. gonum calls
// Func and Grad separately at the same point, so the last evaluation is
// cached.
type lmlObjective struct {
	model *GPModel
	X     *mat.Dense
	y     []float64
	tr    *transform
	base  []float64

	lastU    []float64
	lastF    float64
	lastGrad []float64
	lastErr  error

	bestU []float64
	bestF float64
}

func (o *lmlObjective) eval(u []float64) {
	if o.lastU != nil && equalVec(o.lastU, u) {
		return
	}

	o.lastU = append(o.lastU[:0], u...)
	x := o.tr.toFull(u, o.base)

	lml, grad, err := o.model.LogMarginalLikelihood(o.X, o.y, HyperparametersFromVector(x))
	if err != nil || math.IsNaN(lml) || math.IsInf(lml, 0) {
		o.lastErr = err
		o.lastF = math.Inf(1)
		o.lastGrad = make([]float64, len(u))

		return
	}

	o.lastF = -lml

	if len(o.lastGrad) != len(u) {
		o.lastGrad = make([]float64, len(u))
	}

	o.tr.chain(u, x, grad, o.lastGrad)

	for i := range o.lastGrad {
		o.lastGrad[i] = -o.lastGrad[i]
	}

	if o.bestU == nil || o.lastF < o.bestF {
		o.bestU = append(o.bestU[:0], u...)
		o.bestF = o.lastF
	}
}

func (o *lmlObjective) Func(u []float64) float64 {
	o.eval(u)

	return o.lastF
}

func (o *lmlObjective) Grad(grad, u []float64) {
	o.eval(u)
	copy(grad, o.lastGrad)
}

// traceRecorder implements optimize.Recorder and keeps the major iterates.
// The starting point is added by the caller: gonum's InitIteration record
// carries no evaluated location.
type traceRecorder struct {
	tr     *transform
	base   []float64
	lastU  []float64
	points []TracePoint
}

func (r *traceRecorder) Init() error { return nil }

func (r *traceRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 || equalVec(r.lastU, loc.X) {
		return nil
	}

	r.add(loc.X, loc.F)

	return nil
}

func (r *traceRecorder) add(u []float64, f float64) {
	r.lastU = append(r.lastU[:0], u...)
	r.points = append(r.points, TracePoint{
		Hyper: HyperparametersFromVector(r.tr.toFull(u, r.base)),
		LML:   -f,
	})
}

func equalVec(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

//////
// Exported functionalities.
//////

// DefaultOptimizerConfig returns a default configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Restarts:          4,
		MaxIterations:     200,
		GradientThreshold: 1e-6,
		MinImprovement:    1e-2,
		BoundaryTolerance: 1e-3,
		Seed:              1,
	}
}

// NewLMLOptimizer creates an optimizer that evaluates the LML through model.
// The model's fitted state is never touched.
func NewLMLOptimizer(model *GPModel, config OptimizerConfig) *LMLOptimizer {
	d := DefaultOptimizerConfig()

	if config.MaxIterations <= 0 {
		config.MaxIterations = d.MaxIterations
	}

	if config.GradientThreshold <= 0 {
		config.GradientThreshold = d.GradientThreshold
	}

	if config.MinImprovement < 0 || math.IsNaN(config.MinImprovement) {
		config.MinImprovement = d.MinImprovement
	}

	if config.BoundaryTolerance <= 0 {
		config.BoundaryTolerance = d.BoundaryTolerance
	}

	if config.Restarts < 0 {
		config.Restarts = 0
	}

	return &LMLOptimizer{
		model:  model,
		config: config,
		logger: loggerOrNop(config.Logger).Named("lml"),
	}
}

// DefaultHyperparameters derives a starting point and bounds for model from
// the training data. Length-scales start at the per-feature standard
// deviation; variances start at the target variance (1 when the model
// normalizes targets).
func DefaultHyperparameters(model *GPModel, X mat.Matrix, y []float64) (Hyperparameters, []Bound, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return Hyperparameters{}, nil, err
	}

	targetVar := 1.0

	if !model.normalize && len(y) > 1 {
		if v := stat.PopVariance(y, nil); v > 0 {
			targetVar = v
		}
	}

	kernel, bounds := model.kernel.Defaults(Xc, targetVar)
	bounds = append(bounds, Bound{Lower: targetVar * 1e-8, Upper: targetVar * 10})

	return Hyperparameters{Kernel: kernel, Noise: targetVar * 1e-2}, bounds, nil
}

// Train optimizes the hyperparameters of model from their defaults and fits
// the model with the result.
func Train(
	ctx context.Context,
	model *GPModel,
	X mat.Matrix,
	y []float64,
	config OptimizerConfig,
) (*OptimizationResult, *GPState, error) {
	initial, bounds, err := DefaultHyperparameters(model, X, y)
	if err != nil {
		return nil, nil, err
	}

	res, err := NewLMLOptimizer(model, config).Optimize(ctx, X, y, initial, bounds)
	if err != nil {
		return nil, nil, err
	}

	state, err := model.Fit(X, y, res.Hyper)
	if err != nil {
		return res, nil, fmt.Errorf("fit with optimized hyperparameters: %w", err)
	}

	return res, state, nil
}
