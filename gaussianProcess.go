package gpscreen

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

const (
	// DefaultInitialJitter is the first jitter tried, relative to the mean
	// diagonal of the covariance.
	DefaultInitialJitter = 1e-10

	// DefaultMaxJitterAttempts bounds the jitter retries in Fit. Jitter grows
	// tenfold per attempt.
	DefaultMaxJitterAttempts = 8

	// maxCondition is the largest condition-number estimate accepted for a
	// Cholesky factor before jitter is added.
	maxCondition = 1e13
)

// GPConfig configures a GPModel.
type GPConfig struct {
	// Kernel is the covariance function. Required.
	Kernel Kernel

	// NormalizeTargets standardizes targets to zero mean and unit variance
	// before fitting. Predictions are mapped back to the original scale.
	NormalizeTargets bool

	// InitialJitter is the first diagonal jitter tried when the covariance
	// is not positive-definite, relative to its mean diagonal.
	InitialJitter float64

	// MaxJitterAttempts is the number of jitter retries before Fit fails.
	MaxJitterAttempts int

	// Logger receives jitter diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultGPConfig returns a configuration with target normalization on and
// the default jitter schedule.
func DefaultGPConfig(kernel Kernel) GPConfig {
	return GPConfig{
		Kernel:            kernel,
		NormalizeTargets:  true,
		InitialJitter:     DefaultInitialJitter,
		MaxJitterAttempts: DefaultMaxJitterAttempts,
	}
}

// GPState is the fitted state of a GPModel. It is built in full by every Fit
// and never mutated afterwards.
type GPState struct {
	// Hyper are the hyperparameters the state was fitted with.
	Hyper Hyperparameters

	// Jitter is the diagonal jitter that had to be added on top of the noise
	// variance (0 if none).
	Jitter float64

	// LML is the log marginal likelihood of the training targets.
	LML float64

	x     *mat.Dense
	y     []float64
	yMean float64
	yStd  float64
	chol  *mat.Cholesky
	alpha *mat.VecDense
}

// Features returns a copy of the training features.
func (s *GPState) Features() *mat.Dense { return mat.DenseCopyOf(s.x) }

// Targets returns a copy of the training targets.
func (s *GPState) Targets() []float64 {
	out := make([]float64, len(s.y))
	copy(out, s.y)

	return out
}

// Size returns the number of training rows.
func (s *GPState) Size() int { return len(s.y) }

// GPModel is a zero-mean Gaussian Process regression model with a
// homoscedastic noise term.
//
// Thread safety:
// - Predict may run concurrently with itself
// - Fit swaps the state under a write lock, so predictions never observe a
// partially built state; concurrent Fit calls must still be serialized by
// the caller if their ordering matters
// - LogMarginalLikelihood never touches the state and is always safe
type GPModel struct {
	// mu protects state.
	mu sync.RWMutex

	kernel     Kernel
	normalize  bool
	jitter0    float64
	maxJitters int
	logger     *zap.Logger
	state      *GPState
}

//////
// Methods.
//////

// Kernel returns the model's kernel.
func (gp *GPModel) Kernel() Kernel { return gp.kernel }

// NormalizeTargets reports whether targets are standardized before fitting.
func (gp *GPModel) NormalizeTargets() bool { return gp.normalize }

// State returns the current fitted state, or nil before the first Fit.
func (gp *GPModel) State() *GPState {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.state
}

// Fit builds the training covariance, adds the noise variance to its
// diagonal and factorizes it.
//
// Parameters:
// - X: training features (copied)
// - y: training targets (copied), len(y) == rows of X
// - hyper: kernel hyperparameters + noise variance (noise may be 0)
//
// Returns:
// - *GPState: the new state, also installed in the model
// - error: *InvalidHyperparameterError, *SingularCovarianceError, or a
// data error; on error the previous state is kept
//
// Usage example:
//
//	gp, _ := NewGPModel(DefaultGPConfig(&SquaredExponential{}))
//	state, err := gp.Fit(X, y, Hyperparameters{
//	    Kernel: []float64{1, 1, 1, 1},
//	    Noise:  1e-4,
//	})
//
// Important notes:
// - When the factorization fails, increasing jitter is added to the
// diagonal up to MaxJitterAttempts times before giving up
// - The state is replaced, never updated in place
func (gp *GPModel) Fit(X mat.Matrix, y []float64, hyper Hyperparameters) (*GPState, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return nil, err
	}

	_, dim := Xc.Dims()

	if err := gp.validate(hyper, dim); err != nil {
		return nil, err
	}

	state := &GPState{
		Hyper: hyper.Clone(),
		x:     Xc,
	}
	state.y = make([]float64, len(y))
	copy(state.y, y)

	yn := gp.standardize(y, &state.yMean, &state.yStd)

	K, err := SymCovariance(gp.kernel, Xc, hyper.Kernel)
	if err != nil {
		return nil, err
	}

	chol, jitter, err := gp.factorize(K, hyper.Noise)
	if err != nil {
		return nil, err
	}

	state.chol = chol
	state.Jitter = jitter

	state.alpha = mat.NewVecDense(len(yn), nil)
	if err := solveErr(chol.SolveVecTo(state.alpha, mat.NewVecDense(len(yn), yn))); err != nil {
		return nil, fmt.Errorf("solve for weights: %w", err)
	}

	state.LML = lmlValue(yn, state.alpha, chol) - float64(len(yn))*math.Log(state.yStd)

	gp.mu.Lock()
	gp.state = state
	gp.mu.Unlock()

	return state, nil
}

// Predict returns the posterior mean and the posterior variance of the
// latent function at each row of X.
//
// Returns:
// - mean, variance: one value per row; variance is clipped at 0
// - error: ErrNotFitted before a successful Fit, ErrDimensionMismatch if
// X has the wrong number of columns
//
// Performance considerations:
// - O(m*n) kernel evaluations and an O(n^2 * m) triangular solve for m test
// rows and n training rows.
func (gp *GPModel) Predict(X mat.Matrix) (mean, variance []float64, err error) {
	gp.mu.RLock()
	state := gp.state
	gp.mu.RUnlock()

	if state == nil {
		return nil, nil, ErrNotFitted
	}

	m, dim := X.Dims()
	if _, trainDim := state.x.Dims(); dim != trainDim {
		return nil, nil, fmt.Errorf("%w: model has %d features, got %d", ErrDimensionMismatch, trainDim, dim)
	}

	if m == 0 {
		return []float64{}, []float64{}, nil
	}

	kStar, err := Covariance(gp.kernel, X, state.x, state.Hyper.Kernel)
	if err != nil {
		return nil, nil, err
	}

	mu := mat.NewVecDense(m, nil)
	mu.MulVec(kStar, state.alpha)

	// v = K^-1 * kStar^T, var_i = k(x_i, x_i) - kStar_i . v_i
	var v mat.Dense
	if err := solveErr(state.chol.SolveTo(&v, kStar.T())); err != nil {
		return nil, nil, fmt.Errorf("solve for variance: %w", err)
	}

	rows := rowsOf(X)
	mean = make([]float64, m)
	variance = make([]float64, m)
	scale2 := state.yStd * state.yStd

	for i := 0; i < m; i++ {
		kss := gp.kernel.Eval(rows[i], rows[i], state.Hyper.Kernel)

		var q float64
		for j := 0; j < state.Size(); j++ {
			q += kStar.At(i, j) * v.At(j, i)
		}

		mean[i] = mu.AtVec(i)*state.yStd + state.yMean
		variance[i] = math.Max(0, kss-q) * scale2
	}

	return mean, variance, nil
}

// LogMarginalLikelihood evaluates the log marginal likelihood of y under the
// GP prior with the given hyperparameters, and its gradient with respect to
// every slot of the canonical layout (kernel..., noise).
//
// The value decomposes as
//
//	-0.5 * y^T K^-1 y  -  0.5 * log|K|  -  n/2 * log(2*pi)
//
// and the gradient as 0.5 * tr((alpha alpha^T - K^-1) dK/dtheta_j).
//
// It does not read or modify the fitted state.
func (gp *GPModel) LogMarginalLikelihood(X mat.Matrix, y []float64, hyper Hyperparameters) (float64, []float64, error) {
	Xc, err := checkData(X, y)
	if err != nil {
		return 0, nil, err
	}

	_, dim := Xc.Dims()

	if err := gp.validate(hyper, dim); err != nil {
		return 0, nil, err
	}

	var yMean, yStd float64

	yn := gp.standardize(y, &yMean, &yStd)
	n := len(yn)

	K, dK := symCovarianceGradient(gp.kernel, rowsOf(Xc), hyper.Kernel)

	chol, _, err := gp.factorize(K, hyper.Noise)
	if err != nil {
		return 0, nil, err
	}

	alpha := mat.NewVecDense(n, nil)
	if err := solveErr(chol.SolveVecTo(alpha, mat.NewVecDense(n, yn))); err != nil {
		return 0, nil, fmt.Errorf("solve for weights: %w", err)
	}

	value := lmlValue(yn, alpha, chol) - float64(n)*math.Log(yStd)

	var kInv mat.SymDense
	if err := solveErr(chol.InverseTo(&kInv)); err != nil {
		return 0, nil, fmt.Errorf("invert covariance: %w", err)
	}

	// W = alpha alpha^T - K^-1
	W := mat.NewSymDense(n, nil)
	W.SymOuterK(1, alpha)
	W.AddSym(W, scaledSym(-1, &kInv))

	grad := make([]float64, len(dK)+1)

	for p, d := range dK {
		grad[p] = 0.5 * traceProduct(W, d)
	}

	// dK/dnoise = I
	grad[len(dK)] = 0.5 * mat.Trace(W)

	return value, grad, nil
}

func (gp *GPModel) validate(hyper Hyperparameters, dim int) error {
	if err := gp.kernel.Validate(hyper.Kernel, dim); err != nil {
		return err
	}

	if math.IsNaN(hyper.Noise) || math.IsInf(hyper.Noise, 0) || hyper.Noise < 0 {
		return &InvalidHyperparameterError{Name: "noise_variance", Value: hyper.Noise, Reason: "must be finite and non-negative"}
	}

	return nil
}

// standardize returns the targets the GP is fitted on and records the
// transform. Constant targets get a unit scale.
func (gp *GPModel) standardize(y []float64, mean, std *float64) []float64 {
	*mean, *std = 0, 1

	if gp.normalize {
		m, s := stat.PopMeanStdDev(y, nil)
		*mean = m

		if s > 0 && !math.IsNaN(s) {
			*std = s
		}
	}

	out := make([]float64, len(y))
	copy(out, y)
	floats.AddConst(-*mean, out)
	floats.Scale(1 / *std, out)

	return out
}

// factorize computes the Cholesky factor of K + noise*I, adding growing
// jitter to the diagonal when the matrix is not (numerically) positive
// definite.
func (gp *GPModel) factorize(K *mat.SymDense, noise float64) (*mat.Cholesky, float64, error) {
	n := K.SymmetricDim()
	base := mat.NewSymDense(n, nil)
	base.CopySym(K)

	var diag float64

	for i := 0; i < n; i++ {
		base.SetSym(i, i, base.At(i, i)+noise)
		diag += base.At(i, i)
	}

	var chol mat.Cholesky
	if chol.Factorize(base) && chol.Cond() < maxCondition {
		return &chol, 0, nil
	}

	scale := diag / float64(n)
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}

	jitter := gp.jitter0 * scale
	jittered := mat.NewSymDense(n, nil)

	for attempt := 1; attempt <= gp.maxJitters; attempt++ {
		jittered.CopySym(base)

		for i := 0; i < n; i++ {
			jittered.SetSym(i, i, jittered.At(i, i)+jitter)
		}

		if chol.Factorize(jittered) && chol.Cond() < maxCondition {
			gp.logger.Debug("covariance factorized with jitter",
				zap.Int("attempt", attempt),
				zap.Float64("jitter", jitter),
				zap.Int("rows", n),
			)

			return &chol, jitter, nil
		}

		jitter *= 10
	}

	return nil, 0, &SingularCovarianceError{Attempts: gp.maxJitters + 1, LastJitter: jitter / 10}
}

//////
// Helpers.
//////

func lmlValue(y []float64, alpha *mat.VecDense, chol *mat.Cholesky) float64 {
	n := float64(len(y))
	fit := floats.Dot(y, alpha.RawVector().Data)

	return -0.5*fit - 0.5*chol.LogDet() - 0.5*n*math.Log(2*math.Pi)
}

// traceProduct returns tr(A B) for symmetric A and B.
func traceProduct(a, b *mat.SymDense) float64 {
	n := a.SymmetricDim()

	var t float64

	for i := 0; i < n; i++ {
		t += a.At(i, i) * b.At(i, i)
		for j := i + 1; j < n; j++ {
			t += 2 * a.At(i, j) * b.At(i, j)
		}
	}

	return t
}

func scaledSym(f float64, a *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, f*a.At(i, j))
		}
	}

	return out
}

// solveErr drops the condition warnings gonum attaches to otherwise valid
// solutions; the factor's conditioning is already checked in factorize.
func solveErr(err error) error {
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}

	return err
}

//////
// Factory.
//////

// NewGPModel creates an unfitted model.
//
// Returns:
// - *GPModel: ready for Fit
// - error: ErrInvalidData if config.Kernel is nil
//
// Usage example:
//
//	gp, err := NewGPModel(DefaultGPConfig(&SquaredExponential{}))
//
// Best practices:
// - Create one model per concurrent experiment; models never share state
func NewGPModel(config GPConfig) (*GPModel, error) {
	if config.Kernel == nil {
		return nil, fmt.Errorf("%w: kernel is required", ErrInvalidData)
	}

	jitter0 := config.InitialJitter
	if jitter0 <= 0 {
		jitter0 = DefaultInitialJitter
	}

	maxJitters := config.MaxJitterAttempts
	if maxJitters <= 0 {
		maxJitters = DefaultMaxJitterAttempts
	}

	return &GPModel{
		kernel:     config.Kernel,
		normalize:  config.NormalizeTargets,
		jitter0:    jitter0,
		maxJitters: maxJitters,
		logger:     loggerOrNop(config.Logger).Named("gp"),
	}, nil
}
