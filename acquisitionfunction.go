package gpscreen

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Const, vars, types.
//////

// Goal says which direction of the target is better.
type Goal string

const (
	// GoalMaximize prefers larger targets.
	GoalMaximize Goal = "maximize"

	// GoalMinimize prefers smaller targets, e.g. formation energies.
	GoalMinimize Goal = "minimize"
)

// AcquisitionPolicy names a built-in acquisition function.
type AcquisitionPolicy string

const (
	// PolicyExpectedImprovement scores the expected gain over the incumbent.
	PolicyExpectedImprovement AcquisitionPolicy = "expected_improvement"

	// PolicyPosteriorVariance scores by uncertainty alone (pure exploration).
	PolicyPosteriorVariance AcquisitionPolicy = "posterior_variance"

	// PolicyUpperConfidenceBound scores the optimistic bound mean + beta * std.
	PolicyUpperConfidenceBound AcquisitionPolicy = "upper_confidence_bound"

	// PolicyProbabilityOfImprovement scores the chance of beating the incumbent.
	PolicyProbabilityOfImprovement AcquisitionPolicy = "probability_of_improvement"

	// PolicyThompsonSampling scores a seeded draw from each marginal posterior.
	PolicyThompsonSampling AcquisitionPolicy = "thompson_sampling"
)

// DefaultZeroStd is the posterior standard deviation at or below which a
// prediction is treated as exact.
const DefaultZeroStd = 1e-12

// Predictor is what the acquisition engine needs from a model.
type Predictor interface {
	Predict(X mat.Matrix) (mean, variance []float64, err error)
}

var _ Predictor = (*GPModel)(nil)

//////
// Available acquisition functions. Higher scores are more promising.
//////

// sign maps a target onto the "larger is better" axis.
func (g Goal) sign() float64 {
	if g == GoalMinimize {
		return -1
	}

	return 1
}

// Validate reports whether g is a known goal. The empty goal means maximize.
func (g Goal) Validate() error {
	switch g {
	case "", GoalMaximize, GoalMinimize:
		return nil
	default:
		return fmt.Errorf("%w: unknown goal %q", ErrInvalidData, string(g))
	}
}

// improvement returns the predicted improvement over the incumbent, oriented
// so that positive means better, and the posterior standard deviation.
func improvement(mean, variance float64, params AcquisitionParams) (imp, sigma float64) {
	s := params.Goal.sign()

	return s*(mean-params.BestSoFar) - params.Xi, math.Sqrt(math.Max(variance, 0))
}

// ExpectedImprovement (EI) calculates the expected value of the improvement
// over the best target observed so far.
//
// How it works:
// - Combines the probability of improvement with the magnitude of improvement
// - Closed form: imp * Phi(z) + sigma * phi(z), with z = imp / sigma
// - A candidate whose standard deviation is at or below params.ZeroStd scores
// exactly 0, whatever its mean
//
// Parameters:
// - mean: Posterior mean at the candidate
// - variance: Posterior variance at the candidate
// - params.BestSoFar: Incumbent target
// - params.Xi: Minimum improvement desired
// - params.Goal: Direction of improvement
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: -1.2, // lowest adsorption energy found so far, in eV
//	    Goal:      GoalMinimize,
//	}
//	expected := ExpectedImprovement(-1.1, 0.04, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	imp, sigma := improvement(mean, variance, params)
	if sigma <= params.ZeroStd || sigma == 0 {
		return 0
	}

	z := imp / sigma

	ei := imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if ei < 0 {
		// Rounding in the far tail.
		return 0
	}

	return ei
}

// PosteriorVariance scores a candidate by its posterior variance alone. It is
// pure exploration: the mean and the incumbent are ignored.
func PosteriorVariance(_, variance float64, _ AcquisitionParams) float64 {
	return math.Max(variance, 0)
}

// UCB implements the Upper Confidence Bound acquisition function.
//
// How it works:
// - Combines the predicted mean with the uncertainty (standard deviation)
// - The Beta parameter controls the trade-off between exploration and
// exploitation
//
// Example:
//
//	params := AcquisitionParams{Beta: 2.0}
//	value := UCB(0.5, 0.2, params)
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return params.Goal.sign()*mean + params.Beta*math.Sqrt(math.Max(variance, 0))
}

// ProbabilityOfImprovement (PI) calculates the probability that a candidate
// improves on the incumbent by at least params.Xi. A certain prediction
// scores 1 if it improves and 0 otherwise.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	imp, sigma := improvement(mean, variance, params)
	if sigma <= params.ZeroStd || sigma == 0 {
		if imp > 0 {
			return 1
		}

		return 0
	}

	return distuv.UnitNormal.CDF(imp / sigma)
}

// ThompsonSampling draws one sample from the posterior at the candidate.
//
// Warning:
// - params.RandomState is required
// - Don't share RandomState between concurrent runs
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return params.Goal.sign() * (mean + math.Sqrt(math.Max(variance, 0))*params.RandomState.NormFloat64())
}

// Func returns the acquisition function of the policy.
func (p AcquisitionPolicy) Func() (AcquisitionFunc, error) {
	switch p {
	case PolicyExpectedImprovement:
		return ExpectedImprovement, nil
	case PolicyPosteriorVariance:
		return PosteriorVariance, nil
	case PolicyUpperConfidenceBound:
		return UCB, nil
	case PolicyProbabilityOfImprovement:
		return ProbabilityOfImprovement, nil
	case PolicyThompsonSampling:
		return ThompsonSampling, nil
	default:
		return nil, fmt.Errorf("%w: unknown acquisition policy %q", ErrInvalidData, string(p))
	}
}

//////
// Engine.
//////

// AcquisitionConfig configures an AcquisitionEngine.
type AcquisitionConfig struct {
	// Policy selects the acquisition function.
	Policy AcquisitionPolicy

	// Goal says whether larger or smaller targets are better.
	Goal Goal

	// Beta is the UCB exploration weight.
	Beta float64

	// Xi is the minimum improvement rewarded by EI and PI.
	Xi float64

	// ZeroStd is the standard deviation treated as zero.
	ZeroStd float64

	// Seed drives Thompson Sampling.
	Seed int64

	// Logger receives scoring diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// DefaultAcquisitionConfig returns expected improvement on a maximized
// target.
func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		Policy:  PolicyExpectedImprovement,
		Goal:    GoalMaximize,
		Beta:    2.0,
		Xi:      0,
		ZeroStd: DefaultZeroStd,
		Seed:    1,
	}
}

// AcquisitionEngine scores candidate pools against a fitted model and picks
// the next batch to evaluate. Scores are recomputed on every call.
type AcquisitionEngine struct {
	config AcquisitionConfig
	fn     AcquisitionFunc
	logger *zap.Logger

	// rngMu protects rng, which only Thompson Sampling reads.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// Score computes one acquisition score per row of candidates.
//
// Parameters:
// - model: a fitted model
// - candidates: unevaluated feature vectors, one per row
// - incumbent: best target observed so far, on the original scale
//
// Returns:
// - []float64: scores aligned with the candidate rows, higher is better
// - error: ErrNotFitted, ErrDimensionMismatch, or a kernel error
//
// Usage example:
//
//	engine, _ := NewAcquisitionEngine(DefaultAcquisitionConfig())
//	scores, err := engine.Score(gp, pool, incumbent)
//	if err == nil {
//	    next := Select(scores, 5)
//	}
func (e *AcquisitionEngine) Score(model Predictor, candidates mat.Matrix, incumbent float64) ([]float64, error) {
	mean, variance, err := model.Predict(candidates)
	if err != nil {
		return nil, err
	}

	params := AcquisitionParams{
		Goal:      e.config.Goal,
		Beta:      e.config.Beta,
		Xi:        e.config.Xi,
		BestSoFar: incumbent,
		ZeroStd:   e.config.ZeroStd,
	}

	if e.config.Policy == PolicyThompsonSampling {
		e.rngMu.Lock()
		defer e.rngMu.Unlock()

		params.RandomState = e.rng
	}

	scores := make([]float64, len(mean))
	for i := range mean {
		scores[i] = e.fn(mean[i], variance[i], params)
	}

	e.logger.Debug("scored candidates",
		zap.String("policy", string(e.config.Policy)),
		zap.Int("candidates", len(scores)),
		zap.Float64("incumbent", incumbent),
	)

	return scores, nil
}

// Select returns the top batchSize candidates. See the package-level Select.
func (e *AcquisitionEngine) Select(scores []float64, batchSize int) []int {
	return Select(scores, batchSize)
}

// Incumbent returns the best target in y under the engine's goal.
func (e *AcquisitionEngine) Incumbent(y []float64) float64 {
	return BestTarget(y, e.config.Goal)
}

//////
// Exported functionalities.
//////

// Select returns the indices of the batchSize highest scores, best first.
// Ties are broken by ascending index and NaN scores rank last, so the same
// scores always yield the same indices. batchSize <= 0 selects nothing and a
// batchSize larger than the pool selects the whole pool.
func Select(scores []float64, batchSize int) []int {
	if batchSize <= 0 || len(scores) == 0 {
		return []int{}
	}

	if batchSize > len(scores) {
		batchSize = len(scores)
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}

	key := func(i int) float64 {
		if math.IsNaN(scores[i]) {
			return math.Inf(-1)
		}

		return scores[i]
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return key(idx[a]) > key(idx[b])
	})

	return idx[:batchSize]
}

// BestTarget returns the best value of y under goal. y must not be empty.
func BestTarget(y []float64, goal Goal) float64 {
	best := y[0]

	for _, v := range y[1:] {
		if (goal == GoalMinimize && v < best) || (goal != GoalMinimize && v > best) {
			best = v
		}
	}

	return best
}

// NewAcquisitionEngine creates an engine from config. Zero fields take
// their defaults except Xi and Beta, which are used as given.
func NewAcquisitionEngine(config AcquisitionConfig) (*AcquisitionEngine, error) {
	if config.Policy == "" {
		config.Policy = PolicyExpectedImprovement
	}

	if config.Goal == "" {
		config.Goal = GoalMaximize
	}

	if err := config.Goal.Validate(); err != nil {
		return nil, err
	}

	fn, err := config.Policy.Func()
	if err != nil {
		return nil, err
	}

	if config.ZeroStd <= 0 {
		config.ZeroStd = DefaultZeroStd
	}

	if config.Beta < 0 || math.IsNaN(config.Beta) {
		return nil, fmt.Errorf("%w: beta must be non-negative, got %g", ErrInvalidData, config.Beta)
	}

	return &AcquisitionEngine{
		config: config,
		fn:     fn,
		logger: loggerOrNop(config.Logger).Named("acquisition"),
		rng:    rand.New(rand.NewSource(config.Seed)),
	}, nil
}
