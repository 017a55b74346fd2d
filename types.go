package gpscreen

import (
	"context"
	"math/rand"
)

// Hyperparameters is the full parameter tuple of a GP model. Its canonical
// flat layout is Vector(): the kernel parameters in the kernel's own order,
// followed by the homoscedastic noise variance.
//
// Usage:
//
//	h := Hyperparameters{
//	    Kernel: []float64{0.5, 0.5, 0.5, 1.0}, // 3 length-scales + signal variance
//	    Noise:  1e-2,
//	}
//	names := HyperparameterNames(&SquaredExponential{}, 3)
//	// names[i] describes h.Vector()[i]
type Hyperparameters struct {
	// Kernel holds the kernel parameters in the kernel's layout.
	Kernel []float64 `yaml:"kernel"`

	// Noise is the variance added to the diagonal of the training covariance.
	Noise float64 `yaml:"noise"`
}

// Vector returns the canonical flat layout (kernel..., noise).
func (h Hyperparameters) Vector() []float64 {
	v := make([]float64, len(h.Kernel)+1)
	copy(v, h.Kernel)
	v[len(h.Kernel)] = h.Noise

	return v
}

// Clone returns a deep copy.
func (h Hyperparameters) Clone() Hyperparameters {
	return HyperparametersFromVector(h.Vector())
}

// HyperparametersFromVector is the inverse of Vector. v must not be empty.
func HyperparametersFromVector(v []float64) Hyperparameters {
	n := len(v) - 1
	kernel := make([]float64, n)
	copy(kernel, v[:n])

	return Hyperparameters{Kernel: kernel, Noise: v[n]}
}

// HyperparameterNames names every slot of the canonical layout.
func HyperparameterNames(k Kernel, dim int) []string {
	return append(k.HyperNames(dim), "noise_variance")
}

// ProgressUpdate represents the current state of a screening run or a
// learning-curve run. Updates are sent without blocking: if the receiver is
// not keeping up, updates are dropped.
type ProgressUpdate struct {
	// Phase is "Screening" or "LearningCurve".
	Phase string

	// CurrentIteration is the number of completed units (iterations or
	// size/repeat pairs).
	CurrentIteration int

	// TotalIterations is the total number of units.
	TotalIterations int

	// Size is the training size of the unit that just finished.
	Size int

	// Repeat is the repeat index of a learning-curve unit.
	Repeat int

	// Error is the held-out error of a learning-curve unit.
	Error float64

	// Selected holds the pool indices picked in a screening iteration.
	Selected []int

	// CurrentBestTarget is the best target observed so far while screening.
	CurrentBestTarget float64
}

// OracleFunc evaluates the expensive target property of one candidate.
//
// Parameters:
// - ctx: cancelled when the screening run is abandoned
// - index: row index of the candidate in the pool passed to Screen
// - features: the candidate's feature vector (read-only)
//
// Returns:
// - float64: the measured target
// - error: non-nil if the evaluation failed; the candidate is then dropped
// from the pool and never fed to the model
//
// Usage example:
//
//	oracle := OracleFunc(func(ctx context.Context, index int, features []float64) (float64, error) {
//	    return runDFT(ctx, structures[index])
//	})
type OracleFunc func(ctx context.Context, index int, features []float64) (float64, error)

// AcquisitionFunc scores one candidate from its posterior mean and variance.
// Higher scores are more promising.
//
// Built-in acquisition functions:
// - ExpectedImprovement
// - PosteriorVariance
// - UCB
// - ProbabilityOfImprovement
// - ThompsonSampling
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds the parameters read by the acquisition functions.
type AcquisitionParams struct {
	// Goal says whether larger or smaller targets are better.
	Goal Goal

	// Beta controls the exploration-exploitation trade-off of UCB.
	// Typical values range from 0.1 to 5.0, with 2.0 being a good default.
	Beta float64

	// Xi is the minimum improvement over BestSoFar that PI and EI reward.
	Xi float64

	// BestSoFar is the incumbent: the best target observed so far.
	BestSoFar float64

	// ZeroStd is the posterior standard deviation at or below which a
	// prediction is treated as certain.
	ZeroStd float64

	// RandomState is used by Thompson Sampling. It must not be shared
	// between concurrent runs.
	RandomState *rand.Rand
}
