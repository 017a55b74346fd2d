package gpscreen

import (
	"errors"
	"fmt"
)

//////
// Sentinel errors.
//////

// Every message is prefixed with "gpscreen:" so it can be grepped in logs.
// Typed errors below carry call context and still match these sentinels via
// errors.Is.
var (
	// ErrInvalidHyperparameter is returned when a kernel or noise
	// hyperparameter is out of its valid domain (non-positive scale, NaN, Inf,
	// or wrong count).
	ErrInvalidHyperparameter = errors.New("gpscreen: invalid hyperparameter")

	// ErrSingularCovariance is returned when the regularized training
	// covariance is not positive-definite even after jitter retries.
	ErrSingularCovariance = errors.New("gpscreen: covariance matrix is not positive-definite")

	// ErrNotFitted is returned by Predict before a successful Fit.
	ErrNotFitted = errors.New("gpscreen: model is not fitted")

	// ErrOptimizationDiverged is returned when every optimizer restart failed
	// numerically.
	ErrOptimizationDiverged = errors.New("gpscreen: hyperparameter optimization diverged")

	// ErrInsufficientData is returned when a requested training size leaves
	// no room for a held-out subset.
	ErrInsufficientData = errors.New("gpscreen: insufficient data")

	// ErrDimensionMismatch is returned when matrix and vector shapes disagree.
	ErrDimensionMismatch = errors.New("gpscreen: dimension mismatch")

	// ErrInvalidData is returned for empty, ragged or non-finite input.
	ErrInvalidData = errors.New("gpscreen: invalid data")
)

//////
// Typed errors.
//////

// InvalidHyperparameterError names the offending hyperparameter.
type InvalidHyperparameterError struct {
	Name   string
	Value  float64
	Reason string
}

func (e *InvalidHyperparameterError) Error() string {
	return fmt.Sprintf("%s: %s=%g: %s", ErrInvalidHyperparameter, e.Name, e.Value, e.Reason)
}

func (e *InvalidHyperparameterError) Is(target error) bool {
	return target == ErrInvalidHyperparameter
}

// SingularCovarianceError reports how hard Fit tried before giving up.
type SingularCovarianceError struct {
	Attempts   int
	LastJitter float64
}

func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("%s after %d attempts (last jitter %g)", ErrSingularCovariance, e.Attempts, e.LastJitter)
}

func (e *SingularCovarianceError) Is(target error) bool {
	return target == ErrSingularCovariance
}

// OptimizationDivergedError wraps the error of the last failed restart.
type OptimizationDivergedError struct {
	Restarts int
	Last     error
}

func (e *OptimizationDivergedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: all %d restarts failed", ErrOptimizationDiverged, e.Restarts)
	}

	return fmt.Sprintf("%s: all %d restarts failed, last: %v", ErrOptimizationDiverged, e.Restarts, e.Last)
}

func (e *OptimizationDivergedError) Is(target error) bool {
	return target == ErrOptimizationDiverged
}

func (e *OptimizationDivergedError) Unwrap() error {
	return e.Last
}

// InsufficientDataError names the training size that cannot be honored.
type InsufficientDataError struct {
	Size       int
	Rows       int
	MinHoldout int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: training size %d needs at least %d held-out rows but only %d rows are available",
		ErrInsufficientData, e.Size, e.MinHoldout, e.Rows)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}
