// Package gpscreen provides Gaussian Process surrogate models for screening
// candidate atomic structures. It fits a GP to fixed-width feature vectors,
// tunes the hyperparameters by maximizing the log marginal likelihood, ranks
// unevaluated candidates with acquisition functions, and validates model
// quality with learning curves.
//
// # Features
//
// The package includes the following key features:
//
//   - Kernel Library: Squared exponential and Laplacian kernels with
//     per-feature (ARD) or shared length-scales, linear and constant kernels,
//     and sums of any of them
//   - Gaussian Process Regression: Cholesky-based fitting with automatic
//     diagonal jitter for near-singular covariances, optional target
//     standardization, posterior mean and variance
//   - Hyperparameter Optimization: L-BFGS on the log marginal likelihood with
//     analytic gradients, box bounds and seeded restarts
//   - Multiple Acquisition Functions: Expected Improvement (EI), Posterior
//     Variance, Upper Confidence Bound (UCB), Probability of Improvement (PI)
//     and Thompson Sampling
//   - Learning Curves: Nested resampling over a training-size schedule with
//     repeats, optionally in parallel
//   - Active Learning: A screening loop that asks an oracle to evaluate the
//     most promising candidates of a pool, round after round
//   - Progress Monitoring: Non-blocking updates via channels
//
// # Fitting a model
//
//	gp, _ := gpscreen.NewGPModel(gpscreen.DefaultGPConfig(&gpscreen.SquaredExponential{}))
//
//	res, state, err := gpscreen.Train(ctx, gp, X, y, gpscreen.DefaultOptimizerConfig())
//	if err != nil {
//	    return err
//	}
//
//	mean, variance, err := gp.Predict(candidates)
//
// # Acquisition Functions
//
// All acquisition functions return higher scores for more promising
// candidates. The Goal of the configuration says whether the target is
// maximized (default) or minimized:
//
//	config := gpscreen.DefaultAcquisitionConfig()
//	config.Goal = gpscreen.GoalMinimize
//	engine, _ := gpscreen.NewAcquisitionEngine(config)
//
//	scores, _ := engine.Score(gp, candidates, engine.Incumbent(y))
//	next := engine.Select(scores, 5)
//
// Select is deterministic: ties are broken by ascending candidate index.
//
// # Learning Curves
//
//	cv, _ := gpscreen.NewHierarchyCV(gpscreen.DefaultHierarchyConfig(&gpscreen.SquaredExponential{}))
//	curve, err := cv.Run(ctx, X, y, []int{10, 20, 40}, 3)
//
// # Thread Safety
//
//   - GPModel swaps its fitted state under an RWMutex, so Predict never sees a
//     partially built state
//   - Kernels and acquisition functions are pure
//   - HierarchyCV gives every (size, repeat) unit its own model
//
// # Errors
//
// Every error matches one of the package sentinels with errors.Is, e.g.
// ErrSingularCovariance or ErrInsufficientData. Typed errors such as
// *InvalidHyperparameterError carry the offending value.
package gpscreen
