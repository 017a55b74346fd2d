package gpscreen

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

// Family tags a kernel variant. The set is closed: every family has exactly
// one implementation in this file.
type Family string

const (
	// FamilySquaredExponential is the Gaussian (RBF) kernel.
	FamilySquaredExponential Family = "squared_exponential"

	// FamilyLaplacian is the exponential kernel on the city-block distance.
	FamilyLaplacian Family = "laplacian"

	// FamilyRationalQuadratic is the quadratic kernel: a scale mixture of
	// squared exponentials.
	FamilyRationalQuadratic Family = "rational_quadratic"

	// FamilyLinear is the scaled dot-product kernel.
	FamilyLinear Family = "linear"

	// FamilyConstant is the constant (bias) kernel.
	FamilyConstant Family = "constant"

	// FamilySum adds the covariances of its parts.
	FamilySum Family = "sum"
)

var (
	_ Kernel = (*SquaredExponential)(nil)
	_ Kernel = (*Laplacian)(nil)
	_ Kernel = (*RationalQuadratic)(nil)
	_ Kernel = (*Linear)(nil)
	_ Kernel = (*Constant)(nil)
	_ Kernel = (*Sum)(nil)
)

// Bound is an inclusive box constraint on one hyperparameter.
type Bound struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

// Kernel is a covariance function between two feature vectors. Kernels are
// stateless: hyperparameters are always passed in, so one Kernel value can be
// shared by any number of models.
//
// The hyperparameter layout of a kernel depends on the feature dimension
// (anisotropic kernels carry one length-scale per feature), which is why most
// methods take dim.
type Kernel interface {
	// Family returns the variant tag.
	Family() Family

	// NumHyper returns the number of kernel hyperparameters for dim features.
	NumHyper(dim int) int

	// HyperNames names every hyperparameter slot, in layout order.
	HyperNames(dim int) []string

	// Validate checks count, finiteness and positivity of hyper.
	Validate(hyper []float64, dim int) error

	// Eval returns k(x1, x2).
	Eval(x1, x2, hyper []float64) float64

	// EvalGrad returns k(x1, x2) and writes dk/dhyper into grad.
	EvalGrad(x1, x2, hyper, grad []float64) float64

	// Defaults returns a starting point and box bounds derived from the
	// training features and the (possibly normalized) target variance.
	Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound)

	// Spec describes the kernel so it can be rebuilt.
	Spec() KernelSpec
}

// KernelSpec is the serializable description of a kernel.
type KernelSpec struct {
	Family    Family       `yaml:"family"`
	Isotropic bool         `yaml:"isotropic,omitempty"`
	Parts     []KernelSpec `yaml:"parts,omitempty"`
}

// Build instantiates the kernel described by s.
func (s KernelSpec) Build() (Kernel, error) {
	switch s.Family {
	case FamilySquaredExponential:
		return &SquaredExponential{Isotropic: s.Isotropic}, nil
	case FamilyLaplacian:
		return &Laplacian{Isotropic: s.Isotropic}, nil
	case FamilyRationalQuadratic:
		return &RationalQuadratic{Isotropic: s.Isotropic}, nil
	case FamilyLinear:
		return &Linear{}, nil
	case FamilyConstant:
		return &Constant{}, nil
	case FamilySum:
		if len(s.Parts) == 0 {
			return nil, fmt.Errorf("%w: sum kernel needs at least one part", ErrInvalidData)
		}

		parts := make([]Kernel, 0, len(s.Parts))
		for _, p := range s.Parts {
			k, err := p.Build()
			if err != nil {
				return nil, err
			}

			parts = append(parts, k)
		}

		return NewSum(parts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown kernel family %q", ErrInvalidData, s.Family)
	}
}

//////
// Squared exponential.
//////

// SquaredExponential implements
//
//	k(x1, x2) = s * exp(-0.5 * sum(((x1_i - x2_i) / l_i)^2))
//
// Layout: length-scales (one per feature, or a single one if Isotropic),
// then the signal variance s.
type SquaredExponential struct {
	Isotropic bool
}

func (k *SquaredExponential) Family() Family { return FamilySquaredExponential }

func (k *SquaredExponential) NumHyper(dim int) int { return numLengthScales(k.Isotropic, dim) + 1 }

func (k *SquaredExponential) HyperNames(dim int) []string {
	return append(lengthScaleNames(k.Isotropic, dim), "signal_variance")
}

func (k *SquaredExponential) Validate(hyper []float64, dim int) error {
	return validatePositive(hyper, k.HyperNames(dim))
}

func (k *SquaredExponential) Eval(x1, x2, hyper []float64) float64 {
	nl := len(hyper) - 1

	var r2 float64

	for i := range x1 {
		d := (x1[i] - x2[i]) / hyper[scaleIndex(nl, i)]
		r2 += d * d
	}

	return hyper[nl] * math.Exp(-0.5*r2)
}

func (k *SquaredExponential) EvalGrad(x1, x2, hyper, grad []float64) float64 {
	nl := len(hyper) - 1
	v := k.Eval(x1, x2, hyper)

	for i := range grad[:nl] {
		grad[i] = 0
	}

	// dk/dl = k * d^2 / l^3
	for i := range x1 {
		j := scaleIndex(nl, i)
		d := x1[i] - x2[i]
		l := hyper[j]
		grad[j] += v * d * d / (l * l * l)
	}

	grad[nl] = v / hyper[nl]

	return v
}

func (k *SquaredExponential) Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	return stationaryDefaults(k.Isotropic, X, targetVar)
}

func (k *SquaredExponential) Spec() KernelSpec {
	return KernelSpec{Family: FamilySquaredExponential, Isotropic: k.Isotropic}
}

//////
// Laplacian.
//////

// Laplacian implements
//
//	k(x1, x2) = s * exp(-sum(|x1_i - x2_i| / l_i))
//
// with the same layout as SquaredExponential.
type Laplacian struct {
	Isotropic bool
}

func (k *Laplacian) Family() Family { return FamilyLaplacian }

func (k *Laplacian) NumHyper(dim int) int { return numLengthScales(k.Isotropic, dim) + 1 }

func (k *Laplacian) HyperNames(dim int) []string {
	return append(lengthScaleNames(k.Isotropic, dim), "signal_variance")
}

func (k *Laplacian) Validate(hyper []float64, dim int) error {
	return validatePositive(hyper, k.HyperNames(dim))
}

func (k *Laplacian) Eval(x1, x2, hyper []float64) float64 {
	nl := len(hyper) - 1

	var r float64

	for i := range x1 {
		r += math.Abs(x1[i]-x2[i]) / hyper[scaleIndex(nl, i)]
	}

	return hyper[nl] * math.Exp(-r)
}

func (k *Laplacian) EvalGrad(x1, x2, hyper, grad []float64) float64 {
	nl := len(hyper) - 1
	v := k.Eval(x1, x2, hyper)

	for i := range grad[:nl] {
		grad[i] = 0
	}

	for i := range x1 {
		j := scaleIndex(nl, i)
		l := hyper[j]
		grad[j] += v * math.Abs(x1[i]-x2[i]) / (l * l)
	}

	grad[nl] = v / hyper[nl]

	return v
}

func (k *Laplacian) Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	return stationaryDefaults(k.Isotropic, X, targetVar)
}

func (k *Laplacian) Spec() KernelSpec {
	return KernelSpec{Family: FamilyLaplacian, Isotropic: k.Isotropic}
}

//////
// Rational quadratic.
//////

// RationalQuadratic implements
//
//	k(x1, x2) = s * (1 + r2 / (2 * a))^-a,  r2 = sum(((x1_i - x2_i) / l_i)^2)
//
// Layout: length-scales (one per feature, or a single one if Isotropic),
// then the degree a, then the signal variance s. As a grows the kernel tends
// to SquaredExponential.
type RationalQuadratic struct {
	Isotropic bool
}

func (k *RationalQuadratic) Family() Family { return FamilyRationalQuadratic }

func (k *RationalQuadratic) NumHyper(dim int) int { return numLengthScales(k.Isotropic, dim) + 2 }

func (k *RationalQuadratic) HyperNames(dim int) []string {
	return append(lengthScaleNames(k.Isotropic, dim), "degree", "signal_variance")
}

func (k *RationalQuadratic) Validate(hyper []float64, dim int) error {
	return validatePositive(hyper, k.HyperNames(dim))
}

func (k *RationalQuadratic) Eval(x1, x2, hyper []float64) float64 {
	nl := len(hyper) - 2
	a, s := hyper[nl], hyper[nl+1]

	var r2 float64

	for i := range x1 {
		d := (x1[i] - x2[i]) / hyper[scaleIndex(nl, i)]
		r2 += d * d
	}

	return s * math.Pow(1+r2/(2*a), -a)
}

func (k *RationalQuadratic) EvalGrad(x1, x2, hyper, grad []float64) float64 {
	nl := len(hyper) - 2
	a, s := hyper[nl], hyper[nl+1]

	for i := range grad[:nl] {
		grad[i] = 0
	}

	var r2 float64

	for i := range x1 {
		d := (x1[i] - x2[i]) / hyper[scaleIndex(nl, i)]
		r2 += d * d
	}

	base := 1 + r2/(2*a)
	v := s * math.Pow(base, -a)

	// dk/dl = s * base^(-a-1) * d^2 / l^3
	outer := v / base

	for i := range x1 {
		j := scaleIndex(nl, i)
		d := x1[i] - x2[i]
		l := hyper[j]
		grad[j] += outer * d * d / (l * l * l)
	}

	grad[nl] = v * (r2/(2*a*base) - math.Log(base))
	grad[nl+1] = v / s

	return v
}

func (k *RationalQuadratic) Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	hyper, bounds := stationaryDefaults(k.Isotropic, X, targetVar)
	nl := len(hyper) - 1

	// Insert the degree between the length-scales and the signal variance.
	hyper = append(hyper[:nl], 1, hyper[nl])
	bounds = append(bounds[:nl], Bound{Lower: 1e-2, Upper: 1e2}, bounds[nl])

	return hyper, bounds
}

func (k *RationalQuadratic) Spec() KernelSpec {
	return KernelSpec{Family: FamilyRationalQuadratic, Isotropic: k.Isotropic}
}

//////
// Linear and constant.
//////

// Linear implements k(x1, x2) = s * <x1, x2>.
type Linear struct{}

func (k *Linear) Family() Family { return FamilyLinear }

func (k *Linear) NumHyper(int) int { return 1 }

func (k *Linear) HyperNames(int) []string { return []string{"linear_scaling"} }

func (k *Linear) Validate(hyper []float64, dim int) error {
	return validatePositive(hyper, k.HyperNames(dim))
}

func (k *Linear) Eval(x1, x2, hyper []float64) float64 {
	return hyper[0] * floats.Dot(x1, x2)
}

func (k *Linear) EvalGrad(x1, x2, hyper, grad []float64) float64 {
	dot := floats.Dot(x1, x2)
	grad[0] = dot

	return hyper[0] * dot
}

func (k *Linear) Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	r, _ := X.Dims()

	var norm2 float64

	for i := 0; i < r; i++ {
		row := X.RawRowView(i)
		for _, v := range row {
			norm2 += v * v
		}
	}

	norm2 /= float64(r)
	if norm2 <= 0 {
		norm2 = 1
	}

	s := targetVar / norm2

	return []float64{s}, []Bound{{Lower: s * 1e-4, Upper: s * 1e4}}
}

func (k *Linear) Spec() KernelSpec { return KernelSpec{Family: FamilyLinear} }

// Constant implements k(x1, x2) = c.
type Constant struct{}

func (k *Constant) Family() Family { return FamilyConstant }

func (k *Constant) NumHyper(int) int { return 1 }

func (k *Constant) HyperNames(int) []string { return []string{"constant"} }

func (k *Constant) Validate(hyper []float64, dim int) error {
	return validatePositive(hyper, k.HyperNames(dim))
}

func (k *Constant) Eval(_, _, hyper []float64) float64 { return hyper[0] }

func (k *Constant) EvalGrad(_, _, hyper, grad []float64) float64 {
	grad[0] = 1

	return hyper[0]
}

func (k *Constant) Defaults(_ *mat.Dense, targetVar float64) ([]float64, []Bound) {
	return []float64{targetVar}, []Bound{{Lower: targetVar * 1e-6, Upper: targetVar * 1e3}}
}

func (k *Constant) Spec() KernelSpec { return KernelSpec{Family: FamilyConstant} }

//////
// Sum.
//////

// Sum adds the covariances of its parts. Nested sums are flattened, and the
// hyperparameter layout is the concatenation of the parts' layouts.
type Sum struct {
	parts []Kernel
}

// NewSum builds a sum kernel.
func NewSum(parts ...Kernel) *Sum {
	flat := make([]Kernel, 0, len(parts))

	for _, p := range parts {
		switch p := p.(type) {
		case *Sum:
			flat = append(flat, p.parts...)
		default:
			flat = append(flat, p)
		}
	}

	return &Sum{parts: flat}
}

// Parts returns the flattened parts.
func (k *Sum) Parts() []Kernel { return k.parts }

func (k *Sum) Family() Family { return FamilySum }

func (k *Sum) NumHyper(dim int) int {
	n := 0
	for _, p := range k.parts {
		n += p.NumHyper(dim)
	}

	return n
}

func (k *Sum) HyperNames(dim int) []string {
	names := make([]string, 0, k.NumHyper(dim))

	for i, p := range k.parts {
		for _, name := range p.HyperNames(dim) {
			names = append(names, fmt.Sprintf("k%d.%s", i, name))
		}
	}

	return names
}

func (k *Sum) Validate(hyper []float64, dim int) error {
	if len(hyper) != k.NumHyper(dim) {
		return &InvalidHyperparameterError{
			Name:   "count",
			Value:  float64(len(hyper)),
			Reason: fmt.Sprintf("expected %d kernel hyperparameters", k.NumHyper(dim)),
		}
	}

	off := 0

	for _, p := range k.parts {
		n := p.NumHyper(dim)
		if err := p.Validate(hyper[off:off+n], dim); err != nil {
			return err
		}

		off += n
	}

	return nil
}

func (k *Sum) Eval(x1, x2, hyper []float64) float64 {
	var v float64

	off := 0
	dim := len(x1)

	for _, p := range k.parts {
		n := p.NumHyper(dim)
		v += p.Eval(x1, x2, hyper[off:off+n])
		off += n
	}

	return v
}

func (k *Sum) EvalGrad(x1, x2, hyper, grad []float64) float64 {
	var v float64

	off := 0
	dim := len(x1)

	for _, p := range k.parts {
		n := p.NumHyper(dim)
		v += p.EvalGrad(x1, x2, hyper[off:off+n], grad[off:off+n])
		off += n
	}

	return v
}

func (k *Sum) Defaults(X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	var (
		hyper  []float64
		bounds []Bound
	)

	// Parts share the signal, so each starts with an equal slice of it.
	share := targetVar / float64(len(k.parts))

	for _, p := range k.parts {
		h, b := p.Defaults(X, share)
		hyper = append(hyper, h...)
		bounds = append(bounds, b...)
	}

	return hyper, bounds
}

func (k *Sum) Spec() KernelSpec {
	parts := make([]KernelSpec, len(k.parts))
	for i, p := range k.parts {
		parts[i] = p.Spec()
	}

	return KernelSpec{Family: FamilySum, Parts: parts}
}

//////
// Covariance matrices.
//////

// Covariance returns the |A| x |B| matrix K with K[i][j] = k(A_i, B_j).
//
// Parameters:
// - k: kernel family
// - A, B: feature matrices with the same number of columns
// - hyper: kernel hyperparameters in k's layout
//
// Returns:
// - *mat.Dense: covariance matrix
// - error: ErrDimensionMismatch, or *InvalidHyperparameterError when any
// scale parameter is non-positive
//
// Usage example:
//
//	k := &SquaredExponential{}
//	K, err := Covariance(k, X, X, []float64{1, 1, 1, 2}) // 3 features
func Covariance(k Kernel, A, B mat.Matrix, hyper []float64) (*mat.Dense, error) {
	ra, ca := A.Dims()
	rb, cb := B.Dims()

	if ca != cb {
		return nil, fmt.Errorf("%w: %d vs %d feature columns", ErrDimensionMismatch, ca, cb)
	}

	if err := k.Validate(hyper, ca); err != nil {
		return nil, err
	}

	rowsA, rowsB := rowsOf(A), rowsOf(B)
	out := mat.NewDense(ra, rb, nil)

	for i := 0; i < ra; i++ {
		for j := 0; j < rb; j++ {
			out.Set(i, j, k.Eval(rowsA[i], rowsB[j], hyper))
		}
	}

	return out, nil
}

// SymCovariance returns k(A, A). The result is symmetric by construction.
func SymCovariance(k Kernel, A mat.Matrix, hyper []float64) (*mat.SymDense, error) {
	n, dim := A.Dims()

	if err := k.Validate(hyper, dim); err != nil {
		return nil, err
	}

	rows := rowsOf(A)
	out := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, k.Eval(rows[i], rows[j], hyper))
		}
	}

	return out, nil
}

// CovarianceGradient returns dK/dhyper_p for every kernel hyperparameter p,
// each an |A| x |B| matrix.
func CovarianceGradient(k Kernel, A, B mat.Matrix, hyper []float64) ([]*mat.Dense, error) {
	ra, ca := A.Dims()
	rb, cb := B.Dims()

	if ca != cb {
		return nil, fmt.Errorf("%w: %d vs %d feature columns", ErrDimensionMismatch, ca, cb)
	}

	if err := k.Validate(hyper, ca); err != nil {
		return nil, err
	}

	np := len(hyper)
	grads := make([]*mat.Dense, np)

	for p := range grads {
		grads[p] = mat.NewDense(ra, rb, nil)
	}

	rowsA, rowsB := rowsOf(A), rowsOf(B)
	g := make([]float64, np)

	for i := 0; i < ra; i++ {
		for j := 0; j < rb; j++ {
			k.EvalGrad(rowsA[i], rowsB[j], hyper, g)

			for p := range grads {
				grads[p].Set(i, j, g[p])
			}
		}
	}

	return grads, nil
}

// symCovarianceGradient is the A == B case used by the marginal likelihood.
func symCovarianceGradient(k Kernel, rows [][]float64, hyper []float64) (*mat.SymDense, []*mat.SymDense) {
	n, np := len(rows), len(hyper)
	K := mat.NewSymDense(n, nil)
	grads := make([]*mat.SymDense, np)

	for p := range grads {
		grads[p] = mat.NewSymDense(n, nil)
	}

	g := make([]float64, np)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			K.SetSym(i, j, k.EvalGrad(rows[i], rows[j], hyper, g))

			for p := range grads {
				grads[p].SetSym(i, j, g[p])
			}
		}
	}

	return K, grads
}

//////
// Helpers.
//////

func numLengthScales(isotropic bool, dim int) int {
	if isotropic {
		return 1
	}

	return dim
}

func lengthScaleNames(isotropic bool, dim int) []string {
	if isotropic {
		return []string{"length_scale"}
	}

	names := make([]string, dim)
	for i := range names {
		names[i] = fmt.Sprintf("length_scale[%d]", i)
	}

	return names
}

// scaleIndex maps feature i to its length-scale slot.
func scaleIndex(nl, i int) int {
	if nl == 1 {
		return 0
	}

	return i
}

func validatePositive(hyper []float64, names []string) error {
	if len(hyper) != len(names) {
		return &InvalidHyperparameterError{
			Name:   "count",
			Value:  float64(len(hyper)),
			Reason: fmt.Sprintf("expected %d kernel hyperparameters", len(names)),
		}
	}

	for i, v := range hyper {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InvalidHyperparameterError{Name: names[i], Value: v, Reason: "must be finite"}
		}

		if v <= 0 {
			return &InvalidHyperparameterError{Name: names[i], Value: v, Reason: "must be positive"}
		}
	}

	return nil
}

// stationaryDefaults starts every length-scale at the standard deviation of
// its feature (or their mean when isotropic). Constant features get 1.
func stationaryDefaults(isotropic bool, X *mat.Dense, targetVar float64) ([]float64, []Bound) {
	std := featureStd(X)

	if isotropic {
		std = []float64{stat.Mean(std, nil)}
	}

	hyper := make([]float64, 0, len(std)+1)
	bounds := make([]Bound, 0, len(std)+1)

	for _, s := range std {
		hyper = append(hyper, s)
		bounds = append(bounds, Bound{Lower: s * 1e-2, Upper: s * 1e2})
	}

	hyper = append(hyper, targetVar)
	bounds = append(bounds, Bound{Lower: targetVar * 1e-4, Upper: targetVar * 1e3})

	return hyper, bounds
}

func featureStd(X *mat.Dense) []float64 {
	r, c := X.Dims()
	std := make([]float64, c)
	col := make([]float64, r)

	for j := 0; j < c; j++ {
		mat.Col(col, j, X)

		s := 0.0
		if r > 1 {
			_, s = stat.PopMeanStdDev(col, nil)
		}

		if s <= 0 || math.IsNaN(s) {
			s = 1
		}

		std[j] = s
	}

	return std
}
