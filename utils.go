package gpscreen

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

//////
// Exported helpers.
//////

// NewFeatureMatrix converts rows of integer or floating-point descriptors into
// a feature matrix.
//
// Type Parameter:
//   - T: The numeric type of the descriptors
//
// Returns:
// - *mat.Dense: One row per structure, columns in the given order
// - error: ErrInvalidData for empty, ragged, NaN or infinite input
//
// Usage example:
//
//	X, err := NewFeatureMatrix([][]float64{
//	    {0.1, 2.0, 3.5},
//	    {0.4, 1.0, 2.5},
//	})
func NewFeatureMatrix[T constraints.Integer | constraints.Float](rows [][]T) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty feature matrix", ErrInvalidData)
	}

	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)

	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrInvalidData, i, len(row), width)
		}

		for j, v := range row {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: non-finite value at row %d column %d", ErrInvalidData, i, j)
			}

			data = append(data, f)
		}
	}

	return mat.NewDense(len(rows), width, data), nil
}

// NewTargetVector converts integer or floating-point targets to float64.
func NewTargetVector[T constraints.Integer | constraints.Float](values []T) ([]float64, error) {
	out := make([]float64, len(values))

	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite target at index %d", ErrInvalidData, i)
		}

		out[i] = f
	}

	return out, nil
}

//////
// Internal helpers.
//////

// checkData validates a training set and returns a private copy of X.
func checkData(X mat.Matrix, y []float64) (*mat.Dense, error) {
	if X == nil {
		return nil, fmt.Errorf("%w: nil feature matrix", ErrInvalidData)
	}

	r, c := X.Dims()
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("%w: empty feature matrix", ErrInvalidData)
	}

	if len(y) != r {
		return nil, fmt.Errorf("%w: %d feature rows but %d targets", ErrDimensionMismatch, r, len(y))
	}

	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite target at index %d", ErrInvalidData, i)
		}
	}

	return mat.DenseCopyOf(X), nil
}

// rowsOf returns row views of m. Dense matrices are not copied.
func rowsOf(m mat.Matrix) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)

	if d, ok := m.(mat.RawMatrixer); ok {
		raw := d.RawMatrix()
		for i := range rows {
			rows[i] = raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		}

		return rows
	}

	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}

	return rows
}

func selectRows(X *mat.Dense, idx []int) *mat.Dense {
	_, c := X.Dims()
	out := mat.NewDense(len(idx), c, nil)

	for i, j := range idx {
		out.SetRow(i, X.RawRowView(j))
	}

	return out
}

func selectValues(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}

	return out
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}

	return l
}
