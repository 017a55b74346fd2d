package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thalesfsp/gpscreen"
	"gopkg.in/yaml.v3"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		header  bool
		want    [][]float64
		wantErr bool
	}{
		{
			name:  "Plain",
			input: "1,2,3\n4,5,6\n",
			want:  [][]float64{{1, 2, 3}, {4, 5, 6}},
		},
		{
			name:   "Header and comments",
			input:  "a,b,target\n# relaxed structures\n1, 2.5, -0.3\n",
			header: true,
			want:   [][]float64{{1, 2.5, -0.3}},
		},
		{
			name:    "Not a number",
			input:   "1,x\n",
			wantErr: true,
		},
		{
			name:    "Ragged rows",
			input:   "1,2\n3\n",
			wantErr: true,
		},
		{
			name:    "Header without flag",
			input:   "a,b\n1,2\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCSV(strings.NewReader(tt.input), tt.header)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitTargets(t *testing.T) {
	X, y, err := splitTargets([][]float64{{1, 2, 10}, {3, 4, 20}})
	require.NoError(t, err)

	r, c := X.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, []float64{10, 20}, y)

	_, _, err = splitTargets([][]float64{{1}})
	assert.ErrorIs(t, err, gpscreen.ErrInvalidData)

	_, _, err = splitTargets([][]float64{{1, math.NaN()}})
	assert.ErrorIs(t, err, gpscreen.ErrInvalidData)

	_, _, err = splitTargets(nil)
	assert.ErrorIs(t, err, gpscreen.ErrInvalidData)
}

// writeTrainingCSV writes y = sin(x0) + x1 on a grid.
func writeTrainingCSV(t *testing.T, dir string, n int) string {
	t.Helper()

	var b strings.Builder

	b.WriteString("x0,x1,energy\n")

	for i := 0; i < n; i++ {
		x0 := float64(i%5) * 0.7
		x1 := float64(i/5) * 0.4
		fmt.Fprintf(&b, "%g,%g,%g\n", x0, x1, math.Sin(x0)+x1)
	}

	path := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	return path
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()

	var out bytes.Buffer

	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	return out.Bytes()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	train := writeTrainingCSV(t, dir, 20)

	pool := filepath.Join(dir, "pool.csv")
	require.NoError(t, os.WriteFile(pool, []byte("x0,x1\n0.35,0.2\n1.4,0.6\n9,9\n"), 0o600))

	conf := filepath.Join(dir, "gpscreen.yaml")
	require.NoError(t, os.WriteFile(conf, []byte(fmt.Sprintf(`
log_level: error
optimizer:
  restarts: 1
acquisition:
  policy: posterior_variance
store:
  path: %s
`, filepath.Join(dir, "snapshots.db"))), 0o600))

	t.Run("Curve", func(t *testing.T) {
		out := execute(t, "curve", "-c", conf, "--header", "--data", train, "--sizes", "5,10", "--repeats", "2")

		var curve gpscreen.LearningCurve
		require.NoError(t, yaml.Unmarshal(out, &curve))
		require.Len(t, curve, 2)
		assert.Equal(t, []int{5, 10}, curve.Sizes())
		assert.Len(t, curve[1].Errors, 2)
	})

	var id string

	t.Run("Fit", func(t *testing.T) {
		out := execute(t, "fit", "-c", conf, "--header", "--data", train, "--save", "grid")

		var report fitReport
		require.NoError(t, yaml.Unmarshal(out, &report))

		assert.NotEmpty(t, report.Snapshot)
		assert.Len(t, report.Names, 4)
		assert.Len(t, report.Hyper.Kernel, 3)
		assert.GreaterOrEqual(t, report.LML, report.InitialLML-1e-8)

		id = report.Snapshot
	})

	t.Run("SelectFromSnapshot", func(t *testing.T) {
		require.NotEmpty(t, id)

		out := execute(t, "select", "-c", conf, "--header", "--snapshot", id, "--candidates", pool, "--batch", "2")

		var picked []selection
		require.NoError(t, yaml.Unmarshal(out, &picked))
		require.Len(t, picked, 2)

		// The far candidate is the most uncertain.
		assert.Equal(t, 2, picked[0].Index)
		assert.GreaterOrEqual(t, picked[0].Score, picked[1].Score)
	})

	t.Run("Screen", func(t *testing.T) {
		labelled := filepath.Join(dir, "labelled.csv")
		require.NoError(t, os.WriteFile(labelled, []byte("x0,x1,energy\n0.35,0.2,0.54\n1.4,0.6,1.59\n2.1,1.0,1.86\n0.7,1.4,2.04\n"), 0o600))

		out := execute(t, "screen", "-c", conf, "--header", "--data", train, "--pool", labelled, "--iterations", "3")

		var report screenReport
		require.NoError(t, yaml.Unmarshal(out, &report))

		assert.Equal(t, 3, report.Iterations)
		require.Len(t, report.Evaluations, 3)

		for _, e := range report.Evaluations {
			assert.Empty(t, e.Error)
		}
	})
}
