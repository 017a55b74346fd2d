// Package snapshot persists fitted gpscreen models so they can be restored
// without re-optimizing their hyperparameters.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thalesfsp/gpscreen"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the serializable form of a fitted model: the kernel, the
// hyperparameters and the training data. The Cholesky factor is not stored;
// Restore recomputes it.
type Snapshot struct {
	ID               string                   `yaml:"id"`
	Name             string                   `yaml:"name,omitempty"`
	Kernel           gpscreen.KernelSpec      `yaml:"kernel"`
	Hyper            gpscreen.Hyperparameters `yaml:"hyper"`
	NormalizeTargets bool                     `yaml:"normalize_targets"`
	LML              float64                  `yaml:"lml"`
	Features         [][]float64              `yaml:"features"`
	Targets          []float64                `yaml:"targets"`
	CreatedAt        time.Time                `yaml:"created_at"`
}

// FromModel captures the fitted state of model.
//
// Returns:
// - *Snapshot: with a fresh ID
// - error: gpscreen.ErrNotFitted if the model was never fitted
func FromModel(model *gpscreen.GPModel, name string) (*Snapshot, error) {
	state := model.State()
	if state == nil {
		return nil, gpscreen.ErrNotFitted
	}

	X := state.Features()
	rows, cols := X.Dims()

	features := make([][]float64, rows)
	for i := range features {
		features[i] = make([]float64, cols)
		copy(features[i], X.RawRowView(i))
	}

	return &Snapshot{
		ID:               uuid.NewString(),
		Name:             name,
		Kernel:           model.Kernel().Spec(),
		Hyper:            state.Hyper.Clone(),
		NormalizeTargets: model.NormalizeTargets(),
		LML:              state.LML,
		Features:         features,
		Targets:          state.Targets(),
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// Restore rebuilds and refits the model described by s.
func (s *Snapshot) Restore(logger *zap.Logger) (*gpscreen.GPModel, error) {
	k, err := s.Kernel.Build()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
	}

	cfg := gpscreen.DefaultGPConfig(k)
	cfg.NormalizeTargets = s.NormalizeTargets
	cfg.Logger = logger

	model, err := gpscreen.NewGPModel(cfg)
	if err != nil {
		return nil, err
	}

	X, err := gpscreen.NewFeatureMatrix(s.Features)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
	}

	if _, err := model.Fit(X, s.Targets, s.Hyper); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, err)
	}

	return model, nil
}

// Marshal encodes s as YAML.
func (s *Snapshot) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Unmarshal decodes a YAML snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot yaml: %w", err)
	}

	if s.ID == "" {
		return nil, fmt.Errorf("%w: snapshot without id", gpscreen.ErrInvalidData)
	}

	return &s, nil
}
