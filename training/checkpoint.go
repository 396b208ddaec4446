package training

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/layers"
)

// StatefulOptimizer exposes optimizer state for checkpointing.
type StatefulOptimizer interface {
	GetState() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// CheckpointConfig configures periodic checkpoint writing.
type CheckpointConfig struct {
	// Path is the checkpoint file; its extension selects JSON or proto.
	Path string
	// Every writes a checkpoint after this many frames. Zero saves only at the end.
	Every       int
	Description string
}

// CheckpointManager writes model and optimizer state during training.
type CheckpointManager struct {
	config CheckpointConfig
	model  layers.Embedder
	opt    StatefulOptimizer
	saved  int
}

// NewCheckpointManager validates the path and binds the state to persist.
// opt may be nil for parameter-free models.
func NewCheckpointManager(config CheckpointConfig, model layers.Embedder, opt StatefulOptimizer) (*CheckpointManager, error) {
	if _, err := checkpoints.FormatForPath(config.Path); err != nil {
		return nil, err
	}
	if config.Every < 0 {
		return nil, errors.Errorf("checkpoint interval must be non-negative, got %d", config.Every)
	}
	return &CheckpointManager{config: config, model: model, opt: opt}, nil
}

// Path returns the checkpoint file path.
func (cm *CheckpointManager) Path() string { return cm.config.Path }

// Saved is the number of checkpoints written so far.
func (cm *CheckpointManager) Saved() int { return cm.saved }

// Due reports whether a checkpoint should be written after frame.
func (cm *CheckpointManager) Due(frame int) bool {
	return cm.config.Every > 0 && frame > 0 && frame%cm.config.Every == 0
}

// Save writes a checkpoint carrying state.
func (cm *CheckpointManager) Save(state checkpoints.TrainingState) error {
	cp := &checkpoints.Checkpoint{
		Weights:       checkpoints.ExtractWeights(cm.model.NamedParameters()),
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-protonet",
			CreatedAt:   time.Now(),
			Description: cm.config.Description,
		},
	}
	if s, ok := cm.model.(interface{ Spec() *layers.ModelSpec }); ok {
		cp.ModelSpec = s.Spec()
	}
	if cm.opt != nil {
		optState, err := cm.opt.GetState()
		if err != nil {
			return errors.Wrap(err, "capture optimizer state")
		}
		cp.OptimizerState = optState
	}
	if err := checkpoints.Save(cm.config.Path, cp); err != nil {
		return err
	}
	cm.saved++
	return nil
}

// Restore loads weights and, when both sides have it, optimizer state from cp.
func Restore(cp *checkpoints.Checkpoint, model layers.Embedder, opt StatefulOptimizer) error {
	if err := checkpoints.LoadWeights(cp.Weights, model.NamedParameters()); err != nil {
		return errors.Wrap(err, "restore weights")
	}
	if opt != nil && cp.OptimizerState != nil {
		if err := opt.LoadState(cp.OptimizerState); err != nil {
			return errors.Wrap(err, "restore optimizer")
		}
	}
	return nil
}
