package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
)

// ErrShapeMismatch is returned when a stored weight does not fit the target parameter.
var ErrShapeMismatch = errors.New("checkpoint shape mismatch")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: .json or .pb.
func FormatForPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".pb", ".bin":
		return FormatProto, nil
	default:
		return 0, errors.Errorf("cannot infer checkpoint format from %q (use .json or .pb)", path)
	}
}

// Checkpoint represents the model weights together with training progress and optimizer state
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures episodic training progress
type TrainingState struct {
	Episode           int     `json:"episode"`
	Frame             int     `json:"frame"`
	LearningRate      float32 `json:"learning_rate"`
	BestFrameLoss     float32 `json:"best_frame_loss"`
	BestFrameAccuracy float32 `json:"best_frame_accuracy"`
	TotalEpisodes     int     `json:"total_episodes"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint writes checkpoint to path. The file is replaced atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-protonet"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	case FormatProto:
		if err := unmarshalProto(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	return &checkpoint, nil
}

// Save writes checkpoint using the format implied by path.
func Save(path string, checkpoint *Checkpoint) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	return NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint using the format implied by path.
func Load(path string) (*Checkpoint, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to install checkpoint file")
}

// ExtractWeights copies every named parameter into a WeightTensor.
func ExtractWeights(params []layers.NamedParameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, p.Tensor.NumElems)
		copy(data, p.Tensor.Float32s())

		kind := p.Name
		if i := strings.LastIndexByte(p.Name, '.'); i >= 0 {
			kind = p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  data,
			Layer: p.Layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies stored weights into params, matching by name. Every
// parameter must be present with an identical shape.
func LoadWeights(weights []WeightTensor, params []layers.NamedParameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weight named %s", p.Name)
		}
		if !sameShape(w.Shape, p.Tensor.Shape) || len(w.Data) != p.Tensor.NumElems {
			return errors.Wrapf(ErrShapeMismatch, "weight %s: checkpoint %v (%d values) vs model %v",
				p.Name, w.Shape, len(w.Data), p.Tensor.Shape)
		}
	}

	for _, p := range params {
		copy(p.Tensor.Float32s(), byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (w WeightTensor) String() string {
	return fmt.Sprintf("%s%v", w.Name, w.Shape)
}
