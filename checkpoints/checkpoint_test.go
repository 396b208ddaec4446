package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/tensor"
)

func testNetwork(t *testing.T, seed int64) *layers.Network {
	t.Helper()
	spec, err := layers.DefaultProtoNetSpec(1, 8, 8, 3, 2)
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	net, err := layers.NewNetwork(spec, rand.New(rand.NewSource(seed)), tensor.CPU)
	if err != nil {
		t.Fatalf("Failed to create network: %v", err)
	}
	return net
}

func testCheckpoint(net *layers.Network) *Checkpoint {
	return &Checkpoint{
		ModelSpec: net.Spec(),
		Weights:   ExtractWeights(net.NamedParameters()),
		TrainingState: TrainingState{
			Episode:           1500,
			Frame:             3,
			LearningRate:      0.001,
			BestFrameLoss:     0.5,
			BestFrameAccuracy: 0.85,
			TotalEpisodes:     16000,
		},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]interface{}{"learning_rate": 0.001, "momentum": 0.9},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{3}, Data: []float32{0.1, -0.2, 0.3}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-protonet",
			CreatedAt:   time.Unix(1700000000, 42),
			Description: "Test checkpoint",
			Tags:        []string{"test", "omniglot"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			source := testNetwork(t, 1)
			checkpoint := testCheckpoint(source)

			path := filepath.Join(t.TempDir(), "model.ckpt")
			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if !reflect.DeepEqual(loaded.TrainingState, checkpoint.TrainingState) {
				t.Errorf("training state mismatch: expected %+v, got %+v", checkpoint.TrainingState, loaded.TrainingState)
			}
			if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "SGD" {
				t.Fatalf("optimizer state not restored: %+v", loaded.OptimizerState)
			}
			if !reflect.DeepEqual(loaded.OptimizerState.StateData, checkpoint.OptimizerState.StateData) {
				t.Errorf("optimizer tensors mismatch: %+v", loaded.OptimizerState.StateData)
			}
			if loaded.Metadata.Description != "Test checkpoint" || len(loaded.Metadata.Tags) != 2 {
				t.Errorf("metadata mismatch: %+v", loaded.Metadata)
			}
			if !loaded.Metadata.CreatedAt.Equal(checkpoint.Metadata.CreatedAt) {
				t.Errorf("created_at mismatch: %v vs %v", loaded.Metadata.CreatedAt, checkpoint.Metadata.CreatedAt)
			}
			if loaded.ModelSpec == nil || loaded.ModelSpec.TotalParameters != source.Spec().TotalParameters {
				t.Errorf("model spec not restored")
			}

			// A differently initialised network must produce identical embeddings after loading.
			target := testNetwork(t, 2)
			if err := LoadWeights(loaded.Weights, target.NamedParameters()); err != nil {
				t.Fatalf("LoadWeights: %v", err)
			}
			x, _ := tensor.RandomNormal(rand.New(rand.NewSource(5)), []int{4, 1, 8, 8}, 0, 1, tensor.CPU)
			want, _ := source.Forward(x)
			got, _ := target.Forward(x)
			if !want.Equal(got) {
				t.Error("embeddings differ after restoring weights")
			}
		})
	}
}

func TestFormatForPath(t *testing.T) {
	tests := []struct {
		path    string
		want    CheckpointFormat
		wantErr bool
	}{
		{"model.json", FormatJSON, false},
		{"dir/model.JSON", FormatJSON, false},
		{"model.pb", FormatProto, false},
		{"model.txt", 0, true},
		{"model", 0, true},
	}
	for _, tt := range tests {
		got, err := FormatForPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatForPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("FormatForPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestSaveLoadByExtension(t *testing.T) {
	net := testNetwork(t, 3)
	dir := t.TempDir()
	for _, name := range []string{"a.json", "b.pb"} {
		path := filepath.Join(dir, name)
		if err := Save(path, testCheckpoint(net)); err != nil {
			t.Fatalf("Save(%s): %v", name, err)
		}
		cp, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if len(cp.Weights) != len(net.NamedParameters()) {
			t.Errorf("%s: expected %d weights, got %d", name, len(net.NamedParameters()), len(cp.Weights))
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected only the two checkpoint files, found %d entries", len(entries))
	}
}

func TestLoadWeightsErrors(t *testing.T) {
	net := testNetwork(t, 1)
	weights := ExtractWeights(net.NamedParameters())

	t.Run("shape mismatch", func(t *testing.T) {
		bad := append([]WeightTensor(nil), weights...)
		bad[0].Shape = []int{1, 2, 3}
		err := LoadWeights(bad, net.NamedParameters())
		if errors.Cause(err) != ErrShapeMismatch {
			t.Errorf("expected ErrShapeMismatch, got %v", err)
		}
	})

	t.Run("missing weight", func(t *testing.T) {
		if err := LoadWeights(weights[1:], net.NamedParameters()); err == nil {
			t.Error("expected error for missing weight")
		}
	})

	t.Run("failed load leaves parameters untouched", func(t *testing.T) {
		before := net.Parameters()[0].Float32s()[0]
		bad := append([]WeightTensor(nil), weights...)
		bad[0].Data = make([]float32, len(bad[0].Data))
		bad[len(bad)-1].Shape = []int{99}
		_ = LoadWeights(bad, net.NamedParameters())
		if net.Parameters()[0].Float32s()[0] != before {
			t.Error("parameters modified by a failed load")
		}
	})
}

func TestLoadCheckpointErrors(t *testing.T) {
	if _, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "garbage.pb")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error for corrupt proto checkpoint")
	}

	if err := NewCheckpointSaver(CheckpointFormat(9)).SaveCheckpoint(&Checkpoint{}, path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestExtractWeights(t *testing.T) {
	net := testNetwork(t, 1)
	weights := ExtractWeights(net.NamedParameters())
	if weights[0].Name != "conv1.weight" || weights[0].Type != "weight" || weights[0].Layer != "conv1" {
		t.Errorf("unexpected first weight %+v", weights[0])
	}
	if weights[1].Type != "bias" {
		t.Errorf("expected bias, got %s", weights[1].Type)
	}

	// Extracted data is a copy.
	weights[0].Data[0] += 1
	if net.Parameters()[0].Float32s()[0] == weights[0].Data[0] {
		t.Error("ExtractWeights should copy parameter data")
	}
}
