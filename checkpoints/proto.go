package checkpoints

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-protonet/layers"
)

// Field numbers of the protobuf wire layout.
//
//	message Checkpoint {
//	  bytes model_spec_json = 1;
//	  repeated Weight weights = 2;
//	  TrainingState training_state = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata metadata = 5;
//	}
const (
	fieldModelSpec      protowire.Number = 1
	fieldWeights        protowire.Number = 2
	fieldTrainingState  protowire.Number = 3
	fieldOptimizerState protowire.Number = 4
	fieldMetadata       protowire.Number = 5
)

func marshalProto(cp *Checkpoint) ([]byte, error) {
	var b []byte

	if cp.ModelSpec != nil {
		spec, err := json.Marshal(cp.ModelSpec)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range cp.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, cp.TrainingState))

	if cp.OptimizerState != nil {
		msg, err := appendOptimizerState(nil, cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, cp.Metadata))

	return b, nil
}

func unmarshalProto(b []byte, cp *Checkpoint) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case fieldModelSpec:
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return 0, errors.Wrap(err, "model spec")
			}
			cp.ModelSpec = &spec
		case fieldWeights:
			var w WeightTensor
			if err := consumeTensor(v, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
				return 0, errors.Wrap(err, "weight")
			}
			cp.Weights = append(cp.Weights, w)
		case fieldTrainingState:
			if err := consumeTrainingState(v, &cp.TrainingState); err != nil {
				return 0, errors.Wrap(err, "training state")
			}
		case fieldOptimizerState:
			cp.OptimizerState = &OptimizerState{}
			if err := consumeOptimizerState(v, cp.OptimizerState); err != nil {
				return 0, errors.Wrap(err, "optimizer state")
			}
		case fieldMetadata:
			if err := consumeMetadata(v, &cp.Metadata); err != nil {
				return 0, errors.Wrap(err, "metadata")
			}
		}
		return n, nil
	})
}

// walkFields calls fn for every top-level field of a message. fn returns the
// number of bytes it consumed after the tag, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// Tensor message: 1 name, 2 packed shape, 3 packed float data, 4 layer, 5 type.
func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	values := make([]byte, 0, 4*len(data))
	for _, v := range data {
		values = protowire.AppendFixed32(values, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	if layer != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, layer)
	}
	if kind != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, kind)
	}
	return b
}

func consumeTensor(b []byte, name *string, shape *[]int, data *[]float32, layer, kind *string) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			*name = string(v)
		case 2:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				*shape = append(*shape, int(d))
				v = v[m:]
			}
		case 3:
			if len(v)%4 != 0 {
				return 0, errors.Errorf("tensor data length %d is not a multiple of 4", len(v))
			}
			out := make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return m, nil
				}
				out = append(out, math.Float32frombits(bits))
				v = v[m:]
			}
			*data = out
		case 4:
			*layer = string(v)
		case 5:
			*kind = string(v)
		}
		return n, nil
	})
}

// TrainingState message: 1 episode, 2 frame, 3 lr, 4 best loss, 5 best accuracy, 6 total episodes.
func appendTrainingState(b []byte, s TrainingState) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Episode))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Frame))
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(s.LearningRate))
	b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(s.BestFrameLoss))
	b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(s.BestFrameAccuracy))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.TotalEpisodes))
	return b
}

func consumeTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				s.Episode = int(v)
			case 2:
				s.Frame = int(v)
			case 6:
				s.TotalEpisodes = int(v)
			}
			return n, nil
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			f := math.Float32frombits(v)
			switch num {
			case 3:
				s.LearningRate = f
			case 4:
				s.BestFrameLoss = f
			case 5:
				s.BestFrameAccuracy = f
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// OptimizerState message: 1 type, 2 hyperparameters as JSON, 3 repeated state tensors.
func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)

	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer parameters")
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, params)

	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

func consumeOptimizerState(b []byte, s *OptimizerState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			s.Type = string(v)
		case 2:
			if err := json.Unmarshal(v, &s.Parameters); err != nil {
				return 0, errors.Wrap(err, "optimizer parameters")
			}
		case 3:
			var t OptimizerTensor
			var layer string
			if err := consumeTensor(v, &t.Name, &t.Shape, &t.Data, &layer, &t.StateType); err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, t)
		}
		return n, nil
	})
}

// Metadata message: 1 version, 2 framework, 3 created_at (unix nanoseconds), 4 description, 5 repeated tags.
func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	if m.Description != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func consumeMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num == 3:
			v, n := protowire.ConsumeVarint(b)
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			switch num {
			case 1:
				m.Version = string(v)
			case 2:
				m.Framework = string(v)
			case 4:
				m.Description = string(v)
			case 5:
				m.Tags = append(m.Tags, string(v))
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}
