package layers

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-protonet/tensor"
)

// Embedder maps an image batch [B,C,H,W] to embeddings [B,D].
type Embedder interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	NamedParameters() []NamedParameter
	Train()
	Eval()
	Training() bool
	OutputSize() int
}

// NamedParameter pairs a learnable tensor with a stable name such as "conv1.weight".
type NamedParameter struct {
	Name   string
	Layer  string
	Tensor *tensor.Tensor
}

type layerParams struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// Network executes a compiled ModelSpec with autograd operations.
type Network struct {
	spec     *ModelSpec
	params   []layerParams
	named    []NamedParameter
	device   tensor.DeviceType
	training bool
}

// NewNetwork allocates He-initialised weights and zero biases for spec.
func NewNetwork(spec *ModelSpec, rng *rand.Rand, device tensor.DeviceType) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}

	n := &Network{
		spec:     spec,
		params:   make([]layerParams, len(spec.Layers)),
		device:   device,
		training: true,
	}

	for i, layer := range spec.Layers {
		if layer.Type != Dense && layer.Type != Conv2D {
			continue
		}
		wShape := layer.ParameterShapes[0]
		fanIn := 1
		for _, d := range wShape[1:] {
			fanIn *= d
		}
		w, err := tensor.HeNormal(rng, wShape, fanIn, device)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
		}
		w.SetRequiresGrad(true)
		n.named = append(n.named, NamedParameter{Name: layer.Name + ".weight", Layer: layer.Name, Tensor: w})

		b, err := tensor.Zeros([]int{wShape[0]}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
		}
		if len(layer.ParameterShapes) > 1 {
			b.SetRequiresGrad(true)
			n.named = append(n.named, NamedParameter{Name: layer.Name + ".bias", Layer: layer.Name, Tensor: b})
		}
		n.params[i] = layerParams{weight: w, bias: b}
	}

	return n, nil
}

// Spec returns the compiled model the network executes.
func (n *Network) Spec() *ModelSpec { return n.spec }

// Forward embeds x. Any batch size is accepted; the remaining dimensions must
// match the compiled input shape.
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	want := n.spec.InputShape
	if len(x.Shape) != len(want) {
		return nil, fmt.Errorf("input shape %v does not match model input %v", x.Shape, want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return nil, fmt.Errorf("input shape %v does not match model input %v", x.Shape, want)
		}
	}

	out := x
	if out.Device != n.device {
		moved, err := out.ToDevice(n.device)
		if err != nil {
			return nil, err
		}
		out = moved
	}

	var err error
	for i, layer := range n.spec.Layers {
		switch layer.Type {
		case Conv2D:
			p := n.params[i]
			out, err = tensor.Conv2DAutograd(out, p.weight, p.bias,
				getIntParam(layer.Parameters, "stride", 1),
				getIntParam(layer.Parameters, "padding", 0))
		case Dense:
			p := n.params[i]
			out, err = tensor.LinearAutograd(out, p.weight, p.bias)
		case ReLU:
			out, err = tensor.ReLUAutograd(out)
		case MaxPool2D:
			out, err = tensor.MaxPool2DAutograd(out,
				getIntParam(layer.Parameters, "kernel_size", 2),
				getIntParam(layer.Parameters, "stride", 0))
		case Flatten:
			out, err = tensor.FlattenAutograd(out)
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
		}
	}

	if len(out.Shape) != 2 {
		return tensor.FlattenAutograd(out)
	}
	return out, nil
}

func (n *Network) Parameters() []*tensor.Tensor {
	params := make([]*tensor.Tensor, len(n.named))
	for i, p := range n.named {
		params[i] = p.Tensor
	}
	return params
}

func (n *Network) NamedParameters() []NamedParameter {
	return append([]NamedParameter(nil), n.named...)
}

func (n *Network) Train()         { n.training = true }
func (n *Network) Eval()          { n.training = false }
func (n *Network) Training() bool { return n.training }
func (n *Network) OutputSize() int {
	return n.spec.EmbeddingSize()
}

// Identity is a parameter-free embedder that flattens its input.
type Identity struct {
	training bool
	size     int
}

// NewIdentity returns an Identity embedder for inputs of the given per-example size.
func NewIdentity(size int) *Identity { return &Identity{training: true, size: size} }

func (id *Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 2 {
		return x, nil
	}
	return tensor.FlattenAutograd(x)
}

func (id *Identity) Parameters() []*tensor.Tensor      { return nil }
func (id *Identity) NamedParameters() []NamedParameter { return nil }
func (id *Identity) Train()                            { id.training = true }
func (id *Identity) Eval()                             { id.training = false }
func (id *Identity) Training() bool                    { return id.training }
func (id *Identity) OutputSize() int                   { return id.size }

// DefaultProtoNetSpec builds blocks × (conv3x3 pad 1, ReLU, maxpool 2) followed by
// a flatten, the usual prototypical-network embedding for character images.
func DefaultProtoNetSpec(channels, height, width, hidden, blocks int) (*ModelSpec, error) {
	if blocks < 1 {
		return nil, fmt.Errorf("at least one block is required, got %d", blocks)
	}
	b := NewModelBuilder([]int{1, channels, height, width})
	for i := 1; i <= blocks; i++ {
		b.AddConv2D(hidden, 3, 1, 1, true, fmt.Sprintf("conv%d", i)).
			AddReLU(fmt.Sprintf("relu%d", i)).
			AddMaxPool2D(2, 2, fmt.Sprintf("pool%d", i))
	}
	b.AddFlatten("flatten")
	return b.Compile()
}
