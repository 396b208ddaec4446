package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. Execution lives in Network.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete embedding network as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct embedding networks
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a new model builder. inputShape includes a batch
// dimension, which only serves as a placeholder during compilation.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{inputShape: shape}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer. Input size is computed during compilation.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddMaxPool2D adds a max pooling layer. A zero stride means stride = kernel.
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	})
}

// AddFlatten collapses every non-batch dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// Compile computes shapes and parameter counts for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	seen := make(map[string]bool, len(mb.layers))

	for i := range mb.layers {
		layer := mb.layers[i]
		layer.Parameters = copyParams(layer.Parameters)
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s%d", strings.ToLower(layer.Type.String()), i+1)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		model.Layers[i] = layer

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		return []int{inputShape[0], flatSize(inputShape)}, nil, 0, nil
	case ReLU:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func flatSize(shape []int) int {
	size := 1
	for _, d := range shape[1:] {
		size *= d
	}
	return size
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires 2D input, got %v (add a Flatten layer)", inputShape)
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [outputSize, inputSize]
	paramShapes := [][]int{{outputSize, inputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, 0, fmt.Errorf("stride must be positive, got %d", stride)
	}
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	batchSize, inputChannels := inputShape[0], inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{batchSize, outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 4D input")
	}
	kernel := getIntParam(layer.Parameters, "kernel_size", 2)
	stride := getIntParam(layer.Parameters, "stride", 0)
	if stride == 0 {
		stride = kernel
	}
	outH := (inputShape[2]-kernel)/stride + 1
	outW := (inputShape[3]-kernel)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, 0, fmt.Errorf("pool kernel %d does not fit input %v", kernel, inputShape)
	}
	return []int{inputShape[0], inputShape[1], outH, outW}, nil, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	b.WriteString("Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n\n", layer.ParameterCount)
	}

	return b.String()
}

// EmbeddingSize is the flattened width of the model output.
func (ms *ModelSpec) EmbeddingSize() int {
	if len(ms.OutputShape) < 2 {
		return 0
	}
	return flatSize(ms.OutputShape)
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
