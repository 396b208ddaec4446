package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone deep-copies shape and data. The clone carries no autograd history.
func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		NumElems: t.NumElems,
	}

	switch data := t.Data.(type) {
	case []float32:
		clone.Data = append([]float32(nil), data...)
	case []int32:
		clone.Data = append([]int32(nil), data...)
	case nil:
		return nil, fmt.Errorf("tensor has nil data")
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// Item returns the single value of a one-element Float32 tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}

	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return data[idx], nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of shape, dtype and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}

	switch a := t.Data.(type) {
	case []float32:
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case []int32:
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// AllClose reports whether every element differs by at most atol + rtol*|other|.
func (t *Tensor) AllClose(other *Tensor, rtol, atol float64) bool {
	if t.DType != Float32 || other.DType != Float32 || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	a, b := t.Float32s(), other.Float32s()
	for i := range a {
		if math.Abs(float64(a[i])-float64(b[i])) > atol+rtol*math.Abs(float64(b[i])) {
			return false
		}
	}
	return true
}

// HasNonFinite reports whether any element is NaN or ±Inf.
func (t *Tensor) HasNonFinite() bool {
	data, ok := t.Data.([]float32)
	if !ok {
		return false
	}
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ToDevice returns t itself when already on device, otherwise a copy tagged for device.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device != CPU && device != Accelerated {
		return nil, fmt.Errorf("invalid device type: %v", device)
	}
	if t.Device == device {
		return t, nil
	}

	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	result.Device = device
	result.requiresGrad = t.requiresGrad
	return result, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)\n", t.Shape, t.DType, t.Device))

	if maxElements <= 0 {
		maxElements = 20
	}
	shown := t.NumElems
	if shown > maxElements {
		shown = maxElements
	}

	sb.WriteString("[")
	for i := 0; i < shown; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch data := t.Data.(type) {
		case []float32:
			sb.WriteString(fmt.Sprintf("%.4f", data[i]))
		case []int32:
			sb.WriteString(fmt.Sprintf("%d", data[i]))
		}
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad drops accumulated gradients so the next backward pass starts from zero.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// SetGrad replaces t's accumulated gradient. Used by optimizers for clipping.
func (t *Tensor) SetGrad(grad *Tensor) error {
	if grad != nil && !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}
	t.grad = grad
	return nil
}
