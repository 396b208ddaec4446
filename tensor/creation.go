package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	owned := make([]int, len(shape))
	copy(owned, shape)

	tensor := &Tensor{
		Shape:    owned,
		Strides:  calculateStrides(owned),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(owned),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	n := calculateNumElements(shape)
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, make([]float32, n))
	case Int32:
		return NewTensor(shape, dtype, device, make([]int32, n))
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, float32(1))
	case Int32:
		return NewTensor(shape, dtype, device, int32(1))
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

func Full(shape []int, value interface{}, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, value)
}

// RandomNormal draws Float32 values from N(mean, std²) using rng so that
// parameter initialisation is reproducible from a seed.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32, device DeviceType) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("RandomNormal requires a random source")
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}
	return NewTensor(shape, Float32, device, slice)
}

// RandomUniform draws Float32 values from U[low, high).
func RandomUniform(rng *rand.Rand, shape []int, low, high float32, device DeviceType) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("RandomUniform requires a random source")
	}
	if high < low {
		return nil, fmt.Errorf("RandomUniform: high %f is below low %f", high, low)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = low + rng.Float32()*(high-low)
	}
	return NewTensor(shape, Float32, device, slice)
}

// HeNormal initialises a weight with fan-in scaling, std = sqrt(2/fanIn).
func HeNormal(rng *rand.Rand, shape []int, fanIn int, device DeviceType) (*Tensor, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("HeNormal: fan-in must be positive, got %d", fanIn)
	}
	return RandomNormal(rng, shape, 0, float32(math.Sqrt(2/float64(fanIn))), device)
}

// FromScalar creates a one-element tensor of shape [1].
func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	var t *Tensor
	switch dtype {
	case Int32:
		t, _ = NewTensor([]int{1}, Int32, device, []int32{int32(value)})
	default:
		t, _ = NewTensor([]int{1}, Float32, device, []float32{float32(value)})
	}
	return t
}
