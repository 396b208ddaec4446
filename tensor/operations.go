package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.DType != Float32 {
		return fmt.Errorf("unsupported dtype for arithmetic: %s", t1.DType)
	}
	return nil
}

// elementwise applies fn pairwise after broadcasting both operands to a common shape.
func elementwise(name string, t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}

	a, b := t1, t2
	if !shapesEqual(t1.Shape, t2.Shape) {
		var err error
		a, b, err = BroadcastTensorsForOperation(t1, t2)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
	}

	result, err := Zeros(a.Shape, Float32, resultDevice(t1, t2))
	if err != nil {
		return nil, err
	}

	data1 := a.Float32s()
	data2 := b.Float32s()
	out := result.Float32s()
	for i := range out {
		out[i] = fn(data1[i], data2[i])
	}
	return result, nil
}

func unary(name string, t *Tensor, fn func(v float32) (float32, error)) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s only supports Float32 dtype", name)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Float32s()
	out := result.Float32s()
	for i, v := range data {
		r, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s at index %d: %v", name, i, err)
		}
		out[i] = r
	}
	return result, nil
}

func resultDevice(ts ...*Tensor) DeviceType {
	for _, t := range ts {
		if t.Device == Accelerated {
			return Accelerated
		}
	}
	return CPU
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Add", t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Sub", t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise("Mul", t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	for i, v := range t2.Float32s() {
		if v == 0 {
			return nil, fmt.Errorf("division by zero at index %d", i)
		}
	}
	return elementwise("Div", t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unary("Scale", t, func(v float32) (float32, error) { return v * s, nil })
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unary("ReLU", t, func(v float32) (float32, error) {
		if v > 0 {
			return v, nil
		}
		return 0, nil
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unary("Sigmoid", t, func(v float32) (float32, error) {
		return float32(1.0 / (1.0 + math.Exp(-float64(v)))), nil
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unary("Exp", t, func(v float32) (float32, error) {
		return float32(math.Exp(float64(v))), nil
	})
}

func Log(t *Tensor) (*Tensor, error) {
	return unary("Log", t, func(v float32) (float32, error) {
		if v <= 0 {
			return 0, fmt.Errorf("log of non-positive value %f", v)
		}
		return float32(math.Log(float64(v))), nil
	})
}

// Sqrt produces NaN for negative inputs instead of failing.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unary("Sqrt", t, func(v float32) (float32, error) {
		if v < 0 {
			return float32(math.NaN()), nil
		}
		return float32(math.Sqrt(float64(v))), nil
	})
}
