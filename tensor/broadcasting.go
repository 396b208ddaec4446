package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape.
// Trailing dimensions are aligned; a dimension of 1 (or a missing one) stretches to match.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 {
		return append([]int(nil), shape2...), nil
	}
	if len(shape2) == 0 {
		return append([]int(nil), shape1...), nil
	}

	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		switch {
		case dim1 == dim2, dim2 == 1:
			resultShape[maxDims-1-i] = dim1
		case dim1 == 1:
			resultShape[maxDims-1-i] = dim2
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// BroadcastTensor expands a Float32 tensor to targetShape, copying data.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported data type for broadcasting: %v", t.DType)
	}
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	combined, err := BroadcastShapes(t.Shape, targetShape)
	if err != nil || !shapesEqual(combined, targetShape) {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v", t.Shape, targetShape)
	}

	result, err := Zeros(targetShape, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	src := t.Float32s()
	dst := result.Float32s()
	numDims := len(targetShape)
	offset := numDims - len(t.Shape)
	coords := make([]int, numDims)

	for dstIdx := range dst {
		remaining := dstIdx
		for i := numDims - 1; i >= 0; i-- {
			coords[i] = remaining % targetShape[i]
			remaining /= targetShape[i]
		}

		srcIdx := 0
		for i := offset; i < numDims; i++ {
			srcDim := i - offset
			if t.Shape[srcDim] != 1 {
				srcIdx += coords[i] * t.Strides[srcDim]
			}
		}
		dst[dstIdx] = src[srcIdx]
	}

	return result, nil
}

// BroadcastTensorsForOperation broadcasts two tensors to a common shape for element-wise operations
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	broadcastShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensors cannot be broadcast together: %v", err)
	}

	aBroadcast, err := BroadcastTensor(a, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast first tensor: %v", err)
	}

	bBroadcast, err := BroadcastTensor(b, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast second tensor: %v", err)
	}

	return aBroadcast, bBroadcast, nil
}

// reduceGradientToShape sums a gradient over the dimensions that were broadcast
// in the forward pass so that it matches targetShape again.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	result := grad
	var err error
	for len(result.Shape) > len(targetShape) {
		result, err = Sum(result, 0, false)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over leading dimension: %v", err)
		}
	}

	for i := range targetShape {
		if targetShape[i] == 1 && result.Shape[i] > 1 {
			result, err = Sum(result, i, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		return nil, fmt.Errorf("gradient shape %v cannot be reduced to %v", grad.Shape, targetShape)
	}
	return result, nil
}
