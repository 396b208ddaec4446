package tensor

import (
	"fmt"
)

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul multiplies two 2-D Float32 tensors, (m,k) x (k,n) -> (m,n).
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, Float32, resultDevice(t1, t2))
	if err != nil {
		return nil, err
	}

	data1 := t1.Float32s()
	data2 := t2.Float32s()
	out := result.Float32s()

	parallelFor(result.Device, rows1, func(i int) {
		row := out[i*cols2 : (i+1)*cols2]
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			bRow := data2[k*cols2 : (k+1)*cols2]
			for j, b := range bRow {
				row[j] += a * b
			}
		}
	})

	return result, nil
}

// Transpose swaps two dimensions, materialising the result.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	outputShape := append([]int(nil), t.Shape...)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Float32s()
	out := result.Float32s()
	for i := range data {
		indices := getIndicesFromLinear(i, t.Shape)
		indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
		idx := 0
		for d, v := range indices {
			idx += v * result.Strides[d]
		}
		out[idx] = data[i]
	}

	return result, nil
}

// Reshape copies t into a tensor of the given shape. One dimension may be -1
// and is inferred from the element count.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape, err := inferShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	clone.Shape = shape
	clone.Strides = calculateStrides(shape)
	return clone, nil
}

func inferShape(numElems int, newShape []int) ([]int, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferAt := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferAt >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferAt = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if inferAt >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
		}
		shape[inferAt] = numElems / known
		known *= shape[inferAt]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)",
			numElems, newShape, known)
	}
	return shape, nil
}

// Sum reduces over dim.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	outer := 1
	for _, d := range t.Shape[:dim] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[dim+1:] {
		inner *= d
	}
	size := t.Shape[dim]

	var outputShape []int
	if keepDim {
		outputShape = append([]int(nil), t.Shape...)
		outputShape[dim] = 1
	} else {
		outputShape = append(append([]int(nil), t.Shape[:dim]...), t.Shape[dim+1:]...)
	}

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Float32s()
	out := result.Float32s()
	for o := 0; o < outer; o++ {
		for k := 0; k < size; k++ {
			base := (o*size + k) * inner
			for i := 0; i < inner; i++ {
				out[o*inner+i] += data[base+i]
			}
		}
	}

	return result, nil
}

// ArgmaxRows returns, for each row of a 2-D tensor, the column of the largest
// value. Ties resolve to the lowest column index.
func ArgmaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgmaxRows requires a 2-D tensor, got %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for ArgmaxRows: %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Float32s()
	result := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		result[r] = best
	}
	return result, nil
}
