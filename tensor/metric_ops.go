package tensor

import (
	"fmt"
	"math"
)

// IndexSelectOp gathers slices along dimension 0. Indices may repeat.
type IndexSelectOp struct {
	inputs  []*Tensor
	Indices []int
}

func (op *IndexSelectOp) Inputs() []*Tensor { return op.inputs }

func (op *IndexSelectOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("IndexSelectOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) == 0 || len(op.Indices) == 0 {
		return nil, fmt.Errorf("index select needs a non-scalar input and at least one index")
	}
	rows := x.Shape[0]
	for _, idx := range op.Indices {
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("index %d out of range for dimension of size %d", idx, rows)
		}
	}
	op.inputs = inputs

	shape := append([]int{len(op.Indices)}, x.Shape[1:]...)
	result, err := Zeros(shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	stride := x.NumElems / rows
	xd, yd := x.Float32s(), result.Float32s()
	for i, idx := range op.Indices {
		copy(yd[i*stride:(i+1)*stride], xd[idx*stride:(idx+1)*stride])
	}

	return record(op, result, inputs...), nil
}

func (op *IndexSelectOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	stride := x.NumElems / x.Shape[0]
	gx, gd := gradX.Float32s(), gradOut.Float32s()
	for i, idx := range op.Indices {
		dst := gx[idx*stride : (idx+1)*stride]
		for j, v := range gd[i*stride : (i+1)*stride] {
			dst[j] += v
		}
	}
	return []*Tensor{gradX}, nil
}

// GroupMeanOp averages consecutive groups of rows: [G*S, D] -> [G, D].
type GroupMeanOp struct {
	inputs    []*Tensor
	GroupSize int
}

func (op *GroupMeanOp) Inputs() []*Tensor { return op.inputs }

func (op *GroupMeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("GroupMeanOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("group mean expects a 2-D input, got %v", x.Shape)
	}
	if op.GroupSize < 1 || x.Shape[0]%op.GroupSize != 0 {
		return nil, fmt.Errorf("group size %d does not divide %d rows", op.GroupSize, x.Shape[0])
	}
	op.inputs = inputs

	groups, dim := x.Shape[0]/op.GroupSize, x.Shape[1]
	result, err := Zeros([]int{groups, dim}, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	// Running mean: a group of identical rows averages to exactly that row.
	xd, yd := x.Float32s(), result.Float32s()
	for g := 0; g < groups; g++ {
		out := yd[g*dim : (g+1)*dim]
		for s := 0; s < op.GroupSize; s++ {
			row := xd[(g*op.GroupSize+s)*dim : (g*op.GroupSize+s+1)*dim]
			n := float32(s + 1)
			for j, v := range row {
				out[j] += (v - out[j]) / n
			}
		}
	}

	return record(op, result, inputs...), nil
}

func (op *GroupMeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	dim := x.Shape[1]
	inv := 1 / float32(op.GroupSize)
	gx, gd := gradX.Float32s(), gradOut.Float32s()
	for r := 0; r < x.Shape[0]; r++ {
		g := r / op.GroupSize
		for j := 0; j < dim; j++ {
			gx[r*dim+j] = gd[g*dim+j] * inv
		}
	}
	return []*Tensor{gradX}, nil
}

// PairwiseSquaredDistanceOp computes d[i,j] = ||a_i - b_j||² for a [M,D], b [N,D].
type PairwiseSquaredDistanceOp struct {
	inputs []*Tensor
}

func (op *PairwiseSquaredDistanceOp) Inputs() []*Tensor { return op.inputs }

func (op *PairwiseSquaredDistanceOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("PairwiseSquaredDistanceOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("pairwise distance needs [M,D] and [N,D], got %v and %v", a.Shape, b.Shape)
	}
	op.inputs = inputs

	m, n, dim := a.Shape[0], b.Shape[0], a.Shape[1]
	result, err := Zeros([]int{m, n}, Float32, resultDevice(a, b))
	if err != nil {
		return nil, err
	}

	ad, bd, yd := a.Float32s(), b.Float32s(), result.Float32s()
	parallelFor(result.Device, m, func(i int) {
		ai := ad[i*dim : (i+1)*dim]
		for j := 0; j < n; j++ {
			bj := bd[j*dim : (j+1)*dim]
			var sum float32
			for k, v := range ai {
				diff := v - bj[k]
				sum += diff * diff
			}
			yd[i*n+j] = sum
		}
	})

	return record(op, result, inputs...), nil
}

func (op *PairwiseSquaredDistanceOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	m, n, dim := a.Shape[0], b.Shape[0], a.Shape[1]

	gradA, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	gradB, err := Zeros(b.Shape, Float32, b.Device)
	if err != nil {
		return nil, err
	}

	// ∂d/∂a_i = 2(a_i - b_j), ∂d/∂b_j = -2(a_i - b_j)
	ad, bd, gd := a.Float32s(), b.Float32s(), gradOut.Float32s()
	ga, gb := gradA.Float32s(), gradB.Float32s()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			g := 2 * gd[i*n+j]
			if g == 0 {
				continue
			}
			for k := 0; k < dim; k++ {
				diff := ad[i*dim+k] - bd[j*dim+k]
				ga[i*dim+k] += g * diff
				gb[j*dim+k] -= g * diff
			}
		}
	}
	return []*Tensor{gradA, gradB}, nil
}

// LogSoftmaxOp normalises each row of a 2-D tensor into log-probabilities.
type LogSoftmaxOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *LogSoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *LogSoftmaxOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("LogSoftmaxOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("log softmax expects a 2-D input, got %v", x.Shape)
	}
	op.inputs = inputs

	rows, cols := x.Shape[0], x.Shape[1]
	result, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	xd, yd := x.Float32s(), result.Float32s()
	for r := 0; r < rows; r++ {
		row := xd[r*cols : (r+1)*cols]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxV))
		}
		logSum := float32(math.Log(sum)) + maxV
		for c, v := range row {
			yd[r*cols+c] = v - logSum
		}
	}
	op.output = result

	return record(op, result, inputs...), nil
}

func (op *LogSoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	rows, cols := op.output.Shape[0], op.output.Shape[1]
	gradX, err := Zeros(op.output.Shape, Float32, op.output.Device)
	if err != nil {
		return nil, err
	}

	// dx = g - softmax(x) * Σg
	yd, gd, gx := op.output.Float32s(), gradOut.Float32s(), gradX.Float32s()
	for r := 0; r < rows; r++ {
		var sum float32
		for c := 0; c < cols; c++ {
			sum += gd[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			i := r*cols + c
			gx[i] = gd[i] - float32(math.Exp(float64(yd[i])))*sum
		}
	}
	return []*Tensor{gradX}, nil
}

// NLLLossOp is the mean negative log-likelihood of the target column per row.
type NLLLossOp struct {
	inputs  []*Tensor
	Targets []int
}

func (op *NLLLossOp) Inputs() []*Tensor { return op.inputs }

func (op *NLLLossOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("NLLLossOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("nll loss expects 2-D log-probabilities, got %v", x.Shape)
	}
	rows, cols := x.Shape[0], x.Shape[1]
	if len(op.Targets) != rows {
		return nil, fmt.Errorf("nll loss: %d targets for %d rows", len(op.Targets), rows)
	}
	for r, t := range op.Targets {
		if t < 0 || t >= cols {
			return nil, fmt.Errorf("nll loss: target %d at row %d out of range [0,%d)", t, r, cols)
		}
	}
	op.inputs = inputs

	xd := x.Float32s()
	var sum float64
	for r, t := range op.Targets {
		sum -= float64(xd[r*cols+t])
	}

	result, err := NewTensor([]int{1}, Float32, x.Device, []float32{float32(sum / float64(rows))})
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *NLLLossOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	g := gradOut.Float32s()[0] / float32(rows)
	gx := gradX.Float32s()
	for r, t := range op.Targets {
		gx[r*cols+t] = -g
	}
	return []*Tensor{gradX}, nil
}

// IndexSelectAutograd gathers rows of x along dimension 0.
func IndexSelectAutograd(x *Tensor, indices []int) (*Tensor, error) {
	return (&IndexSelectOp{Indices: append([]int(nil), indices...)}).Forward(x)
}

// GroupMeanAutograd averages each run of groupSize consecutive rows.
func GroupMeanAutograd(x *Tensor, groupSize int) (*Tensor, error) {
	return (&GroupMeanOp{GroupSize: groupSize}).Forward(x)
}

// PairwiseSquaredDistanceAutograd returns the [M,N] matrix of squared Euclidean distances.
func PairwiseSquaredDistanceAutograd(a, b *Tensor) (*Tensor, error) {
	return (&PairwiseSquaredDistanceOp{}).Forward(a, b)
}

// LogSoftmaxAutograd applies a numerically stable row-wise log softmax.
func LogSoftmaxAutograd(x *Tensor) (*Tensor, error) {
	return (&LogSoftmaxOp{}).Forward(x)
}

// NLLLossAutograd averages -x[r, targets[r]] over rows.
func NLLLossAutograd(logProbs *Tensor, targets []int) (*Tensor, error) {
	return (&NLLLossOp{Targets: append([]int(nil), targets...)}).Forward(logProbs)
}
