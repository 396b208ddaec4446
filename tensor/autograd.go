package tensor

import (
	"fmt"
)

// record attaches op as the creator of result when gradient recording is
// enabled and at least one input requires gradients.
func record(op Operation, result *Tensor, inputs ...*Tensor) *Tensor {
	if !GradEnabled() {
		return result
	}
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// Backward computes gradients of the scalar t with respect to every tensor in
// its graph that requires them. Gradients accumulate into leaves until ZeroGrad.
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on tensor that does not require grad")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar output, got shape %v", t.Shape)
	}

	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return err
	}
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad propagates gradOut (shaped like t) through the graph.
func (t *Tensor) BackwardWithGrad(gradOut *Tensor) error {
	if !shapesEqual(gradOut.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match output shape %v", gradOut.Shape, t.Shape)
	}

	order := topologicalOrder(t)
	pending := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		grad, ok := pending[node]
		if !ok {
			continue
		}
		delete(pending, node)

		if node.creator == nil {
			acc, err := accumulate(node.grad, grad)
			if err != nil {
				return err
			}
			node.grad = acc
			continue
		}

		inputGrads, err := node.creator.Backward(grad)
		if err != nil {
			return fmt.Errorf("backward through %T: %v", node.creator, err)
		}
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			g := inputGrads[j]
			if g == nil || !in.requiresGrad {
				continue
			}
			if !shapesEqual(g.Shape, in.Shape) {
				return fmt.Errorf("%T produced gradient of shape %v for input of shape %v", node.creator, g.Shape, in.Shape)
			}
			acc, err := accumulate(pending[in], g)
			if err != nil {
				return err
			}
			pending[in] = acc
		}
	}

	return nil
}

// topologicalOrder lists every node reachable from root that requires grad,
// with each node placed after all of its inputs.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func accumulate(existing, grad *Tensor) (*Tensor, error) {
	if existing == nil {
		return grad.Clone()
	}
	return Add(existing, grad)
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}

	neg, err := Scale(gradOut, -1)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(neg, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// MulOp implements the Operation interface for element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// d(a*b)/da = b, d(a*b)/db = a, reduced back over broadcast dimensions
	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		return nil, err
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// dA = gradOut @ Bᵀ, dB = Aᵀ @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		return nil, err
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, err
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		return nil, err
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}

	in := op.inputs[0].Float32s()
	g := grad.Float32s()
	for i := range g {
		if in[i] <= 0 {
			g[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}

// SigmoidOp implements the Operation interface for Sigmoid activation
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SigmoidOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Sigmoid(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = result
	return record(op, result, inputs...), nil
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// dσ(x)/dx = σ(x) * (1 - σ(x))
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}

	out := op.output.Float32s()
	g := grad.Float32s()
	for i := range g {
		g[i] *= out[i] * (1 - out[i])
	}
	return []*Tensor{grad}, nil
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Scale(inputs[0], op.factor)
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp changes the shape without touching the element order.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Reshape(inputs[0], op.shape)
	if err != nil {
		return nil, err
	}
	return record(op, result, inputs...), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// AddAutograd performs addition with automatic differentiation
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

// SubAutograd performs subtraction with automatic differentiation
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return (&SubOp{}).Forward(a, b)
}

// MulAutograd performs multiplication with automatic differentiation
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MatMulOp{}).Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	return (&ReLUOp{}).Forward(a)
}

// SigmoidAutograd performs Sigmoid activation with automatic differentiation
func SigmoidAutograd(a *Tensor) (*Tensor, error) {
	return (&SigmoidOp{}).Forward(a)
}

// ScaleAutograd multiplies by factor with automatic differentiation
func ScaleAutograd(a *Tensor, factor float32) (*Tensor, error) {
	return (&ScaleOp{factor: factor}).Forward(a)
}

// ReshapeAutograd reshapes with automatic differentiation. One dimension may be -1.
func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: append([]int(nil), shape...)}).Forward(a)
}

// FlattenAutograd keeps the leading batch dimension and flattens the rest.
func FlattenAutograd(a *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 {
		return nil, fmt.Errorf("flatten requires at least 2 dimensions, got %v", a.Shape)
	}
	return ReshapeAutograd(a, []int{a.Shape[0], -1})
}
