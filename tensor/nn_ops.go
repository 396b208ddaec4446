package tensor

import (
	"fmt"
	"math"
)

// LinearOp computes x·Wᵀ + b for x [B,in], W [out,in], b [out].
type LinearOp struct {
	inputs []*Tensor
}

func (op *LinearOp) Inputs() []*Tensor { return op.inputs }

func (op *LinearOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("LinearOp requires input, weight and bias")
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) != 2 || len(w.Shape) != 2 || len(b.Shape) != 1 {
		return nil, fmt.Errorf("LinearOp: bad shapes input=%v weight=%v bias=%v", x.Shape, w.Shape, b.Shape)
	}
	batch, in := x.Shape[0], x.Shape[1]
	out := w.Shape[0]
	if w.Shape[1] != in || b.Shape[0] != out {
		return nil, fmt.Errorf("LinearOp: weight %v and bias %v do not fit input %v", w.Shape, b.Shape, x.Shape)
	}
	op.inputs = inputs

	result, err := Zeros([]int{batch, out}, Float32, resultDevice(x, w))
	if err != nil {
		return nil, err
	}

	xd, wd, bd, yd := x.Float32s(), w.Float32s(), b.Float32s(), result.Float32s()
	parallelFor(result.Device, batch, func(n int) {
		row := xd[n*in : (n+1)*in]
		for o := 0; o < out; o++ {
			sum := bd[o]
			wRow := wd[o*in : (o+1)*in]
			for i, v := range row {
				sum += v * wRow[i]
			}
			yd[n*out+o] = sum
		}
	})

	return record(op, result, inputs...), nil
}

func (op *LinearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	batch, in := x.Shape[0], x.Shape[1]
	out := w.Shape[0]

	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}
	gradW, err := Zeros(w.Shape, Float32, w.Device)
	if err != nil {
		return nil, err
	}
	gradB, err := Zeros([]int{out}, Float32, w.Device)
	if err != nil {
		return nil, err
	}

	xd, wd, gd := x.Float32s(), w.Float32s(), gradOut.Float32s()
	gx, gw, gb := gradX.Float32s(), gradW.Float32s(), gradB.Float32s()

	parallelFor(gradX.Device, batch, func(n int) {
		for o := 0; o < out; o++ {
			g := gd[n*out+o]
			if g == 0 {
				continue
			}
			wRow := wd[o*in : (o+1)*in]
			for i := range wRow {
				gx[n*in+i] += g * wRow[i]
			}
		}
	})

	for n := 0; n < batch; n++ {
		for o := 0; o < out; o++ {
			g := gd[n*out+o]
			gb[o] += g
			if g == 0 {
				continue
			}
			for i := 0; i < in; i++ {
				gw[o*in+i] += g * xd[n*in+i]
			}
		}
	}

	return []*Tensor{gradX, gradW, gradB}, nil
}

// Conv2DOp is a 2-D cross-correlation over NCHW input with weights [O,C,KH,KW].
type Conv2DOp struct {
	inputs  []*Tensor
	Stride  int
	Padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

type convGeometry struct {
	batch, inC, inH, inW int
	outC, kH, kW         int
	outH, outW           int
	stride, padding      int
}

func newConvGeometry(x, w *Tensor, stride, padding int) (convGeometry, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("conv2d expects 4-D input and weight, got %v and %v", x.Shape, w.Shape)
	}
	if stride < 1 || padding < 0 {
		return convGeometry{}, fmt.Errorf("conv2d: invalid stride %d or padding %d", stride, padding)
	}
	g := convGeometry{
		batch: x.Shape[0], inC: x.Shape[1], inH: x.Shape[2], inW: x.Shape[3],
		outC: w.Shape[0], kH: w.Shape[2], kW: w.Shape[3],
		stride: stride, padding: padding,
	}
	if w.Shape[1] != g.inC {
		return convGeometry{}, fmt.Errorf("conv2d: weight expects %d input channels, input has %d", w.Shape[1], g.inC)
	}
	g.outH = (g.inH+2*padding-g.kH)/stride + 1
	g.outW = (g.inW+2*padding-g.kW)/stride + 1
	if g.outH <= 0 || g.outW <= 0 {
		return convGeometry{}, fmt.Errorf("conv2d: kernel %dx%d larger than padded input %dx%d", g.kH, g.kW, g.inH, g.inW)
	}
	return g, nil
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("Conv2DOp requires input, weight and bias")
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	g, err := newConvGeometry(x, w, op.Stride, op.Padding)
	if err != nil {
		return nil, err
	}
	if len(b.Shape) != 1 || b.Shape[0] != g.outC {
		return nil, fmt.Errorf("conv2d: bias shape %v does not match %d output channels", b.Shape, g.outC)
	}
	op.inputs = inputs

	result, err := Zeros([]int{g.batch, g.outC, g.outH, g.outW}, Float32, resultDevice(x, w))
	if err != nil {
		return nil, err
	}

	xd, wd, bd, yd := x.Float32s(), w.Float32s(), b.Float32s(), result.Float32s()
	inPlane := g.inH * g.inW
	outPlane := g.outH * g.outW
	kSize := g.inC * g.kH * g.kW

	parallelFor(result.Device, g.batch, func(n int) {
		xBase := n * g.inC * inPlane
		for o := 0; o < g.outC; o++ {
			yBase := (n*g.outC + o) * outPlane
			wBase := o * kSize
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					sum := bd[o]
					for c := 0; c < g.inC; c++ {
						for kh := 0; kh < g.kH; kh++ {
							ih := oh*g.stride - g.padding + kh
							if ih < 0 || ih >= g.inH {
								continue
							}
							for kw := 0; kw < g.kW; kw++ {
								iw := ow*g.stride - g.padding + kw
								if iw < 0 || iw >= g.inW {
									continue
								}
								sum += xd[xBase+c*inPlane+ih*g.inW+iw] * wd[wBase+(c*g.kH+kh)*g.kW+kw]
							}
						}
					}
					yd[yBase+oh*g.outW+ow] = sum
				}
			}
		}
	})

	return record(op, result, inputs...), nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	g, err := newConvGeometry(x, w, op.Stride, op.Padding)
	if err != nil {
		return nil, err
	}

	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}
	gradW, err := Zeros(w.Shape, Float32, w.Device)
	if err != nil {
		return nil, err
	}
	gradB, err := Zeros([]int{g.outC}, Float32, w.Device)
	if err != nil {
		return nil, err
	}

	xd, wd, gd := x.Float32s(), w.Float32s(), gradOut.Float32s()
	gx := gradX.Float32s()
	inPlane := g.inH * g.inW
	outPlane := g.outH * g.outW
	kSize := g.inC * g.kH * g.kW

	// Weight gradients are collected per sample and summed in batch order so the
	// result does not depend on how the batch was split across workers.
	partialW := make([][]float32, g.batch)
	partialB := make([][]float32, g.batch)

	parallelFor(gradX.Device, g.batch, func(n int) {
		pw := make([]float32, len(wd))
		pb := make([]float32, g.outC)
		xBase := n * g.inC * inPlane
		for o := 0; o < g.outC; o++ {
			gBase := (n*g.outC + o) * outPlane
			wBase := o * kSize
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					gv := gd[gBase+oh*g.outW+ow]
					if gv == 0 {
						continue
					}
					pb[o] += gv
					for c := 0; c < g.inC; c++ {
						for kh := 0; kh < g.kH; kh++ {
							ih := oh*g.stride - g.padding + kh
							if ih < 0 || ih >= g.inH {
								continue
							}
							for kw := 0; kw < g.kW; kw++ {
								iw := ow*g.stride - g.padding + kw
								if iw < 0 || iw >= g.inW {
									continue
								}
								xi := xBase + c*inPlane + ih*g.inW + iw
								wi := wBase + (c*g.kH+kh)*g.kW + kw
								gx[xi] += gv * wd[wi]
								pw[wi] += gv * xd[xi]
							}
						}
					}
				}
			}
		}
		partialW[n] = pw
		partialB[n] = pb
	})

	gw, gb := gradW.Float32s(), gradB.Float32s()
	for n := 0; n < g.batch; n++ {
		for i, v := range partialW[n] {
			gw[i] += v
		}
		for i, v := range partialB[n] {
			gb[i] += v
		}
	}

	return []*Tensor{gradX, gradW, gradB}, nil
}

// MaxPool2DOp pools NCHW input with a square window.
type MaxPool2DOp struct {
	inputs []*Tensor
	Kernel int
	Stride int
	argmax []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MaxPool2DOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("maxpool2d expects 4-D input, got %v", x.Shape)
	}
	if op.Kernel < 1 {
		return nil, fmt.Errorf("maxpool2d: invalid kernel %d", op.Kernel)
	}
	if op.Stride < 1 {
		op.Stride = op.Kernel
	}
	batch, channels, inH, inW := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH := (inH-op.Kernel)/op.Stride + 1
	outW := (inW-op.Kernel)/op.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool2d: window %d larger than input %dx%d", op.Kernel, inH, inW)
	}
	op.inputs = inputs

	result, err := Zeros([]int{batch, channels, outH, outW}, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	xd, yd := x.Float32s(), result.Float32s()
	op.argmax = make([]int, len(yd))
	parallelFor(result.Device, batch, func(n int) {
		for c := 0; c < channels; c++ {
			plane := (n*channels + c) * inH * inW
			outBase := (n*channels + c) * outH * outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for kh := 0; kh < op.Kernel; kh++ {
						for kw := 0; kw < op.Kernel; kw++ {
							idx := plane + (oh*op.Stride+kh)*inW + ow*op.Stride + kw
							if bestIdx < 0 || xd[idx] > best {
								best = xd[idx]
								bestIdx = idx
							}
						}
					}
					yd[outBase+oh*outW+ow] = best
					op.argmax[outBase+oh*outW+ow] = bestIdx
				}
			}
		}
	})

	return record(op, result, inputs...), nil
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	gradX, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}

	gx, gd := gradX.Float32s(), gradOut.Float32s()
	for i, src := range op.argmax {
		gx[src] += gd[i]
	}
	return []*Tensor{gradX}, nil
}

// LinearAutograd applies a fully connected layer.
func LinearAutograd(x, weight, bias *Tensor) (*Tensor, error) {
	return (&LinearOp{}).Forward(x, weight, bias)
}

// Conv2DAutograd applies a 2-D convolution.
func Conv2DAutograd(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	return (&Conv2DOp{Stride: stride, Padding: padding}).Forward(x, weight, bias)
}

// MaxPool2DAutograd applies square max pooling; stride 0 means stride = kernel.
func MaxPool2DAutograd(x *Tensor, kernel, stride int) (*Tensor, error) {
	return (&MaxPool2DOp{Kernel: kernel, Stride: stride}).Forward(x)
}
