package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

type poolGeom struct {
	N, C, H, W int
	KH, KW     int
	SH, SW     int
	Pad        int
	HOut, WOut int
}

func newPoolGeom(op string, inShape tensor.Shape, kernel, stride [2]int, padding int) poolGeom {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(inShape)))
	}
	g := poolGeom{
		N: inShape[0], C: inShape[1], H: inShape[2], W: inShape[3],
		KH: kernel[0], KW: kernel[1], SH: stride[0], SW: stride[1], Pad: padding,
	}
	g.HOut = (g.H+2*padding-g.KH)/g.SH + 1
	g.WOut = (g.W+2*padding-g.KW)/g.SW + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d", op, g.HOut, g.WOut))
	}
	return g
}

func (g poolGeom) outShape() tensor.Shape { return tensor.Shape{g.N, g.C, g.HOut, g.WOut} }

// MaxPool2D performs 2D max pooling and records, for every output element,
// the flat index of the winning input element. Padding never wins.
//
// Input shape: [batch, channels, height, width]
// Output shape: [batch, channels, out_h, out_w]
func (cpu *CPUBackend) MaxPool2D(x *tensor.Tensor, kernel, stride [2]int, padding int) (*tensor.Tensor, []int) {
	g := newPoolGeom("maxpool2d", x.Shape(), kernel, stride, padding)
	out := cpu.alloc(g.outShape())
	argmax := make([]int, out.NumElements())
	xd, od := x.Data(), out.Data()

	parallel.ForBatch(g.N, g.C, func(b, c int) {
		plane := (b*g.C + c) * g.H * g.W
		oBase := (b*g.C + c) * g.HOut * g.WOut
		for oh := 0; oh < g.HOut; oh++ {
			for ow := 0; ow < g.WOut; ow++ {
				best, bestIdx := math.Inf(-1), -1
				for kh := 0; kh < g.KH; kh++ {
					ih := oh*g.SH - g.Pad + kh
					if ih < 0 || ih >= g.H {
						continue
					}
					for kw := 0; kw < g.KW; kw++ {
						iw := ow*g.SW - g.Pad + kw
						if iw < 0 || iw >= g.W {
							continue
						}
						idx := plane + ih*g.W + iw
						if bestIdx < 0 || xd[idx] > best {
							best, bestIdx = xd[idx], idx
						}
					}
				}
				o := oBase + oh*g.WOut + ow
				od[o] = best
				argmax[o] = bestIdx
			}
		}
	}, cpu.par)

	return out, argmax
}

// MaxUnpool2D routes every output gradient to the input element that won the
// corresponding window. Overlapping windows accumulate.
func (cpu *CPUBackend) MaxUnpool2D(grad *tensor.Tensor, argmax []int, inShape tensor.Shape) *tensor.Tensor {
	if len(argmax) != grad.NumElements() {
		panic(&tensor.ShapeError{Op: "maxunpool2d", Want: grad.Shape().Clone(), Got: tensor.Shape{len(argmax)}})
	}
	out := cpu.alloc(inShape)
	od := out.Data()
	for i, v := range grad.Data() {
		if idx := argmax[i]; idx >= 0 {
			od[idx] += v
		}
	}
	return out
}

// AvgPool2D averages every kernel window. Padded positions count as zeros and
// the divisor is always K_h*K_w.
func (cpu *CPUBackend) AvgPool2D(x *tensor.Tensor, kernel, stride [2]int, padding int) *tensor.Tensor {
	g := newPoolGeom("avgpool2d", x.Shape(), kernel, stride, padding)
	out := cpu.alloc(g.outShape())
	xd, od := x.Data(), out.Data()
	inv := 1 / float64(g.KH*g.KW)

	parallel.ForBatch(g.N, g.C, func(b, c int) {
		plane := (b*g.C + c) * g.H * g.W
		oBase := (b*g.C + c) * g.HOut * g.WOut
		for oh := 0; oh < g.HOut; oh++ {
			for ow := 0; ow < g.WOut; ow++ {
				sum := 0.0
				for kh := 0; kh < g.KH; kh++ {
					ih := oh*g.SH - g.Pad + kh
					if ih < 0 || ih >= g.H {
						continue
					}
					for kw := 0; kw < g.KW; kw++ {
						iw := ow*g.SW - g.Pad + kw
						if iw >= 0 && iw < g.W {
							sum += xd[plane+ih*g.W+iw]
						}
					}
				}
				od[oBase+oh*g.WOut+ow] = sum * inv
			}
		}
	}, cpu.par)

	return out
}

// AvgPool2DBackward spreads g/(K_h*K_w) over every in-bounds position of each
// window.
func (cpu *CPUBackend) AvgPool2DBackward(grad *tensor.Tensor, inShape tensor.Shape, kernel, stride [2]int, padding int) *tensor.Tensor {
	g := newPoolGeom("avgpool2d_backward", inShape, kernel, stride, padding)
	tensor.CheckShape("avgpool2d_backward", g.outShape(), grad.Shape())
	out := cpu.alloc(inShape)
	gd, od := grad.Data(), out.Data()
	inv := 1 / float64(g.KH*g.KW)

	// Each (b, c) plane is written by exactly one goroutine.
	parallel.ForBatch(g.N, g.C, func(b, c int) {
		plane := (b*g.C + c) * g.H * g.W
		oBase := (b*g.C + c) * g.HOut * g.WOut
		for oh := 0; oh < g.HOut; oh++ {
			for ow := 0; ow < g.WOut; ow++ {
				v := gd[oBase+oh*g.WOut+ow] * inv
				for kh := 0; kh < g.KH; kh++ {
					ih := oh*g.SH - g.Pad + kh
					if ih < 0 || ih >= g.H {
						continue
					}
					for kw := 0; kw < g.KW; kw++ {
						iw := ow*g.SW - g.Pad + kw
						if iw >= 0 && iw < g.W {
							od[plane+ih*g.W+iw] += v
						}
					}
				}
			}
		}
	}, cpu.par)

	return out
}
