package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// convGeom holds the dimensions shared by the forward, transposed and kernel
// gradient convolutions.
type convGeom struct {
	C, H, W    int // input channels and spatial size
	O          int // output channels
	KH, KW     int
	SH, SW     int
	Pad        int
	HOut, WOut int
}

func (g convGeom) patch() int   { return g.C * g.KH * g.KW }
func (g convGeom) outArea() int { return g.HOut * g.WOut }

func newConvGeom(op string, inShape, kernelShape tensor.Shape, stride [2]int, padding int) convGeom {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("%s: input must be 4D [N,C,H,W], got %dD", op, len(inShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("%s: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", op, len(kernelShape)))
	}
	if inShape[1] != kernelShape[1] {
		panic(&tensor.ShapeError{Op: op, Want: tensor.Shape{inShape[0], kernelShape[1], inShape[2], inShape[3]}, Got: inShape.Clone()})
	}
	g := convGeom{
		C: inShape[1], H: inShape[2], W: inShape[3],
		O: kernelShape[0], KH: kernelShape[2], KW: kernelShape[3],
		SH: stride[0], SW: stride[1], Pad: padding,
	}
	g.HOut = (g.H+2*padding-g.KH)/g.SH + 1
	g.WOut = (g.W+2*padding-g.KW)/g.SW + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", op, g.HOut, g.WOut))
	}
	return g
}

// im2col unrolls one image [C,H,W] into cols [C*KH*KW, HOut*WOut].
// Positions that fall into the zero padding are left at 0.
func im2col(cols, img []float64, g convGeom) {
	area := g.outArea()
	row := 0
	for c := 0; c < g.C; c++ {
		plane := img[c*g.H*g.W : (c+1)*g.H*g.W]
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				dst := cols[row*area : (row+1)*area]
				for oh := 0; oh < g.HOut; oh++ {
					ih := oh*g.SH - g.Pad + kh
					for ow := 0; ow < g.WOut; ow++ {
						iw := ow*g.SW - g.Pad + kw
						if ih >= 0 && ih < g.H && iw >= 0 && iw < g.W {
							dst[oh*g.WOut+ow] = plane[ih*g.W+iw]
						} else {
							dst[oh*g.WOut+ow] = 0
						}
					}
				}
				row++
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatter-adds cols back into an image
// of size [C,H,W]. Padding positions are dropped.
func col2im(img, cols []float64, g convGeom) {
	area := g.outArea()
	row := 0
	for c := 0; c < g.C; c++ {
		plane := img[c*g.H*g.W : (c+1)*g.H*g.W]
		for kh := 0; kh < g.KH; kh++ {
			for kw := 0; kw < g.KW; kw++ {
				src := cols[row*area : (row+1)*area]
				for oh := 0; oh < g.HOut; oh++ {
					ih := oh*g.SH - g.Pad + kh
					if ih < 0 || ih >= g.H {
						continue
					}
					for ow := 0; ow < g.WOut; ow++ {
						iw := ow*g.SW - g.Pad + kw
						if iw >= 0 && iw < g.W {
							plane[ih*g.W+iw] += src[oh*g.WOut+ow]
						}
					}
				}
				row++
			}
		}
	}
}

// Conv2D performs 2D cross-correlation using the im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform input patches into columns (im2col)
//  2. View kernel as a [C_out, C_in*K_h*K_w] matrix
//  3. Multiply, then add the per-channel bias
func (cpu *CPUBackend) Conv2D(x, w, bias *tensor.Tensor, stride [2]int, padding int) *tensor.Tensor {
	inShape := x.Shape()
	g := newConvGeom("conv2d", inShape, w.Shape(), stride, padding)
	if bias != nil && bias.NumElements() != g.O {
		panic(&tensor.ShapeError{Op: "conv2d bias", Want: tensor.Shape{g.O}, Got: bias.Shape().Clone()})
	}

	n := inShape[0]
	out := cpu.alloc(tensor.Shape{n, g.O, g.HOut, g.WOut})
	xd, wd, od := x.Data(), w.Data(), out.Data()
	inStep, outStep := g.C*g.H*g.W, g.O*g.outArea()

	parallel.For(n, func(b int) {
		cols := make([]float64, g.patch()*g.outArea())
		im2col(cols, xd[b*inStep:(b+1)*inStep], g)
		dst := od[b*outStep : (b+1)*outStep]
		gemmInto(dst, wd, cols, g.O, g.patch(), g.patch(), g.outArea(), false, false)
		if bias != nil {
			bd := bias.Data()
			for o := 0; o < g.O; o++ {
				floats.AddConst(bd[o], dst[o*g.outArea():(o+1)*g.outArea()])
			}
		}
	}, cpu.par)

	return out
}

// ConvTranspose2D computes the input gradient of Conv2D.
//
// g is [N, C_out, H_out, W_out] and w is [C_out, C_in, K_h, K_w]. The result
// is [N, C_in, H, W] with H = (H_out-1)*stride - 2*padding + K_h + outputPadding.
// The extra bottom/right rows that no window touched stay zero.
func (cpu *CPUBackend) ConvTranspose2D(grad, w *tensor.Tensor, stride [2]int, padding int, outputPadding [2]int) *tensor.Tensor {
	gShape, kShape := grad.Shape(), w.Shape()
	if len(gShape) != 4 || len(kShape) != 4 {
		panic(fmt.Sprintf("conv_transpose2d: expected 4D operands, got %dD and %dD", len(gShape), len(kShape)))
	}
	if gShape[1] != kShape[0] {
		panic(&tensor.ShapeError{Op: "conv_transpose2d", Want: tensor.Shape{gShape[0], kShape[0], gShape[2], gShape[3]}, Got: gShape.Clone()})
	}
	n := gShape[0]
	h := (gShape[2]-1)*stride[0] - 2*padding + kShape[2] + outputPadding[0]
	wd := (gShape[3]-1)*stride[1] - 2*padding + kShape[3] + outputPadding[1]
	inShape := tensor.Shape{n, kShape[1], h, wd}

	geom := newConvGeom("conv_transpose2d", inShape, kShape, stride, padding)
	if geom.HOut != gShape[2] || geom.WOut != gShape[3] {
		panic(&tensor.ShapeError{Op: "conv_transpose2d", Want: tensor.Shape{n, geom.O, geom.HOut, geom.WOut}, Got: gShape.Clone()})
	}

	out := cpu.alloc(inShape)
	gd, kd, od := grad.Data(), w.Data(), out.Data()
	inStep, outStep := geom.C*geom.H*geom.W, geom.O*geom.outArea()

	parallel.For(n, func(b int) {
		cols := make([]float64, geom.patch()*geom.outArea())
		// cols = Wᵗ [C*KH*KW, O] @ g_b [O, HOut*WOut]
		gemmInto(cols, kd, gd[b*outStep:(b+1)*outStep], geom.O, geom.patch(), geom.O, geom.outArea(), true, false)
		col2im(od[b*inStep:(b+1)*inStep], cols, geom)
	}, cpu.par)

	return out
}

// Conv2DKernelGrad correlates x against the output gradient g and sums over
// the batch: dW = Σ_b g_b @ im2col(x_b)ᵗ.
func (cpu *CPUBackend) Conv2DKernelGrad(x, grad *tensor.Tensor, kernelShape tensor.Shape, stride [2]int, padding int) *tensor.Tensor {
	inShape, gShape := x.Shape(), grad.Shape()
	geom := newConvGeom("conv2d_kernel_grad", inShape, kernelShape, stride, padding)
	n := inShape[0]
	want := tensor.Shape{n, geom.O, geom.HOut, geom.WOut}
	tensor.CheckShape("conv2d_kernel_grad", want, gShape)

	xd, gd := x.Data(), grad.Data()
	inStep, outStep := geom.C*geom.H*geom.W, geom.O*geom.outArea()
	partial := make([][]float64, n)

	parallel.For(n, func(b int) {
		cols := make([]float64, geom.patch()*geom.outArea())
		im2col(cols, xd[b*inStep:(b+1)*inStep], geom)
		dw := make([]float64, geom.O*geom.patch())
		gemmInto(dw, gd[b*outStep:(b+1)*outStep], cols, geom.O, geom.outArea(), geom.patch(), geom.outArea(), false, true)
		partial[b] = dw
	}, cpu.par)

	out := cpu.alloc(kernelShape)
	od := out.Data()
	for _, dw := range partial {
		floats.Add(od, dw)
	}
	return out
}
