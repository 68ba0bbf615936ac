package cpu

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// broadcastStrides returns strides of shape aligned to out, with zero stride
// on every broadcast (size-1 or missing) axis.
func broadcastStrides(shape, out tensor.Shape) []int {
	strides := make([]int, len(out))
	src := shape.ComputeStrides()
	off := len(out) - len(shape)
	for i := range shape {
		if shape[i] != 1 {
			strides[off+i] = src[i]
		}
	}
	return strides
}

// binaryOp applies fn element-wise with NumPy broadcasting. When shapes match
// exactly, same is used instead (a floats.* kernel writing into dst).
func (cpu *CPUBackend) binaryOp(
	op string,
	a, b *tensor.Tensor,
	same func(dst, a, b []float64),
	fn func(x, y float64) float64,
) *tensor.Tensor {
	aShape, bShape := a.Shape(), b.Shape()
	if aShape.Equal(bShape) {
		out := cpu.alloc(aShape)
		same(out.Data(), a.Data(), b.Data())
		return out
	}

	outShape, _, err := tensor.BroadcastShapes(aShape, bShape)
	if err != nil {
		if se, ok := err.(*tensor.ShapeError); ok {
			se.Op = op
		}
		panic(err)
	}
	out := cpu.alloc(outShape)

	aStr := broadcastStrides(aShape, outShape)
	bStr := broadcastStrides(bShape, outShape)
	ad, bd, od := a.Data(), b.Data(), out.Data()

	// Walk the output in row-major order with an odometer over indices,
	// keeping the two source offsets incrementally.
	ndim := len(outShape)
	idx := make([]int, ndim)
	ai, bi := 0, 0
	for o := range od {
		od[o] = fn(ad[ai], bd[bi])
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			ai += aStr[d]
			bi += bStr[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= aStr[d] * idx[d]
			bi -= bStr[d] * idx[d]
			idx[d] = 0
		}
	}
	return out
}

// Add returns a + b with broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.Tensor) *tensor.Tensor {
	return cpu.binaryOp("add", a, b, func(dst, x, y []float64) {
		floats.AddTo(dst, x, y)
	}, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.Tensor) *tensor.Tensor {
	return cpu.binaryOp("sub", a, b, func(dst, x, y []float64) {
		floats.SubTo(dst, x, y)
	}, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b (Hadamard) with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.Tensor) *tensor.Tensor {
	return cpu.binaryOp("mul", a, b, func(dst, x, y []float64) {
		floats.MulTo(dst, x, y)
	}, func(x, y float64) float64 { return x * y })
}

// Div returns a / b with broadcasting.
func (cpu *CPUBackend) Div(a, b *tensor.Tensor) *tensor.Tensor {
	return cpu.binaryOp("div", a, b, func(dst, x, y []float64) {
		floats.DivTo(dst, x, y)
	}, func(x, y float64) float64 { return x / y })
}

// Scale returns x * s.
func (cpu *CPUBackend) Scale(x *tensor.Tensor, s float64) *tensor.Tensor {
	out := cpu.alloc(x.Shape())
	floats.ScaleTo(out.Data(), s, x.Data())
	return out
}

// AddScalar returns x + s.
func (cpu *CPUBackend) AddScalar(x *tensor.Tensor, s float64) *tensor.Tensor {
	out := cpu.Transfer(x)
	floats.AddConst(s, out.Data())
	return out
}

// Maximum returns max(x, s) element-wise.
func (cpu *CPUBackend) Maximum(x *tensor.Tensor, s float64) *tensor.Tensor {
	return cpu.Map(x, func(v float64) float64 {
		if v > s {
			return v
		}
		return s
	})
}

// Exp returns e^x element-wise.
func (cpu *CPUBackend) Exp(x *tensor.Tensor) *tensor.Tensor {
	return cpu.Map(x, math.Exp)
}

// Sqrt returns √x element-wise.
func (cpu *CPUBackend) Sqrt(x *tensor.Tensor) *tensor.Tensor {
	return cpu.Map(x, math.Sqrt)
}

// Map applies fn to every element.
func (cpu *CPUBackend) Map(x *tensor.Tensor, fn func(float64) float64) *tensor.Tensor {
	out := cpu.alloc(x.Shape())
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = fn(v)
	}
	return out
}
