package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// general wraps a row-major slice as a BLAS matrix.
func general(data []float64, rows, cols int) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func transFlag(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// matDims returns the (rows, cols) of op(m) for a rows×cols matrix.
func matDims(rows, cols int, trans bool) (int, int) {
	if trans {
		return cols, rows
	}
	return rows, cols
}

// gemmInto computes c = op(a) @ op(b) for row-major slices.
func gemmInto(c, a, b []float64, aRows, aCols, bRows, bCols int, transA, transB bool) {
	m, _ := matDims(aRows, aCols, transA)
	_, n := matDims(bRows, bCols, transB)
	blas64.Gemm(transFlag(transA), transFlag(transB), 1,
		general(a, aRows, aCols), general(b, bRows, bCols),
		0, general(c, m, n))
}

// Gemm multiplies two 2-D tensors: op(a) @ op(b).
//
// Dense layers flatten their leading batch axes before calling Gemm, so the
// batched forward x·W, the input gradient dy·Wᵗ and the weight gradient xᵗ·dy
// (which sums over every batch row at once) are all single GEMM calls.
func (cpu *CPUBackend) Gemm(a, b *tensor.Tensor, transA, transB bool) *tensor.Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic(fmt.Sprintf("gemm: only 2D tensors supported, got %dD and %dD", a.Rank(), b.Rank()))
	}
	aShape, bShape := a.Shape(), b.Shape()
	m, k := matDims(aShape[0], aShape[1], transA)
	k2, n := matDims(bShape[0], bShape[1], transB)
	if k != k2 {
		panic(&tensor.ShapeError{Op: "gemm", Want: aShape.Clone(), Got: bShape.Clone()})
	}

	out := cpu.alloc(tensor.Shape{m, n})
	gemmInto(out.Data(), a.Data(), b.Data(), aShape[0], aShape[1], bShape[0], bShape[1], transA, transB)
	return out
}

// BatchMatMul performs batched matrix multiplication over identical leading axes.
//
// For 3D: [B, M, K] @ [B, K, N] -> [B, M, N]
// For 4D: [B, H, M, K] @ [B, H, K, N] -> [B, H, M, N]
//
// transA/transB transpose the trailing two axes of the respective operand.
func (cpu *CPUBackend) BatchMatMul(a, b *tensor.Tensor, transA, transB bool) *tensor.Tensor {
	aShape, bShape := a.Shape(), b.Shape()
	ndim := len(aShape)
	if ndim < 3 || len(bShape) != ndim {
		panic(fmt.Sprintf("BatchMatMul: inputs must share rank >= 3, got %dD and %dD", ndim, len(bShape)))
	}
	for i := 0; i < ndim-2; i++ {
		if aShape[i] != bShape[i] {
			panic(&tensor.ShapeError{Op: "batchmatmul", Want: aShape.Clone(), Got: bShape.Clone()})
		}
	}

	aRows, aCols := aShape[ndim-2], aShape[ndim-1]
	bRows, bCols := bShape[ndim-2], bShape[ndim-1]
	m, k := matDims(aRows, aCols, transA)
	k2, n := matDims(bRows, bCols, transB)
	if k != k2 {
		panic(&tensor.ShapeError{Op: "batchmatmul", Want: aShape.Clone(), Got: bShape.Clone()})
	}

	batch := aShape.Leading(-2)
	outShape := append(aShape[:ndim-2].Clone(), m, n)
	out := cpu.alloc(outShape)

	ad, bd, od := a.Data(), b.Data(), out.Data()
	aStep, bStep, oStep := aRows*aCols, bRows*bCols, m*n
	parallel.For(batch, func(i int) {
		gemmInto(od[i*oStep:(i+1)*oStep], ad[i*aStep:(i+1)*aStep], bd[i*bStep:(i+1)*bStep],
			aRows, aCols, bRows, bCols, transA, transB)
	}, cpu.par)

	return out
}
