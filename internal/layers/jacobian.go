package layers

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// axisView addresses the vectors of length n lying along one axis of a
// row-major tensor viewed as [outer, n, inner].
type axisView struct {
	outer, n, inner int
}

func newAxisView(shape tensor.Shape, axis int) axisView {
	ax := shape.Axis(axis)
	inner := 1
	for _, d := range shape[ax+1:] {
		inner *= d
	}
	return axisView{outer: shape.Leading(ax), n: shape[ax], inner: inner}
}

// count is the number of vectors. Vector vec's scalar in a keep-dim
// reduction over the axis sits at flat index vec.
func (v axisView) count() int { return v.outer * v.inner }

// base is the flat offset of element 0 of vector vec.
func (v axisView) base(vec int) int {
	o, i := vec/v.inner, vec%v.inner
	return o*v.n*v.inner + i
}

func (v axisView) gather(dst, src []float64, vec int) {
	b := v.base(vec)
	for k := 0; k < v.n; k++ {
		dst[k] = src[b+k*v.inner]
	}
}

func (v axisView) scatter(dst, src []float64, vec int) {
	b := v.base(vec)
	for k := 0; k < v.n; k++ {
		dst[b+k*v.inner] = src[k]
	}
}

// jacobianVJP computes dL/dx = Jᵗ·dL/dy for every vector along the view,
// where build fills the explicit n×n Jacobian J[r*n+c] = ∂y_r/∂x_c of vector
// vec. The result has the layout of grad.
func jacobianVJP(v axisView, grad *tensor.Tensor, backend tensor.Backend, build func(vec int, jac []float64)) *tensor.Tensor {
	out := backend.Zeros(grad.Shape())
	gd, od := grad.Data(), out.Data()

	jac := make([]float64, v.n*v.n)
	dy := make([]float64, v.n)
	dx := make([]float64, v.n)
	J := blas64.General{Rows: v.n, Cols: v.n, Stride: v.n, Data: jac}

	for vec := 0; vec < v.count(); vec++ {
		build(vec, jac)
		v.gather(dy, gd, vec)
		blas64.Gemv(blas.Trans, 1, J,
			blas64.Vector{N: v.n, Inc: 1, Data: dy},
			0, blas64.Vector{N: v.n, Inc: 1, Data: dx})
		v.scatter(od, dx, vec)
	}
	return out
}

// softmaxJacobian writes J = diag(s) - s·sᵗ for one probability row.
func softmaxJacobian(s, jac []float64) {
	n := len(s)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if r == c {
				jac[r*n+c] = s[r] * (1 - s[r])
			} else {
				jac[r*n+c] = -s[r] * s[c]
			}
		}
	}
}
