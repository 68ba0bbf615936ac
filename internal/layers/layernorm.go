package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// DefaultNormEps is the epsilon of LayerNorm and RMSNorm.
const DefaultNormEps = 1e-8

// featureView resolves axis against x and checks its size.
func featureView(op string, x *tensor.Tensor, axis, size int) (int, axisView) {
	if x.Rank() == 0 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "%s: scalar input", op))
	}
	ax := x.Shape().Axis(axis)
	if x.Dim(ax) != size {
		panic(&tensor.ShapeError{Op: op, Want: tensor.Shape{size}, Got: tensor.Shape{x.Dim(ax)}})
	}
	return ax, newAxisView(x.Shape(), ax)
}

// broadcastAlong views a [size] parameter so it broadcasts along axis ax of a
// rank-r tensor.
func broadcastAlong(p *tensor.Tensor, r, ax int) *tensor.Tensor {
	dims := make([]int, r)
	for i := range dims {
		dims[i] = 1
	}
	dims[ax] = p.NumElements()
	return p.Reshape(dims...)
}

// sumOtherAxes reduces t over every axis except ax, returning a [size] tensor.
func sumOtherAxes(b tensor.Backend, t *tensor.Tensor, ax int) *tensor.Tensor {
	if t.Rank() == 1 {
		return t.Clone()
	}
	axes := make([]int, 0, t.Rank()-1)
	for i := 0; i < t.Rank(); i++ {
		if i != ax {
			axes = append(axes, i)
		}
	}
	return b.Sum(t, axes, false)
}

// LayerNorm normalizes along one feature axis:
//
//	y = (x - mean) / sqrt(var + eps) · γ + β
//
// The input gradient contracts dL/dy with the explicit per-vector Jacobian
// of the normalization.
type LayerNorm struct {
	axis    int
	size    int
	eps     float64
	backend tensor.Backend

	gamma *Parameter // [size]
	beta  *Parameter // [size]

	ax       int // resolved axis
	view     axisView
	xSubMean *tensor.Tensor
	variance *tensor.Tensor // var + eps, keep-dim
	normX    *tensor.Tensor
	dOut     *tensor.Tensor
	ready    bool
}

// NewLayerNorm creates a LayerNorm over axis (negative counts from the end)
// whose size is size. γ starts at 1 and β at 0.
func NewLayerNorm(axis, size int, eps float64, backend tensor.Backend) (*LayerNorm, error) {
	if size <= 0 || eps <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "layernorm size=%d eps=%g", size, eps)
	}
	shape := tensor.Shape{size}
	return &LayerNorm{
		axis:    axis,
		size:    size,
		eps:     eps,
		backend: backend,
		gamma:   NewParameter("gamma", Ones(shape, backend)),
		beta:    NewParameter("beta", Zeros(shape, backend)),
	}, nil
}

func (ln *LayerNorm) normalize(x *tensor.Tensor) (xc, variance, normX *tensor.Tensor) {
	b := ln.backend
	axes := []int{ln.ax}
	xc = b.Sub(x, b.Mean(x, axes, true))
	variance = b.AddScalar(b.Mean(b.Mul(xc, xc), axes, true), ln.eps)
	normX = b.Div(xc, b.Sqrt(variance))
	return xc, variance, normX
}

func (ln *LayerNorm) affine(normX *tensor.Tensor) *tensor.Tensor {
	b, r := ln.backend, normX.Rank()
	return b.Add(b.Mul(normX, broadcastAlong(ln.gamma.Tensor(), r, ln.ax)), broadcastAlong(ln.beta.Tensor(), r, ln.ax))
}

// InitialPass resolves the feature axis and allocates the cached buffers.
func (ln *LayerNorm) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	ln.ax, ln.view = featureView("LayerNorm", x, ln.axis, ln.size)
	ln.xSubMean, ln.variance, ln.normX = ln.normalize(x)
	ln.dOut = ln.backend.Zeros(x.Shape())
	ln.ready = true
	return ln.affine(ln.normX)
}

// Forward normalizes x.
func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(ln.ready, "LayerNorm")
	xc, variance, normX := ln.normalize(x)
	ln.xSubMean.CopyFrom(xc)
	ln.variance.CopyFrom(variance)
	ln.normX.CopyFrom(normX)
	return ln.affine(ln.normX)
}

// jacobian fills J[r][c] = ∂y_r/∂x_c for one vector, with x̂ = x - mean,
// z = x̂/√v and n the feature size:
//
//	off-diagonal: γ_r · (-√v/n - z_r·x̂_c/n) / v
//	diagonal:     γ_r · ((1 - 1/n)·√v - z_r·x̂_r/n) / v
func (ln *LayerNorm) jacobian(vec int, jac, xc, z []float64) {
	n := ln.view.n
	nf := float64(n)
	gamma := ln.gamma.Tensor().Data()
	v := ln.variance.Data()[vec]
	sv := math.Sqrt(v)

	ln.view.gather(xc, ln.xSubMean.Data(), vec)
	ln.view.gather(z, ln.normX.Data(), vec)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if r == c {
				jac[r*n+c] = gamma[r] * ((1-1/nf)*sv - z[r]*xc[c]/nf) / v
			} else {
				jac[r*n+c] = gamma[r] * (-sv/nf - z[r]*xc[c]/nf) / v
			}
		}
	}
}

// BackwardP1 returns Jᵗ·dL/dy for every feature vector.
func (ln *LayerNorm) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(ln.ready, "LayerNorm")
	ln.dOut.CopyFrom(dOut)
	xc := make([]float64, ln.view.n)
	z := make([]float64, ln.view.n)
	return jacobianVJP(ln.view, dOut, ln.backend, func(vec int, jac []float64) {
		ln.jacobian(vec, jac, xc, z)
	})
}

// BackwardP2 writes γg = Σ dL/dy · x̂ and βg = Σ dL/dy over all non-feature axes.
func (ln *LayerNorm) BackwardP2() {
	mustBeReady(ln.ready, "LayerNorm")
	b := ln.backend
	ln.gamma.SetGrad(sumOtherAxes(b, b.Mul(ln.dOut, ln.normX), ln.ax))
	ln.beta.SetGrad(sumOtherAxes(b, ln.dOut, ln.ax))
}

// Parameters returns [gamma, beta].
func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.gamma, ln.beta}
}

// RMSNorm scales each feature vector by the reciprocal of its root mean
// square:
//
//	y = x / sqrt(mean(x²) + eps) · w
type RMSNorm struct {
	axis    int
	size    int
	eps     float64
	backend tensor.Backend

	weight *Parameter // [size]

	ax       int
	view     axisView
	input    *tensor.Tensor
	meanPow2 *tensor.Tensor // mean(x²) + eps, keep-dim
	normX    *tensor.Tensor
	dOut     *tensor.Tensor
	ready    bool
}

// NewRMSNorm creates an RMSNorm over axis with unit weights.
func NewRMSNorm(axis, size int, eps float64, backend tensor.Backend) (*RMSNorm, error) {
	if size <= 0 || eps <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "rmsnorm size=%d eps=%g", size, eps)
	}
	return &RMSNorm{
		axis:    axis,
		size:    size,
		eps:     eps,
		backend: backend,
		weight:  NewParameter("weight", Ones(tensor.Shape{size}, backend)),
	}, nil
}

func (rn *RMSNorm) normalize(x *tensor.Tensor) (meanPow2, normX *tensor.Tensor) {
	b := rn.backend
	meanPow2 = b.AddScalar(b.Mean(b.Mul(x, x), []int{rn.ax}, true), rn.eps)
	normX = b.Div(x, b.Sqrt(meanPow2))
	return meanPow2, normX
}

func (rn *RMSNorm) scale(normX *tensor.Tensor) *tensor.Tensor {
	return rn.backend.Mul(normX, broadcastAlong(rn.weight.Tensor(), normX.Rank(), rn.ax))
}

// InitialPass resolves the feature axis and allocates the cached buffers.
func (rn *RMSNorm) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	rn.ax, rn.view = featureView("RMSNorm", x, rn.axis, rn.size)
	rn.input = x.Clone()
	rn.meanPow2, rn.normX = rn.normalize(x)
	rn.dOut = rn.backend.Zeros(x.Shape())
	rn.ready = true
	return rn.scale(rn.normX)
}

// Forward normalizes x.
func (rn *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(rn.ready, "RMSNorm")
	rn.input.CopyFrom(x)
	meanPow2, normX := rn.normalize(x)
	rn.meanPow2.CopyFrom(meanPow2)
	rn.normX.CopyFrom(normX)
	return rn.scale(rn.normX)
}

// jacobian fills J[r][c] = ∂y_r/∂x_c with m = mean(x²) + eps and z = x/√m:
//
//	off-diagonal: w_r · (-x_c·z_r/n) / m
//	diagonal:     w_r · (√m - x_r·z_r/n) / m
func (rn *RMSNorm) jacobian(vec int, jac, x, z []float64) {
	n := rn.view.n
	nf := float64(n)
	w := rn.weight.Tensor().Data()
	m := rn.meanPow2.Data()[vec]
	sm := math.Sqrt(m)

	rn.view.gather(x, rn.input.Data(), vec)
	rn.view.gather(z, rn.normX.Data(), vec)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if r == c {
				jac[r*n+c] = w[r] * (sm - x[c]*z[r]/nf) / m
			} else {
				jac[r*n+c] = w[r] * (-x[c] * z[r] / nf) / m
			}
		}
	}
}

// BackwardP1 returns Jᵗ·dL/dy for every feature vector.
func (rn *RMSNorm) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(rn.ready, "RMSNorm")
	rn.dOut.CopyFrom(dOut)
	x := make([]float64, rn.view.n)
	z := make([]float64, rn.view.n)
	return jacobianVJP(rn.view, dOut, rn.backend, func(vec int, jac []float64) {
		rn.jacobian(vec, jac, x, z)
	})
}

// BackwardP2 writes wg = Σ dL/dy · x/rms over all non-feature axes.
func (rn *RMSNorm) BackwardP2() {
	mustBeReady(rn.ready, "RMSNorm")
	b := rn.backend
	rn.weight.SetGrad(sumOtherAxes(b, b.Mul(rn.dOut, rn.normX), rn.ax))
}

// Parameters returns [weight].
func (rn *RMSNorm) Parameters() []*Parameter {
	return []*Parameter{rn.weight}
}
