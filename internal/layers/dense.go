package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Dense implements a fully connected layer.
//
// Performs the transformation: y = x @ W + b
// where:
//   - x has shape [..., in_features] with 1 to 3 axes
//   - W is the weight matrix with shape [in_features, out_features]
//   - b is the bias vector with shape [out_features]
//   - y has shape [..., out_features]
//
// Leading axes are flattened into one batch axis, so the weight gradient
// Σ xᵗ·dL/dy over every batch row is a single GEMM.
//
// Weights are initialized using Xavier/Glorot initialization.
// Biases are initialized to zeros.
type Dense struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter // [in_features, out_features]
	bias        *Parameter // [out_features]
	backend     tensor.Backend

	input *tensor.Tensor // last input, original shape
	dOut  *tensor.Tensor // last dL/dy, original shape
	ready bool
}

// NewDense creates a new Dense layer.
func NewDense(inFeatures, outFeatures int, backend tensor.Backend) *Dense {
	weightShape := tensor.Shape{inFeatures, outFeatures}
	return &Dense{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", Xavier(inFeatures, outFeatures, weightShape, backend)),
		bias:        NewParameter("bias", Zeros(tensor.Shape{outFeatures}, backend)),
		backend:     backend,
	}
}

// matrix views t as [rows, features].
func (d *Dense) matrix(t *tensor.Tensor) *tensor.Tensor {
	return t.Reshape(-1, t.Dim(-1))
}

// outShape is x's shape with the last axis replaced by out_features.
func (d *Dense) outShape(x tensor.Shape) []int {
	s := x.Clone()
	s[len(s)-1] = d.outFeatures
	return s
}

func (d *Dense) compute(x *tensor.Tensor) *tensor.Tensor {
	y := d.backend.Gemm(d.matrix(x), d.weight.Tensor(), false, false)
	y = d.backend.Add(y, d.bias.Tensor())
	return y.Reshape(d.outShape(x.Shape())...)
}

// InitialPass validates the input and allocates the cached buffers.
// Panics with tensor.ErrUnsupportedRank for inputs outside 1 to 3 axes.
func (d *Dense) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	if r := x.Rank(); r < 1 || r > 3 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "Dense: input rank %d", r))
	}
	if x.Dim(-1) != d.inFeatures {
		panic(&tensor.ShapeError{Op: "Dense", Want: tensor.Shape{d.inFeatures}, Got: tensor.Shape{x.Dim(-1)}})
	}
	d.input = x.Clone()
	out := d.compute(x)
	d.dOut = d.backend.Zeros(out.Shape())
	d.ready = true
	return out
}

// Forward computes x @ W + b.
func (d *Dense) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(d.ready, "Dense")
	d.input.CopyFrom(x)
	return d.compute(x)
}

// BackwardP1 returns dL/dx = dL/dy @ Wᵗ.
func (d *Dense) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(d.ready, "Dense")
	d.dOut.CopyFrom(dOut)
	dx := d.backend.Gemm(d.matrix(dOut), d.weight.Tensor(), false, true)
	return dx.Reshape(d.input.Shape()...)
}

// BackwardP2 writes Wg = Σ xᵗ·dL/dy and bg = Σ dL/dy over all batch rows.
func (d *Dense) BackwardP2() {
	mustBeReady(d.ready, "Dense")
	dy := d.matrix(d.dOut)
	d.weight.SetGrad(d.backend.Gemm(d.matrix(d.input), dy, true, false))
	d.bias.SetGrad(d.backend.Sum(dy, []int{0}, false))
}

// Parameters returns [weight, bias].
func (d *Dense) Parameters() []*Parameter {
	return []*Parameter{d.weight, d.bias}
}

// Weight returns the weight parameter.
func (d *Dense) Weight() *Parameter {
	return d.weight
}

// Bias returns the bias parameter.
func (d *Dense) Bias() *Parameter {
	return d.bias
}

// InFeatures returns the number of input features.
func (d *Dense) InFeatures() int {
	return d.inFeatures
}

// OutFeatures returns the number of output features.
func (d *Dense) OutFeatures() int {
	return d.outFeatures
}
