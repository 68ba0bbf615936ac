package layers

import (
	"github.com/born-ml/pipeprop/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// The gradient buffer is allocated together with the value and has the same
// shape. BackwardP2 overwrites it; nothing accumulates across steps.
//
// Example:
//
//	weight := layers.NewParameter("weight", w)
//	w := weight.Tensor()
//	g := weight.Grad() // valid after BackwardP2 and a device synchronize
type Parameter struct {
	name  string
	value *tensor.Tensor
	grad  *tensor.Tensor
}

// NewParameter wraps t as a parameter with a zero gradient of the same shape.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	grad := t.Clone()
	grad.Zero()
	return &Parameter{
		name:  name,
		value: t,
		grad:  grad,
	}
}

// Name returns the parameter name, prefixed by its enclosing layers
// (for example "2.attn.q.weight").
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.value
}

// Grad returns the gradient tensor.
func (p *Parameter) Grad() *tensor.Tensor {
	return p.grad
}

// SetGrad overwrites the gradient with g. Panics on a shape mismatch.
func (p *Parameter) SetGrad(g *tensor.Tensor) {
	p.grad.CopyFrom(g)
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter) ZeroGrad() {
	p.grad.Zero()
}
