package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// DefaultDropout is the drop probability used by the composite blocks.
const DefaultDropout = 0.1

// Dropout zeroes each element with probability p while training.
//
// The Bernoulli(1-p) mask is resampled on every training Forward and kept
// for BackwardP1. Outputs are not rescaled. With p=0, or outside training,
// both passes are the identity; with p=1 both return zeros.
type Dropout struct {
	p        float64
	training bool
	backend  tensor.Backend

	mask  *tensor.Tensor
	ready bool
}

// NewDropout creates a Dropout layer in training mode.
func NewDropout(p float64, backend tensor.Backend) (*Dropout, error) {
	if p < 0 || p > 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "dropout probability %g outside [0, 1]", p)
	}
	return &Dropout{p: p, training: true, backend: backend}, nil
}

// P returns the drop probability.
func (d *Dropout) P() float64 {
	return d.p
}

// SetTraining freezes (false) or resumes (true) mask sampling.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
}

func (d *Dropout) active() bool {
	return d.training && d.p > 0
}

// InitialPass allocates the mask and applies it.
func (d *Dropout) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	d.mask = d.backend.Full(x.Shape(), 1)
	d.ready = true
	return d.Forward(x)
}

// Forward applies a freshly sampled mask. The identity case returns x itself.
func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(d.ready, "Dropout")
	switch {
	case !d.active():
		tensor.CheckShape("Dropout", d.mask.Shape(), x.Shape())
		return x
	case d.p == 1:
		tensor.CheckShape("Dropout", d.mask.Shape(), x.Shape())
		return d.backend.Zeros(x.Shape())
	}
	d.mask.CopyFrom(d.backend.Bernoulli(x.Shape(), 1-d.p))
	return d.backend.Mul(x, d.mask)
}

// BackwardP1 multiplies by the cached mask.
func (d *Dropout) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(d.ready, "Dropout")
	tensor.CheckShape("Dropout", d.mask.Shape(), dOut.Shape())
	switch {
	case !d.active():
		return dOut
	case d.p == 1:
		return d.backend.Zeros(dOut.Shape())
	}
	return d.backend.Mul(dOut, d.mask)
}

// BackwardP2 is a no-op.
func (d *Dropout) BackwardP2() {}

// Parameters returns nil.
func (d *Dropout) Parameters() []*Parameter { return nil }
