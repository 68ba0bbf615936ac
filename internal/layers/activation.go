package layers

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// ReLU applies max(x, 0).
type ReLU struct {
	backend tensor.Backend
	input   *tensor.Tensor
	ready   bool
}

// NewReLU creates a ReLU activation.
func NewReLU(backend tensor.Backend) *ReLU {
	return &ReLU{backend: backend}
}

// InitialPass allocates the cached input.
func (r *ReLU) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	r.input = x.Clone()
	r.ready = true
	return r.backend.Maximum(x, 0)
}

// Forward computes max(x, 0).
func (r *ReLU) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(r.ready, "ReLU")
	r.input.CopyFrom(x)
	return r.backend.Maximum(x, 0)
}

// BackwardP1 returns dL/dy · [x > 0].
func (r *ReLU) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(r.ready, "ReLU")
	mask := r.backend.Map(r.input, func(v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	})
	return r.backend.Mul(dOut, mask)
}

// BackwardP2 is a no-op.
func (r *ReLU) BackwardP2() {}

// Parameters returns nil.
func (r *ReLU) Parameters() []*Parameter { return nil }

// SiLU applies x·sigmoid(x).
type SiLU struct {
	backend tensor.Backend
	input   *tensor.Tensor
	ready   bool
}

// NewSiLU creates a SiLU activation.
func NewSiLU(backend tensor.Backend) *SiLU {
	return &SiLU{backend: backend}
}

func silu(v float64) float64 {
	return v / (1 + math.Exp(-v))
}

// siluGrad is ((1+e⁻ˣ) + x·e⁻ˣ) / (1+e⁻ˣ)².
func siluGrad(v float64) float64 {
	e := math.Exp(-v)
	return ((1 + e) + v*e) / ((1 + e) * (1 + e))
}

// InitialPass allocates the cached input.
func (s *SiLU) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	s.input = x.Clone()
	s.ready = true
	return s.backend.Map(x, silu)
}

// Forward computes x·sigmoid(x).
func (s *SiLU) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(s.ready, "SiLU")
	s.input.CopyFrom(x)
	return s.backend.Map(x, silu)
}

// BackwardP1 returns dL/dy · silu'(x).
func (s *SiLU) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(s.ready, "SiLU")
	return s.backend.Mul(dOut, s.backend.Map(s.input, siluGrad))
}

// BackwardP2 is a no-op.
func (s *SiLU) BackwardP2() {}

// Parameters returns nil.
func (s *SiLU) Parameters() []*Parameter { return nil }

// NewActivation builds an activation layer by name ("relu" or "silu").
func NewActivation(name string, backend tensor.Backend) (Layer, error) {
	switch strings.ToLower(name) {
	case "", "relu":
		return NewReLU(backend), nil
	case "silu", "swish":
		return NewSiLU(backend), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown activation %q", name)
	}
}
