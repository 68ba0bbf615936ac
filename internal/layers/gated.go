package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// GatedFFConfig configures a GatedFeedForward block.
//
// The hidden width is derived the LLaMA way: two thirds of Hidden, optionally
// scaled by Multiplier, then rounded up to a multiple of MultipleOf.
type GatedFFConfig struct {
	Dim        int
	Hidden     int
	MultipleOf int
	Multiplier float64 // 0 means no extra scaling
}

// gatedHidden returns the effective hidden width for cfg.
func gatedHidden(cfg GatedFFConfig) int {
	hidden := 2 * cfg.Hidden / 3
	if cfg.Multiplier > 0 {
		hidden = int(cfg.Multiplier * float64(hidden))
	}
	return cfg.MultipleOf * ((hidden + cfg.MultipleOf - 1) / cfg.MultipleOf)
}

// GatedFeedForward is the SwiGLU feed-forward network:
//
//	out = W1(SiLU(W0·x) ⊙ W2·x)
//
// with W0 and W2 projecting dim -> hidden and W1 projecting back.
// Phase 2 runs the three projections on three streams.
type GatedFeedForward struct {
	hidden  int
	backend tensor.Backend

	w0, w1, w2 *Dense
	silu       *SiLU

	gate    *tensor.Tensor // W2·x
	siluOut *tensor.Tensor // SiLU(W0·x)
	streams streamSet
	ready   bool
}

// NewGatedFeedForward creates the block. Dim, Hidden and MultipleOf must be
// positive.
func NewGatedFeedForward(cfg GatedFFConfig, backend tensor.Backend) (*GatedFeedForward, error) {
	if cfg.Dim <= 0 || cfg.Hidden <= 0 || cfg.MultipleOf <= 0 || cfg.Multiplier < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "gated feed-forward %+v", cfg)
	}
	hidden := gatedHidden(cfg)
	g := &GatedFeedForward{
		hidden:  hidden,
		backend: backend,
		w0:      NewDense(cfg.Dim, hidden, backend),
		w1:      NewDense(hidden, cfg.Dim, backend),
		w2:      NewDense(cfg.Dim, hidden, backend),
		silu:    NewSiLU(backend),
	}
	scope("w0", g.w0)
	scope("w1", g.w1)
	scope("w2", g.w2)
	return g, nil
}

// Hidden returns the effective hidden width.
func (g *GatedFeedForward) Hidden() int {
	return g.hidden
}

// InitialPass allocates three phase-2 streams on accelerated devices and the
// cached gate activations.
func (g *GatedFeedForward) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	g.streams = newStreamSet(g.backend, x, 3)
	g.siluOut = g.silu.InitialPass(g.w0.InitialPass(x))
	g.gate = g.w2.InitialPass(x)
	g.ready = true
	return g.w1.InitialPass(g.backend.Mul(g.siluOut, g.gate))
}

// Forward computes the gated projection.
func (g *GatedFeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(g.ready, "GatedFeedForward")
	g.siluOut.CopyFrom(g.silu.Forward(g.w0.Forward(x)))
	g.gate.CopyFrom(g.w2.Forward(x))
	return g.w1.Forward(g.backend.Mul(g.siluOut, g.gate))
}

// BackwardP1 splits dL/dh across both branches of the product:
//
//	dh = W1ᵗ·dL/dy
//	dx = W0ᵗ·SiLU'(dh ⊙ gate) + W2ᵗ·(dh ⊙ SiLU(W0·x))
func (g *GatedFeedForward) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(g.ready, "GatedFeedForward")
	b := g.backend
	dh := g.w1.BackwardP1(dOut)
	dA := g.w0.BackwardP1(g.silu.BackwardP1(b.Mul(dh, g.gate)))
	dB := g.w2.BackwardP1(b.Mul(dh, g.siluOut))
	return b.Add(dA, dB)
}

// BackwardP2 dispatches the three projections' phase 2. It does not
// synchronize.
func (g *GatedFeedForward) BackwardP2() {
	mustBeReady(g.ready, "GatedFeedForward")
	g.streams.dispatch(phase2(g.w0, g.w1, g.w2)...)
}

// Parameters returns the W0, W1 and W2 parameters.
func (g *GatedFeedForward) Parameters() []*Parameter {
	return CollectParameters(g.w0, g.w1, g.w2)
}
