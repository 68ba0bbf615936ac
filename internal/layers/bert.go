package layers

import (
	"github.com/born-ml/pipeprop/internal/tensor"
)

// BertConfig configures a BertBlock.
type BertConfig struct {
	EmbedDim   int
	NumHeads   int
	FFDim      int     // hidden width of the feed-forward network
	Activation string  // "relu" or "silu"
	Eps        float64 // layer norm epsilon
	Dropout    float64
}

// DefaultBertConfig returns a ReLU block with DefaultNormEps and DefaultDropout.
func DefaultBertConfig(embedDim, numHeads, ffDim int) BertConfig {
	return BertConfig{
		EmbedDim:   embedDim,
		NumHeads:   numHeads,
		FFDim:      ffDim,
		Activation: "relu",
		Eps:        DefaultNormEps,
		Dropout:    DefaultDropout,
	}
}

// BertBlock is a post-norm transformer encoder block over [batch, seq, embed]:
//
//	h   = dropout(norm1(attn(x, x, x) + x))
//	out = dropout(norm2(ff1(act(ff0(h))) + h))
//
// The input gradient sums the three attention input gradients with the
// residual gradient. Phase 2 fans out over five streams: attention, both
// feed-forward projections and both norms.
type BertBlock struct {
	cfg     BertConfig
	backend tensor.Backend

	attn     *MultiHeadAttention
	ff0, ff1 *Dense
	act      Layer
	normMH   *LayerNorm
	normFF   *LayerNorm
	dropMH   *Dropout
	dropFF   *Dropout

	streams streamSet
	ready   bool
}

// NewBertBlock creates an encoder block.
func NewBertBlock(cfg BertConfig, backend tensor.Backend) (*BertBlock, error) {
	attn, err := NewMultiHeadAttention(AttentionConfig{EmbedDim: cfg.EmbedDim, NumHeads: cfg.NumHeads, Dropout: cfg.Dropout}, backend)
	if err != nil {
		return nil, err
	}
	act, err := NewActivation(cfg.Activation, backend)
	if err != nil {
		return nil, err
	}
	normMH, err := NewLayerNorm(-1, cfg.EmbedDim, cfg.Eps, backend)
	if err != nil {
		return nil, err
	}
	normFF, err := NewLayerNorm(-1, cfg.EmbedDim, cfg.Eps, backend)
	if err != nil {
		return nil, err
	}
	dropMH, err := NewDropout(cfg.Dropout, backend)
	if err != nil {
		return nil, err
	}
	dropFF, err := NewDropout(cfg.Dropout, backend)
	if err != nil {
		return nil, err
	}

	b := &BertBlock{
		cfg:     cfg,
		backend: backend,
		attn:    attn,
		ff0:     NewDense(cfg.EmbedDim, cfg.FFDim, backend),
		ff1:     NewDense(cfg.FFDim, cfg.EmbedDim, backend),
		act:     act,
		normMH:  normMH,
		normFF:  normFF,
		dropMH:  dropMH,
		dropFF:  dropFF,
	}
	scope("attn", b.attn)
	scope("ff0", b.ff0)
	scope("ff1", b.ff1)
	scope("norm_mh", b.normMH)
	scope("norm_ff", b.normFF)
	return b, nil
}

// SetTraining propagates the mode to the dropouts.
func (b *BertBlock) SetTraining(training bool) {
	b.attn.SetTraining(training)
	SetTraining(training, b.dropMH, b.dropFF)
}

// InitialPass allocates five phase-2 streams on accelerated devices and the
// cached buffers of every child.
func (b *BertBlock) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	b.streams = newStreamSet(b.backend, x, 5)
	be := b.backend

	mh := be.Add(b.attn.InitialPass(x, x, x, nil), x)
	h := b.dropMH.InitialPass(b.normMH.InitialPass(mh))
	ff := b.ff1.InitialPass(b.act.InitialPass(b.ff0.InitialPass(h)))
	out := b.dropFF.InitialPass(b.normFF.InitialPass(be.Add(ff, h)))
	b.ready = true
	return out
}

// Forward runs attention, then the feed-forward network, each with a
// residual connection followed by layer norm and dropout.
func (b *BertBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(b.ready, "BertBlock")
	be := b.backend

	mh := be.Add(b.attn.Forward(x, x, x, nil), x)
	h := b.dropMH.Forward(b.normMH.Forward(mh))
	ff := b.ff1.Forward(b.act.Forward(b.ff0.Forward(h)))
	return b.dropFF.Forward(b.normFF.Forward(be.Add(ff, h)))
}

// BackwardP1 walks the block in reverse, adding the residual gradients at
// both skip connections.
func (b *BertBlock) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(b.ready, "BertBlock")
	be := b.backend

	dFF := b.normFF.BackwardP1(b.dropFF.BackwardP1(dOut)) // dL/d(ff + h)
	dH := b.ff0.BackwardP1(b.act.BackwardP1(b.ff1.BackwardP1(dFF)))
	dH = be.Add(dH, dFF)

	dMH := b.normMH.BackwardP1(b.dropMH.BackwardP1(dH)) // dL/d(attn + x)
	dq, dk, dv := b.attn.BackwardP1(dMH)
	return be.Add(be.Add(be.Add(dq, dk), dv), dMH)
}

// BackwardP2 dispatches the phase 2 of every parameterized child. It does
// not synchronize.
func (b *BertBlock) BackwardP2() {
	mustBeReady(b.ready, "BertBlock")
	b.streams.dispatch(b.attn.BackwardP2, b.ff0.BackwardP2, b.ff1.BackwardP2, b.normMH.BackwardP2, b.normFF.BackwardP2)
}

// Parameters returns attention, feed-forward and norm parameters.
func (b *BertBlock) Parameters() []*Parameter {
	return append(b.attn.Parameters(), CollectParameters(b.ff0, b.ff1, b.normMH, b.normFF)...)
}
