package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// AttentionConfig configures MultiHeadAttention.
type AttentionConfig struct {
	EmbedDim int     // model width, split evenly across heads
	NumHeads int     // number of attention heads
	Dropout  float64 // drop probability after the Q/K/V projections
}

// DefaultAttentionConfig returns a config with DefaultDropout.
func DefaultAttentionConfig(embedDim, numHeads int) AttentionConfig {
	return AttentionConfig{EmbedDim: embedDim, NumHeads: numHeads, Dropout: DefaultDropout}
}

// MultiHeadAttention implements scaled dot-product attention over
// [batch, seq, embed] inputs:
//
//	Q' = dropout(Q·Wq), K' = dropout(K·Wk), V' = dropout(V·Wv)
//	A_h = softmax(Q'_h·K'_hᵗ / sqrt(head_dim) + mask)
//	out = concat_h(A_h·V'_h)·Wo
//
// The optional mask is additive with shape [seq_q, seq_k], broadcast over
// batch and heads.
//
// BackwardP1 walks the stages in reverse and contracts the gradient of every
// attention row with its explicit softmax Jacobian. BackwardP2 runs the four
// projections' phase 2, one stream each on accelerated devices.
type MultiHeadAttention struct {
	cfg     AttentionConfig
	headDim int
	scale   float64
	backend tensor.Backend

	q, k, v, o          *Dense
	dropQ, dropK, dropV *Dropout

	headQ, headK, headV *tensor.Tensor // [B, H, S, head_dim], after dropout
	probs               *tensor.Tensor // [B, H, Sq, Sk]
	streams             streamSet
	ready               bool
}

// NewMultiHeadAttention creates the attention block.
func NewMultiHeadAttention(cfg AttentionConfig, backend tensor.Backend) (*MultiHeadAttention, error) {
	if cfg.EmbedDim <= 0 || cfg.NumHeads <= 0 || cfg.EmbedDim%cfg.NumHeads != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "embed dim %d not divisible into %d heads", cfg.EmbedDim, cfg.NumHeads)
	}
	headDim := cfg.EmbedDim / cfg.NumHeads
	m := &MultiHeadAttention{
		cfg:     cfg,
		headDim: headDim,
		scale:   1 / math.Sqrt(float64(headDim)),
		backend: backend,
		q:       NewDense(cfg.EmbedDim, cfg.EmbedDim, backend),
		k:       NewDense(cfg.EmbedDim, cfg.EmbedDim, backend),
		v:       NewDense(cfg.EmbedDim, cfg.EmbedDim, backend),
		o:       NewDense(cfg.EmbedDim, cfg.EmbedDim, backend),
	}
	var err error
	for _, d := range []**Dropout{&m.dropQ, &m.dropK, &m.dropV} {
		if *d, err = NewDropout(cfg.Dropout, backend); err != nil {
			return nil, err
		}
	}
	scope("q", m.q)
	scope("k", m.k)
	scope("v", m.v)
	scope("o", m.o)
	return m, nil
}

// SetTraining switches the projection dropouts.
func (m *MultiHeadAttention) SetTraining(training bool) {
	SetTraining(training, m.dropQ, m.dropK, m.dropV)
}

// splitHeads rearranges [B, S, E] into [B, H, S, E/H].
func (m *MultiHeadAttention) splitHeads(x *tensor.Tensor) *tensor.Tensor {
	b, s, h, d := x.Dim(0), x.Dim(1), m.cfg.NumHeads, m.headDim
	out := m.backend.Zeros(tensor.Shape{b, h, s, d})
	src, dst := x.Data(), out.Data()
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			row := src[(bi*s+si)*h*d:]
			for hi := 0; hi < h; hi++ {
				copy(dst[((bi*h+hi)*s+si)*d:][:d], row[hi*d:(hi+1)*d])
			}
		}
	}
	return out
}

// mergeHeads is the inverse of splitHeads.
func (m *MultiHeadAttention) mergeHeads(x *tensor.Tensor) *tensor.Tensor {
	b, h, s, d := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := m.backend.Zeros(tensor.Shape{b, s, h * d})
	src, dst := x.Data(), out.Data()
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			row := dst[(bi*s+si)*h*d:]
			for hi := 0; hi < h; hi++ {
				copy(row[hi*d:(hi+1)*d], src[((bi*h+hi)*s+si)*d:][:d])
			}
		}
	}
	return out
}

func checkSequence(x *tensor.Tensor, embed int) {
	if x.Rank() != 3 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "MultiHeadAttention: input rank %d", x.Rank()))
	}
	if x.Dim(2) != embed {
		panic(&tensor.ShapeError{Op: "MultiHeadAttention", Want: tensor.Shape{x.Dim(0), x.Dim(1), embed}, Got: x.Shape().Clone()})
	}
}

// attend runs the attention core on head-split projections.
func (m *MultiHeadAttention) attend(hq, hk, hv, mask *tensor.Tensor) (probs, out *tensor.Tensor) {
	b := m.backend
	scores := b.Scale(b.BatchMatMul(hq, hk, false, true), m.scale)
	if mask != nil {
		scores = b.Add(scores, mask)
	}
	probs = b.Softmax(scores)
	return probs, b.BatchMatMul(probs, hv, false, false)
}

// InitialPass runs the first forward pass and allocates every cached buffer.
// q, k and v are [B, S, E]; k and v must share their sequence length.
func (m *MultiHeadAttention) InitialPass(q, k, v, mask *tensor.Tensor) *tensor.Tensor {
	for _, x := range []*tensor.Tensor{q, k, v} {
		checkSequence(x, m.cfg.EmbedDim)
	}
	m.streams = newStreamSet(m.backend, q, 4)

	m.headQ = m.splitHeads(m.dropQ.InitialPass(m.q.InitialPass(q)))
	m.headK = m.splitHeads(m.dropK.InitialPass(m.k.InitialPass(k)))
	m.headV = m.splitHeads(m.dropV.InitialPass(m.v.InitialPass(v)))

	probs, att := m.attend(m.headQ, m.headK, m.headV, mask)
	m.probs = probs
	m.ready = true
	return m.o.InitialPass(m.mergeHeads(att))
}

// Forward computes multi-head attention, overwriting the cached projections
// and attention probabilities.
func (m *MultiHeadAttention) Forward(q, k, v, mask *tensor.Tensor) *tensor.Tensor {
	mustBeReady(m.ready, "MultiHeadAttention")
	m.headQ.CopyFrom(m.splitHeads(m.dropQ.Forward(m.q.Forward(q))))
	m.headK.CopyFrom(m.splitHeads(m.dropK.Forward(m.k.Forward(k))))
	m.headV.CopyFrom(m.splitHeads(m.dropV.Forward(m.v.Forward(v))))

	probs, att := m.attend(m.headQ, m.headK, m.headV, mask)
	m.probs.CopyFrom(probs)
	return m.o.Forward(m.mergeHeads(att))
}

// BackwardP1 returns the gradients with respect to q, k and v.
func (m *MultiHeadAttention) BackwardP1(dOut *tensor.Tensor) (dq, dk, dv *tensor.Tensor) {
	mustBeReady(m.ready, "MultiHeadAttention")
	b := m.backend

	dAtt := m.splitHeads(m.o.BackwardP1(dOut))          // [B, H, Sq, d]
	dProbs := b.BatchMatMul(dAtt, m.headV, false, true) // [B, H, Sq, Sk]

	rows := newAxisView(m.probs.Shape(), -1)
	probs := m.probs.Data()
	s := make([]float64, rows.n)
	dScores := jacobianVJP(rows, dProbs, b, func(vec int, jac []float64) {
		rows.gather(s, probs, vec)
		softmaxJacobian(s, jac)
	})
	dScores = b.Scale(dScores, m.scale)

	dHeadQ := b.BatchMatMul(dScores, m.headK, false, false) // [B, H, Sq, d]
	dHeadK := b.BatchMatMul(dScores, m.headQ, true, false)  // [B, H, Sk, d]
	dHeadV := b.BatchMatMul(m.probs, dAtt, true, false)     // [B, H, Sk, d]

	dq = m.q.BackwardP1(m.dropQ.BackwardP1(m.mergeHeads(dHeadQ)))
	dk = m.k.BackwardP1(m.dropK.BackwardP1(m.mergeHeads(dHeadK)))
	dv = m.v.BackwardP1(m.dropV.BackwardP1(m.mergeHeads(dHeadV)))
	return dq, dk, dv
}

// BackwardP2 computes the four projection gradients, one stream each when
// the input was on an accelerated device. It does not synchronize.
func (m *MultiHeadAttention) BackwardP2() {
	mustBeReady(m.ready, "MultiHeadAttention")
	m.streams.dispatch(phase2(m.q, m.k, m.v, m.o)...)
}

// Parameters returns the Q, K, V and output projection parameters.
func (m *MultiHeadAttention) Parameters() []*Parameter {
	return CollectParameters(m.q, m.k, m.v, m.o)
}

// SelfAttention adapts MultiHeadAttention to the Layer contract by feeding x
// as query, key and value. The input gradient is dq + dk + dv.
type SelfAttention struct {
	*MultiHeadAttention
	mask *tensor.Tensor
}

// NewSelfAttention creates a self-attention layer with an optional additive
// [seq, seq] mask (nil for none).
func NewSelfAttention(cfg AttentionConfig, mask *tensor.Tensor, backend tensor.Backend) (*SelfAttention, error) {
	mha, err := NewMultiHeadAttention(cfg, backend)
	if err != nil {
		return nil, err
	}
	return &SelfAttention{MultiHeadAttention: mha, mask: mask}, nil
}

// InitialPass allocates the attention buffers for x.
func (s *SelfAttention) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	return s.MultiHeadAttention.InitialPass(x, x, x, s.mask)
}

// Forward attends x to itself.
func (s *SelfAttention) Forward(x *tensor.Tensor) *tensor.Tensor {
	return s.MultiHeadAttention.Forward(x, x, x, s.mask)
}

// BackwardP1 sums the query, key and value gradients.
func (s *SelfAttention) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	dq, dk, dv := s.MultiHeadAttention.BackwardP1(dOut)
	b := s.backend
	return b.Add(b.Add(dq, dk), dv)
}

// CausalMask returns the additive [seq, seq] mask that hides future
// positions: 0 on and below the diagonal, -1e9 above it.
func CausalMask(seq int, backend tensor.Backend) *tensor.Tensor {
	mask := backend.Zeros(tensor.Shape{seq, seq})
	data := mask.Data()
	for r := 0; r < seq; r++ {
		for c := r + 1; c < seq; c++ {
			data[r*seq+c] = -1e9
		}
	}
	return mask
}
