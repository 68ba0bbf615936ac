package loss

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// CrossEntropy is softmax categorical cross-entropy over [batch, classes]
// logits and target distributions (usually one-hot).
//
//	Loss_i = logsumexp(z_i) - Σ_c t_ic · z_ic
//	∂L/∂z  = softmax(z) - t
//
// The gradient assumes every target row sums to one.
type CrossEntropy struct {
	backend tensor.Backend
}

// NewCrossEntropy creates a cross-entropy loss.
func NewCrossEntropy(backend tensor.Backend) *CrossEntropy {
	return &CrossEntropy{backend: backend}
}

// Loss returns the cross-entropy of every row.
func (c *CrossEntropy) Loss(logits, target *tensor.Tensor) []float64 {
	tensor.CheckShape("CrossEntropy", logits.Shape(), target.Shape())
	rows, cols := logits.Dim(0), logits.Dim(-1)
	z, t := logits.Data(), target.Data()
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		zr, tr := z[r*cols:(r+1)*cols], t[r*cols:(r+1)*cols]
		out[r] = floats.LogSumExp(zr)*floats.Sum(tr) - floats.Dot(tr, zr)
	}
	return out
}

// Gradient returns softmax(logits) - target.
func (c *CrossEntropy) Gradient(logits, target *tensor.Tensor) *tensor.Tensor {
	tensor.CheckShape("CrossEntropy", logits.Shape(), target.Shape())
	return c.backend.Sub(c.backend.Softmax(logits), target)
}
