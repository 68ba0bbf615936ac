package loss

import (
	"github.com/born-ml/pipeprop/internal/tensor"
)

// MSE is the mean squared error per example:
//
//	Loss_i = mean_j (y_ij - t_ij)²
//	∂L/∂y  = 2 (y - t) / features
type MSE struct {
	backend tensor.Backend
}

// NewMSE creates an MSE loss.
func NewMSE(backend tensor.Backend) *MSE {
	return &MSE{backend: backend}
}

func features(t *tensor.Tensor) int {
	return t.NumElements() / t.Dim(0)
}

// Loss returns the mean squared error of every example.
func (m *MSE) Loss(pred, target *tensor.Tensor) []float64 {
	tensor.CheckShape("MSE", pred.Shape(), target.Shape())
	n := features(pred)
	p, t := pred.Data(), target.Data()
	out := make([]float64, pred.Dim(0))
	for i := range out {
		var sum float64
		for j := i * n; j < (i+1)*n; j++ {
			d := p[j] - t[j]
			sum += d * d
		}
		out[i] = sum / float64(n)
	}
	return out
}

// Gradient returns 2 (pred - target) / features.
func (m *MSE) Gradient(pred, target *tensor.Tensor) *tensor.Tensor {
	tensor.CheckShape("MSE", pred.Shape(), target.Shape())
	return m.backend.Scale(m.backend.Sub(pred, target), 2/float64(features(pred)))
}
