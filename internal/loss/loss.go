// Package loss provides the loss functions that start a backward pass.
//
// Every loss reports one value per example and the gradient of the summed
// per-example losses with respect to the model output. The gradient is the
// dL/dy handed to the last layer's BackwardP1 (or the last pipeline rank's
// Backward).
package loss

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Func is a differentiable loss over [batch, ...] predictions.
type Func interface {
	// Loss returns one value per example.
	Loss(pred, target *tensor.Tensor) []float64
	// Gradient returns dL/d(pred) with pred's shape.
	Gradient(pred, target *tensor.Tensor) *tensor.Tensor
}

// Mean averages per-example losses.
func Mean(losses []float64) float64 {
	if len(losses) == 0 {
		return 0
	}
	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum / float64(len(losses))
}

// New returns the loss named "cross_entropy" or "mse".
func New(name string, backend tensor.Backend) (Func, error) {
	switch name {
	case "cross_entropy", "ce", "":
		return NewCrossEntropy(backend), nil
	case "mse":
		return NewMSE(backend), nil
	}
	return nil, errors.Errorf("unknown loss %q", name)
}

// OneHot encodes class labels as a [len(labels), classes] tensor.
// Panics with tensor.ErrShapeMismatch on a label outside [0, classes).
func OneHot(labels []int, classes int, backend tensor.Backend) *tensor.Tensor {
	out := backend.Zeros(tensor.Shape{len(labels), classes})
	data := out.Data()
	for i, label := range labels {
		if label < 0 || label >= classes {
			panic(errors.Wrapf(tensor.ErrShapeMismatch, "label %d outside [0, %d)", label, classes))
		}
		data[i*classes+label] = 1
	}
	return out
}

// Argmax returns the index of the largest logit of every row of a
// [batch, classes] tensor.
func Argmax(logits *tensor.Tensor) []int {
	rows, cols := logits.Dim(0), logits.Dim(-1)
	data := logits.Data()
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}
