package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/tensor"
)

func TestCrossEntropy_KnownValues(t *testing.T) {
	b := cpu.New()
	ce := NewCrossEntropy(b)

	logits := b.FromSlice([]float64{0, 0, 0, 1000, 0, 0}, tensor.Shape{2, 3})
	target := OneHot([]int{1, 0}, 3, b)

	losses := ce.Loss(logits, target)
	assert.InDelta(t, math.Log(3), losses[0], 1e-12)
	assert.InDelta(t, 0, losses[1], 1e-12)

	grad := ce.Gradient(logits, target).Data()
	assert.InDeltaSlice(t, []float64{1.0 / 3, -2.0 / 3, 1.0 / 3, 0, 0, 0}, grad, 1e-12)
}

// TestGradients_MatchFiniteDifferences differentiates the summed
// per-example loss numerically.
func TestGradients_MatchFiniteDifferences(t *testing.T) {
	b := cpu.NewWithConfig(cpu.Config{Device: tensor.CPU, Seed: 3})
	pred := b.Randn(tensor.Shape{3, 4}, 1)
	target := b.Softmax(b.Randn(tensor.Shape{3, 4}, 1))

	for _, name := range []string{"cross_entropy", "mse"} {
		t.Run(name, func(t *testing.T) {
			f, err := New(name, b)
			require.NoError(t, err)

			work := pred.Clone()
			want := fd.Gradient(nil, func(v []float64) float64 {
				copy(work.Data(), v)
				return floats.Sum(f.Loss(work, target))
			}, pred.Data(), &fd.Settings{Formula: fd.Central})
			got := f.Gradient(pred, target).Data()
			assert.InDeltaSlice(t, want, got, 1e-6)
		})
	}
}

func TestMSE_KnownValues(t *testing.T) {
	b := cpu.New()
	mse := NewMSE(b)
	pred := b.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
	target := b.FromSlice([]float64{1, 0, 3, 3}, tensor.Shape{2, 2})

	assert.Equal(t, []float64{2, 0.5}, mse.Loss(pred, target))
	assert.Equal(t, []float64{0, 2, 0, 1}, mse.Gradient(pred, target).Data())
	assert.Equal(t, 1.25, Mean(mse.Loss(pred, target)))
}

func TestHelpers(t *testing.T) {
	b := cpu.New()
	assert.Equal(t, []int{2, 0}, Argmax(b.FromSlice([]float64{0, 1, 5, 3, -1, 2}, tensor.Shape{2, 3})))
	assert.Equal(t, 0.0, Mean(nil))

	_, err := New("hinge", b)
	assert.Error(t, err)

	assert.Panics(t, func() { OneHot([]int{3}, 3, b) })
}
