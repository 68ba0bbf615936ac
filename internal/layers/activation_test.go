package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/tensor"
)

func TestReLU_Values(t *testing.T) {
	b := newBackend(0)
	r := NewReLU(b)
	x := b.FromSlice([]float64{-2, -0.5, 0.5, 3}, tensor.Shape{4})
	assert.Equal(t, []float64{0, 0, 0.5, 3}, r.InitialPass(x).Data())

	dx := r.BackwardP1(b.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{4}))
	assert.Equal(t, []float64{0, 0, 3, 4}, dx.Data())
	assert.Empty(t, r.Parameters())
}

func TestSiLU_Values(t *testing.T) {
	b := newBackend(0)
	s := NewSiLU(b)
	in := []float64{-1, 0, 1, 2}
	out := s.InitialPass(b.FromSlice(in, tensor.Shape{2, 2})).Data()
	for i, v := range in {
		assert.InDelta(t, v/(1+math.Exp(-v)), out[i], 1e-12, "index %d", i)
	}
}

func TestActivations_Gradients(t *testing.T) {
	for _, name := range []string{"relu", "silu"} {
		t.Run(name, func(t *testing.T) {
			b := newBackend(4)
			act, err := NewActivation(name, b)
			require.NoError(t, err)
			checkGradients(t, b, act, b.Randn(tensor.Shape{2, 3, 4}, 1))
		})
	}
}

func TestNewActivation(t *testing.T) {
	b := newBackend(0)

	act, err := NewActivation("SiLU", b)
	require.NoError(t, err)
	assert.IsType(t, &SiLU{}, act)

	act, err = NewActivation("", b)
	require.NoError(t, err)
	assert.IsType(t, &ReLU{}, act)

	_, err = NewActivation("gelu", b)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
