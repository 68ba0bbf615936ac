package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// TestDense_KnownValues checks a hand-computed 4→3 projection.
func TestDense_KnownValues(t *testing.T) {
	b := newBackend(0)
	d := NewDense(4, 3, b)
	d.Weight().Tensor().CopyFrom(b.FromSlice([]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1,
	}, tensor.Shape{4, 3}))
	d.Bias().Tensor().Zero()

	x := b.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{4})
	y := d.InitialPass(x)
	require.Equal(t, tensor.Shape{3}, y.Shape())
	assert.Equal(t, []float64{5, 6, 7}, y.Data())

	dx := d.BackwardP1(b.FromSlice([]float64{1, 1, 1}, tensor.Shape{3}))
	d.BackwardP2()
	b.Synchronize()

	assert.Equal(t, tensor.Shape{4}, dx.Shape())
	assert.Equal(t, []float64{1, 1, 1, 3}, dx.Data())
	assert.Equal(t, []float64{
		1, 1, 1,
		2, 2, 2,
		3, 3, 3,
		4, 4, 4,
	}, d.Weight().Grad().Data())
	assert.Equal(t, []float64{1, 1, 1}, d.Bias().Grad().Data())
}

func TestDense_Gradients(t *testing.T) {
	for _, shape := range []tensor.Shape{{5}, {3, 5}, {2, 3, 5}} {
		t.Run(shape.String(), func(t *testing.T) {
			b := newBackend(1)
			d := NewDense(5, 4, b)
			randomize(b, 0.5, d.Bias())
			checkGradients(t, b, d, b.Randn(shape, 1))
		})
	}
}

func TestDense_GradientsOverwrite(t *testing.T) {
	b := newBackend(2)
	d := NewDense(3, 2, b)
	x := b.Randn(tensor.Shape{4, 3}, 1)
	dOut := b.Randn(tensor.Shape{4, 2}, 1)

	d.InitialPass(x)
	first := runBackward(b, d, x, dOut)
	second := runBackward(b, d, x, dOut)
	assert.Equal(t, first.params[d.Weight()], second.params[d.Weight()])
	assert.Equal(t, first.params[d.Bias()], second.params[d.Bias()])
}

func TestDense_Errors(t *testing.T) {
	b := newBackend(0)

	t.Run("not initialized", func(t *testing.T) {
		d := NewDense(3, 2, b)
		err := recoverError(func() { d.Forward(b.Zeros(tensor.Shape{1, 3})) })
		assert.ErrorIs(t, err, tensor.ErrNotInitialized)
	})

	t.Run("unsupported rank", func(t *testing.T) {
		d := NewDense(3, 2, b)
		err := recoverError(func() { d.InitialPass(b.Zeros(tensor.Shape{1, 1, 1, 3})) })
		assert.ErrorIs(t, err, tensor.ErrUnsupportedRank)
	})

	t.Run("feature mismatch", func(t *testing.T) {
		d := NewDense(3, 2, b)
		err := recoverError(func() { d.InitialPass(b.Zeros(tensor.Shape{2, 4})) })
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("shape change after initial pass", func(t *testing.T) {
		d := NewDense(3, 2, b)
		d.InitialPass(b.Zeros(tensor.Shape{2, 3}))
		err := recoverError(func() { d.Forward(b.Zeros(tensor.Shape{5, 3})) })
		var shapeErr *tensor.ShapeError
		require.ErrorAs(t, err, &shapeErr)
		assert.Equal(t, tensor.Shape{2, 3}, shapeErr.Want)
		assert.Equal(t, tensor.Shape{5, 3}, shapeErr.Got)
	})
}

// TestDense_BuffersAreReused checks that Forward overwrites the cached
// input instead of reallocating it.
func TestDense_BuffersAreReused(t *testing.T) {
	b := newBackend(3)
	d := NewDense(3, 2, b)
	d.InitialPass(b.Randn(tensor.Shape{4, 3}, 1))
	input, dOut := d.input, d.dOut

	for i := 0; i < 3; i++ {
		x := b.Randn(tensor.Shape{4, 3}, 1)
		y := d.Forward(x)
		assert.Equal(t, tensor.Shape{4, 2}, y.Shape())
		assert.Same(t, input, d.input)
		assert.Equal(t, x.Data(), d.input.Data())
		d.BackwardP1(b.Randn(y.Shape(), 1))
		assert.Same(t, dOut, d.dOut)
	}
}
