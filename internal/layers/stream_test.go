package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// builder constructs the same layer on any backend. Construction order
// fixes the random initialization, so equal seeds give equal layers.
type builder func(b tensor.Backend) (Layer, error)

// TestAcceleratedPhase2MatchesCPU runs every composite block on the
// synchronous device and on the stream device and compares all gradients
// after Synchronize.
func TestAcceleratedPhase2MatchesCPU(t *testing.T) {
	tests := []struct {
		name  string
		build builder
		shape tensor.Shape
	}{
		{"sequential", func(b tensor.Backend) (Layer, error) {
			return NewSequential(b, NewDense(4, 5, b), NewReLU(b), NewDense(5, 4, b)), nil
		}, tensor.Shape{3, 4}},
		{"self attention", func(b tensor.Backend) (Layer, error) {
			return NewSelfAttention(AttentionConfig{EmbedDim: 4, NumHeads: 2}, nil, b)
		}, tensor.Shape{2, 3, 4}},
		{"bert", func(b tensor.Backend) (Layer, error) {
			return NewBertBlock(BertConfig{EmbedDim: 4, NumHeads: 2, FFDim: 8, Activation: "silu", Eps: 1e-5}, b)
		}, tensor.Shape{2, 3, 4}},
		{"gated", func(b tensor.Backend) (Layer, error) {
			return NewGatedFeedForward(GatedFFConfig{Dim: 4, Hidden: 12, MultipleOf: 4}, b)
		}, tensor.Shape{2, 4}},
		{"resnet", func(b tensor.Backend) (Layer, error) {
			return NewResNet(smallResNet(Bottleneck), b)
		}, tensor.Shape{2, 1, 16, 16}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const seed = 42
			syncB := newBackend(seed)
			accel := cpu.NewWithConfig(cpu.Config{Device: tensor.Accelerator, Seed: seed, Parallel: parallel.DefaultConfig()})
			defer accel.Close()

			ref, err := tt.build(syncB)
			require.NoError(t, err)
			got, err := tt.build(accel)
			require.NoError(t, err)

			x := syncB.Randn(tt.shape, 1)
			ax := accel.Transfer(x)
			require.True(t, ax.Device().Accelerated())

			y := ref.InitialPass(x)
			got.InitialPass(ax)
			dOut := syncB.Randn(y.Shape(), 1)

			want := runBackward(syncB, ref, x, dOut)
			have := runBackward(accel, got, ax, accel.Transfer(dOut))

			assert.InDeltaSlice(t, want.dx, have.dx, 1e-12)
			refParams, gotParams := ref.Parameters(), got.Parameters()
			require.Equal(t, len(refParams), len(gotParams))
			for i := range refParams {
				assert.Equal(t, refParams[i].Name(), gotParams[i].Name())
				assert.InDeltaSlice(t, want.params[refParams[i]], have.params[gotParams[i]], 1e-12, refParams[i].Name())
			}
		})
	}
}

func TestStreamSet(t *testing.T) {
	syncB := newBackend(0)
	assert.Nil(t, newStreamSet(syncB, syncB.Zeros(tensor.Shape{1}), 3))

	accel := cpu.NewAccelerated(0)
	defer accel.Close()
	s := newStreamSet(accel, accel.Zeros(tensor.Shape{1}), 3)
	require.Len(t, s, 3)

	results := make([]int, 5)
	var tasks []func()
	for i := range results {
		tasks = append(tasks, func() { results[i] = i + 1 })
	}
	s.dispatch(tasks...)
	accel.Synchronize()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, results)
}
