package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/optim"
	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

const seed = 31

func syncBackend(seed uint64) *cpu.CPUBackend {
	return cpu.NewWithConfig(cpu.Config{Device: tensor.CPU, Seed: seed, Parallel: parallel.Sequential()})
}

func acceleratedBackend(seed uint64) *cpu.CPUBackend {
	return cpu.NewAccelerated(seed)
}

// mlp builds Dense, SiLU, Dense, LayerNorm, ReLU, Dense on b.
func mlp(_ *testing.T, b tensor.Backend) []layers.Layer {
	ln, err := layers.NewLayerNorm(-1, 5, 1e-5, b)
	if err != nil {
		panic(err)
	}
	return []layers.Layer{
		layers.NewDense(4, 6, b),
		layers.NewSiLU(b),
		layers.NewDense(6, 5, b),
		ln,
		layers.NewReLU(b),
		layers.NewDense(5, 3, b),
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type result struct {
	outputs [][]float64 // Last rank outputs, one per batch
	dx      [][]float64 // First rank input gradients, one per batch
	grads   map[string][]float64
}

// clone copies t, whose buffer the layers reuse on the next pass.
func clone(t *tensor.Tensor) []float64 {
	return append([]float64(nil), t.Data()...)
}

func gradients(ps []*layers.Parameter) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range ps {
		out[p.Name()] = clone(p.Grad())
	}
	return out
}

// reference runs the undivided model over the same batches.
func reference(t *testing.T, newBackend func(uint64) *cpu.CPUBackend, xs, dOuts []*tensor.Tensor) result {
	b := newBackend(seed)
	defer b.Close()
	s := layers.NewSequential(b, mlp(t, b)...)

	var res result
	for i := range xs {
		var y *tensor.Tensor
		if i == 0 {
			y = s.InitialPass(xs[i])
		} else {
			y = s.Forward(xs[i])
		}
		dx := s.BackwardP1(dOuts[i])
		s.BackwardP2()
		b.Synchronize()
		res.outputs = append(res.outputs, clone(y))
		res.dx = append(res.dx, clone(dx))
	}
	res.grads = gradients(s.Parameters())
	return res
}

// pipelined runs the same model split over world local ranks.
func pipelined(t *testing.T, newBackend func(uint64) *cpu.CPUBackend, sizes []int, xs, dOuts []*tensor.Tensor) result {
	world := len(sizes)
	var res result
	grads := make([]map[string][]float64, world)

	err := RunLocal(testContext(t), world, func(ctx context.Context, tr dist.Transport) error {
		b := newBackend(seed)
		defer b.Close()
		stages, err := Split(mlp(t, b), sizes)
		if err != nil {
			return err
		}
		first := 0
		for _, s := range sizes[:tr.Rank()] {
			first += s
		}
		m, err := NewModel(Config{Name: "mlp", FirstLayer: first}, tr, b, stages[tr.Rank()]...)
		if err != nil {
			return err
		}

		for i := range xs {
			var x, dOut *tensor.Tensor
			if m.Role() == First || m.Role() == Solo {
				x = b.Transfer(xs[i])
			}
			if m.Role() == Last || m.Role() == Solo {
				dOut = b.Transfer(dOuts[i])
			}
			var y *tensor.Tensor
			if i == 0 {
				y, err = m.InitialPass(ctx, x)
			} else {
				y, err = m.Forward(ctx, x)
			}
			if err != nil {
				return err
			}
			dx, err := m.Backward(ctx, dOut)
			if err != nil {
				return err
			}
			if err := m.Synchronize(ctx); err != nil {
				return err
			}
			if m.Role() == Last || m.Role() == Solo {
				res.outputs = append(res.outputs, clone(y))
			}
			if m.Role() == First || m.Role() == Solo {
				res.dx = append(res.dx, clone(dx))
			}
		}
		grads[tr.Rank()] = gradients(m.Parameters())
		return nil
	})
	require.NoError(t, err)

	res.grads = make(map[string][]float64)
	for _, g := range grads {
		for name, v := range g {
			res.grads[name] = v
		}
	}
	return res
}

func batches(n int) (xs, dOuts []*tensor.Tensor) {
	b := syncBackend(7)
	for i := 0; i < n; i++ {
		xs = append(xs, b.Randn(tensor.Shape{3, 4}, 1))
		dOuts = append(dOuts, b.Randn(tensor.Shape{3, 3}, 1))
	}
	return xs, dOuts
}

func assertSameResult(t *testing.T, want, got result) {
	t.Helper()
	require.Len(t, got.outputs, len(want.outputs))
	require.Len(t, got.dx, len(want.dx))
	for i := range want.outputs {
		assert.InDeltaSlice(t, want.outputs[i], got.outputs[i], 1e-12, "output %d", i)
		assert.InDeltaSlice(t, want.dx[i], got.dx[i], 1e-12, "dx %d", i)
	}
	require.Len(t, got.grads, len(want.grads))
	for name, g := range want.grads {
		require.Contains(t, got.grads, name)
		assert.InDeltaSlice(t, g, got.grads[name], 1e-12, name)
	}
}

func TestPipeline_MatchesUndividedModel(t *testing.T) {
	xs, dOuts := batches(3)
	want := reference(t, syncBackend, xs, dOuts)

	for _, sizes := range [][]int{{6}, {3, 3}, {2, 2, 2}, {1, 4, 1}, {1, 1, 1, 1, 1, 1}} {
		got := pipelined(t, syncBackend, sizes, xs, dOuts)
		assertSameResult(t, want, got)
	}
}

func TestPipeline_AcceleratedMatchesSynchronous(t *testing.T) {
	xs, dOuts := batches(2)
	want := reference(t, syncBackend, xs, dOuts)
	got := pipelined(t, acceleratedBackend, []int{2, 2, 2}, xs, dOuts)

	require.Len(t, got.outputs, len(want.outputs))
	for i := range want.outputs {
		assert.InDeltaSlice(t, want.outputs[i], got.outputs[i], 1e-9)
		assert.InDeltaSlice(t, want.dx[i], got.dx[i], 1e-9)
	}
	for name, g := range want.grads {
		assert.InDeltaSlice(t, g, got.grads[name], 1e-9, name)
	}
}

func TestRoleOf(t *testing.T) {
	tests := []struct {
		rank, world int
		want        Role
	}{
		{0, 1, Solo},
		{0, 2, First},
		{1, 2, Last},
		{0, 4, First},
		{1, 4, Interior},
		{2, 4, Interior},
		{3, 4, Last},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoleOf(tt.rank, tt.world), "rank %d of %d", tt.rank, tt.world)
	}

	assert.Equal(t, "interior", Interior.String())
	assert.Equal(t, "unknown", Role(9).String())
	assert.True(t, Last.HasPrev())
	assert.False(t, Last.HasNext())
	assert.False(t, Solo.HasPrev())
	assert.False(t, Solo.HasNext())
	assert.True(t, First.HasNext())
}

func TestSplit(t *testing.T) {
	b := syncBackend(0)
	ls := mlp(t, b)

	stages, err := Split(ls, []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Len(t, stages[2], 3)
	assert.Same(t, ls[3], stages[2][0])

	_, err = Split(ls, []int{3, 2})
	assert.Error(t, err)
	_, err = Split(ls, []int{6, 0})
	assert.Error(t, err)
}

func TestModel_Errors(t *testing.T) {
	b := syncBackend(0)
	ctx := testContext(t)

	group := dist.NewLocalGroup(2)
	defer group.Close()

	_, err := NewModel(Config{}, group.Transport(0), b)
	assert.Error(t, err)

	m, err := NewModel(Config{}, group.Transport(0), b, layers.NewDense(4, 2, b))
	require.NoError(t, err)
	assert.Equal(t, First, m.Role())

	_, err = m.Forward(ctx, b.Randn(tensor.Shape{1, 4}, 1))
	assert.ErrorIs(t, err, tensor.ErrNotInitialized)
	_, err = m.Backward(ctx, nil)
	assert.ErrorIs(t, err, tensor.ErrNotInitialized)
	_, err = m.InitialPass(ctx, nil)
	assert.Error(t, err)

	solo, err := NewModel(Config{}, dist.NewLocalGroup(1).Transport(0), b, layers.NewDense(4, 2, b))
	require.NoError(t, err)
	_, err = solo.InitialPass(ctx, b.Randn(tensor.Shape{1, 4}, 1))
	require.NoError(t, err)
	_, err = solo.Backward(ctx, nil)
	assert.Error(t, err)
}

func TestRunLocal_FailureUnblocksPeers(t *testing.T) {
	boom := errors.New("boom")
	err := RunLocal(testContext(t), 3, func(ctx context.Context, tr dist.Transport) error {
		if tr.Rank() == 2 {
			return boom
		}
		// Rank 0 and 1 wait for data that never comes.
		buf := tensor.Wrap(make([]float64, 1), tensor.Shape{1}, tensor.CPU)
		return tr.Recv(ctx, buf, tr.Rank()+1)
	})
	assert.ErrorIs(t, err, boom)
}

// train runs one SGD step on every rank and saves a checkpoint per rank.
func train(t *testing.T, dir string, world int) {
	xs, dOuts := batches(1)
	err := RunLocal(testContext(t), world, func(ctx context.Context, tr dist.Transport) error {
		b := syncBackend(seed)
		stages, err := Split(mlp(t, b), []int{3, 3})
		if err != nil {
			return err
		}
		m, err := NewModel(Config{Name: "mlp", Session: "s1", FirstLayer: 3 * tr.Rank()}, tr, b, stages[tr.Rank()]...)
		if err != nil {
			return err
		}
		opt := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: 0.1, Momentum: 0.9})

		var x, dOut *tensor.Tensor
		if m.Role() == First {
			x = xs[0]
		} else {
			dOut = dOuts[0]
		}
		if _, err := m.InitialPass(ctx, x); err != nil {
			return err
		}
		if _, err := m.Backward(ctx, dOut); err != nil {
			return err
		}
		if err := m.Update(ctx, opt); err != nil {
			return err
		}
		return m.Save(CheckpointPath(dir, "mlp", tr.Rank()), opt)
	})
	require.NoError(t, err)
}

func TestModel_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	train(t, dir, 2)

	err := RunLocal(testContext(t), 2, func(ctx context.Context, tr dist.Transport) error {
		saved := syncBackend(seed)
		want, err := Split(mlp(t, saved), []int{3, 3})
		if err != nil {
			return err
		}

		// A different seed gives different weights until Load.
		b := syncBackend(99)
		stages, err := Split(mlp(t, b), []int{3, 3})
		if err != nil {
			return err
		}
		m, err := NewModel(Config{Name: "mlp", FirstLayer: 3 * tr.Rank()}, tr, b, stages[tr.Rank()]...)
		if err != nil {
			return err
		}
		opt := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: 0.1, Momentum: 0.9})
		if err := m.Load(CheckpointPath(dir, "mlp", tr.Rank()), opt); err != nil {
			return err
		}

		// The saved weights are one step past the shared initialization.
		initial := layers.NewSequentialAt(saved, 3*tr.Rank(), want[tr.Rank()]...).Parameters()
		for i, p := range m.Parameters() {
			if !assert.Equal(t, initial[i].Name(), p.Name()) {
				continue
			}
			assert.NotEqual(t, initial[i].Tensor().Data(), p.Tensor().Data(), p.Name())
		}
		assert.Len(t, opt.StateDict(), len(m.Parameters()))
		return nil
	})
	require.NoError(t, err)
}

func TestModel_LoadRejectsOtherRank(t *testing.T) {
	dir := t.TempDir()
	train(t, dir, 2)

	err := RunLocal(testContext(t), 2, func(ctx context.Context, tr dist.Transport) error {
		b := syncBackend(seed)
		stages, err := Split(mlp(t, b), []int{3, 3})
		if err != nil {
			return err
		}
		m, err := NewModel(Config{FirstLayer: 3 * tr.Rank()}, tr, b, stages[tr.Rank()]...)
		if err != nil {
			return err
		}
		return m.Load(CheckpointPath(dir, "mlp", 1-tr.Rank()), nil)
	})
	assert.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestCheckpointPath(t *testing.T) {
	assert.Equal(t, "ckpt/mlp-rank3.ckpt", CheckpointPath("ckpt", "mlp", 3))
}
