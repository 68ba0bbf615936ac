package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/optim"
	"github.com/born-ml/pipeprop/internal/tensor"
)

func newParam(t *testing.T, name string, values ...float64) *layers.Parameter {
	t.Helper()
	x, err := tensor.FromSlice(values, tensor.Shape{len(values)}, tensor.CPU)
	require.NoError(t, err)
	return layers.NewParameter(name, x)
}

func setGrad(t *testing.T, p *layers.Parameter, values ...float64) {
	t.Helper()
	g, err := tensor.FromSlice(values, tensor.Shape{len(values)}, tensor.CPU)
	require.NoError(t, err)
	p.SetGrad(g)
}

// TestSGD_SimpleUpdate tests SGD without momentum.
func TestSGD_SimpleUpdate(t *testing.T) {
	param := newParam(t, "x", 2.0)
	optimizer := optim.NewSGD([]*layers.Parameter{param}, optim.SGDConfig{LR: 0.1})

	setGrad(t, param, 1.0)
	optimizer.Step()

	// x_new = 2.0 - 0.1 * 1.0
	assert.InDelta(t, 1.9, param.Tensor().Data()[0], 1e-12)
}

// TestSGD_WithMomentum tests SGD with momentum.
func TestSGD_WithMomentum(t *testing.T) {
	param := newParam(t, "x", 1.0)
	optimizer := optim.NewSGD([]*layers.Parameter{param}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})

	setGrad(t, param, 1.0)
	optimizer.Step()
	// velocity = 1.0, x = 1.0 - 0.1
	assert.InDelta(t, 0.9, param.Tensor().Data()[0], 1e-12)

	optimizer.Step()
	// velocity = 0.9 + 1.0 = 1.9, x = 0.9 - 0.19
	assert.InDelta(t, 0.71, param.Tensor().Data()[0], 1e-12)
}

func TestSGD_DefaultsAndLR(t *testing.T) {
	optimizer := optim.NewSGD(nil, optim.SGDConfig{})
	assert.Equal(t, 0.01, optimizer.GetLR())
	optimizer.SetLR(0.5)
	assert.Equal(t, 0.5, optimizer.GetLR())
}

func TestZeroGrad(t *testing.T) {
	param := newParam(t, "x", 1.0, 2.0)
	setGrad(t, param, 3.0, 4.0)

	for _, optimizer := range []optim.Optimizer{
		optim.NewSGD([]*layers.Parameter{param}, optim.SGDConfig{}),
		optim.NewAdam([]*layers.Parameter{param}, optim.AdamConfig{}),
	} {
		setGrad(t, param, 3.0, 4.0)
		optimizer.ZeroGrad()
		assert.Equal(t, []float64{0, 0}, param.Grad().Data())
	}
}

// TestAdam_SimpleUpdate checks the first step, where bias correction makes
// the update exactly lr·sign(g).
func TestAdam_SimpleUpdate(t *testing.T) {
	param := newParam(t, "x", 1.0, -1.0)
	optimizer := optim.NewAdam([]*layers.Parameter{param}, optim.AdamConfig{LR: 0.1})

	setGrad(t, param, 0.5, -2.0)
	optimizer.Step()

	assert.Equal(t, 1, optimizer.GetTimestep())
	assert.InDelta(t, 0.9, param.Tensor().Data()[0], 1e-6)
	assert.InDelta(t, -0.9, param.Tensor().Data()[1], 1e-6)
}

func TestConvergence_SimpleQuadratic(t *testing.T) {
	tests := []struct {
		name string
		new  func(p *layers.Parameter) optim.Optimizer
	}{
		{"SGD", func(p *layers.Parameter) optim.Optimizer {
			return optim.NewSGD([]*layers.Parameter{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})
		}},
		{"Adam", func(p *layers.Parameter) optim.Optimizer {
			return optim.NewAdam([]*layers.Parameter{p}, optim.AdamConfig{LR: 0.1})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			param := newParam(t, "x", 3.0)
			optimizer := tt.new(param)
			// f(x) = x², df/dx = 2x
			for i := 0; i < 200; i++ {
				setGrad(t, param, 2*param.Tensor().Data()[0])
				optimizer.Step()
			}
			assert.Less(t, math.Abs(param.Tensor().Data()[0]), 0.1)
		})
	}
}

// TestTrainsDense fits y = 2x with a single Dense layer driven through both
// backward phases.
func TestTrainsDense(t *testing.T) {
	b := cpu.New()
	d := layers.NewDense(1, 1, b)
	x := b.FromSlice([]float64{-1, 0, 1, 2}, tensor.Shape{4, 1})
	target := b.Scale(x, 2)

	optimizer := optim.NewSGD(d.Parameters(), optim.SGDConfig{LR: 0.05})
	d.InitialPass(x)
	for i := 0; i < 300; i++ {
		y := d.Forward(x)
		d.BackwardP1(b.Scale(b.Sub(y, target), 2.0/4))
		d.BackwardP2()
		b.Synchronize()
		optimizer.Step()
	}
	assert.InDelta(t, 2, d.Weight().Tensor().Data()[0], 1e-3)
	assert.InDelta(t, 0, d.Bias().Tensor().Data()[0], 1e-3)
}

func TestStateDict_RoundTrip(t *testing.T) {
	param := newParam(t, "x", 1.0, 2.0)
	adam := optim.NewAdam([]*layers.Parameter{param}, optim.AdamConfig{})
	setGrad(t, param, 0.1, 0.2)
	adam.Step()
	adam.Step()

	state := adam.StateDict()
	require.Contains(t, state, "m.0")
	require.Contains(t, state, "v.0")

	restored := optim.NewAdam([]*layers.Parameter{param}, optim.AdamConfig{})
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, 2, restored.GetTimestep())
	assert.Equal(t, state["m.0"].Data(), restored.StateDict()["m.0"].Data())

	sgd := optim.NewSGD([]*layers.Parameter{param}, optim.SGDConfig{Momentum: 0.9})
	bad, err := tensor.FromSlice([]float64{1, 2, 3}, tensor.Shape{3}, tensor.CPU)
	require.NoError(t, err)
	err = sgd.LoadStateDict(map[string]*tensor.Tensor{"velocity.0": bad})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

// TestMultipleParameters tests optimizers with multiple parameters.
func TestMultipleParameters(t *testing.T) {
	param1 := newParam(t, "x1", 1.0, 2.0)
	param2 := newParam(t, "x2", 3.0)
	optimizer := optim.NewSGD([]*layers.Parameter{param1, param2}, optim.SGDConfig{LR: 0.1})

	setGrad(t, param1, 1.0, 2.0)
	setGrad(t, param2, 0.5)
	optimizer.Step()

	assert.InDeltaSlice(t, []float64{0.9, 1.8}, param1.Tensor().Data(), 1e-12)
	assert.InDelta(t, 2.95, param2.Tensor().Data()[0], 1e-12)
}
