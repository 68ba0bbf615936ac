package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// gradTol bounds ||analytic - numeric|| / max(||analytic||, ||numeric||).
const gradTol = 1e-4

var central = &fd.Settings{Formula: fd.Central}

// newBackend returns a deterministic synchronous CPU backend.
func newBackend(seed uint64) *cpu.CPUBackend {
	return cpu.NewWithConfig(cpu.Config{Device: tensor.CPU, Seed: seed, Parallel: parallel.Sequential()})
}

func relErr(a, b []float64) float64 {
	scale := math.Max(floats.Norm(a, 2), floats.Norm(b, 2))
	if scale == 0 {
		return 0
	}
	return floats.Distance(a, b, 2) / scale
}

// objective is <dOut, forward()>, the scalar whose gradient is the VJP.
func objective(dOut *tensor.Tensor, forward func() *tensor.Tensor) float64 {
	return floats.Dot(forward().Data(), dOut.Data())
}

// numericGrad differentiates objective with respect to the contents of data,
// restoring them afterwards.
func numericGrad(data []float64, dOut *tensor.Tensor, forward func() *tensor.Tensor) []float64 {
	orig := append([]float64(nil), data...)
	grad := fd.Gradient(nil, func(v []float64) float64 {
		copy(data, v)
		return objective(dOut, forward)
	}, orig, central)
	copy(data, orig)
	return grad
}

type analytic struct {
	dx     []float64
	params map[*Parameter][]float64
}

// runBackward executes Forward, both backward phases and a synchronize, and
// snapshots every gradient.
func runBackward(b tensor.Backend, l Layer, x, dOut *tensor.Tensor) analytic {
	l.Forward(x)
	dx := l.BackwardP1(dOut)
	l.BackwardP2()
	b.Synchronize()

	a := analytic{dx: append([]float64(nil), dx.Data()...), params: map[*Parameter][]float64{}}
	for _, p := range l.Parameters() {
		a.params[p] = append([]float64(nil), p.Grad().Data()...)
	}
	return a
}

// checkInputGrad compares BackwardP1 with central differences of Forward.
func checkInputGrad(t *testing.T, l Layer, x, dOut *tensor.Tensor, got []float64) {
	t.Helper()
	work := x.Clone()
	want := numericGrad(work.Data(), dOut, func() *tensor.Tensor { return l.Forward(work) })
	assert.Less(t, relErr(got, want), gradTol, "input gradient")
}

// checkParamGrads compares BackwardP2 with central differences of Forward
// for every parameter in params.
func checkParamGrads(t *testing.T, l Layer, x, dOut *tensor.Tensor, got analytic, params []*Parameter) {
	t.Helper()
	for _, p := range params {
		want := numericGrad(p.Tensor().Data(), dOut, func() *tensor.Tensor { return l.Forward(x) })
		g, ok := got.params[p]
		require.True(t, ok, "no gradient snapshot for %s", p.Name())
		assert.Less(t, relErr(g, want), gradTol, "gradient of %s", p.Name())
	}
}

// checkGradients runs InitialPass and verifies the input gradient and every
// parameter gradient of l against finite differences.
func checkGradients(t *testing.T, b tensor.Backend, l Layer, x *tensor.Tensor) {
	t.Helper()
	out := l.InitialPass(x)
	dOut := b.Randn(out.Shape(), 1)
	got := runBackward(b, l, x, dOut)
	checkInputGrad(t, l, x, dOut, got.dx)
	checkParamGrads(t, l, x, dOut, got, l.Parameters())
}

// recoverError runs fn and returns the error it panicked with, if any.
func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

// randomize overwrites every parameter with N(0, std²) samples so that
// unit γ or zero β initializations do not hide formula errors.
func randomize(b tensor.Backend, std float64, params ...*Parameter) {
	for _, p := range params {
		p.Tensor().CopyFrom(b.Randn(p.Tensor().Shape(), std))
	}
}
