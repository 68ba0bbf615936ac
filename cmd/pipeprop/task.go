package main

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/loss"
	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// syntheticTask is a labelling problem that both ends of a pipeline can
// regenerate from the run seed. The first rank draws the inputs; the last
// rank draws the same inputs and labels them through a fixed random
// projection, so no data crosses the chain besides activations.
type syntheticTask struct {
	shape tensor.Shape
	data  *cpu.CPUBackend
	projB *cpu.CPUBackend
	proj  *tensor.Tensor // [features, outputs], created on first Target
}

func newSyntheticTask(seed uint64, inputShape []int) *syntheticTask {
	newCPU := func(seed uint64) *cpu.CPUBackend {
		return cpu.NewWithConfig(cpu.Config{Device: tensor.CPU, Seed: seed, Parallel: parallel.Sequential()})
	}
	return &syntheticTask{
		shape: tensor.Shape(inputShape).Clone(),
		data:  newCPU(seed ^ 0x5eed),
		projB: newCPU(seed ^ 0x9a0f),
	}
}

// Next returns the next input batch on the CPU.
func (t *syntheticTask) Next() *tensor.Tensor {
	return t.data.Randn(t.shape, 1)
}

// Target labels x for a model whose output has shape out. Cross-entropy
// targets are one-hot rows of the projection's argmax; MSE targets are the
// projection itself.
func (t *syntheticTask) Target(x *tensor.Tensor, out tensor.Shape, lossName string, b tensor.Backend) (*tensor.Tensor, error) {
	if len(out) != 2 || out[0] != x.Shape()[0] {
		return nil, errors.Errorf("synthetic task needs a [%d, outputs] model output, got %v", x.Shape()[0], out)
	}
	rows := x.Shape()[0]
	features := x.NumElements() / rows
	if t.proj == nil {
		t.proj = t.projB.Randn(tensor.Shape{features, out[1]}, 1/math.Sqrt(float64(features)))
	}
	flat := tensor.Wrap(x.Data(), tensor.Shape{rows, features}, tensor.CPU)
	z := t.data.Gemm(flat, t.proj, false, false)

	switch lossName {
	case "mse":
		return b.Transfer(z), nil
	default:
		return loss.OneHot(loss.Argmax(z), out[1], b), nil
	}
}
