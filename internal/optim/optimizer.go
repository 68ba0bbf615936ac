// Package optim implements the optimizers that consume the gradients
// written by the layers' second backward phase.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Gradients are read from Parameter.Grad. Callers must synchronize the
// device after BackwardP2 and before Step.
//
// Example usage:
//
//	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{
//	    LR: 0.001,
//	})
//
//	for step := range steps {
//	    model.Forward(x)
//	    model.BackwardP1(lossGrad)
//	    model.BackwardP2()
//	    backend.Synchronize()
//	    optimizer.Step()
//	}
package optim

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
//
// All optimizers must implement:
//   - Step: Apply the current gradients to the parameters
//   - ZeroGrad: Clear gradients
//   - GetLR: Get current learning rate (for monitoring/scheduling)
//   - StateDict/LoadStateDict: checkpoint the optimizer buffers
type Optimizer interface {
	// Step applies one update from the gradients held by the parameters.
	Step()

	// ZeroGrad clears all parameter gradients. Optional: BackwardP2
	// overwrites gradients rather than accumulating them.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float64

	// StateDict returns the optimizer buffers keyed by name.
	StateDict() map[string]*tensor.Tensor

	// LoadStateDict restores buffers produced by StateDict.
	LoadStateDict(state map[string]*tensor.Tensor) error
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float64 // Learning rate
}

// stateKey names the buffer of parameter i.
func stateKey(prefix string, i int) string {
	return fmt.Sprintf("%s.%d", prefix, i)
}

// loadBuffer copies state[key] into a fresh buffer shaped like param.
// Missing keys return (nil, nil): the parameter has not been stepped yet.
func loadBuffer(state map[string]*tensor.Tensor, key string, param *layers.Parameter) (*tensor.Tensor, error) {
	src, ok := state[key]
	if !ok {
		return nil, nil
	}
	want := param.Tensor().Shape()
	if !want.Equal(src.Shape()) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "%s for %s: want %v, got %v", key, param.Name(), want, src.Shape())
	}
	return src.Clone(), nil
}

func zeroGrad(params []*layers.Parameter) {
	for _, param := range params {
		param.ZeroGrad()
	}
}
