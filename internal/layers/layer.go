// Package layers implements neural network layers with hand-derived,
// two-phase backward passes.
//
// Every layer follows the same lifecycle:
//   - InitialPass: one forward computation that also allocates every cached
//     buffer the layer needs. Must run exactly once, before Forward.
//   - Forward: recomputes the output and overwrites the cached state in place.
//   - BackwardP1: maps dL/d(output) to dL/d(input) from cached state and keeps
//     dL/d(output) for phase 2.
//   - BackwardP2: writes dL/d(parameters) into the parameter gradients.
//
// Phase-2 work of sibling layers is independent. Composite layers hand each
// child's BackwardP2 to its own execution stream when the input lives on an
// accelerated device, and never synchronize those streams themselves: callers
// must call Backend.Synchronize before reading gradients.
//
// Input shapes must not change after InitialPass. A change panics with a
// *tensor.ShapeError from the first cached buffer that sees it.
package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Construction errors.
var (
	// ErrUnimplemented marks a configuration whose gradient formula has not
	// been derived (for example a convolution stride above 3).
	ErrUnimplemented = errors.New("not implemented")
	// ErrInvalidConfig marks an inconsistent layer configuration.
	ErrInvalidConfig = errors.New("invalid layer configuration")
)

// Layer is the contract shared by every operator and composite block.
type Layer interface {
	// InitialPass runs one forward computation and allocates cached buffers.
	InitialPass(x *tensor.Tensor) *tensor.Tensor

	// Forward recomputes the output, overwriting the cached input state.
	Forward(x *tensor.Tensor) *tensor.Tensor

	// BackwardP1 returns dL/dx given dL/dy. It stores dL/dy for BackwardP2.
	BackwardP1(dOut *tensor.Tensor) *tensor.Tensor

	// BackwardP2 overwrites the gradients of the layer's own parameters.
	// No-op for parameterless layers.
	BackwardP2()

	// Parameters returns all trainable parameters, children included.
	Parameters() []*Parameter
}

// Trainer is implemented by layers whose behaviour differs between training
// and inference (dropout, batch norm, and every composite containing them).
type Trainer interface {
	SetTraining(training bool)
}

// Stateful is implemented by layers that carry non-trainable state which
// must be checkpointed (batch norm running statistics).
type Stateful interface {
	Buffers() []*Parameter
}

// SetTraining switches every layer in ls that implements Trainer.
func SetTraining(training bool, ls ...Layer) {
	for _, l := range ls {
		if t, ok := l.(Trainer); ok {
			t.SetTraining(training)
		}
	}
}

// CollectParameters concatenates the parameters of ls in order.
func CollectParameters(ls ...Layer) []*Parameter {
	var params []*Parameter
	for _, l := range ls {
		params = append(params, l.Parameters()...)
	}
	return params
}

// CollectBuffers concatenates the buffers of every Stateful layer in ls.
func CollectBuffers(ls ...Layer) []*Parameter {
	var bufs []*Parameter
	for _, l := range ls {
		if s, ok := l.(Stateful); ok {
			bufs = append(bufs, s.Buffers()...)
		}
	}
	return bufs
}

// mustBeReady panics with tensor.ErrNotInitialized when InitialPass has not run.
func mustBeReady(ready bool, layer string) {
	if !ready {
		panic(errors.Wrap(tensor.ErrNotInitialized, layer))
	}
}

// streamSet holds the execution streams a layer fans its phase-2 work out
// to. It is empty on devices without streams, and tasks then run inline.
type streamSet []tensor.Stream

// newStreamSet allocates n streams when x lives on an accelerated device.
func newStreamSet(backend tensor.Backend, x *tensor.Tensor, n int) streamSet {
	if !x.Device().Accelerated() || n == 0 {
		return nil
	}
	s := make(streamSet, n)
	for i := range s {
		s[i] = backend.NewStream()
	}
	return s
}

// dispatch issues task i on stream i and returns without waiting.
func (s streamSet) dispatch(tasks ...func()) {
	for i, task := range tasks {
		if len(s) == 0 {
			task()
			continue
		}
		s[i%len(s)].Submit(task)
	}
}

// phase2 returns the BackwardP2 methods of ls as tasks for dispatch.
func phase2(ls ...Layer) []func() {
	tasks := make([]func(), len(ls))
	for i, l := range ls {
		tasks[i] = l.BackwardP2
	}
	return tasks
}

// withParameters keeps only the layers that own parameters.
func withParameters(ls ...Layer) []Layer {
	out := make([]Layer, 0, len(ls))
	for _, l := range ls {
		if len(l.Parameters()) > 0 {
			out = append(out, l)
		}
	}
	return out
}

// scope prefixes the parameter and buffer names of l with prefix.
func scope(prefix string, l Layer) {
	for _, p := range l.Parameters() {
		p.name = prefix + "." + p.name
	}
	for _, b := range CollectBuffers(l) {
		b.name = prefix + "." + b.name
	}
}
