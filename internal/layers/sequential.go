package layers

import (
	"strconv"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Sequential is a container that chains layers together.
//
// Each layer's output becomes the next layer's input. BackwardP1 threads the
// gradient through the layers in reverse. BackwardP2 issues each layer's
// phase 2 on its own stream when the input lives on an accelerated device;
// the container never synchronizes those streams.
//
// Example:
//
//	model := layers.NewSequential(backend,
//	    layers.NewDense(784, 128, backend),
//	    layers.NewReLU(backend),
//	    layers.NewDense(128, 10, backend),
//	)
//
//	model.InitialPass(x)
//	y := model.Forward(x)
//	dx := model.BackwardP1(dy)
//	model.BackwardP2()
//	backend.Synchronize()
type Sequential struct {
	layers    []Layer
	trainable []Layer // layers with parameters, in order
	backend   tensor.Backend
	streams   streamSet
	ready     bool
}

// NewSequential creates a new Sequential container. Parameter names are
// prefixed with the layer index ("0.weight", "2.bias").
func NewSequential(backend tensor.Backend, layers ...Layer) *Sequential {
	return NewSequentialAt(backend, 0, layers...)
}

// NewSequentialAt is NewSequential with indices starting at first. A
// pipeline stage holding layers 4..5 of a model names them "4.*" and "5.*",
// exactly as the undivided model does.
func NewSequentialAt(backend tensor.Backend, first int, layers ...Layer) *Sequential {
	for i, l := range layers {
		scope(strconv.Itoa(first+i), l)
	}
	return &Sequential{layers: layers, trainable: withParameters(layers...), backend: backend}
}

// InitialPass allocates one stream per parameterized layer on accelerated
// devices and runs every layer's InitialPass in order.
func (s *Sequential) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	s.streams = newStreamSet(s.backend, x, len(s.trainable))
	out := x
	for _, l := range s.layers {
		out = l.InitialPass(out)
	}
	s.ready = true
	return out
}

// Forward applies all layers in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(s.ready, "Sequential")
	out := x
	for _, l := range s.layers {
		out = l.Forward(out)
	}
	return out
}

// BackwardP1 applies every layer's BackwardP1 in reverse order.
func (s *Sequential) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(s.ready, "Sequential")
	grad := dOut
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].BackwardP1(grad)
	}
	return grad
}

// BackwardP2 dispatches the phase 2 of every parameterized layer. It does
// not synchronize.
func (s *Sequential) BackwardP2() {
	mustBeReady(s.ready, "Sequential")
	s.streams.dispatch(phase2(s.trainable...)...)
}

// Parameters returns all trainable parameters from all layers.
func (s *Sequential) Parameters() []*Parameter {
	return CollectParameters(s.layers...)
}

// Buffers returns the non-trainable state of every Stateful layer.
func (s *Sequential) Buffers() []*Parameter {
	return CollectBuffers(s.layers...)
}

// SetTraining propagates the mode to every layer.
func (s *Sequential) SetTraining(training bool) {
	SetTraining(training, s.layers...)
}

// Len returns the number of layers in the sequence.
func (s *Sequential) Len() int {
	return len(s.layers)
}

// Layer returns the layer at the given index.
//
// Panics if index is out of bounds.
func (s *Sequential) Layer(index int) Layer {
	if index < 0 || index >= len(s.layers) {
		panic("Sequential.Layer: index out of bounds")
	}
	return s.layers[index]
}
