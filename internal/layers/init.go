package layers

import (
	"math"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// Values come from the backend's seeded generator, so two backends with the
// same seed build identical layers.
func Xavier(fanIn, fanOut int, shape tensor.Shape, backend tensor.Backend) *tensor.Tensor {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return backend.Uniform(shape, -bound, bound)
}

// He (Kaiming) normal initialization: N(0, 2/fan_in). Used for convolution
// kernels followed by ReLU.
func He(fanIn int, shape tensor.Shape, backend tensor.Backend) *tensor.Tensor {
	return backend.Randn(shape, math.Sqrt(2.0/float64(fanIn)))
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape tensor.Shape, backend tensor.Backend) *tensor.Tensor {
	return backend.Zeros(shape)
}

// Ones creates a tensor filled with ones.
func Ones(shape tensor.Shape, backend tensor.Backend) *tensor.Tensor {
	return backend.Full(shape, 1)
}
