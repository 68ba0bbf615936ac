// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the dense float64 tensors and the backend
// capability surface used by the layers.
//
// Example:
//
//	backend := cpu.New()
//	x := backend.Randn(tensor.Shape{32, 784}, 1)
//	y := backend.Gemm(x, w, false, true)
package tensor

import "github.com/born-ml/pipeprop/internal/tensor"

// Tensor is a dense row-major float64 tensor on a device.
type Tensor = tensor.Tensor

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// Device identifies where a tensor lives.
type Device = tensor.Device

// Device constants.
const (
	CPU         Device = tensor.CPU
	Accelerator Device = tensor.Accelerator
)

// ShapeError reports incompatible operand shapes.
type ShapeError = tensor.ShapeError

// Errors.
var (
	ErrShapeMismatch   = tensor.ErrShapeMismatch
	ErrNotInitialized  = tensor.ErrNotInitialized
	ErrUnsupportedRank = tensor.ErrUnsupportedRank
)

// New allocates a zeroed tensor.
func New(shape Shape, device Device) (*Tensor, error) {
	return tensor.New(shape, device)
}

// FromSlice copies data into a new tensor of the given shape.
func FromSlice(data []float64, shape Shape, device Device) (*Tensor, error) {
	return tensor.FromSlice(data, shape, device)
}

// Wrap uses data as the storage of a new tensor without copying.
func Wrap(data []float64, shape Shape, device Device) *Tensor {
	return tensor.Wrap(data, shape, device)
}
