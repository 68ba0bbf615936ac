package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float64 array placed on a Device.
//
// Layers allocate their cached intermediates once and then overwrite them in
// place with CopyFrom, so the shape of a Tensor never changes after creation.
// Reshape returns a view that shares the underlying storage.
type Tensor struct {
	shape  Shape
	stride []int
	data   []float64
	device Device
}

// New allocates a zero-filled tensor.
func New(shape Shape, device Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	return &Tensor{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		data:   make([]float64, shape.NumElements()),
		device: device,
	}, nil
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float64, shape Shape, device Device) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, device)
	if err != nil {
		return nil, err
	}
	copy(t.data, data)
	return t, nil
}

// Wrap builds a tensor around data without copying. Used by backends that
// have already produced the storage. Panics when the length does not match.
func Wrap(data []float64, shape Shape, device Device) *Tensor {
	if shape.NumElements() != len(data) {
		panic(&ShapeError{Op: "wrap", Want: shape.Clone(), Got: Shape{len(data)}})
	}
	return &Tensor{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		data:   data,
		device: device,
	}
}

// Shape returns the tensor's shape. The returned slice must not be modified.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Strides returns the row-major strides.
func (t *Tensor) Strides() []int {
	return t.stride
}

// Device returns the device holding the tensor.
func (t *Tensor) Device() Device {
	return t.device
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.shape[t.shape.Axis(axis)]
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the backing slice (zero-copy).
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// offset computes the flat index for the given multi-index.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		off += idx * t.stride[i]
	}
	return off
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.offset(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.offset(indices)] = value
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("Item() only works for single-element tensors, got shape %v", t.shape))
	}
	return t.data[0]
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return Wrap(data, t.shape, t.device)
}

// CopyFrom overwrites the tensor's contents with src. The shapes must be
// identical; a mismatch panics with *ShapeError. This is the in-place
// "buffer[:] = value" used for every cached intermediate.
func (t *Tensor) CopyFrom(src *Tensor) {
	CheckShape("copy", t.shape, src.shape)
	copy(t.data, src.data)
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	clear(t.data)
}

// Reshape returns a view with a new shape over the same storage. One
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	shape := make(Shape, len(dims))
	infer := -1
	known := 1
	for i, d := range dims {
		if d == -1 {
			if infer >= 0 {
				panic("reshape: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		shape[i] = d
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(&ShapeError{Op: "reshape", Want: t.shape.Clone(), Got: Shape(dims)})
		}
		shape[infer] = len(t.data) / known
	}
	if shape.NumElements() != len(t.data) {
		panic(&ShapeError{Op: "reshape", Want: t.shape.Clone(), Got: shape})
	}
	return &Tensor{
		shape:  shape,
		stride: shape.ComputeStrides(),
		data:   t.data,
		device: t.device,
	}
}

// String renders shape, device and up to the first eight values.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(%v, %s) [", t.shape, t.device)
	for i, v := range t.data {
		if i == 8 {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.4g", v)
	}
	b.WriteByte(']')
	return b.String()
}
