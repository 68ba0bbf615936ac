package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// PoolConfig configures MaxPool2D and AvgPool2D.
type PoolConfig struct {
	Kernel  [2]int
	Stride  [2]int // zero value means 1
	Padding int    // at most half the kernel
}

func (cfg PoolConfig) validate(op string) (PoolConfig, error) {
	for i := range cfg.Stride {
		if cfg.Stride[i] == 0 {
			cfg.Stride[i] = 1
		}
	}
	if cfg.Kernel[0] <= 0 || cfg.Kernel[1] <= 0 || cfg.Stride[0] < 0 || cfg.Stride[1] < 0 ||
		cfg.Padding < 0 || 2*cfg.Padding > cfg.Kernel[0] || 2*cfg.Padding > cfg.Kernel[1] {
		return cfg, errors.Wrapf(ErrInvalidConfig, "%s %+v", op, cfg)
	}
	return cfg, nil
}

func checkImage(op string, x *tensor.Tensor) {
	if x.Rank() != 4 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "%s: input rank %d", op, x.Rank()))
	}
}

// MaxPool2D takes the maximum of every window and routes the gradient back
// to the winning element only.
type MaxPool2D struct {
	cfg     PoolConfig
	backend tensor.Backend

	inShape tensor.Shape
	argmax  []int
	ready   bool
}

// NewMaxPool2D creates a max-pooling layer.
func NewMaxPool2D(cfg PoolConfig, backend tensor.Backend) (*MaxPool2D, error) {
	cfg, err := cfg.validate("maxpool2d")
	if err != nil {
		return nil, err
	}
	return &MaxPool2D{cfg: cfg, backend: backend}, nil
}

// InitialPass pools x and allocates the argmax buffer.
func (m *MaxPool2D) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	checkImage("MaxPool2D", x)
	out, argmax := m.backend.MaxPool2D(x, m.cfg.Kernel, m.cfg.Stride, m.cfg.Padding)
	m.inShape = x.Shape().Clone()
	m.argmax = argmax
	m.ready = true
	return out
}

// Forward pools x and overwrites the cached argmax indices.
func (m *MaxPool2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(m.ready, "MaxPool2D")
	tensor.CheckShape("MaxPool2D", m.inShape, x.Shape())
	out, argmax := m.backend.MaxPool2D(x, m.cfg.Kernel, m.cfg.Stride, m.cfg.Padding)
	copy(m.argmax, argmax)
	return out
}

// BackwardP1 scatters dL/dy to the cached argmax positions.
func (m *MaxPool2D) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(m.ready, "MaxPool2D")
	return m.backend.MaxUnpool2D(dOut, m.argmax, m.inShape)
}

// BackwardP2 is a no-op.
func (m *MaxPool2D) BackwardP2() {}

// Parameters returns nil.
func (m *MaxPool2D) Parameters() []*Parameter { return nil }

// AvgPool2D averages every window, counting padded positions as zeros.
type AvgPool2D struct {
	cfg     PoolConfig
	backend tensor.Backend

	inShape tensor.Shape
	ready   bool
}

// NewAvgPool2D creates an average-pooling layer.
func NewAvgPool2D(cfg PoolConfig, backend tensor.Backend) (*AvgPool2D, error) {
	cfg, err := cfg.validate("avgpool2d")
	if err != nil {
		return nil, err
	}
	return &AvgPool2D{cfg: cfg, backend: backend}, nil
}

// InitialPass records the input shape and pools x.
func (a *AvgPool2D) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	checkImage("AvgPool2D", x)
	a.inShape = x.Shape().Clone()
	a.ready = true
	return a.Forward(x)
}

// Forward averages every window.
func (a *AvgPool2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(a.ready, "AvgPool2D")
	tensor.CheckShape("AvgPool2D", a.inShape, x.Shape())
	return a.backend.AvgPool2D(x, a.cfg.Kernel, a.cfg.Stride, a.cfg.Padding)
}

// BackwardP1 spreads dL/dy / (kh·kw) over every window position.
func (a *AvgPool2D) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(a.ready, "AvgPool2D")
	return a.backend.AvgPool2DBackward(dOut, a.inShape, a.cfg.Kernel, a.cfg.Stride, a.cfg.Padding)
}

// BackwardP2 is a no-op.
func (a *AvgPool2D) BackwardP2() {}

// Parameters returns nil.
func (a *AvgPool2D) Parameters() []*Parameter { return nil }

// Flatten reshapes [N, ...] to [N, prod(...)] and restores the shape in
// BackwardP1.
type Flatten struct {
	inShape tensor.Shape
	ready   bool
}

// NewFlatten creates a Flatten layer.
func NewFlatten() *Flatten {
	return &Flatten{}
}

// InitialPass records the input shape.
func (f *Flatten) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() < 2 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "Flatten: input rank %d", x.Rank()))
	}
	f.inShape = x.Shape().Clone()
	f.ready = true
	return f.Forward(x)
}

// Forward returns a [N, -1] view of x.
func (f *Flatten) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(f.ready, "Flatten")
	tensor.CheckShape("Flatten", f.inShape, x.Shape())
	return x.Reshape(x.Dim(0), -1)
}

// BackwardP1 returns dL/dy viewed in the input shape.
func (f *Flatten) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(f.ready, "Flatten")
	return dOut.Reshape(f.inShape...)
}

// BackwardP2 is a no-op.
func (f *Flatten) BackwardP2() {}

// Parameters returns nil.
func (f *Flatten) Parameters() []*Parameter { return nil }
