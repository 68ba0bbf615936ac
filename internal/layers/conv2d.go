package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// MaxConvStride is the largest stride the transposed-convolution input
// gradient is implemented for.
const MaxConvStride = 3

// Conv2DConfig configures a Conv2D layer.
type Conv2DConfig struct {
	InChannels  int
	OutChannels int
	Kernel      [2]int
	Stride      [2]int // zero value means 1
	Padding     int
	Bias        bool
}

// Conv2D implements a 2D convolution over [N, C, H, W] inputs.
//
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [N, out_channels, out_h, out_w]
//
// BackwardP1 is the transposed convolution with output padding chosen so the
// input height and width are recovered exactly. BackwardP2 correlates the
// cached input with dL/dy per batch element and sums over the batch.
type Conv2D struct {
	cfg     Conv2DConfig
	kernel  *Parameter
	bias    *Parameter // nil without bias
	backend tensor.Backend

	input         *tensor.Tensor
	dOut          *tensor.Tensor
	outputPadding [2]int
	ready         bool
}

// NewConv2D creates a Conv2D layer with He-initialized kernels and zero bias.
// Strides above MaxConvStride return ErrUnimplemented.
func NewConv2D(cfg Conv2DConfig, backend tensor.Backend) (*Conv2D, error) {
	for i := range cfg.Stride {
		if cfg.Stride[i] == 0 {
			cfg.Stride[i] = 1
		}
	}
	if cfg.Stride[0] > MaxConvStride || cfg.Stride[1] > MaxConvStride {
		return nil, errors.Wrapf(ErrUnimplemented, "conv2d stride %v larger than %d", cfg.Stride, MaxConvStride)
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.Kernel[0] <= 0 || cfg.Kernel[1] <= 0 ||
		cfg.Stride[0] < 0 || cfg.Stride[1] < 0 || cfg.Padding < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "conv2d %+v", cfg)
	}

	shape := tensor.Shape{cfg.OutChannels, cfg.InChannels, cfg.Kernel[0], cfg.Kernel[1]}
	c := &Conv2D{
		cfg:     cfg,
		kernel:  NewParameter("kernel", He(cfg.InChannels*cfg.Kernel[0]*cfg.Kernel[1], shape, backend)),
		backend: backend,
	}
	if cfg.Bias {
		c.bias = NewParameter("bias", Zeros(tensor.Shape{cfg.OutChannels}, backend))
	}
	return c, nil
}

// Config returns the layer configuration.
func (c *Conv2D) Config() Conv2DConfig {
	return c.cfg
}

func (c *Conv2D) compute(x *tensor.Tensor) *tensor.Tensor {
	var bias *tensor.Tensor
	if c.bias != nil {
		bias = c.bias.Tensor()
	}
	return c.backend.Conv2D(x, c.kernel.Tensor(), bias, c.cfg.Stride, c.cfg.Padding)
}

// InitialPass allocates the cached buffers. Panics with
// tensor.ErrUnsupportedRank unless x is [N, C, H, W].
func (c *Conv2D) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 4 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "Conv2D: input rank %d", x.Rank()))
	}
	c.input = x.Clone()
	out := c.compute(x)
	c.dOut = c.backend.Zeros(out.Shape())
	for i, size := range []int{x.Dim(2), x.Dim(3)} {
		c.outputPadding[i] = (size + 2*c.cfg.Padding - c.cfg.Kernel[i]) % c.cfg.Stride[i]
	}
	c.ready = true
	return out
}

// Forward computes the convolution.
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(c.ready, "Conv2D")
	c.input.CopyFrom(x)
	return c.compute(x)
}

// BackwardP1 returns the transposed convolution of dL/dy.
func (c *Conv2D) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(c.ready, "Conv2D")
	c.dOut.CopyFrom(dOut)
	return c.backend.ConvTranspose2D(dOut, c.kernel.Tensor(), c.cfg.Stride, c.cfg.Padding, c.outputPadding)
}

// BackwardP2 writes the kernel gradient and, with bias, Σ dL/dy over
// batch and spatial axes.
func (c *Conv2D) BackwardP2() {
	mustBeReady(c.ready, "Conv2D")
	c.kernel.SetGrad(c.backend.Conv2DKernelGrad(c.input, c.dOut, c.kernel.Tensor().Shape(), c.cfg.Stride, c.cfg.Padding))
	if c.bias != nil {
		c.bias.SetGrad(c.backend.Sum(c.dOut, []int{0, 2, 3}, false))
	}
}

// Parameters returns [kernel] or [kernel, bias].
func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.kernel, c.bias}
	}
	return []*Parameter{c.kernel}
}

// Kernel returns the kernel parameter.
func (c *Conv2D) Kernel() *Parameter {
	return c.kernel
}
