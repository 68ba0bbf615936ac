package tensor

// Device identifies where a tensor lives and how work on it is issued.
type Device int

// Supported compute devices.
const (
	// CPU executes every operation synchronously on the calling goroutine.
	CPU Device = iota
	// Accelerator is a device with execution streams: work submitted to
	// different streams may run concurrently and must be joined explicitly.
	Accelerator
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// Accelerated reports whether the device exposes execution streams.
func (d Device) Accelerated() bool {
	return d == Accelerator
}

// Stream is an ordering domain for device work. Functions submitted to the
// same stream run in submission order; functions on different streams may
// overlap. Submit never waits for the function to finish.
type Stream interface {
	Submit(fn func())
	Synchronize()
}

// Backend defines the compute capability surface the layers call into.
// Backends handle the actual computation; layers only hold cached tensors
// and the closed-form derivative formulas that combine these primitives.
//
// Every operation panics with a *ShapeError when operand shapes are
// incompatible. Results are freshly allocated on the backend's device.
type Backend interface {
	// Metadata
	Name() string
	Device() Device

	// Creation
	Zeros(shape Shape) *Tensor
	Full(shape Shape, v float64) *Tensor
	FromSlice(data []float64, shape Shape) *Tensor
	Randn(shape Shape, std float64) *Tensor
	Uniform(shape Shape, lo, hi float64) *Tensor
	Bernoulli(shape Shape, keepProb float64) *Tensor // 1 with probability keepProb, else 0
	Transfer(t *Tensor) *Tensor                      // copy onto this backend's device

	// Matrix operations.
	// Gemm multiplies two 2-D tensors: op(a) @ op(b).
	Gemm(a, b *Tensor, transA, transB bool) *Tensor
	// BatchMatMul multiplies the two trailing axes over identical leading
	// axes: [..., M, K] @ [..., K, N] -> [..., M, N] (before transposition).
	BatchMatMul(a, b *Tensor, transA, transB bool) *Tensor

	// Element-wise binary operations with NumPy broadcasting.
	Add(a, b *Tensor) *Tensor
	Sub(a, b *Tensor) *Tensor
	Mul(a, b *Tensor) *Tensor
	Div(a, b *Tensor) *Tensor

	// Scalar and unary operations.
	Scale(x *Tensor, s float64) *Tensor
	AddScalar(x *Tensor, s float64) *Tensor
	Maximum(x *Tensor, s float64) *Tensor
	Exp(x *Tensor) *Tensor
	Sqrt(x *Tensor) *Tensor
	Map(x *Tensor, fn func(float64) float64) *Tensor

	// Reductions over the listed axes.
	Sum(x *Tensor, axes []int, keepDim bool) *Tensor
	Mean(x *Tensor, axes []int, keepDim bool) *Tensor

	// Softmax along the last axis.
	Softmax(x *Tensor) *Tensor

	// Convolution: x [N,C,H,W], w [O,C,KH,KW], bias [O] or nil.
	Conv2D(x, w, bias *Tensor, stride [2]int, padding int) *Tensor
	// ConvTranspose2D is the adjoint of Conv2D with respect to its input.
	// outputPadding extends the bottom/right edge so strided shapes can be
	// recovered exactly.
	ConvTranspose2D(g, w *Tensor, stride [2]int, padding int, outputPadding [2]int) *Tensor
	// Conv2DKernelGrad correlates the input against the output gradient per
	// batch element and sums over the batch, producing a tensor of kernelShape.
	Conv2DKernelGrad(x, g *Tensor, kernelShape Shape, stride [2]int, padding int) *Tensor

	// Pooling over [N,C,H,W]. MaxPool2D also returns the flat input index of
	// every selected element (the argmax inside each window).
	MaxPool2D(x *Tensor, kernel, stride [2]int, padding int) (*Tensor, []int)
	MaxUnpool2D(g *Tensor, argmax []int, inShape Shape) *Tensor
	AvgPool2D(x *Tensor, kernel, stride [2]int, padding int) *Tensor
	AvgPool2DBackward(g *Tensor, inShape Shape, kernel, stride [2]int, padding int) *Tensor

	// Streams
	NewStream() Stream
	Synchronize() // wait for every stream created by this backend
}
