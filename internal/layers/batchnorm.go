package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// BatchNorm2D defaults.
const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// statAxes are the batch and spatial axes of [N, C, H, W].
var statAxes = []int{0, 2, 3}

// BatchNorm2D normalizes each channel of [N, C, H, W] inputs.
//
// Training uses batch statistics and updates the running mean and (biased)
// variance by an exponential moving average:
//
//	running = (1 - momentum) * running + momentum * batch
//
// Inference uses the running statistics.
type BatchNorm2D struct {
	channels int
	eps      float64
	momentum float64
	training bool
	backend  tensor.Backend

	gamma       *Parameter // [C]
	beta        *Parameter // [C]
	runningMean *Parameter // [C], not trained
	runningVar  *Parameter // [C], not trained

	xSubMean *tensor.Tensor // [N, C, H, W]
	variance *tensor.Tensor // [1, C, 1, 1], var + eps
	normX    *tensor.Tensor // [N, C, H, W]
	dOut     *tensor.Tensor
	ready    bool
}

// NewBatchNorm2D creates a BatchNorm2D layer in training mode with γ=1, β=0.
func NewBatchNorm2D(channels int, eps, momentum float64, backend tensor.Backend) (*BatchNorm2D, error) {
	if channels <= 0 || eps <= 0 || momentum < 0 || momentum > 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "batchnorm2d channels=%d eps=%g momentum=%g", channels, eps, momentum)
	}
	shape := tensor.Shape{channels}
	return &BatchNorm2D{
		channels:    channels,
		eps:         eps,
		momentum:    momentum,
		training:    true,
		backend:     backend,
		gamma:       NewParameter("gamma", Ones(shape, backend)),
		beta:        NewParameter("beta", Zeros(shape, backend)),
		runningMean: NewParameter("running_mean", Zeros(shape, backend)),
		runningVar:  NewParameter("running_var", Ones(shape, backend)),
	}, nil
}

// SetTraining selects batch (true) or running (false) statistics.
func (bn *BatchNorm2D) SetTraining(training bool) {
	bn.training = training
}

// channel views a [C] tensor as [1, C, 1, 1].
func (bn *BatchNorm2D) channel(t *tensor.Tensor) *tensor.Tensor {
	return t.Reshape(1, bn.channels, 1, 1)
}

func (bn *BatchNorm2D) updateRunning(running *Parameter, batch *tensor.Tensor) {
	b := bn.backend
	next := b.Add(b.Scale(running.Tensor(), 1-bn.momentum), b.Scale(batch.Reshape(bn.channels), bn.momentum))
	running.Tensor().CopyFrom(next)
}

// normalize returns (x - mean, var + eps, norm(x)) for the current mode.
func (bn *BatchNorm2D) normalize(x *tensor.Tensor) (xc, variance, normX *tensor.Tensor) {
	b := bn.backend
	var mean, v *tensor.Tensor
	if bn.training {
		mean = b.Mean(x, statAxes, true)
		xc = b.Sub(x, mean)
		v = b.Mean(b.Mul(xc, xc), statAxes, true)
		bn.updateRunning(bn.runningMean, mean)
		bn.updateRunning(bn.runningVar, v)
	} else {
		mean = bn.channel(bn.runningMean.Tensor())
		xc = b.Sub(x, mean)
		v = bn.channel(bn.runningVar.Tensor())
	}
	variance = b.AddScalar(v, bn.eps)
	normX = b.Div(xc, b.Sqrt(variance))
	return xc, variance, normX
}

func (bn *BatchNorm2D) affine(normX *tensor.Tensor) *tensor.Tensor {
	b := bn.backend
	return b.Add(b.Mul(normX, bn.channel(bn.gamma.Tensor())), bn.channel(bn.beta.Tensor()))
}

// InitialPass allocates the cached buffers. Panics with
// tensor.ErrUnsupportedRank unless x is [N, C, H, W].
func (bn *BatchNorm2D) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 4 {
		panic(errors.Wrapf(tensor.ErrUnsupportedRank, "BatchNorm2D: input rank %d", x.Rank()))
	}
	if x.Dim(1) != bn.channels {
		panic(&tensor.ShapeError{Op: "BatchNorm2D", Want: tensor.Shape{x.Dim(0), bn.channels, x.Dim(2), x.Dim(3)}, Got: x.Shape().Clone()})
	}
	xc, variance, normX := bn.normalize(x)
	bn.xSubMean, bn.variance, bn.normX = xc, variance, normX
	bn.dOut = bn.backend.Zeros(x.Shape())
	bn.ready = true
	return bn.affine(normX)
}

// Forward normalizes x and applies γ and β.
func (bn *BatchNorm2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(bn.ready, "BatchNorm2D")
	xc, variance, normX := bn.normalize(x)
	bn.xSubMean.CopyFrom(xc)
	bn.variance.CopyFrom(variance)
	bn.normX.CopyFrom(normX)
	return bn.affine(bn.normX)
}

// BackwardP1 applies the batch-norm gradient decomposition:
//
//	dx̂    = dL/dy · γ
//	dvar  = Σ dx̂ · (x-μ) · -½ · var^(-3/2)
//	dmean = Σ -dx̂ / √var + dvar · Σ -2(x-μ) / M
//	dx    = dx̂ / √var + 2 · dvar · (x-μ) / M + dmean / M
//
// with M = N·H·W. In inference mode the statistics are constants and
// dx = dx̂ / √var.
func (bn *BatchNorm2D) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(bn.ready, "BatchNorm2D")
	bn.dOut.CopyFrom(dOut)
	b := bn.backend

	std := b.Sqrt(bn.variance)
	dxNorm := b.Mul(dOut, bn.channel(bn.gamma.Tensor()))
	if !bn.training {
		return b.Div(dxNorm, std)
	}

	m := float64(dOut.Dim(0) * dOut.Dim(2) * dOut.Dim(3))
	invVar32 := b.Map(bn.variance, func(v float64) float64 { return 1 / (v * math.Sqrt(v)) })

	dVar := b.Mul(b.Scale(b.Sum(b.Mul(dxNorm, bn.xSubMean), statAxes, true), -0.5), invVar32)
	dMean := b.Add(
		b.Scale(b.Sum(b.Div(dxNorm, std), statAxes, true), -1),
		b.Scale(b.Mul(dVar, b.Sum(bn.xSubMean, statAxes, true)), -2/m),
	)

	dx := b.Div(dxNorm, std)
	dx = b.Add(dx, b.Scale(b.Mul(dVar, bn.xSubMean), 2/m))
	return b.Add(dx, b.Scale(dMean, 1/m))
}

// BackwardP2 writes γg = Σ dL/dy · x̂ and βg = Σ dL/dy over batch and space.
func (bn *BatchNorm2D) BackwardP2() {
	mustBeReady(bn.ready, "BatchNorm2D")
	b := bn.backend
	bn.gamma.SetGrad(b.Sum(b.Mul(bn.dOut, bn.normX), statAxes, false))
	bn.beta.SetGrad(b.Sum(bn.dOut, statAxes, false))
}

// Parameters returns [gamma, beta].
func (bn *BatchNorm2D) Parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta}
}

// Buffers returns [running_mean, running_var].
func (bn *BatchNorm2D) Buffers() []*Parameter {
	return []*Parameter{bn.runningMean, bn.runningVar}
}
