package layers

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// BlockKind selects the residual block a ResNet is built from.
type BlockKind int

// Residual block kinds.
const (
	// BasicBlock is two 3x3 convolutions, expansion 1.
	BasicBlock BlockKind = iota
	// Bottleneck is 1x1, 3x3, 1x1 convolutions, expansion 4.
	Bottleneck
)

// Expansion is the ratio of a block's output channels to its planes.
func (k BlockKind) Expansion() int {
	if k == Bottleneck {
		return 4
	}
	return 1
}

// String returns "basic" or "bottleneck".
func (k BlockKind) String() string {
	switch k {
	case BasicBlock:
		return "basic"
	case Bottleneck:
		return "bottleneck"
	default:
		return fmt.Sprintf("BlockKind(%d)", int(k))
	}
}

// ParseBlockKind maps "basic" and "bottleneck" to a BlockKind.
func ParseBlockKind(s string) (BlockKind, error) {
	switch s {
	case "basic", "":
		return BasicBlock, nil
	case "bottleneck":
		return Bottleneck, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown resnet block %q", s)
}

// ResidualBlock is a ResNet block: a chain of conv → batch-norm (→ ReLU)
// stages added to a shortcut, followed by a final ReLU.
//
//	out = relu(main(x) + shortcut(x))
//
// The shortcut is the identity unless the stride or channel count changes,
// in which case it is a bias-free 1x1 convolution plus batch norm.
// Phase 2 runs every convolution and batch norm on its own stream.
type ResidualBlock struct {
	kind     BlockKind
	main     []Layer
	shortcut []Layer
	relu     *ReLU
	backend  tensor.Backend

	trainable []Layer
	streams   streamSet
	ready     bool
}

type convBN struct {
	in, out, kernel, stride, padding int
}

func newConvBN(spec convBN, backend tensor.Backend) (*Conv2D, *BatchNorm2D, error) {
	conv, err := NewConv2D(Conv2DConfig{
		InChannels:  spec.in,
		OutChannels: spec.out,
		Kernel:      [2]int{spec.kernel, spec.kernel},
		Stride:      [2]int{spec.stride, spec.stride},
		Padding:     spec.padding,
	}, backend)
	if err != nil {
		return nil, nil, err
	}
	bn, err := NewBatchNorm2D(spec.out, DefaultBatchNormEps, DefaultBatchNormMomentum, backend)
	if err != nil {
		return nil, nil, err
	}
	return conv, bn, nil
}

// NewBasicResNetBlock creates a two-convolution block.
func NewBasicResNetBlock(in, planes, stride int, backend tensor.Backend) (*ResidualBlock, error) {
	return newResidualBlock(BasicBlock, in, planes, stride, []convBN{
		{in: in, out: planes, kernel: 3, stride: stride, padding: 1},
		{in: planes, out: planes, kernel: 3, stride: 1, padding: 1},
	}, backend)
}

// NewResNetBottleneck creates a three-convolution bottleneck block whose
// output has 4*planes channels.
func NewResNetBottleneck(in, planes, stride int, backend tensor.Backend) (*ResidualBlock, error) {
	out := planes * Bottleneck.Expansion()
	return newResidualBlock(Bottleneck, in, planes, stride, []convBN{
		{in: in, out: planes, kernel: 1, stride: 1},
		{in: planes, out: planes, kernel: 3, stride: stride, padding: 1},
		{in: planes, out: out, kernel: 1, stride: 1},
	}, backend)
}

// NewResidualBlock creates a block of the given kind.
func NewResidualBlock(kind BlockKind, in, planes, stride int, backend tensor.Backend) (*ResidualBlock, error) {
	if kind == Bottleneck {
		return NewResNetBottleneck(in, planes, stride, backend)
	}
	return NewBasicResNetBlock(in, planes, stride, backend)
}

func newResidualBlock(kind BlockKind, in, planes, stride int, stages []convBN, backend tensor.Backend) (*ResidualBlock, error) {
	r := &ResidualBlock{kind: kind, relu: NewReLU(backend), backend: backend}
	for i, spec := range stages {
		conv, bn, err := newConvBN(spec, backend)
		if err != nil {
			return nil, errors.Wrapf(err, "resnet block stage %d", i)
		}
		scope("conv"+strconv.Itoa(i), conv)
		scope("bn"+strconv.Itoa(i), bn)
		r.main = append(r.main, conv, bn)
		if i < len(stages)-1 {
			r.main = append(r.main, NewReLU(backend))
		}
	}

	out := planes * kind.Expansion()
	if stride != 1 || in != out {
		conv, bn, err := newConvBN(convBN{in: in, out: out, kernel: 1, stride: stride}, backend)
		if err != nil {
			return nil, errors.Wrap(err, "resnet shortcut")
		}
		scope("shortcut.conv", conv)
		scope("shortcut.bn", bn)
		r.shortcut = []Layer{conv, bn}
	}
	r.trainable = withParameters(append(append([]Layer{}, r.main...), r.shortcut...)...)
	return r, nil
}

// Kind returns the block kind.
func (r *ResidualBlock) Kind() BlockKind {
	return r.kind
}

// SetTraining switches every batch norm.
func (r *ResidualBlock) SetTraining(training bool) {
	SetTraining(training, r.main...)
	SetTraining(training, r.shortcut...)
}

// InitialPass allocates one stream per convolution and batch norm.
func (r *ResidualBlock) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	r.streams = newStreamSet(r.backend, x, len(r.trainable))
	out := x
	for _, l := range r.main {
		out = l.InitialPass(out)
	}
	skip := x
	for _, l := range r.shortcut {
		skip = l.InitialPass(skip)
	}
	r.ready = true
	return r.relu.InitialPass(r.backend.Add(out, skip))
}

// Forward computes relu(main(x) + shortcut(x)).
func (r *ResidualBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(r.ready, "ResidualBlock")
	out := x
	for _, l := range r.main {
		out = l.Forward(out)
	}
	skip := x
	for _, l := range r.shortcut {
		skip = l.Forward(skip)
	}
	return r.relu.Forward(r.backend.Add(out, skip))
}

// BackwardP1 returns the sum of the main-path and shortcut gradients.
func (r *ResidualBlock) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(r.ready, "ResidualBlock")
	dSum := r.relu.BackwardP1(dOut)
	dMain := dSum
	for i := len(r.main) - 1; i >= 0; i-- {
		dMain = r.main[i].BackwardP1(dMain)
	}
	dSkip := dSum
	for i := len(r.shortcut) - 1; i >= 0; i-- {
		dSkip = r.shortcut[i].BackwardP1(dSkip)
	}
	return r.backend.Add(dMain, dSkip)
}

// BackwardP2 dispatches the phase 2 of every convolution and batch norm.
// It does not synchronize.
func (r *ResidualBlock) BackwardP2() {
	mustBeReady(r.ready, "ResidualBlock")
	r.streams.dispatch(phase2(r.trainable...)...)
}

// Parameters returns main-path then shortcut parameters.
func (r *ResidualBlock) Parameters() []*Parameter {
	return append(CollectParameters(r.main...), CollectParameters(r.shortcut...)...)
}

// Buffers returns the batch-norm running statistics.
func (r *ResidualBlock) Buffers() []*Parameter {
	return append(CollectBuffers(r.main...), CollectBuffers(r.shortcut...)...)
}

// ResNetConfig configures a ResNet.
type ResNetConfig struct {
	Block      BlockKind
	NumBlocks  [4]int // blocks per stage
	InChannels int
	BaseWidth  int // planes of the first stage, doubled per stage
	NumClasses int
	PoolKernel int // average-pool window before the classifier
}

// ResNet18Config returns the CIFAR-10 ResNet-18 layout.
func ResNet18Config() ResNetConfig {
	return ResNetConfig{
		Block:      BasicBlock,
		NumBlocks:  [4]int{2, 2, 2, 2},
		InChannels: 3,
		BaseWidth:  64,
		NumClasses: 10,
		PoolKernel: 4,
	}
}

// ResNet50Config returns the CIFAR-10 ResNet-50 layout.
func ResNet50Config() ResNetConfig {
	cfg := ResNet18Config()
	cfg.Block = Bottleneck
	cfg.NumBlocks = [4]int{3, 4, 6, 3}
	return cfg
}

// ResNet is the CIFAR-style residual network:
//
//	conv3x3 → bn → relu → stage1..stage4 → avgpool → flatten → dense
//
// Stages 2-4 halve the spatial size and double the width. Phase 2 uses
// seven streams: the stem convolution, stem batch norm, classifier and one
// per stage.
type ResNet struct {
	cfg     ResNetConfig
	backend tensor.Backend

	conv1   *Conv2D
	bn1     *BatchNorm2D
	relu    *ReLU
	stages  [4]*Sequential
	avgpool *AvgPool2D
	flatten *Flatten
	linear  *Dense

	streams streamSet
	ready   bool
}

// NewResNet builds a ResNet from cfg.
func NewResNet(cfg ResNetConfig, backend tensor.Backend) (*ResNet, error) {
	if cfg.InChannels <= 0 || cfg.BaseWidth <= 0 || cfg.NumClasses <= 0 || cfg.PoolKernel <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "resnet %+v", cfg)
	}
	conv1, bn1, err := newConvBN(convBN{in: cfg.InChannels, out: cfg.BaseWidth, kernel: 3, stride: 1, padding: 1}, backend)
	if err != nil {
		return nil, err
	}
	pool, err := NewAvgPool2D(PoolConfig{
		Kernel: [2]int{cfg.PoolKernel, cfg.PoolKernel},
		Stride: [2]int{cfg.PoolKernel, cfg.PoolKernel},
	}, backend)
	if err != nil {
		return nil, err
	}

	n := &ResNet{
		cfg:     cfg,
		backend: backend,
		conv1:   conv1,
		bn1:     bn1,
		relu:    NewReLU(backend),
		avgpool: pool,
		flatten: NewFlatten(),
	}

	inPlanes := cfg.BaseWidth
	for i := range n.stages {
		planes := cfg.BaseWidth << i
		stride := 2
		if i == 0 {
			stride = 1
		}
		n.stages[i], inPlanes, err = makeStage(cfg.Block, inPlanes, planes, cfg.NumBlocks[i], stride, backend)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %d", i+1)
		}
		scope("layer"+strconv.Itoa(i+1), n.stages[i])
	}
	n.linear = NewDense(cfg.BaseWidth*8*cfg.Block.Expansion(), cfg.NumClasses, backend)

	scope("conv1", n.conv1)
	scope("bn1", n.bn1)
	scope("linear", n.linear)
	return n, nil
}

// makeStage builds numBlocks blocks where only the first one strides, and
// returns the channel count after the stage.
func makeStage(kind BlockKind, inPlanes, planes, numBlocks, stride int, backend tensor.Backend) (*Sequential, int, error) {
	blocks := make([]Layer, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		s := 1
		if i == 0 {
			s = stride
		}
		block, err := NewResidualBlock(kind, inPlanes, planes, s, backend)
		if err != nil {
			return nil, 0, err
		}
		blocks = append(blocks, block)
		inPlanes = planes * kind.Expansion()
	}
	return NewSequential(backend, blocks...), inPlanes, nil
}

// Config returns the network configuration.
func (n *ResNet) Config() ResNetConfig {
	return n.cfg
}

func (n *ResNet) layers() []Layer {
	return []Layer{n.conv1, n.bn1, n.relu, n.stages[0], n.stages[1], n.stages[2], n.stages[3], n.avgpool, n.flatten, n.linear}
}

// SetTraining switches every batch norm in the network.
func (n *ResNet) SetTraining(training bool) {
	SetTraining(training, n.layers()...)
}

// InitialPass allocates seven phase-2 streams on accelerated devices and
// every child's buffers.
func (n *ResNet) InitialPass(x *tensor.Tensor) *tensor.Tensor {
	n.streams = newStreamSet(n.backend, x, 7)
	out := x
	for _, l := range n.layers() {
		out = l.InitialPass(out)
	}
	n.ready = true
	return out
}

// Forward returns class logits of shape [N, NumClasses].
func (n *ResNet) Forward(x *tensor.Tensor) *tensor.Tensor {
	mustBeReady(n.ready, "ResNet")
	out := x
	for _, l := range n.layers() {
		out = l.Forward(out)
	}
	return out
}

// BackwardP1 returns dL/dx for the image batch.
func (n *ResNet) BackwardP1(dOut *tensor.Tensor) *tensor.Tensor {
	mustBeReady(n.ready, "ResNet")
	ls := n.layers()
	grad := dOut
	for i := len(ls) - 1; i >= 0; i-- {
		grad = ls[i].BackwardP1(grad)
	}
	return grad
}

// BackwardP2 dispatches the stem, classifier and stage gradients. It does
// not synchronize.
func (n *ResNet) BackwardP2() {
	mustBeReady(n.ready, "ResNet")
	n.streams.dispatch(phase2(n.conv1, n.bn1, n.linear, n.stages[0], n.stages[1], n.stages[2], n.stages[3])...)
}

// Parameters returns every trainable parameter in forward order.
func (n *ResNet) Parameters() []*Parameter {
	return CollectParameters(n.layers()...)
}

// Buffers returns every batch-norm running statistic.
func (n *ResNet) Buffers() []*Parameter {
	return CollectBuffers(n.layers()...)
}
