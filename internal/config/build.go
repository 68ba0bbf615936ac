package config

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// LayerSpec describes one entry of the layer sequence. Which fields apply
// depends on Type:
//
//	dense              in, out
//	relu, silu         -
//	dropout            p
//	layernorm, rmsnorm size, axis, eps
//	conv2d             in, out, kernel, stride, padding, bias
//	maxpool2d          kernel, stride, padding
//	avgpool2d          kernel, stride, padding
//	batchnorm2d        size, eps, momentum
//	flatten            -
//	self_attention     size, heads, p, causal, seq_len
//	bert               size, heads, ff, activation, p, eps
//	gated_ff           size, ff, multiple_of, multiplier
//	resnet_basic       in, out (planes), stride
//	resnet_bottleneck  in, out (planes), stride
type LayerSpec struct {
	Type       string  `yaml:"type"`
	In         int     `yaml:"in"`
	Out        int     `yaml:"out"`
	Size       int     `yaml:"size"`
	Axis       *int    `yaml:"axis"`
	Eps        float64 `yaml:"eps"`
	P          float64 `yaml:"p"`
	Kernel     int     `yaml:"kernel"`
	Stride     int     `yaml:"stride"`
	Padding    int     `yaml:"padding"`
	Bias       bool    `yaml:"bias"`
	Momentum   float64 `yaml:"momentum"`
	Heads      int     `yaml:"heads"`
	FF         int     `yaml:"ff"`
	Activation string  `yaml:"activation"`
	Causal     bool    `yaml:"causal"`
	SeqLen     int     `yaml:"seq_len"`
	MultipleOf int     `yaml:"multiple_of"`
	Multiplier float64 `yaml:"multiplier"`
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func square(n int) [2]int {
	return [2]int{n, n}
}

// Build constructs the layer described by s.
func (s LayerSpec) Build(b tensor.Backend) (layers.Layer, error) {
	axis := -1
	if s.Axis != nil {
		axis = *s.Axis
	}

	switch strings.ToLower(s.Type) {
	case "dense", "linear":
		if s.In < 1 || s.Out < 1 {
			return nil, errors.Wrapf(ErrInvalidConfig, "dense %d->%d", s.In, s.Out)
		}
		return layers.NewDense(s.In, s.Out, b), nil
	case "relu", "silu":
		return layers.NewActivation(s.Type, b)
	case "dropout":
		return layers.NewDropout(s.P, b)
	case "layernorm":
		return layers.NewLayerNorm(axis, s.Size, orDefault(s.Eps, layers.DefaultNormEps), b)
	case "rmsnorm":
		return layers.NewRMSNorm(axis, s.Size, orDefault(s.Eps, layers.DefaultNormEps), b)
	case "conv2d":
		return layers.NewConv2D(layers.Conv2DConfig{
			InChannels:  s.In,
			OutChannels: s.Out,
			Kernel:      square(s.Kernel),
			Stride:      square(s.Stride),
			Padding:     s.Padding,
			Bias:        s.Bias,
		}, b)
	case "maxpool2d":
		return layers.NewMaxPool2D(layers.PoolConfig{Kernel: square(s.Kernel), Stride: square(s.Stride), Padding: s.Padding}, b)
	case "avgpool2d":
		return layers.NewAvgPool2D(layers.PoolConfig{Kernel: square(s.Kernel), Stride: square(s.Stride), Padding: s.Padding}, b)
	case "batchnorm2d":
		return layers.NewBatchNorm2D(s.Size,
			orDefault(s.Eps, layers.DefaultBatchNormEps),
			orDefault(s.Momentum, layers.DefaultBatchNormMomentum), b)
	case "flatten":
		return layers.NewFlatten(), nil
	case "self_attention":
		var mask *tensor.Tensor
		if s.Causal {
			if s.SeqLen < 1 {
				return nil, errors.Wrap(ErrInvalidConfig, "causal self_attention needs seq_len")
			}
			mask = layers.CausalMask(s.SeqLen, b)
		}
		return layers.NewSelfAttention(layers.AttentionConfig{EmbedDim: s.Size, NumHeads: s.Heads, Dropout: s.P}, mask, b)
	case "bert":
		return layers.NewBertBlock(layers.BertConfig{
			EmbedDim:   s.Size,
			NumHeads:   s.Heads,
			FFDim:      s.FF,
			Activation: s.Activation,
			Eps:        orDefault(s.Eps, layers.DefaultNormEps),
			Dropout:    s.P,
		}, b)
	case "gated_ff":
		return layers.NewGatedFeedForward(layers.GatedFFConfig{
			Dim:        s.Size,
			Hidden:     s.FF,
			MultipleOf: max(s.MultipleOf, 1),
			Multiplier: s.Multiplier,
		}, b)
	case "resnet_basic":
		return layers.NewBasicResNetBlock(s.In, s.Out, max(s.Stride, 1), b)
	case "resnet_bottleneck":
		return layers.NewResNetBottleneck(s.In, s.Out, max(s.Stride, 1), b)
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown layer type %q", s.Type)
}

// BuildLayers constructs the full layer sequence in order. Every rank
// builds every layer from the same seeded backend so that a split model
// starts from exactly the weights of the undivided one.
func (c *Config) BuildLayers(b tensor.Backend) ([]layers.Layer, error) {
	out := make([]layers.Layer, len(c.Model.Layers))
	for i, spec := range c.Model.Layers {
		l, err := spec.Build(b)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, spec.Type)
		}
		out[i] = l
	}
	return out, nil
}
