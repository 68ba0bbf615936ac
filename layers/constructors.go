// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layers

import (
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/tensor"
)

// NewDense creates a fully connected layer with Xavier initialization.
func NewDense(in, out int, backend tensor.Backend) *Dense {
	return layers.NewDense(in, out, backend)
}

// NewReLU creates a ReLU activation.
func NewReLU(backend tensor.Backend) *ReLU { return layers.NewReLU(backend) }

// NewSiLU creates a SiLU activation.
func NewSiLU(backend tensor.Backend) *SiLU { return layers.NewSiLU(backend) }

// NewActivation returns the activation named "relu" or "silu".
func NewActivation(name string, backend tensor.Backend) (Layer, error) {
	return layers.NewActivation(name, backend)
}

// NewDropout creates a dropout layer with drop probability p.
func NewDropout(p float64, backend tensor.Backend) (*Dropout, error) {
	return layers.NewDropout(p, backend)
}

// NewLayerNorm normalizes along axis, which must have the given size.
func NewLayerNorm(axis, size int, eps float64, backend tensor.Backend) (*LayerNorm, error) {
	return layers.NewLayerNorm(axis, size, eps, backend)
}

// NewRMSNorm normalizes along axis by the root mean square.
func NewRMSNorm(axis, size int, eps float64, backend tensor.Backend) (*RMSNorm, error) {
	return layers.NewRMSNorm(axis, size, eps, backend)
}

// NewBatchNorm2D creates a batch norm over the channels of NCHW input.
func NewBatchNorm2D(channels int, eps, momentum float64, backend tensor.Backend) (*BatchNorm2D, error) {
	return layers.NewBatchNorm2D(channels, eps, momentum, backend)
}

// NewConv2D creates a 2D convolution over NCHW input.
func NewConv2D(cfg Conv2DConfig, backend tensor.Backend) (*Conv2D, error) {
	return layers.NewConv2D(cfg, backend)
}

// NewMaxPool2D creates a 2D max pooling layer.
func NewMaxPool2D(cfg PoolConfig, backend tensor.Backend) (*MaxPool2D, error) {
	return layers.NewMaxPool2D(cfg, backend)
}

// NewAvgPool2D creates a 2D average pooling layer.
func NewAvgPool2D(cfg PoolConfig, backend tensor.Backend) (*AvgPool2D, error) {
	return layers.NewAvgPool2D(cfg, backend)
}

// NewFlatten collapses every axis after the first.
func NewFlatten() *Flatten { return layers.NewFlatten() }

// NewMultiHeadAttention creates attention over separate query, key and value inputs.
func NewMultiHeadAttention(cfg AttentionConfig, backend tensor.Backend) (*MultiHeadAttention, error) {
	return layers.NewMultiHeadAttention(cfg, backend)
}

// NewSelfAttention creates self-attention with an optional additive mask.
func NewSelfAttention(cfg AttentionConfig, mask *tensor.Tensor, backend tensor.Backend) (*SelfAttention, error) {
	return layers.NewSelfAttention(cfg, mask, backend)
}

// CausalMask returns the [seq, seq] mask hiding future positions.
func CausalMask(seq int, backend tensor.Backend) *tensor.Tensor {
	return layers.CausalMask(seq, backend)
}

// NewBertBlock creates a post-norm transformer encoder block.
func NewBertBlock(cfg BertConfig, backend tensor.Backend) (*BertBlock, error) {
	return layers.NewBertBlock(cfg, backend)
}

// NewGatedFeedForward creates a SiLU-gated feed-forward block.
func NewGatedFeedForward(cfg GatedFFConfig, backend tensor.Backend) (*GatedFeedForward, error) {
	return layers.NewGatedFeedForward(cfg, backend)
}

// NewBasicResNetBlock creates a two-convolution residual block.
func NewBasicResNetBlock(in, planes, stride int, backend tensor.Backend) (*ResidualBlock, error) {
	return layers.NewBasicResNetBlock(in, planes, stride, backend)
}

// NewResNetBottleneck creates a three-convolution residual block.
func NewResNetBottleneck(in, planes, stride int, backend tensor.Backend) (*ResidualBlock, error) {
	return layers.NewResNetBottleneck(in, planes, stride, backend)
}

// NewResNet creates a ResNet from cfg.
func NewResNet(cfg ResNetConfig, backend tensor.Backend) (*ResNet, error) {
	return layers.NewResNet(cfg, backend)
}

// NewSequential chains layers. Parameter names are prefixed by layer index.
func NewSequential(backend tensor.Backend, ls ...Layer) *Sequential {
	return layers.NewSequential(backend, ls...)
}

// NewSequentialAt is NewSequential with indices starting at first.
func NewSequentialAt(backend tensor.Backend, first int, ls ...Layer) *Sequential {
	return layers.NewSequentialAt(backend, first, ls...)
}
