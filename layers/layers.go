// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layers provides layers with a manual two-phase backward pass.
//
// # Overview
//
// Every layer implements:
//   - InitialPass: first forward, allocates every cached buffer
//   - Forward: reuses the buffers allocated by InitialPass
//   - BackwardP1: dL/d(output) to dL/d(input), the critical path
//   - BackwardP2: dL/d(parameters), issued on the layer's own stream
//
// Between BackwardP2 and reading gradients, synchronize the backend.
//
// # Basic Usage
//
//	backend := cpu.New()
//	model := layers.NewSequential(backend,
//	    layers.NewDense(784, 128, backend),
//	    layers.NewReLU(backend),
//	    layers.NewDense(128, 10, backend),
//	)
//
//	logits := model.InitialPass(x)
//	dx := model.BackwardP1(ce.Gradient(logits, target))
//	model.BackwardP2()
//	backend.Synchronize()
package layers

import (
	"github.com/born-ml/pipeprop/internal/layers"
)

// Layer is a differentiable building block with a two-phase backward pass.
type Layer = layers.Layer

// Trainer is implemented by layers whose behaviour depends on training mode.
type Trainer = layers.Trainer

// Stateful is implemented by layers with non-trainable state.
type Stateful = layers.Stateful

// Parameter is a named trainable tensor with its gradient.
type Parameter = layers.Parameter

// Defaults.
const (
	DefaultNormEps           = layers.DefaultNormEps
	DefaultDropout           = layers.DefaultDropout
	DefaultBatchNormEps      = layers.DefaultBatchNormEps
	DefaultBatchNormMomentum = layers.DefaultBatchNormMomentum
)

// Layer types.
type (
	Dense              = layers.Dense
	ReLU               = layers.ReLU
	SiLU               = layers.SiLU
	Dropout            = layers.Dropout
	LayerNorm          = layers.LayerNorm
	RMSNorm            = layers.RMSNorm
	BatchNorm2D        = layers.BatchNorm2D
	Conv2D             = layers.Conv2D
	Conv2DConfig       = layers.Conv2DConfig
	MaxPool2D          = layers.MaxPool2D
	AvgPool2D          = layers.AvgPool2D
	PoolConfig         = layers.PoolConfig
	Flatten            = layers.Flatten
	MultiHeadAttention = layers.MultiHeadAttention
	SelfAttention      = layers.SelfAttention
	AttentionConfig    = layers.AttentionConfig
	BertBlock          = layers.BertBlock
	BertConfig         = layers.BertConfig
	GatedFeedForward   = layers.GatedFeedForward
	GatedFFConfig      = layers.GatedFFConfig
	ResidualBlock      = layers.ResidualBlock
	BlockKind          = layers.BlockKind
	ResNet             = layers.ResNet
	ResNetConfig       = layers.ResNetConfig
	Sequential         = layers.Sequential
)

// Residual block kinds.
const (
	BasicBlock = layers.BasicBlock
	Bottleneck = layers.Bottleneck
)
