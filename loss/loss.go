// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loss provides loss functions that produce the gradient fed to
// the last layer's first backward phase.
package loss

import (
	"github.com/born-ml/pipeprop/internal/loss"
	"github.com/born-ml/pipeprop/tensor"
)

// Func is a loss function.
type Func = loss.Func

// CrossEntropy is softmax cross-entropy over the last axis.
type CrossEntropy = loss.CrossEntropy

// MSE is the mean squared error over the last axis.
type MSE = loss.MSE

// New returns the loss named "cross_entropy" or "mse".
func New(name string, backend tensor.Backend) (Func, error) {
	return loss.New(name, backend)
}

// NewCrossEntropy creates a softmax cross-entropy loss.
func NewCrossEntropy(backend tensor.Backend) *CrossEntropy {
	return loss.NewCrossEntropy(backend)
}

// NewMSE creates a mean squared error loss.
func NewMSE(backend tensor.Backend) *MSE {
	return loss.NewMSE(backend)
}

// Mean averages per-example losses.
func Mean(losses []float64) float64 {
	return loss.Mean(losses)
}

// OneHot encodes class labels as rows of a [len(labels), classes] tensor.
func OneHot(labels []int, classes int, backend tensor.Backend) *tensor.Tensor {
	return loss.OneHot(labels, classes, backend)
}

// Argmax returns the index of the largest entry of every row.
func Argmax(logits *tensor.Tensor) []int {
	return loss.Argmax(logits)
}
