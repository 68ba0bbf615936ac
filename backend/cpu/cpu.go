// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go CPU backend for tensor operations.
//
// # Overview
//
// This package implements a CPU backend with:
//   - Pure Go implementation (no CGO)
//   - gonum BLAS for matrix products
//   - Im2col algorithm for convolutions
//   - An Accelerator mode whose streams run concurrently
//
// # Basic Usage
//
//	backend := cpu.New()
//	layer := layers.NewDense(784, 10, backend)
//
// Use NewAccelerated to exercise multi-stream backward passes:
//
//	backend := cpu.NewAccelerated(42)
//	defer backend.Close()
package cpu

import (
	internalcpu "github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Config configures a Backend.
type Config = internalcpu.Config

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// DefaultConfig returns a synchronous CPU configuration seeded with 0.
func DefaultConfig() Config {
	return internalcpu.DefaultConfig()
}

// New creates a new synchronous CPU backend.
func New() *Backend {
	return internalcpu.New()
}

// NewAccelerated creates a backend on tensor.Accelerator seeded with seed.
func NewAccelerated(seed uint64) *Backend {
	return internalcpu.NewAccelerated(seed)
}

// NewWithConfig creates a backend from an explicit configuration.
func NewWithConfig(cfg Config) *Backend {
	return internalcpu.NewWithConfig(cfg)
}
