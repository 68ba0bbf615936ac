// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline splits a layer sequence into stages and trains it
// across the ranks of a linear chain.
//
// # Basic Usage
//
//	err := pipeline.RunLocal(ctx, 3, func(ctx context.Context, tr pipeline.Transport) error {
//	    backend := cpu.New()
//	    stages, err := pipeline.Split(buildLayers(backend), []int{2, 2, 2})
//	    if err != nil {
//	        return err
//	    }
//	    m, err := pipeline.NewModel(pipeline.Config{FirstLayer: 2 * tr.Rank()}, tr, backend, stages[tr.Rank()]...)
//	    if err != nil {
//	        return err
//	    }
//	    // InitialPass once, then Forward, Backward and Update per step.
//	    ...
//	})
//
// Across processes, connect the ranks with DialTCP instead of RunLocal.
package pipeline

import (
	"context"

	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/pipeline"
	"github.com/born-ml/pipeprop/layers"
	"github.com/born-ml/pipeprop/tensor"
)

// Model is the rank-local coordinator of a pipeline-parallel model.
type Model = pipeline.Model

// Config identifies a stage within a run.
type Config = pipeline.Config

// Role is the position of a rank in the chain.
type Role = pipeline.Role

// Roles.
const (
	First    = pipeline.First
	Interior = pipeline.Interior
	Last     = pipeline.Last
	Solo     = pipeline.Solo
)

// ErrCheckpointMismatch is returned when a checkpoint belongs to another
// rank or world size.
var ErrCheckpointMismatch = pipeline.ErrCheckpointMismatch

// Transport moves tensors between adjacent ranks.
type Transport = dist.Transport

// LocalGroup connects goroutine ranks of one process.
type LocalGroup = dist.LocalGroup

// TCPConfig configures a TCP rank.
type TCPConfig = dist.TCPConfig

// TCPTransport connects one rank to its neighbours over TCP.
type TCPTransport = dist.TCPTransport

// Transport errors.
var (
	ErrNotAdjacent     = dist.ErrNotAdjacent
	ErrBadHandshake    = dist.ErrBadHandshake
	ErrUnexpectedFrame = dist.ErrUnexpectedFrame
	ErrClosed          = dist.ErrClosed
)

// RoleOf returns the role of rank in a chain of world ranks.
func RoleOf(rank, world int) Role { return pipeline.RoleOf(rank, world) }

// NewModel creates the stage of the rank that tr belongs to.
func NewModel(cfg Config, tr Transport, backend tensor.Backend, stage ...layers.Layer) (*Model, error) {
	return pipeline.NewModel(cfg, tr, backend, stage...)
}

// Split cuts ls into consecutive stages of the given sizes.
func Split(ls []layers.Layer, sizes []int) ([][]layers.Layer, error) {
	return pipeline.Split(ls, sizes)
}

// RunLocal runs fn once per rank of a local group and waits for all ranks.
func RunLocal(ctx context.Context, world int, fn func(ctx context.Context, tr Transport) error) error {
	return pipeline.RunLocal(ctx, world, fn)
}

// CheckpointPath returns the file name of rank's checkpoint in dir.
func CheckpointPath(dir, name string, rank int) string {
	return pipeline.CheckpointPath(dir, name, rank)
}

// NewLocalGroup creates a group of world in-process ranks.
func NewLocalGroup(world int) *LocalGroup { return dist.NewLocalGroup(world) }

// DialTCP connects rank cfg.Rank to its neighbours.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCPTransport, error) {
	return dist.DialTCP(ctx, cfg)
}
