// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/backend/cpu"
	"github.com/born-ml/pipeprop/layers"
	"github.com/born-ml/pipeprop/loss"
	"github.com/born-ml/pipeprop/optim"
	"github.com/born-ml/pipeprop/pipeline"
	"github.com/born-ml/pipeprop/tensor"
)

func TestPublicAPI_TwoStages(t *testing.T) {
	x, err := tensor.FromSlice([]float64{1, 0, -1, 2, 0.5, -0.5}, tensor.Shape{2, 3}, tensor.CPU)
	require.NoError(t, err)

	var logits *tensor.Tensor
	err = pipeline.RunLocal(context.Background(), 2, func(ctx context.Context, tr pipeline.Transport) error {
		backend := cpu.New()
		all := []layers.Layer{
			layers.NewDense(3, 4, backend),
			layers.NewReLU(backend),
			layers.NewDense(4, 2, backend),
		}
		stages, err := pipeline.Split(all, []int{2, 1})
		if err != nil {
			return err
		}
		m, err := pipeline.NewModel(pipeline.Config{FirstLayer: 2 * tr.Rank()}, tr, backend, stages[tr.Rank()]...)
		if err != nil {
			return err
		}
		opt := optim.NewSGD(m.Parameters(), optim.SGDConfig{LR: 0.1})

		var in, dOut *tensor.Tensor
		if m.Role() == pipeline.First {
			in = x
		}
		y, err := m.InitialPass(ctx, in)
		if err != nil {
			return err
		}
		if m.Role() == pipeline.Last {
			logits = y.Clone()
			dOut = loss.NewCrossEntropy(backend).Gradient(y, loss.OneHot([]int{0, 1}, 2, backend))
		}
		if _, err := m.Backward(ctx, dOut); err != nil {
			return err
		}
		return m.Update(ctx, opt)
	})
	require.NoError(t, err)
	require.NotNil(t, logits)
	assert.Equal(t, tensor.Shape{2, 2}, logits.Shape())
	assert.Equal(t, pipeline.Interior, pipeline.RoleOf(1, 3))
}
