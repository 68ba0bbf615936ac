package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/tensor"
)

const mlpYAML = `
name: mlp
seed: 7
model:
  input_shape: [8, 4]
  layers:
    - {type: dense, in: 4, out: 6}
    - {type: silu}
    - {type: dense, in: 6, out: 5}
    - {type: layernorm, size: 5}
    - {type: relu}
    - {type: dense, in: 5, out: 3}
pipeline:
  world_size: 3
  session: 7d444840-9dc0-11d1-b245-5ffdce74fad2
training:
  steps: 20
  optimizer: adam
  lr: 0.001
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(mlpYAML))
	require.NoError(t, err)

	assert.Equal(t, "mlp", cfg.Name)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, []int{8, 4}, cfg.Model.InputShape)
	assert.Len(t, cfg.Model.Layers, 6)
	assert.Equal(t, 3, cfg.Pipeline.WorldSize)
	assert.Equal(t, "adam", cfg.Training.Optimizer)

	// defaults
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, TransportLocal, cfg.Pipeline.Transport)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DialTimeout)
	assert.Equal(t, "cross_entropy", cfg.Training.Loss)
	assert.Equal(t, 10, cfg.Training.LogEvery)
	assert.Equal(t, uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"), cfg.SessionID())
}

func TestParse_GeneratesSession(t *testing.T) {
	a, err := Parse([]byte("model: {input_shape: [1, 2], layers: [{type: relu}]}"))
	require.NoError(t, err)
	b, err := Parse([]byte("model: {input_shape: [1, 2], layers: [{type: relu}]}"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Pipeline.Session, b.Pipeline.Session)
	assert.NotEqual(t, uuid.Nil, a.SessionID())
}

func TestParse_Invalid(t *testing.T) {
	base := "model: {input_shape: [2, 2], layers: [{type: relu}, {type: relu}]}\n"
	tests := []struct {
		name string
		yaml string
	}{
		{"no layers", "model: {input_shape: [2, 2]}"},
		{"no input shape", "model: {layers: [{type: relu}]}"},
		{"zero dimension", "model: {input_shape: [0, 2], layers: [{type: relu}]}"},
		{"more ranks than layers", base + "pipeline: {world_size: 3}"},
		{"stages do not cover layers", base + "pipeline: {world_size: 2, stages: [1, 2]}"},
		{"empty stage", base + "pipeline: {world_size: 2, stages: [2, 0]}"},
		{"tcp without addresses", base + "pipeline: {world_size: 2, transport: tcp}"},
		{"unknown transport", base + "pipeline: {transport: carrier-pigeon}"},
		{"bad session", base + "pipeline: {session: not-a-uuid}"},
		{"unknown device", base + "device: tpu"},
		{"unknown optimizer", base + "training: {optimizer: rmsprop}"},
		{"unknown loss", base + "training: {loss: hinge}"},
		{"negative lr", base + "training: {lr: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Parse([]byte(base + "unknown_key: 1"))
	assert.Error(t, err)
}

func TestStageSizes(t *testing.T) {
	cfg := &Config{Model: ModelConfig{Layers: make([]LayerSpec, 7)}, Pipeline: PipelineConfig{WorldSize: 3}}
	sizes, err := cfg.StageSizes()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, sizes)

	start, end, err := cfg.StageRange(1)
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 5}, [2]int{start, end})

	_, _, err = cfg.StageRange(3)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Pipeline.Stages = []int{1, 1, 5}
	start, end, err = cfg.StageRange(2)
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 7}, [2]int{start, end})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(mlpYAML), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mlp", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildLayers(t *testing.T) {
	cfg, err := Parse([]byte(mlpYAML))
	require.NoError(t, err)

	b := cpu.NewWithConfig(cpu.Config{Device: tensor.CPU, Seed: cfg.Seed})
	ls, err := cfg.BuildLayers(b)
	require.NoError(t, err)
	require.Len(t, ls, 6)
	assert.IsType(t, &layers.Dense{}, ls[0])
	assert.IsType(t, &layers.SiLU{}, ls[1])
	assert.IsType(t, &layers.LayerNorm{}, ls[3])

	y := layers.NewSequential(b, ls...).InitialPass(b.Randn(tensor.Shape(cfg.Model.InputShape), 1))
	assert.Equal(t, tensor.Shape{8, 3}, y.Shape())
}

func TestLayerSpec_Build(t *testing.T) {
	b := cpu.New()
	axis := 1
	tests := []struct {
		spec LayerSpec
		want layers.Layer
	}{
		{LayerSpec{Type: "dropout", P: 0.5}, &layers.Dropout{}},
		{LayerSpec{Type: "rmsnorm", Size: 4, Axis: &axis}, &layers.RMSNorm{}},
		{LayerSpec{Type: "conv2d", In: 1, Out: 2, Kernel: 3, Padding: 1}, &layers.Conv2D{}},
		{LayerSpec{Type: "maxpool2d", Kernel: 2, Stride: 2}, &layers.MaxPool2D{}},
		{LayerSpec{Type: "avgpool2d", Kernel: 2, Stride: 2}, &layers.AvgPool2D{}},
		{LayerSpec{Type: "batchnorm2d", Size: 2}, &layers.BatchNorm2D{}},
		{LayerSpec{Type: "flatten"}, &layers.Flatten{}},
		{LayerSpec{Type: "self_attention", Size: 4, Heads: 2, Causal: true, SeqLen: 3}, &layers.SelfAttention{}},
		{LayerSpec{Type: "bert", Size: 4, Heads: 2, FF: 8}, &layers.BertBlock{}},
		{LayerSpec{Type: "gated_ff", Size: 4, FF: 12, MultipleOf: 4}, &layers.GatedFeedForward{}},
		{LayerSpec{Type: "resnet_basic", In: 2, Out: 2}, &layers.ResidualBlock{}},
		{LayerSpec{Type: "resnet_bottleneck", In: 4, Out: 1, Stride: 2}, &layers.ResidualBlock{}},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Type, func(t *testing.T) {
			l, err := tt.spec.Build(b)
			require.NoError(t, err)
			assert.IsType(t, tt.want, l)
		})
	}

	for _, spec := range []LayerSpec{
		{Type: "dense"},
		{Type: "self_attention", Size: 4, Heads: 2, Causal: true},
		{Type: "lstm"},
	} {
		_, err := spec.Build(b)
		assert.ErrorIs(t, err, ErrInvalidConfig, spec.Type)
	}
}
