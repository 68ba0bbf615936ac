// Package config loads and validates the YAML run configuration used by
// the pipeprop command.
//
// A run configuration names the layer sequence, how it is split across
// pipeline ranks, how ranks talk to each other and how the model is trained:
//
//	name: mlp
//	seed: 1
//	device: cpu
//	model:
//	  input_shape: [32, 784]
//	  layers:
//	    - {type: dense, in: 784, out: 128}
//	    - {type: relu}
//	    - {type: dense, in: 128, out: 10}
//	pipeline:
//	  world_size: 3
//	  transport: local
//	training:
//	  steps: 100
//	  optimizer: sgd
//	  lr: 0.05
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// ErrInvalidConfig is returned for configurations that fail validation.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Transport names.
const (
	TransportLocal = "local"
	TransportTCP   = "tcp"
)

// Config is a complete run configuration.
type Config struct {
	Name     string         `yaml:"name"`
	Seed     uint64         `yaml:"seed"`
	Device   string         `yaml:"device"` // "cpu" or "accelerator"
	Model    ModelConfig    `yaml:"model"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Training TrainingConfig `yaml:"training"`
}

// ModelConfig describes the full layer sequence before it is split.
type ModelConfig struct {
	InputShape []int       `yaml:"input_shape"` // shape of one batch fed to rank 0
	Layers     []LayerSpec `yaml:"layers"`
}

// PipelineConfig describes the rank layout.
type PipelineConfig struct {
	WorldSize   int           `yaml:"world_size"`
	Stages      []int         `yaml:"stages"`    // layers per rank; empty means an even split
	Transport   string        `yaml:"transport"` // "local" or "tcp"
	Addresses   []string      `yaml:"addresses"` // one listen address per rank for tcp
	Session     string        `yaml:"session"`   // UUID shared by every rank of a run
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TrainingConfig describes the external training loop.
type TrainingConfig struct {
	Steps           int     `yaml:"steps"`
	LogEvery        int     `yaml:"log_every"`
	Optimizer       string  `yaml:"optimizer"` // "sgd" or "adam"
	LR              float64 `yaml:"lr"`
	Momentum        float64 `yaml:"momentum"`
	Loss            string  `yaml:"loss"` // "cross_entropy" or "mse"
	CheckpointDir   string  `yaml:"checkpoint_dir"`
	CheckpointEvery int     `yaml:"checkpoint_every"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: the configuration path is a command-line argument
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every zero field that has a default. A missing session
// gets a fresh random UUID.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "model"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.Pipeline.WorldSize == 0 {
		c.Pipeline.WorldSize = 1
	}
	if c.Pipeline.Transport == "" {
		c.Pipeline.Transport = TransportLocal
	}
	if c.Pipeline.Session == "" {
		c.Pipeline.Session = uuid.New().String()
	}
	if c.Pipeline.DialTimeout == 0 {
		c.Pipeline.DialTimeout = 30 * time.Second
	}
	t := &c.Training
	if t.Steps == 0 {
		t.Steps = 1
	}
	if t.LogEvery == 0 {
		t.LogEvery = 10
	}
	if t.Optimizer == "" {
		t.Optimizer = "sgd"
	}
	if t.LR == 0 {
		t.LR = 0.01
	}
	if t.Loss == "" {
		t.Loss = "cross_entropy"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := c.TensorDevice(); err != nil {
		return err
	}
	if len(c.Model.InputShape) == 0 {
		return errors.Wrap(ErrInvalidConfig, "model.input_shape is empty")
	}
	if err := tensor.Shape(c.Model.InputShape).Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model.input_shape: %v", err)
	}
	if len(c.Model.Layers) == 0 {
		return errors.Wrap(ErrInvalidConfig, "model.layers is empty")
	}

	p := c.Pipeline
	if p.WorldSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.world_size %d < 1", p.WorldSize)
	}
	if _, err := c.StageSizes(); err != nil {
		return err
	}
	switch p.Transport {
	case TransportLocal:
	case TransportTCP:
		if len(p.Addresses) != p.WorldSize {
			return errors.Wrapf(ErrInvalidConfig, "pipeline.addresses has %d entries for world size %d", len(p.Addresses), p.WorldSize)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown transport %q", p.Transport)
	}
	if _, err := uuid.Parse(p.Session); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "pipeline.session: %v", err)
	}

	t := c.Training
	if t.Steps < 0 || t.LogEvery < 0 || t.CheckpointEvery < 0 {
		return errors.Wrap(ErrInvalidConfig, "training counters must not be negative")
	}
	switch t.Optimizer {
	case "sgd", "adam":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown optimizer %q", t.Optimizer)
	}
	if t.LR <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "training.lr %v <= 0", t.LR)
	}
	switch t.Loss {
	case "cross_entropy", "mse":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown loss %q", t.Loss)
	}
	return nil
}

// TensorDevice maps the device name to a tensor.Device.
func (c *Config) TensorDevice() (tensor.Device, error) {
	switch strings.ToLower(c.Device) {
	case "cpu":
		return tensor.CPU, nil
	case "accelerator", "accel":
		return tensor.Accelerator, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown device %q", c.Device)
}

// SessionID returns the parsed session UUID.
func (c *Config) SessionID() uuid.UUID {
	return uuid.MustParse(c.Pipeline.Session)
}

// StageSizes returns the number of layers owned by each rank. Without
// explicit stages the layers are split evenly, earlier ranks taking the
// remainder.
func (c *Config) StageSizes() ([]int, error) {
	n, w := len(c.Model.Layers), c.Pipeline.WorldSize
	if len(c.Pipeline.Stages) == 0 {
		if n < w {
			return nil, errors.Wrapf(ErrInvalidConfig, "%d layers cannot fill %d ranks", n, w)
		}
		sizes := make([]int, w)
		for i := range sizes {
			sizes[i] = n / w
			if i < n%w {
				sizes[i]++
			}
		}
		return sizes, nil
	}

	if len(c.Pipeline.Stages) != w {
		return nil, errors.Wrapf(ErrInvalidConfig, "pipeline.stages has %d entries for world size %d", len(c.Pipeline.Stages), w)
	}
	total := 0
	for i, s := range c.Pipeline.Stages {
		if s < 1 {
			return nil, errors.Wrapf(ErrInvalidConfig, "stage %d has %d layers", i, s)
		}
		total += s
	}
	if total != n {
		return nil, errors.Wrapf(ErrInvalidConfig, "stages cover %d layers, model has %d", total, n)
	}
	return append([]int(nil), c.Pipeline.Stages...), nil
}

// StageRange returns the half-open layer index range owned by rank.
func (c *Config) StageRange(rank int) (start, end int, err error) {
	sizes, err := c.StageSizes()
	if err != nil {
		return 0, 0, err
	}
	if rank < 0 || rank >= len(sizes) {
		return 0, 0, errors.Wrapf(ErrInvalidConfig, "rank %d outside world of %d", rank, len(sizes))
	}
	for i := 0; i < rank; i++ {
		start += sizes[i]
	}
	return start, start + sizes[rank], nil
}
