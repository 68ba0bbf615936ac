// Package cpu implements the tensor.Backend capability surface in pure Go,
// with gonum BLAS for the matrix products.
//
// Two devices are offered. tensor.CPU runs everything synchronously.
// tensor.Accelerator emulates a stream-capable device: each Stream is a
// goroutine draining a FIFO queue, so work issued to distinct streams
// overlaps while work issued to one stream stays ordered.
package cpu

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// Config configures a CPUBackend.
type Config struct {
	Device   tensor.Device   // tensor.CPU or tensor.Accelerator
	Seed     uint64          // seed for Randn/Uniform/Bernoulli
	Parallel parallel.Config // kernel loop parallelism
}

// DefaultConfig returns a synchronous CPU configuration seeded with 0.
func DefaultConfig() Config {
	return Config{
		Device:   tensor.CPU,
		Seed:     0,
		Parallel: parallel.DefaultConfig(),
	}
}

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config

	rngMu sync.Mutex
	rng   *rand.Rand

	pending sync.WaitGroup // outstanding stream work across all streams
	mu      sync.Mutex
	streams []*stream
}

// New creates a new CPU backend with DefaultConfig.
func New() *CPUBackend {
	return NewWithConfig(DefaultConfig())
}

// NewAccelerated creates a backend whose tensors live on tensor.Accelerator
// and whose streams run concurrently.
func NewAccelerated(seed uint64) *CPUBackend {
	cfg := DefaultConfig()
	cfg.Device = tensor.Accelerator
	cfg.Seed = seed
	return NewWithConfig(cfg)
}

// NewWithConfig creates a backend from an explicit configuration.
func NewWithConfig(cfg Config) *CPUBackend {
	return &CPUBackend{
		device: cfg.Device,
		par:    cfg.Parallel,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// alloc returns a zero tensor on this backend's device, panicking on an
// invalid shape like every other kernel.
func (cpu *CPUBackend) alloc(shape tensor.Shape) *tensor.Tensor {
	t, err := tensor.New(shape, cpu.device)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros allocates a zero-filled tensor.
func (cpu *CPUBackend) Zeros(shape tensor.Shape) *tensor.Tensor {
	return cpu.alloc(shape)
}

// Full allocates a tensor filled with v.
func (cpu *CPUBackend) Full(shape tensor.Shape, v float64) *tensor.Tensor {
	t := cpu.alloc(shape)
	t.Fill(v)
	return t
}

// FromSlice copies data into a new tensor.
func (cpu *CPUBackend) FromSlice(data []float64, shape tensor.Shape) *tensor.Tensor {
	t, err := tensor.FromSlice(data, shape, cpu.device)
	if err != nil {
		panic(err)
	}
	return t
}

// Randn samples N(0, std²) values.
func (cpu *CPUBackend) Randn(shape tensor.Shape, std float64) *tensor.Tensor {
	t := cpu.alloc(shape)
	data := t.Data()
	cpu.rngMu.Lock()
	for i := range data {
		data[i] = cpu.rng.NormFloat64() * std
	}
	cpu.rngMu.Unlock()
	return t
}

// Uniform samples values from U(lo, hi).
func (cpu *CPUBackend) Uniform(shape tensor.Shape, lo, hi float64) *tensor.Tensor {
	t := cpu.alloc(shape)
	data := t.Data()
	cpu.rngMu.Lock()
	for i := range data {
		data[i] = lo + (hi-lo)*cpu.rng.Float64()
	}
	cpu.rngMu.Unlock()
	return t
}

// Bernoulli returns a 0/1 mask where each element is 1 with probability keepProb.
func (cpu *CPUBackend) Bernoulli(shape tensor.Shape, keepProb float64) *tensor.Tensor {
	t := cpu.alloc(shape)
	data := t.Data()
	keepProb = math.Max(0, math.Min(1, keepProb))
	cpu.rngMu.Lock()
	for i := range data {
		if cpu.rng.Float64() < keepProb {
			data[i] = 1
		}
	}
	cpu.rngMu.Unlock()
	return t
}

// Transfer copies t onto this backend's device.
func (cpu *CPUBackend) Transfer(t *tensor.Tensor) *tensor.Tensor {
	out := cpu.alloc(t.Shape())
	copy(out.Data(), t.Data())
	return out
}

var _ tensor.Backend = (*CPUBackend)(nil)
