package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/optim"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// Config identifies a stage within a run.
type Config struct {
	Name       string // model name recorded in checkpoints
	Session    string // run identifier recorded in checkpoints
	FirstLayer int    // global index of the stage's first layer
}

// Model is the rank-local coordinator of a pipeline-parallel model.
type Model struct {
	cfg     Config
	role    Role
	tr      dist.Transport
	backend tensor.Backend
	stage   *layers.Sequential

	input *tensor.Tensor // activation from rank-1 (Interior, Last)
	grad  *tensor.Tensor // gradient from rank+1 (First, Interior)
	ready bool
}

// NewModel creates the stage of the rank that tr belongs to.
func NewModel(cfg Config, tr dist.Transport, backend tensor.Backend, stage ...layers.Layer) (*Model, error) {
	if len(stage) == 0 {
		return nil, errors.Errorf("pipeline: rank %d has no layers", tr.Rank())
	}
	m := &Model{
		cfg:     cfg,
		role:    RoleOf(tr.Rank(), tr.WorldSize()),
		tr:      tr,
		backend: backend,
		stage:   layers.NewSequentialAt(backend, cfg.FirstLayer, stage...),
	}
	klog.V(1).Infof("rank %d/%d: %s stage with layers [%d, %d)", tr.Rank(), tr.WorldSize(), m.role, cfg.FirstLayer, cfg.FirstLayer+len(stage))
	return m, nil
}

// Role returns the rank's position in the chain.
func (m *Model) Role() Role { return m.role }

// Rank returns the rank of this stage.
func (m *Model) Rank() int { return m.tr.Rank() }

// Stage returns the local layers.
func (m *Model) Stage() *layers.Sequential { return m.stage }

// Parameters returns the local trainable parameters.
func (m *Model) Parameters() []*layers.Parameter { return m.stage.Parameters() }

// Buffers returns the local non-trainable state.
func (m *Model) Buffers() []*layers.Parameter { return m.stage.Buffers() }

// SetTraining switches dropout and batch norm of the local layers.
func (m *Model) SetTraining(training bool) { m.stage.SetTraining(training) }

func (m *Model) prev() int { return m.tr.Rank() - 1 }
func (m *Model) next() int { return m.tr.Rank() + 1 }

// InitialPass runs the first forward pass and allocates the boundary
// buffers. Ranks with a predecessor learn their input shape from it; x is
// ignored there and may be nil. Every rank returns its stage output; only
// the last rank's output is the model output.
func (m *Model) InitialPass(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.role.HasPrev() {
		shape, err := dist.RecvShape(ctx, m.tr, m.prev())
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d: negotiate input shape", m.Rank())
		}
		m.input = m.backend.Zeros(shape)
		if err := m.tr.Recv(ctx, m.input, m.prev()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: initial pass", m.Rank())
		}
		x = m.input
	} else if x == nil {
		return nil, errors.Errorf("pipeline: %s rank needs an input", m.role)
	}

	y := m.stage.InitialPass(x)

	if m.role.HasNext() {
		m.grad = m.backend.Zeros(y.Shape())
		if err := dist.SendShape(ctx, m.tr, y.Shape(), m.next()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: negotiate output shape", m.Rank())
		}
		if err := m.tr.Send(ctx, y, m.next()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: initial pass", m.Rank())
		}
	}
	m.ready = true
	klog.V(1).Infof("rank %d: initial pass %v -> %v", m.Rank(), x.Shape(), y.Shape())
	return y, nil
}

// Forward runs one forward pass. x is used by First and Solo ranks only.
func (m *Model) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.ready {
		return nil, errors.Wrapf(tensor.ErrNotInitialized, "pipeline rank %d", m.Rank())
	}
	if m.role.HasPrev() {
		if err := m.tr.Recv(ctx, m.input, m.prev()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: forward", m.Rank())
		}
		x = m.input
	}

	y := m.stage.Forward(x)

	if m.role.HasNext() {
		if err := m.tr.Send(ctx, y, m.next()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: forward", m.Rank())
		}
	}
	return y, nil
}

// Backward runs both backward phases of the local stage. dOut is the loss
// gradient and is used by Last and Solo ranks only; the others receive
// their output gradient from rank+1. The returned tensor is the gradient
// with respect to the stage input, which on the first rank is dL/dx.
//
// Phase 2 is only issued, not awaited: call Synchronize (or Update) before
// reading parameter gradients.
func (m *Model) Backward(ctx context.Context, dOut *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.ready {
		return nil, errors.Wrapf(tensor.ErrNotInitialized, "pipeline rank %d", m.Rank())
	}
	if m.role.HasNext() {
		if err := m.tr.Recv(ctx, m.grad, m.next()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: backward", m.Rank())
		}
		dOut = m.grad
	} else if dOut == nil {
		return nil, errors.Errorf("pipeline: %s rank needs the loss gradient", m.role)
	}

	dx := m.stage.BackwardP1(dOut)

	if m.role.HasPrev() {
		if err := m.tr.Send(ctx, dx, m.prev()); err != nil {
			return nil, errors.Wrapf(err, "rank %d: backward", m.Rank())
		}
	}
	m.stage.BackwardP2()
	return dx, nil
}

// Synchronize waits for the local device and then for every other rank.
func (m *Model) Synchronize(ctx context.Context) error {
	m.backend.Synchronize()
	return errors.Wrapf(m.tr.Barrier(ctx), "rank %d: end of step", m.Rank())
}

// Update ends a step: it synchronizes, then applies opt to the local
// parameters.
func (m *Model) Update(ctx context.Context, opt optim.Optimizer) error {
	if err := m.Synchronize(ctx); err != nil {
		return err
	}
	opt.Step()
	return nil
}
