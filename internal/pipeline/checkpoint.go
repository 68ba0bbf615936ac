package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/optim"
	"github.com/born-ml/pipeprop/internal/serialization"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// ErrCheckpointMismatch is returned when a checkpoint belongs to another
// rank or world size.
var ErrCheckpointMismatch = errors.New("checkpoint does not match this rank")

const optimPrefix = "optim."

// CheckpointPath returns the file name of rank's checkpoint in dir.
func CheckpointPath(dir, name string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-rank%d.ckpt", name, rank))
}

func optimizerMeta(opt optim.Optimizer) *serialization.OptimizerMeta {
	meta := &serialization.OptimizerMeta{LR: opt.GetLR()}
	switch o := opt.(type) {
	case *optim.SGD:
		meta.Type = "sgd"
	case *optim.Adam:
		meta.Type = "adam"
		meta.Step = int64(o.GetTimestep())
	default:
		meta.Type = fmt.Sprintf("%T", opt)
	}
	return meta
}

// state maps the names of the local parameters and buffers to their tensors.
func (m *Model) state() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, ps := range [][]*layers.Parameter{m.Parameters(), m.Buffers()} {
		for _, p := range ps {
			out[p.Name()] = p.Tensor()
		}
	}
	return out
}

// Save writes the local parameters, buffers and, when opt is not nil, the
// optimizer state to path. Call it between steps, after Synchronize.
func (m *Model) Save(path string, opt optim.Optimizer) error {
	c := serialization.NewCheckpoint(m.cfg.Name)
	c.Header.Rank = m.Rank()
	c.Header.WorldSize = m.tr.WorldSize()
	c.Header.Session = m.cfg.Session
	c.Header.Metadata["role"] = m.role.String()
	c.Header.Metadata["first_layer"] = fmt.Sprint(m.cfg.FirstLayer)
	c.Header.Metadata["layers"] = fmt.Sprint(m.stage.Len())

	for name, t := range m.state() {
		c.Add(name, t)
	}
	if opt != nil {
		c.Header.Optimizer = optimizerMeta(opt)
		for name, t := range opt.StateDict() {
			c.Add(optimPrefix+name, t)
		}
	}
	return errors.Wrapf(serialization.Save(path, c), "rank %d", m.Rank())
}

// Load restores a checkpoint written by Save on the same rank of a chain
// of the same size. Optimizer state is restored when opt is not nil.
func (m *Model) Load(path string, opt optim.Optimizer) error {
	c, err := serialization.Load(path, m.backend.Device())
	if err != nil {
		return errors.Wrapf(err, "rank %d", m.Rank())
	}
	if c.Header.Rank != m.Rank() || c.Header.WorldSize != m.tr.WorldSize() {
		return errors.Wrapf(ErrCheckpointMismatch, "%s holds rank %d of %d, this is rank %d of %d",
			path, c.Header.Rank, c.Header.WorldSize, m.Rank(), m.tr.WorldSize())
	}
	if err := c.Restore(m.state()); err != nil {
		return errors.Wrapf(err, "rank %d: restore %s", m.Rank(), path)
	}
	if opt == nil {
		return nil
	}

	state := make(map[string]*tensor.Tensor)
	for name, t := range c.Tensors {
		if key, ok := strings.CutPrefix(name, optimPrefix); ok {
			state[key] = t
		}
	}
	return errors.Wrapf(opt.LoadStateDict(state), "rank %d: restore optimizer", m.Rank())
}
