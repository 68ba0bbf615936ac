package serialization

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "PPCK"
	FormatVersion   = 1
	FixedHeaderSize = 64   // 0x40 bytes
	ChecksumOffset  = 0x20 // checksum position in the fixed header
	ChecksumSize    = 32   // SHA-256
	HeaderAlignment = 64   // tensor data starts on a 64-byte boundary

	DTypeFloat64 = "float64"
	elemSize     = 8
)

// Flags for the checkpoint format.
const (
	FlagHasOptimizer uint32 = 1 << 0 // optimizer state tensors included
	FlagHasMetadata  uint32 = 1 << 1 // custom metadata included
)

// Header represents the JSON header of a checkpoint.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Model         string            `json:"model"`             // model or stage name
	CreatedAt     time.Time         `json:"created_at"`        // when the file was written
	Rank          int               `json:"rank"`              // pipeline rank that owns the tensors
	WorldSize     int               `json:"world_size"`        // number of pipeline ranks
	Session       string            `json:"session,omitempty"` // run identifier
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Optimizer     *OptimizerMeta    `json:"optimizer,omitempty"`
}

// OptimizerMeta describes optimizer state stored alongside the parameters.
type OptimizerMeta struct {
	Type string  `json:"type"` // "sgd" or "adam"
	LR   float64 `json:"lr"`
	Step int64   `json:"step"` // training step the state belongs to
}

// TensorMeta describes a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // e.g. "2.attn.q.weight"
	DType  string `json:"dtype"`  // always "float64"
	Shape  []int  `json:"shape"`  // tensor shape
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // size in bytes
}

// Checkpoint is a set of named tensors plus the header describing them.
type Checkpoint struct {
	Header  Header
	Tensors map[string]*tensor.Tensor
}

// NewCheckpoint creates an empty checkpoint for the named model.
func NewCheckpoint(model string) *Checkpoint {
	return &Checkpoint{
		Header: Header{
			FormatVersion: FormatVersion,
			Model:         model,
			WorldSize:     1,
			Metadata:      make(map[string]string),
		},
		Tensors: make(map[string]*tensor.Tensor),
	}
}

// Add stores t under name, replacing any previous tensor.
func (c *Checkpoint) Add(name string, t *tensor.Tensor) {
	c.Tensors[name] = t
}

// Names returns the tensor names in sorted order, which is also the order
// of the data section.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.Tensors))
	for name := range c.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor returns the named tensor or ErrMissingTensor.
func (c *Checkpoint) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := c.Tensors[name]
	if !ok {
		return nil, errors.Wrapf(ErrMissingTensor, "%q", name)
	}
	return t, nil
}

// Restore copies the stored value of every tensor in dst into it.
// It fails without modifying anything when a name is missing or a shape
// differs.
func (c *Checkpoint) Restore(dst map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(dst))
	for name := range dst {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src, err := c.Tensor(name)
		if err != nil {
			return err
		}
		if want := dst[name].Shape(); !want.Equal(src.Shape()) {
			return errors.WithStack(&tensor.ShapeError{Op: "restore " + name, Want: want.Clone(), Got: src.Shape().Clone()})
		}
	}
	for _, name := range names {
		dst[name].CopyFrom(c.Tensors[name])
	}
	return nil
}

// alignedOffset returns the start of the data section for a header of
// headerSize bytes.
func alignedOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
