package serialization

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// encodePayload lays the tensors of c out in name order and fills the
// tensor table of the header.
func encodePayload(c *Checkpoint) []byte {
	names := c.Names()
	c.Header.Tensors = make([]TensorMeta, 0, len(names))

	var offset int64
	for _, name := range names {
		t := c.Tensors[name]
		size := int64(t.NumElements()) * elemSize
		c.Header.Tensors = append(c.Header.Tensors, TensorMeta{
			Name:   name,
			DType:  DTypeFloat64,
			Shape:  []int(t.Shape().Clone()),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	payload := make([]byte, offset)
	for i, name := range names {
		buf := payload[c.Header.Tensors[i].Offset:]
		for j, v := range c.Tensors[name].Data() {
			binary.LittleEndian.PutUint64(buf[j*elemSize:], math.Float64bits(v))
		}
	}
	return payload
}

// Encode writes c to w. The tensor table and format version of c.Header
// are filled in; CreatedAt is set when zero.
func Encode(w io.Writer, c *Checkpoint) error {
	for _, name := range c.Names() {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
	}

	c.Header.FormatVersion = FormatVersion
	if c.Header.CreatedAt.IsZero() {
		c.Header.CreatedAt = time.Now().UTC()
	}
	payload := encodePayload(c)

	headerJSON, err := json.Marshal(c.Header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	flags := uint32(0)
	if len(c.Header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if c.Header.Optimizer != nil {
		flags |= FlagHasOptimizer
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(payload)))
	checksum := ComputeChecksum(headerJSON, payload)
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	padding := alignedOffset(int64(len(headerJSON))) - int64(FixedHeaderSize+len(headerJSON))
	for _, part := range [][]byte{fixed, headerJSON, make([]byte, padding), payload} {
		if _, err := w.Write(part); err != nil {
			return errors.Wrap(err, "failed to write checkpoint")
		}
	}
	return nil
}

// Save writes c to path. The file is written next to path under a
// temporary name and renamed into place, so readers never see a partial
// checkpoint.
func Save(path string, c *Checkpoint) error {
	//nolint:gosec // G304: checkpoint path comes from the run configuration
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer func() {
		_ = os.Remove(tmp.Name()) // no-op after a successful rename
	}()

	if err := Encode(tmp, c); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "save %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "save %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}

	klog.V(1).Infof("checkpoint %s written: model=%s rank=%d tensors=%d", path, c.Header.Model, c.Header.Rank, len(c.Tensors))
	return nil
}
