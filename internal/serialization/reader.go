package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// ReaderOptions configures decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// DefaultReaderOptions returns strict validation with checksum checks.
func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{ValidationLevel: ValidationStrict}
}

// Decode reads a checkpoint from r and places its tensors on device.
func Decode(r io.Reader, device tensor.Device, opts ReaderOptions) (*Checkpoint, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, errors.Wrap(err, "failed to read fixed header")
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, errors.Wrapf(ErrInvalidMagic, "got %q, expected %q", fixed[0:4], MagicBytes)
	}
	if version := binary.LittleEndian.Uint32(fixed[4:8]); version != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", version, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	var stored [32]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}

	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	padding := alignedOffset(int64(headerSize)) - int64(FixedHeaderSize) - int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return nil, errors.Wrap(err, "failed to read padding")
	}

	payload, err := io.ReadAll(io.LimitReader(r, int64(dataSize)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read tensor data")
	}
	if uint64(len(payload)) != dataSize {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "tensor data: want %d bytes, got %d", dataSize, len(payload))
	}

	if !opts.SkipChecksumValidation {
		if err := ValidateChecksum(ComputeChecksum(headerJSON, payload), stored); err != nil {
			return nil, err
		}
	}

	c := &Checkpoint{Tensors: make(map[string]*tensor.Tensor)}
	if err := json.Unmarshal(headerJSON, &c.Header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}
	if err := ValidateHeader(&c.Header, int64(len(payload)), opts.ValidationLevel); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	for _, meta := range c.Header.Tensors {
		if meta.DType != DTypeFloat64 {
			return nil, errors.Wrapf(ErrUnsupportedDType, "tensor %q: %s", meta.Name, meta.DType)
		}
		shape := tensor.Shape(meta.Shape)
		if int64(shape.NumElements())*elemSize != meta.Size || meta.Offset < 0 || meta.Offset+meta.Size > int64(len(payload)) {
			return nil, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "tensor region does not fit the data section"}
		}
		raw := payload[meta.Offset : meta.Offset+meta.Size]
		data := make([]float64, shape.NumElements())
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*elemSize:]))
		}
		c.Tensors[meta.Name] = tensor.Wrap(data, shape, device)
	}
	if c.Header.Metadata == nil {
		c.Header.Metadata = make(map[string]string)
	}
	return c, nil
}

// Load reads the checkpoint at path with DefaultReaderOptions.
func Load(path string, device tensor.Device) (*Checkpoint, error) {
	return LoadWithOptions(path, device, DefaultReaderOptions())
}

// LoadWithOptions reads the checkpoint at path.
func LoadWithOptions(path string, device tensor.Device, opts ReaderOptions) (*Checkpoint, error) {
	//nolint:gosec // G304: checkpoint path comes from the run configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint")
	}
	defer func() { _ = f.Close() }()

	c, err := Decode(bufio.NewReader(f), device, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	klog.V(1).Infof("checkpoint %s loaded: model=%s rank=%d tensors=%d", path, c.Header.Model, c.Header.Rank, len(c.Tensors))
	return c, nil
}
