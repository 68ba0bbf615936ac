package serialization

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/tensor"
)

func mustTensor(t *testing.T, data []float64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, tensor.CPU)
	require.NoError(t, err)
	return x
}

func sampleCheckpoint(t *testing.T) *Checkpoint {
	c := NewCheckpoint("mlp")
	c.Header.Rank = 1
	c.Header.WorldSize = 3
	c.Header.Session = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	c.Header.Metadata["stage"] = "interior"
	c.Add("2.weight", mustTensor(t, []float64{1, -2.5, 3e-300, 4}, 2, 2))
	c.Add("2.bias", mustTensor(t, []float64{0.125, -0.0}, 2))
	c.Add("optim.step", mustTensor(t, []float64{7}, 1))
	c.Header.Optimizer = &OptimizerMeta{Type: "adam", LR: 1e-3, Step: 7}
	return c
}

func encode(t *testing.T, c *Checkpoint) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, c))
	return buf.Bytes()
}

func TestEncodeDecode(t *testing.T) {
	c := sampleCheckpoint(t)
	raw := encode(t, c)

	got, err := Decode(bytes.NewReader(raw), tensor.Accelerator, DefaultReaderOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"2.bias", "2.weight", "optim.step"}, got.Names())
	for name, want := range c.Tensors {
		have, err := got.Tensor(name)
		require.NoError(t, err)
		assert.Equal(t, want.Shape(), have.Shape(), name)
		assert.Equal(t, want.Data(), have.Data(), name)
		assert.Equal(t, tensor.Accelerator, have.Device())
	}

	assert.Equal(t, "mlp", got.Header.Model)
	assert.Equal(t, 1, got.Header.Rank)
	assert.Equal(t, 3, got.Header.WorldSize)
	assert.Equal(t, c.Header.Session, got.Header.Session)
	assert.Equal(t, "interior", got.Header.Metadata["stage"])
	require.NotNil(t, got.Header.Optimizer)
	assert.Equal(t, int64(7), got.Header.Optimizer.Step)
	assert.False(t, got.Header.CreatedAt.IsZero())

	flags := binary.LittleEndian.Uint32(raw[8:12])
	assert.Equal(t, FlagHasOptimizer|FlagHasMetadata, flags)
}

func TestLayout(t *testing.T) {
	raw := encode(t, sampleCheckpoint(t))
	headerSize := int64(binary.LittleEndian.Uint64(raw[16:24]))
	dataSize := int64(binary.LittleEndian.Uint64(raw[24:32]))

	start := alignedOffset(headerSize)
	assert.Zero(t, start%HeaderAlignment)
	assert.Equal(t, int64(len(raw)), start+dataSize)
	assert.Equal(t, int64(7*elemSize), dataSize)
}

func TestDecode_Corruption(t *testing.T) {
	raw := encode(t, sampleCheckpoint(t))

	t.Run("payload", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] ^= 0x01
		_, err := Decode(bytes.NewReader(bad), tensor.CPU, DefaultReaderOptions())
		assert.ErrorIs(t, err, ErrChecksumMismatch)

		c, err := Decode(bytes.NewReader(bad), tensor.CPU, ReaderOptions{SkipChecksumValidation: true})
		require.NoError(t, err)
		assert.NotEqual(t, 7.0, c.Tensors["optim.step"].Data()[0])
	})

	t.Run("header", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[FixedHeaderSize+2] ^= 0x01
		_, err := Decode(bytes.NewReader(bad), tensor.CPU, DefaultReaderOptions())
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		copy(bad, "BORN")
		_, err := Decode(bytes.NewReader(bad), tensor.CPU, DefaultReaderOptions())
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("version", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(bad[4:8], 9)
		_, err := Decode(bytes.NewReader(bad), tensor.CPU, DefaultReaderOptions())
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(raw[:len(raw)-3]), tensor.CPU, DefaultReaderOptions())
		assert.Error(t, err)
	})
}

func TestEncode_RejectsBadNames(t *testing.T) {
	c := NewCheckpoint("m")
	c.Add("../w", mustTensor(t, []float64{1}, 1))
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, c))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rank1.ckpt")
	c := sampleCheckpoint(t)
	require.NoError(t, Save(path, c))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")

	got, err := Load(path, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, c.Tensors["2.weight"].Data(), got.Tensors["2.weight"].Data())

	_, err = Load(filepath.Join(dir, "missing.ckpt"), tensor.CPU)
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	c := sampleCheckpoint(t)

	w := mustTensor(t, make([]float64, 4), 2, 2)
	b := mustTensor(t, make([]float64, 2), 2)
	require.NoError(t, c.Restore(map[string]*tensor.Tensor{"2.weight": w, "2.bias": b}))
	assert.Equal(t, []float64{1, -2.5, 3e-300, 4}, w.Data())
	assert.Equal(t, []float64{0.125, 0}, b.Data())

	missing := mustTensor(t, make([]float64, 2), 2)
	err := c.Restore(map[string]*tensor.Tensor{"2.bias": b, "3.bias": missing})
	assert.ErrorIs(t, err, ErrMissingTensor)

	wrong := mustTensor(t, make([]float64, 3), 3)
	untouched := mustTensor(t, make([]float64, 4), 2, 2)
	err = c.Restore(map[string]*tensor.Tensor{"2.bias": wrong, "2.weight": untouched})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Equal(t, make([]float64, 4), untouched.Data())
}
