package serialization

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validationType(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %T", err)
	return ve.Type
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		wantType string
	}{
		{
			name: "adjacent regions",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 100},
				{Name: "b", Offset: 100, Size: 200},
			},
			dataSize: 300,
		},
		{
			name: "overlap by one byte",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 100},
				{Name: "b", Offset: 99, Size: 100},
			},
			dataSize: 200,
			wantType: "offset_overlap",
		},
		{
			name:     "past the data section",
			tensors:  []TensorMeta{{Name: "a", Offset: 50, Size: 100}},
			dataSize: 100,
			wantType: "out_of_bounds",
		},
		{
			name:     "negative offset",
			tensors:  []TensorMeta{{Name: "a", Offset: -8, Size: 8}},
			dataSize: 100,
			wantType: "negative_offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantType, validationType(t, err))
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{"0.weight", "layer1.0.conv1.kernel", "optim.m.3"} {
		assert.NoError(t, ValidateTensorName(name), name)
	}
	for _, name := range []string{"", "../etc/passwd", "a/b", "a\\b", "a\x00b", strings.Repeat("x", MaxTensorNameLen+1)} {
		assert.Error(t, ValidateTensorName(name), "%q", name)
	}
}

func TestValidateHeader(t *testing.T) {
	good := TensorMeta{Name: "w", DType: DTypeFloat64, Shape: []int{2, 3}, Offset: 0, Size: 48}

	h := &Header{Tensors: []TensorMeta{good}}
	assert.NoError(t, ValidateHeader(h, 48, ValidationStrict))

	// Offsets are only checked in strict mode.
	assert.NoError(t, ValidateHeader(h, 10, ValidationNormal))
	assert.Equal(t, "out_of_bounds", validationType(t, ValidateHeader(h, 10, ValidationStrict)))

	wrongSize := good
	wrongSize.Size = 40
	h = &Header{Tensors: []TensorMeta{wrongSize}}
	assert.Equal(t, "size_mismatch", validationType(t, ValidateHeader(h, 48, ValidationNormal)))
	assert.NoError(t, ValidateHeader(h, 48, ValidationNone))

	float32Meta := good
	float32Meta.DType = "float32"
	h = &Header{Tensors: []TensorMeta{float32Meta}}
	assert.Equal(t, "unsupported_dtype", validationType(t, ValidateHeader(h, 48, ValidationNormal)))

	h = &Header{Tensors: []TensorMeta{good, good}}
	assert.Equal(t, "duplicate_name", validationType(t, ValidateHeader(h, 96, ValidationNormal)))
}
