package serialization

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	data := []byte("test data")
	assert.Equal(t, ComputeChecksum(data), ComputeChecksum(data))
	assert.NotEqual(t, ComputeChecksum(data), ComputeChecksum([]byte("different data")))

	// parts hash like their concatenation
	assert.Equal(t, ComputeChecksum(data), ComputeChecksum([]byte("test "), []byte("data")))
}

func TestComputeChecksumReader(t *testing.T) {
	data := []byte("test data for reader")
	checksum, err := ComputeChecksumReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, ComputeChecksum(data), checksum)
}

func TestValidateChecksum(t *testing.T) {
	checksum := ComputeChecksum([]byte("test data"))
	assert.NoError(t, ValidateChecksum(checksum, checksum))

	other := checksum
	other[0] ^= 0xFF
	assert.ErrorIs(t, ValidateChecksum(checksum, other), ErrChecksumMismatch)
}
