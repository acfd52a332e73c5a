package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSliceWithinBounds(t *testing.T) {
	buf := Buffer{BasePtr: 0x1000, Size: 4096}
	assert.NoError(t, ValidateSlice(buf, 0, 4096))
	assert.NoError(t, ValidateSlice(buf, 100, 200))
}

func TestValidateSliceOutOfBounds(t *testing.T) {
	buf := Buffer{BasePtr: 0x1000, Size: 4096}
	assert.Error(t, ValidateSlice(buf, 4000, 200))
	assert.Error(t, ValidateSlice(buf, 0, 4097))
}
