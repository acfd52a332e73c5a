package hostmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwch/rdmaxfer/internal/device"
)

func TestAllocReturnsUsableBuffer(t *testing.T) {
	a := New()
	buf, err := a.Alloc(4096)
	require.NoError(t, err)
	assert.NotZero(t, buf.BasePtr)
	assert.EqualValues(t, 4096, buf.Size)
	require.NoError(t, a.Free(buf))
}

func TestCopyRoundTrip(t *testing.T) {
	a := New()
	buf, err := a.Alloc(64)
	require.NoError(t, err)
	defer a.Free(buf)

	payload := []byte("round trip through pinned host memory")
	require.NoError(t, a.CopyHostToDevice(buf, payload))

	out := make([]byte, len(payload))
	require.NoError(t, a.CopyDeviceToHost(out, buf))
	assert.Equal(t, payload, out)
}

func TestCopyHostToDeviceTooLargeFails(t *testing.T) {
	a := New()
	buf, err := a.Alloc(8)
	require.NoError(t, err)
	defer a.Free(buf)

	err = a.CopyHostToDevice(buf, make([]byte, 9))
	assert.Error(t, err)
}

func TestCopyUnknownBufferFails(t *testing.T) {
	a := New()
	err := a.CopyHostToDevice(device.Buffer{BasePtr: 0xdeadbeef, Size: 8}, []byte{1})
	assert.Error(t, err)
}

func TestFreeIsIdempotent(t *testing.T) {
	a := New()
	buf, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.Free(buf))
	require.NoError(t, a.Free(buf))
}

func TestCloseFreesAllOutstanding(t *testing.T) {
	a := New()
	_, err := a.Alloc(16)
	require.NoError(t, err)
	_, err = a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Empty(t, a.regions)
}
