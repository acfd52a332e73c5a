package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{BasePtr: 0xdeadbeefcafe, RKey: 0x1234}
	encoded := d.Marshal()
	require.Len(t, encoded, DescriptorSize)

	decoded, err := UnmarshalDescriptor(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestDescriptorListRoundTrip(t *testing.T) {
	list := []Descriptor{
		{BasePtr: 1, RKey: 2},
		{BasePtr: 3, RKey: 4},
		{BasePtr: 5, RKey: 6},
	}
	encoded := MarshalDescriptorList(list)
	decoded, err := UnmarshalDescriptorList(encoded)
	require.NoError(t, err)
	assert.Equal(t, list, decoded)
}

func TestUnmarshalDescriptorShortBuffer(t *testing.T) {
	_, err := UnmarshalDescriptor([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNotificationRoundTripWithReqID(t *testing.T) {
	n := Notification{Done: false, ReqID: []byte("r1"), Remaining: 0}
	encoded, err := n.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalNotification(encoded)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
}

func TestNotificationRoundTripWithoutReqID(t *testing.T) {
	n := Notification{Done: true, Remaining: 0}
	encoded, err := n.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalNotification(encoded)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
}

func TestNotificationMarshalIsDeterministic(t *testing.T) {
	n := Notification{Done: false, ReqID: []byte("abc"), Remaining: 7}
	a, err := n.Marshal()
	require.NoError(t, err)
	b, err := n.Marshal()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestNotificationReqIDOverflowFails(t *testing.T) {
	n := Notification{ReqID: bytes.Repeat([]byte("x"), 65)}
	_, err := n.Marshal()
	assert.Error(t, err)
}

func TestNotificationFitsInOneSlot(t *testing.T) {
	n := Notification{Done: false, ReqID: bytes.Repeat([]byte("x"), MaxReqIDLen), Remaining: 0}
	encoded, err := n.Marshal()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoded), SlotBytes)
	assert.LessOrEqual(t, len(encoded), MaxNotificationSize)
}

func TestHtonlNtohlRoundTrip(t *testing.T) {
	for _, x := range []uint32{0, 1, 0xFFFFFFFF, 0x12345678, 4096} {
		assert.Equal(t, x, Ntohl(Htonl(x)))
	}
}

func TestEncodeDecodeNotifyImm(t *testing.T) {
	imm := EncodeNotifyImm(63, 4096)
	slot, size := DecodeNotifyImm(imm)
	assert.EqualValues(t, 63, slot)
	assert.EqualValues(t, 4096, size)
}

func TestEncodeDecodeNotifyImmSlotZero(t *testing.T) {
	imm := EncodeNotifyImm(0, 12)
	slot, size := DecodeNotifyImm(imm)
	assert.EqualValues(t, 0, slot)
	assert.EqualValues(t, 12, size)
}

func TestHostRingBufferWriteAndReadSlot(t *testing.T) {
	r := NewHostRingBuffer(64)
	payload := []byte("hello world")
	require.NoError(t, r.WriteSlot(3, payload))

	slot, err := r.Slot(3)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(slot, payload))
	assert.Len(t, slot, SlotBytes)
}

func TestHostRingBufferSlotOutOfRange(t *testing.T) {
	r := NewHostRingBuffer(16)
	_, err := r.Slot(16)
	assert.Error(t, err)
	_, err = r.Slot(-1)
	assert.Error(t, err)
}

func TestHostRingBufferWriteSlotTooLarge(t *testing.T) {
	r := NewHostRingBuffer(16)
	err := r.WriteSlot(0, make([]byte, SlotBytes+1))
	assert.Error(t, err)
}
