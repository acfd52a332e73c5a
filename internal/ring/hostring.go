package ring

import xerrors "github.com/ashwch/rdmaxfer/internal/errors"

// TeardownSlot is reserved for the bootstrap descriptor exchange and the
// teardown notification; data-plane notifications must use any other slot.
const TeardownSlot = 0

// HostRingBuffer is a pinned host array of Slots*SlotBytes bytes, used both
// for control metadata and for bootstrap handshake payloads. It is
// registered with the RDMA device as a single memory region; Slot returns
// a view into that one backing array so writes are visible to the HCA
// without a copy.
type HostRingBuffer struct {
	data  []byte
	slots int
}

// NewHostRingBuffer allocates a ring with the given slot count. Backing
// memory is a plain Go byte slice; callers that need the buffer pinned for
// DMA register it with the verbs gateway after construction (pinning is a
// property of the memory registration, not of allocation).
func NewHostRingBuffer(slots int) *HostRingBuffer {
	return &HostRingBuffer{
		data:  make([]byte, slots*SlotBytes),
		slots: slots,
	}
}

// Slots reports the ring's slot count.
func (r *HostRingBuffer) Slots() int {
	return r.slots
}

// BasePtr returns the address of the backing array's first byte, suitable
// for passing to the verbs gateway as the region's base address.
func (r *HostRingBuffer) BasePtr() uint64 {
	if len(r.data) == 0 {
		return 0
	}
	return uint64(uintptrOf(&r.data[0]))
}

// Bytes exposes the full backing array, e.g. for memory registration.
func (r *HostRingBuffer) Bytes() []byte {
	return r.data
}

// Slot returns a SlotBytes-length view of slot index i. Panics are
// avoided in favor of a bounds check because slot indices are frequently
// decoded off the wire from a peer.
func (r *HostRingBuffer) Slot(i int) ([]byte, error) {
	if i < 0 || i >= r.slots {
		return nil, xerrors.NewBadOpError("host_ring_slot", "slot index out of range")
	}
	start := i * SlotBytes
	return r.data[start : start+SlotBytes], nil
}

// WriteSlot copies payload into slot i, zero-padding the remainder. Fails
// if payload exceeds SlotBytes.
func (r *HostRingBuffer) WriteSlot(i int, payload []byte) error {
	if len(payload) > SlotBytes {
		return xerrors.NewSerializationError("host_ring_write_slot", "payload exceeds one ring slot")
	}
	slot, err := r.Slot(i)
	if err != nil {
		return err
	}
	n := copy(slot, payload)
	for j := n; j < len(slot); j++ {
		slot[j] = 0
	}
	return nil
}
