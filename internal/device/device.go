// Package device defines the DeviceAllocator contract the transport binds
// against for GPU memory management, kept deliberately thin since the
// allocator is an external collaborator (§6): a real implementation talks to
// a vendor driver, a fake stands in for hosts without one.
package device

import xerrors "github.com/ashwch/rdmaxfer/internal/errors"

// Buffer is an allocated region of device memory, identified by an opaque
// address and size. BasePtr is only ever sent to peers as an address for
// RDMA targeting; it is never dereferenced directly by this package's
// callers (the verbs gateway is the only thing that dereferences it, and
// only the loopback build does so literally).
type Buffer struct {
	BasePtr uint64
	Size    uint64
}

// Allocator is the DeviceAllocator contract: allocate/free device memory
// and copy between host and device. Alloc failures and driver copy failures
// surface as *errors.TransportError with Code Device; a zero size, an
// oversized copy or an unknown buffer is rejected with Code BadOp or
// UnknownBuffer.
type Allocator interface {
	Alloc(size uint64) (Buffer, error)
	Free(buf Buffer) error
	CopyHostToDevice(dst Buffer, src []byte) error
	CopyDeviceToHost(dst []byte, src Buffer) error
	Close() error
}

// TensorBlock is a slice of a registered Buffer: BasePtr must equal some
// registered buffer's BasePtr, and Offset+Size must fit within it. It is
// the unit the transfer engine moves in one RDMA-WRITE/READ.
type TensorBlock struct {
	BasePtr uint64
	Offset  uint64
	Size    uint64
}

// ValidateSlice checks that offset+size fits within buf, the invariant a
// TensorBlock must satisfy against its backing DeviceBuffer.
func ValidateSlice(buf Buffer, offset, size uint64) error {
	if offset+size > buf.Size {
		return xerrors.NewBadOpError("validate_slice", "offset+size exceeds device buffer bounds")
	}
	return nil
}
