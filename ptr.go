package rdmaxfer

import (
	"unsafe"

	"github.com/ashwch/rdmaxfer/internal/device"
)

// bytesOfBuffer exposes a device.Buffer's backing bytes for memory
// registration. Valid for both hostmem-backed and (host-visible, e.g.
// CU_CTX_MAP_HOST) cuda-backed buffers, whose BasePtr is a real address
// the calling process can dereference.
func bytesOfBuffer(buf device.Buffer) []byte {
	if buf.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(buf.BasePtr))), int(buf.Size))
}
