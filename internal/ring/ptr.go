package ring

import "unsafe"

// uintptrOf returns the address of b as a uintptr, for handing a Go-backed
// buffer's address to the verbs gateway as a registration base address.
// The buffer must not be moved by the GC while registered; callers keep a
// live reference to the backing slice for the registration's lifetime,
// matching how the reactor holds HostRingBuffer/DeviceBuffer alive for as
// long as their MemoryRegion exists.
func uintptrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}
