package reactor

import "unsafe"

// addrOfBytes returns b's address as a uint64 for handing to the verbs
// gateway as a local post address. Used only for small inline sends whose
// source need not live inside a pinned ring/device region.
func addrOfBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
