//go:build !cuda

package rdmaxfer

import "github.com/ashwch/rdmaxfer/internal/device/hostmem"

// newDeviceAllocator returns the default Allocator for gpuOrdinal. Without
// the cuda build tag, every exported buffer is backed by pinned host
// memory, so Server/Client build and run on hosts without a CUDA toolkit.
func newDeviceAllocator(gpuOrdinal int) (Allocator, error) {
	_ = gpuOrdinal
	return hostmem.New(), nil
}
