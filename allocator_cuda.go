//go:build cuda

package rdmaxfer

import "github.com/ashwch/rdmaxfer/internal/device/cuda"

// newDeviceAllocator binds gpuOrdinal to a real CUDA context, built only
// when the cuda tag is set (requires libcuda and a CUDA-capable GPU).
func newDeviceAllocator(gpuOrdinal int) (Allocator, error) {
	return cuda.New(gpuOrdinal)
}
