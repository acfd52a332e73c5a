//go:build cuda

// Package cuda binds device.Allocator to the CUDA driver API via cgo,
// mirroring the call sequence the reference implementation makes through
// its own FFI layer: cuInit, cuDeviceGet, cuCtxCreate_v2, cuMemAlloc_v2,
// cuMemFree_v2, cuMemcpyHtoD_v2, cuMemcpyDtoH_v2.
package cuda

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/device"
)

// Allocator is a device.Allocator backed by a single CUDA context bound to
// one GPU ordinal. Every Alloc/Free/Copy call runs against that context.
type Allocator struct {
	mu  sync.Mutex
	ctx C.CUcontext
}

// New initializes the CUDA driver, selects gpuOrdinal, and creates a
// context mapped for host-visible memory (CU_CTX_MAP_HOST), matching
// cuda_init_ctx in the reference implementation.
func New(gpuOrdinal int) (*Allocator, error) {
	if rc := C.cuInit(0); rc != C.CUDA_SUCCESS {
		return nil, cudaError("cuda_init", "cuInit", rc)
	}

	var cuDev C.CUdevice
	if rc := C.cuDeviceGet(&cuDev, C.int(gpuOrdinal)); rc != C.CUDA_SUCCESS {
		return nil, cudaError("cuda_init", "cuDeviceGet", rc)
	}

	var ctx C.CUcontext
	if rc := C.cuCtxCreate_v2(&ctx, C.CU_CTX_MAP_HOST, cuDev); rc != C.CUDA_SUCCESS {
		return nil, cudaError("cuda_init", "cuCtxCreate_v2", rc)
	}

	return &Allocator{ctx: ctx}, nil
}

func (a *Allocator) setCurrent() error {
	if rc := C.cuCtxSetCurrent(a.ctx); rc != C.CUDA_SUCCESS {
		return cudaError("cuda_set_current_ctx", "cuCtxSetCurrent", rc)
	}
	return nil
}

func cudaError(op, name string, rc C.CUresult) error {
	return xerrors.NewDeviceError(op, name, int(rc))
}

// Alloc allocates size bytes of device memory via cuMemAlloc_v2.
func (a *Allocator) Alloc(size uint64) (device.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setCurrent(); err != nil {
		return device.Buffer{}, err
	}

	var devPtr C.CUdeviceptr
	if rc := C.cuMemAlloc_v2(&devPtr, C.size_t(size)); rc != C.CUDA_SUCCESS {
		return device.Buffer{}, cudaError("device_alloc", "cuMemAlloc_v2", rc)
	}
	return device.Buffer{BasePtr: uint64(devPtr), Size: size}, nil
}

// Free releases a device allocation via cuMemFree_v2. A zero BasePtr is
// treated as already-free, matching the reference implementation's
// null-pointer short circuit.
func (a *Allocator) Free(buf device.Buffer) error {
	if buf.BasePtr == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setCurrent(); err != nil {
		return err
	}
	if rc := C.cuMemFree_v2(C.CUdeviceptr(buf.BasePtr)); rc != C.CUDA_SUCCESS {
		return cudaError("device_free", "cuMemFree_v2", rc)
	}
	return nil
}

// CopyHostToDevice copies src into dst via cuMemcpyHtoD_v2, truncating to
// dst's size if src is larger (mirroring cuda_host_to_device).
func (a *Allocator) CopyHostToDevice(dst device.Buffer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	size := uint64(len(src))
	if size > dst.Size {
		size = dst.Size
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setCurrent(); err != nil {
		return err
	}
	rc := C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst.BasePtr), unsafe.Pointer(&src[0]), C.size_t(size))
	if rc != C.CUDA_SUCCESS {
		return cudaError("device_copy_h2d", "cuMemcpyHtoD_v2", rc)
	}
	return nil
}

// CopyDeviceToHost copies src into dst via cuMemcpyDtoH_v2, truncating to
// dst's capacity if src is larger (mirroring cuda_device_to_host).
func (a *Allocator) CopyDeviceToHost(dst []byte, src device.Buffer) error {
	if len(dst) == 0 {
		return nil
	}
	size := uint64(len(dst))
	if size > src.Size {
		size = src.Size
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setCurrent(); err != nil {
		return err
	}
	rc := C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src.BasePtr), C.size_t(size))
	if rc != C.CUDA_SUCCESS {
		return cudaError("device_copy_d2h", "cuMemcpyDtoH_v2", rc)
	}
	return nil
}

// Close destroys the CUDA context. The allocator must not be used after
// Close returns.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rc := C.cuCtxDestroy_v2(a.ctx); rc != C.CUDA_SUCCESS {
		return cudaError("cuda_close", "cuCtxDestroy_v2", rc)
	}
	return nil
}

var _ device.Allocator = (*Allocator)(nil)
