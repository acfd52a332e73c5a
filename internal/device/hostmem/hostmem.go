// Package hostmem is the default, GPU-free device.Allocator: it backs each
// "device" buffer with page-pinned host memory obtained via mmap, the same
// primitive the teacher uses to map io_uring's submission/completion rings
// (golang.org/x/sys/unix.Mmap). It lets the reactor, handshake and transfer
// engine be exercised end to end on hosts without a GPU or CUDA toolkit.
package hostmem

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
	"github.com/ashwch/rdmaxfer/internal/device"
)

// Allocator is a device.Allocator backed by anonymous mmap regions. Buffers
// are never swapped to real GPU memory; copies are a plain memcpy since
// host and "device" live in the same address space.
type Allocator struct {
	mu      sync.Mutex
	regions map[uint64][]byte
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{regions: make(map[uint64][]byte)}
}

// Alloc maps size bytes of anonymous memory, pins it with mlock where the
// memlock limit permits (a refused mlock leaves the mapping unpinned), and
// returns a device.Buffer addressing it.
func (a *Allocator) Alloc(size uint64) (device.Buffer, error) {
	if size == 0 {
		return device.Buffer{}, xerrors.NewBadOpError("hostmem_alloc", "size must be > 0")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		code := -1
		if errno, ok := err.(unix.Errno); ok {
			code = int(errno)
		}
		return device.Buffer{}, xerrors.NewDeviceError("hostmem_alloc", "mmap", code)
	}
	_ = unix.Mlock(mem)

	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	a.mu.Lock()
	a.regions[base] = mem
	a.mu.Unlock()
	return device.Buffer{BasePtr: base, Size: size}, nil
}

// Free unmaps a previously allocated buffer. Idempotent on an unknown
// buffer, matching the gateway's idempotent teardown methods.
func (a *Allocator) Free(buf device.Buffer) error {
	a.mu.Lock()
	mem, ok := a.regions[buf.BasePtr]
	delete(a.regions, buf.BasePtr)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return xerrors.WrapErrno("hostmem_free", "munmap", err)
	}
	return nil
}

func (a *Allocator) lookup(basePtr uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mem, ok := a.regions[basePtr]
	if !ok {
		return nil, xerrors.NewUnknownBufferError("hostmem_lookup", basePtr)
	}
	return mem, nil
}

// CopyHostToDevice copies src into dst's backing mapping starting at offset 0.
func (a *Allocator) CopyHostToDevice(dst device.Buffer, src []byte) error {
	mem, err := a.lookup(dst.BasePtr)
	if err != nil {
		return err
	}
	if uint64(len(src)) > dst.Size {
		return xerrors.NewBadOpError("hostmem_copy_h2d", "source exceeds destination buffer size")
	}
	copy(mem, src)
	return nil
}

// CopyDeviceToHost copies src's backing mapping into dst.
func (a *Allocator) CopyDeviceToHost(dst []byte, src device.Buffer) error {
	mem, err := a.lookup(src.BasePtr)
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

// Close frees every outstanding mapping. Safe to call once at shutdown.
func (a *Allocator) Close() error {
	a.mu.Lock()
	regions := a.regions
	a.regions = make(map[uint64][]byte)
	a.mu.Unlock()

	var first error
	for _, mem := range regions {
		if err := unix.Munmap(mem); err != nil && first == nil {
			first = xerrors.WrapErrno("hostmem_close", "munmap", err)
		}
	}
	return first
}

var _ device.Allocator = (*Allocator)(nil)
