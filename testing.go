package rdmaxfer

import (
	"sync"

	"github.com/ashwch/rdmaxfer/internal/device"
	xerrors "github.com/ashwch/rdmaxfer/internal/errors"
)

// MockAllocator is an in-process Allocator backed by plain Go byte slices
// (not pinned, not remotely dereferenceable), for embedders testing their
// own code against Server/Client without a real device or the hostmem
// allocator's mmap path. It tracks call counts for verification, the
// same way the teacher's MockBackend does.
type MockAllocator struct {
	mu       sync.Mutex
	regions  map[uint64][]byte
	nextAddr uint64
	closed   bool

	allocCalls          int
	freeCalls           int
	copyHostToDevCalls  int
	copyDevToHostCalls  int
}

// NewMockAllocator creates a MockAllocator with an empty region table.
func NewMockAllocator() *MockAllocator {
	return &MockAllocator{
		regions:  make(map[uint64][]byte),
		nextAddr: 1,
	}
}

// Alloc implements Allocator by handing out a fresh byte slice and a
// synthetic, process-unique BasePtr.
func (m *MockAllocator) Alloc(size uint64) (device.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocCalls++
	if m.closed {
		return device.Buffer{}, xerrors.NewDeviceError("mock_alloc", "allocator closed", 0)
	}

	addr := m.nextAddr
	m.nextAddr++
	m.regions[addr] = make([]byte, size)
	return device.Buffer{BasePtr: addr, Size: size}, nil
}

// Free implements Allocator.
func (m *MockAllocator) Free(buf device.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeCalls++
	if _, ok := m.regions[buf.BasePtr]; !ok {
		return xerrors.NewUnknownBufferError("mock_free", buf.BasePtr)
	}
	delete(m.regions, buf.BasePtr)
	return nil
}

// CopyHostToDevice implements Allocator.
func (m *MockAllocator) CopyHostToDevice(dst device.Buffer, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copyHostToDevCalls++
	region, ok := m.regions[dst.BasePtr]
	if !ok {
		return xerrors.NewUnknownBufferError("mock_copy_h2d", dst.BasePtr)
	}
	if err := device.ValidateSlice(dst, 0, uint64(len(src))); err != nil {
		return err
	}
	copy(region, src)
	return nil
}

// CopyDeviceToHost implements Allocator.
func (m *MockAllocator) CopyDeviceToHost(dst []byte, src device.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copyDevToHostCalls++
	region, ok := m.regions[src.BasePtr]
	if !ok {
		return xerrors.NewUnknownBufferError("mock_copy_d2h", src.BasePtr)
	}
	if err := device.ValidateSlice(src, 0, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, region)
	return nil
}

// Close implements Allocator. Further Alloc calls fail after Close.
func (m *MockAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.regions = nil
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockAllocator) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of times each Allocator method has been
// called, for test assertions.
func (m *MockAllocator) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"alloc":            m.allocCalls,
		"free":             m.freeCalls,
		"copy_host_to_dev": m.copyHostToDevCalls,
		"copy_dev_to_host": m.copyDevToHostCalls,
	}
}

var _ Allocator = (*MockAllocator)(nil)
