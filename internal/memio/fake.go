package memio

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FakeGuestMemory simulates a guest's physical address space as a single
// anonymous mmap region, with guest-physical address 0 aligned to the start
// of the mapping. Real hypervisor-backed guest memory is out of scope; this
// exists only so PRP-chain-walking code can be exercised without a VM.
type FakeGuestMemory struct {
	mu       sync.Mutex
	backing  []byte
	pageSize int
}

// NewFakeGuestMemory allocates sizeBytes (rounded up to a page) of
// anonymous memory via mmap, standing in for a guest's physical RAM.
func NewFakeGuestMemory(sizeBytes int) (*FakeGuestMemory, error) {
	pageSize := os.Getpagesize()
	if rem := sizeBytes % pageSize; rem != 0 {
		sizeBytes += pageSize - rem
	}
	b, err := unix.Mmap(-1, 0, sizeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memio: mmap fake guest memory: %w", err)
	}
	return &FakeGuestMemory{backing: b, pageSize: pageSize}, nil
}

// Map returns a sub-slice of the backing mapping; writable is advisory only
// (the whole region is always read-write in this fake).
func (f *FakeGuestMemory) Map(gphys uint64, length int, writable bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := gphys + uint64(length)
	if end > uint64(len(f.backing)) {
		return nil, fmt.Errorf("memio: gphys range [%d,%d) out of bounds (size %d)", gphys, end, len(f.backing))
	}
	return f.backing[gphys:end], nil
}

// Unmap is a no-op: the fake keeps its whole backing mapping resident for
// the lifetime of the FakeGuestMemory.
func (f *FakeGuestMemory) Unmap(b []byte) error { return nil }

func (f *FakeGuestMemory) PageSize() int { return f.pageSize }

// Close releases the backing mapping.
func (f *FakeGuestMemory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backing == nil {
		return nil
	}
	err := unix.Munmap(f.backing)
	f.backing = nil
	return err
}

// FakeDMAPool hands out plain heap buffers, rounded up to whole pages, and
// gives each a synthetic physical address from a counter starting at
// 0x10000, sufficient for round-trip PRP-patching tests that never
// dereference the address as real memory.
type FakeDMAPool struct {
	mu    sync.Mutex
	next  uint64
	bufs  map[uint64][]byte
}

func NewFakeDMAPool() *FakeDMAPool {
	return &FakeDMAPool{next: 0x10000, bufs: make(map[uint64][]byte)}
}

func (p *FakeDMAPool) Alloc(n int) ([]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pageSize := os.Getpagesize()
	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}
	buf := make([]byte, n)
	addr := p.next
	p.next += uint64(n)
	p.bufs[addr] = buf
	return buf, addr, nil
}

func (p *FakeDMAPool) Free(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, b := range p.bufs {
		if &b[0] == &buf[0] {
			delete(p.bufs, addr)
			return nil
		}
	}
	return nil
}
