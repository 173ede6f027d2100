package nvmeshadow

import (
	"github.com/ehrlich-b/nvme-shadow/internal/hwio"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
)

// FakeHardware is an in-memory stand-in for a physical NVMe controller's
// register and doorbell surface, for tests and examples that don't have a
// real PCI device to drive.
type FakeHardware = hwio.FakeHardware

// NewFakeHardware constructs a FakeHardware with the given doorbell stride.
func NewFakeHardware(stride uint32) *FakeHardware { return hwio.NewFakeHardware(stride) }

// FakeInjector records MSI-X vectors a Device would have injected, instead
// of delivering a real interrupt.
type FakeInjector = hwio.FakeInjector

// NewFakeInjector constructs a FakeInjector.
func NewFakeInjector() *FakeInjector { return hwio.NewFakeInjector() }

// FakeGuestMemory is an mmap-backed stand-in for a guest's physical address
// space, for tests that need PRP chains to resolve to real bytes.
type FakeGuestMemory = memio.FakeGuestMemory

// NewFakeGuestMemory constructs a FakeGuestMemory of the given size.
func NewFakeGuestMemory(sizeBytes int) (*FakeGuestMemory, error) {
	return memio.NewFakeGuestMemory(sizeBytes)
}

// FakeDMAPool is a heap-backed stand-in for the host-side DMA allocator used
// for shadow submission/completion queues and interceptor scratch buffers.
type FakeDMAPool = memio.FakeDMAPool

// NewFakeDMAPool constructs a FakeDMAPool.
func NewFakeDMAPool() *FakeDMAPool { return memio.NewFakeDMAPool() }
