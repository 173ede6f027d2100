package nvmeshadow

import (
	"github.com/ehrlich-b/nvme-shadow/internal/core"
	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/logging"
)

// Device is the shadow-queue engine for one physical NVMe controller: the
// public handle a caller (typically a PCI BAR trap handler supplied by the
// hypervisor) drives MMIO accesses through.
type Device struct {
	host *core.Host
}

// Region identifies which BAR an MMIO access landed on.
type Region = core.Region

const (
	BAR0    = core.BAR0
	MSIXBAR = core.MSIXBAR
)

// NewDevice wires a Device to its external collaborators: hw and inj are
// the physical controller's register/doorbell surface and interrupt path;
// gm and dma are the guest-memory and host-DMA-pool contracts. All four are
// fixed external boundaries this core never implements itself
func NewDevice(params Params, opts *Options, hw Hardware, inj InterruptInjector, gm GuestMemory, dma DMAPool) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}

	hostParams := params.toHostParams()
	if opts.Logger != nil {
		hostParams.Logger = opts.Logger
	} else {
		hostParams.Logger = logging.Default()
	}
	if opts.Observer != nil {
		hostParams.Observer = opts.Observer
	} else {
		hostParams.Observer = NoOpObserver{}
	}

	h := core.NewHost(hostParams, hw, inj, gm, dma)
	if opts.Interceptor != nil {
		h.SetInterceptor(opts.Interceptor)
	}

	return &Device{host: h}, nil
}

// MMIOAccess handles a guest access to BAR0 or the MSI-X BAR: the single
// entry point a hypervisor's PCI BAR trap handler calls into.
func (d *Device) MMIOAccess(region Region, offset uint32, isWrite bool, buf []byte) error {
	return d.host.MMIOAccess(region, offset, isWrite, buf)
}

// SetInterceptor installs the single active interceptor, replacing any
// previously installed one. Pass nil to return to pure passthrough.
func (d *Device) SetInterceptor(ic *interceptor.Interceptor) {
	d.host.SetInterceptor(ic)
}

// Metrics returns a point-in-time snapshot of engine counters.
func (d *Device) Metrics() MetricsSnapshot {
	return d.host.Metrics()
}

// Host exposes the underlying internal/core.Host for callers that need
// lower-level access (tests, the cmd/nvme-shadow example); not part of the
// stable public surface.
func (d *Device) Host() *core.Host {
	return d.host
}
