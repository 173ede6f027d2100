// Package core implements the shadow-queue engine: the register-intercept
// state machine, queue lifecycle, request hub, and the submission/
// completion paths that move commands between a guest and a physical NVMe
// controller.
package core

import (
	"sync"
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/hwio"
	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/logging"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
)

// HostParams configures a Host at construction time. Values chosen here are
// one-time negotiated capabilities, not per-request tunables.
type HostParams struct {
	VendorID uint16
	DeviceID uint16

	PageSize     int
	MaxEntries   uint16
	MaxIOQueues  uint16

	// AppleANS2Wrapper forces the 64-guest/128-host submission-entry-size
	// quirk regardless of what the controller otherwise reports.
	AppleANS2Wrapper bool

	// PollCompletenessTimeout bounds the SubmPath step-5 poll loop.
	PollCompletenessTimeout time.Duration

	Logger *logging.Logger

	// Observer, if set, receives the same events this engine already
	// tracks via Metrics, for callers that want to plug in their own
	// collection
	Observer Observer
}

// DefaultHostParams returns conservative defaults matching a typical
// single-namespace software controller.
func DefaultHostParams() HostParams {
	return HostParams{
		PageSize:                constants.RequiredPageSize,
		MaxEntries:              4096,
		MaxIOQueues:             1,
		PollCompletenessTimeout: constants.PollCompletenessTimeout,
		Logger:                  logging.Default(),
	}
}

// Host is the engine for one physical controller and its shadowed guest.
type Host struct {
	params HostParams

	hw  hwio.Hardware
	inj hwio.InterruptInjector
	gm  memio.GuestMemory
	dma memio.DMAPool

	mu sync.Mutex

	// Interceptor is borrowed, never owned; nil means pass-through.
	Interceptor *interceptor.Interceptor

	ctrl *CtrlConfig
	regs *RegMap

	// Queue arrays are indexed by queue ID; index 0 is always the admin
	// pair once CtrlConfig has enabled the controller. Each queue ID has
	// independent host- and guest-side QueueInfo (they may differ in entry
	// size and depth — the Apple ANS2 quirk is the motivating case).
	submHost  []*QueueInfo
	submGuest []*QueueInfo
	compHost  []*QueueInfo
	compGuest []*QueueInfo
	hubs      []*RequestHub

	nsTable map[uint32]iocmd.NamespaceMeta

	maxDataTransferBytes int

	ioReady     bool
	pausedFetch bool
	queueToFetch uint16

	fetchSerialize sync.Mutex

	logger  *logging.Logger
	metrics *Metrics
}

// NewHost wires a Host to its external collaborators. hw/inj/gm/dma are all
// fixed, externally supplied contracts this core never implements itself.
func NewHost(params HostParams, hw hwio.Hardware, inj hwio.InterruptInjector, gm memio.GuestMemory, dma memio.DMAPool) *Host {
	if params.PageSize == 0 {
		params.PageSize = constants.RequiredPageSize
	}
	if params.Logger == nil {
		params.Logger = logging.Default()
	}
	if params.PollCompletenessTimeout == 0 {
		params.PollCompletenessTimeout = constants.PollCompletenessTimeout
	}
	h := &Host{
		params:  params,
		hw:      hw,
		inj:     inj,
		gm:      gm,
		dma:     dma,
		nsTable: make(map[uint32]iocmd.NamespaceMeta),
		logger:  params.Logger,
		metrics: NewMetrics(),
	}
	h.ctrl = newCtrlConfig(h)
	h.regs = newRegMap(h)
	// Index 0 always exists once enabled; pre-size to one entry until Set
	// Features: Number of Queues swaps the arrays to full width
	h.submHost = make([]*QueueInfo, 1)
	h.submGuest = make([]*QueueInfo, 1)
	h.compHost = make([]*QueueInfo, 1)
	h.compGuest = make([]*QueueInfo, 1)
	h.hubs = make([]*RequestHub, 1)
	return h
}

// SetInterceptor installs the single active interceptor. Only one may be
// active at a time.
func (h *Host) SetInterceptor(ic *interceptor.Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Interceptor = ic
}

// MMIOAccess handles a guest access to BAR0 or the MSI-X BAR.
func (h *Host) MMIOAccess(region Region, offset uint32, isWrite bool, buf []byte) error {
	return h.regs.Access(region, offset, isWrite, buf)
}

// Metrics returns a point-in-time snapshot of engine counters.
func (h *Host) Metrics() MetricsSnapshot {
	return h.metrics.Snapshot()
}
