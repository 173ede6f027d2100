// Package nvmeshadow is the public API for the NVMe para-passthrough core:
// a shadow-queue engine that sits between a guest's MMIO view of an NVMe
// controller and the physical controller itself, observing, rewriting, and
// multiplexing commands through a pluggable interceptor ABI.
package nvmeshadow

import (
	"context"
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/core"
	"github.com/ehrlich-b/nvme-shadow/internal/hwio"
	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/logging"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
)

// Params configures a Device at construction time: one struct for
// controller capabilities, a second (Options) for cross-cutting
// context/logger/observer wiring.
type Params struct {
	VendorID uint16
	DeviceID uint16

	PageSize    int
	MaxEntries  uint16
	MaxIOQueues uint16

	// AppleANS2Wrapper forces the 64-guest/128-host submission-entry-size
	// quirk regardless of what the controller otherwise reports
	AppleANS2Wrapper bool

	// PollCompletenessTimeout bounds SubmPath's firmware-timeout mitigation
	// poll loop
	PollCompletenessTimeout time.Duration
}

// DefaultParams returns conservative defaults matching a typical
// single-namespace software controller.
func DefaultParams() Params {
	return Params{
		PageSize:                constants.RequiredPageSize,
		MaxEntries:              4096,
		MaxIOQueues:             1,
		PollCompletenessTimeout: constants.PollCompletenessTimeout,
	}
}

// Options carries cross-cutting collaborators a caller may want to inject,
// separate from the negotiated-capability fields in Params.
type Options struct {
	// Context is currently unused by the synchronous MMIO-trap engine but
	// kept for future cancellation-aware extensions.
	Context context.Context

	Logger   *logging.Logger
	Observer Observer

	// Interceptor, if set, is installed on the Device at construction time.
	// Only one interceptor may be active at a time
	Interceptor *interceptor.Interceptor
}

func (p Params) toHostParams() core.HostParams {
	return core.HostParams{
		VendorID:                p.VendorID,
		DeviceID:                p.DeviceID,
		PageSize:                p.PageSize,
		MaxEntries:              p.MaxEntries,
		MaxIOQueues:             p.MaxIOQueues,
		AppleANS2Wrapper:        p.AppleANS2Wrapper,
		PollCompletenessTimeout: p.PollCompletenessTimeout,
	}
}

// Hardware, InterruptInjector, GuestMemory, and DMAPool are the external,
// fixed-contract collaborators this package's callers must supply; they are
// re-exported here so importers of the root package never need to reach
// into internal/hwio or internal/memio directly.
type (
	Hardware          = hwio.Hardware
	InterruptInjector = hwio.InterruptInjector
	GuestMemory       = memio.GuestMemory
	DMAPool           = memio.DMAPool
)
