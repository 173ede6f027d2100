// Package interceptor defines the plug-in ABI the core calls into while
// classifying and completing guest I/O. An interceptor is a struct of
// function fields, mirroring the function-pointer-table shape the
// specification describes rather than a sealed Go interface, since hooks
// are individually optional (nil means "not implemented").
package interceptor

import "github.com/ehrlich-b/nvme-shadow/internal/iocmd"

// Helpers is the set of buffer and request-lifecycle operations the core
// makes available to an interceptor's hooks. A real *core.Host implements
// this; tests substitute a fake.
type Helpers interface {
	// AllocGuestBuf returns a scatter-gather view over req's PRP1/PRP2
	// chain, mapped into host virtual space.
	AllocGuestBuf(req *iocmd.Request) (GuestBuf, error)

	// MemcpyGuestBuf copies bytes between a scatter-gather view and a flat
	// host buffer, honoring offset and direction.
	MemcpyGuestBuf(g GuestBuf, host []byte, offset int, toGuest bool) (int, error)

	// AllocDMABuf returns a page-aligned, physically-addressable host
	// buffer of at least n bytes.
	AllocDMABuf(n int) (DMABuf, error)

	// SetShadowBuffer rewrites req's PRP1/PRP2 to point at shadow's
	// physical pages, preserving the guest's originals for copy-back.
	SetShadowBuffer(req *iocmd.Request, shadow DMABuf)

	// PauseRequest holds req back from the host queue this round.
	PauseRequest(req *iocmd.Request)

	// ResumeRequest releases a previously paused request.
	ResumeRequest(req *iocmd.Request)

	// SetCallback installs fn to run when req's completion arrives.
	SetCallback(req *iocmd.Request, fn func(*iocmd.Request, CompletionView))
}

// GuestBuf is an opaque scatter-gather view returned by AllocGuestBuf.
type GuestBuf interface {
	// Len is the total transfer length in bytes across all chain pages.
	Len() int
}

// DMABuf is a host-owned, physically addressable buffer.
type DMABuf interface {
	Bytes() []byte
	PhysAddr() uint64
}

// CompletionView is the subset of a completion entry an interceptor's
// callback may inspect; kept distinct from nvmewire.CompEntry so this
// package does not need to import the wire package for a single status word.
type CompletionView struct {
	Status uint16
	CmdID  uint16
}

// Interceptor is the plug-in ABI. Every field may be nil; the core checks
// before calling. self carries interceptor-owned state across calls.
type Interceptor struct {
	Self any

	// OnInit runs once, on the first I/O-queue doorbell write. If it
	// returns true, the core holds that doorbell write until its
	// paused-fetch flag clears. Only the end (or failure) of the core's
	// namespace-enumeration chain clears it; no Helpers call and no later
	// hook return ends the pause.
	OnInit func(self any) (pause bool)

	// OnRead/OnWrite/OnCompare classify an I/O command during SubmPath.
	OnRead    func(self any, h Helpers, req *iocmd.Request, nsid uint32, lba uint64, nLBAs uint32)
	OnWrite   func(self any, h Helpers, req *iocmd.Request, nsid uint32, lba uint64, nLBAs uint32)
	OnCompare func(self any, h Helpers, req *iocmd.Request, nsid uint32, lba uint64, nLBAs uint32)

	// OnDataManagement classifies a Dataset Management (deallocate) command.
	// rangeBuf has already been copied into a host scratch page. Returning
	// a smaller nRanges truncates the range list the core forwards.
	OnDataManagement func(self any, h Helpers, req *iocmd.Request, nsid uint32, rangeBuf []byte, nRanges uint32) (newNRanges uint32)

	// FilterIdentifyData runs in place on the 4096-byte Identify response.
	FilterIdentifyData func(self any, nsid uint32, controllerID uint16, cns uint8, data []byte)

	// GetFetchingLimit bounds one SubmPath drain pass; 0 means do not
	// drain this round.
	GetFetchingLimit func(self any, nWaiting int) int

	// GetIOEntries returns the host-side queue depth for a Create I/O
	// Queue admin command given the guest's requested depth.
	GetIOEntries func(self any, guestN, maxN uint16) uint16

	// PollCompleteness runs after a submission-doorbell drain. True makes
	// SubmPath keep processing completion queues until no guest requests
	// are waiting (panicking once HostParams.PollCompletenessTimeout
	// passes); false returns at once.
	PollCompleteness func(self any) bool

	// CanStop is polled before a controller reset proceeds.
	CanStop func(self any) bool

	// SerializeQueueFetch, if true, makes each submission-doorbell write
	// hold one host-wide lock, on top of the per-queue locks, for its whole
	// fetch-and-submit pass. It is read on every such write.
	SerializeQueueFetch bool
}
