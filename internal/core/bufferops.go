package core

import (
	"fmt"

	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// Host implements interceptor.Helpers, giving an installed interceptor
// controlled access to guest-buffer mapping, DMA scratch allocation, and
// the request pause/resume/callback lifecycle
var _ interceptor.Helpers = (*Host)(nil)

// apertureFlagWholeBufferInPRP1 mirrors the Apple-vendor flags bit 5 quirk:
// PRP1 alone carries the whole transfer
const apertureFlagWholeBufferInPRP1 = 1 << 5

// guestBufAdapter wraps memio.GuestBuf to satisfy interceptor.GuestBuf
// without internal/memio depending on internal/interceptor.
type guestBufAdapter struct {
	inner *memio.GuestBuf
}

func (g *guestBufAdapter) Len() int { return g.inner.Len() }

// dmaBufAdapter wraps a raw DMA allocation to satisfy interceptor.DMABuf.
type dmaBufAdapter struct {
	buf  []byte
	phys uint64
}

func (d *dmaBufAdapter) Bytes() []byte   { return d.buf }
func (d *dmaBufAdapter) PhysAddr() uint64 { return d.phys }

// AllocGuestBuf returns a scatter-gather view over req's PRP1/PRP2 chain.
func (h *Host) AllocGuestBuf(req *iocmd.Request) (interceptor.GuestBuf, error) {
	if req.Entry.PRP1 == 0 {
		return nil, newCoreError(OpSubmPath, req.SubmQueueID, ErrInvalidPRP)
	}
	wholeInPRP1 := req.Entry.Flags&apertureFlagWholeBufferInPRP1 != 0
	g, err := memio.WalkPRP(h.gm, req.Entry.PRP1, req.Entry.PRP2, int(req.TotalBytes), wholeInPRP1)
	if err != nil {
		return nil, fmt.Errorf("core: walk PRP chain: %w", err)
	}
	return &guestBufAdapter{inner: g}, nil
}

// MemcpyGuestBuf copies between a scatter-gather guest view and a flat host
// buffer, honoring offset and direction.
func (h *Host) MemcpyGuestBuf(g interceptor.GuestBuf, host []byte, offset int, toGuest bool) (int, error) {
	adapter, ok := g.(*guestBufAdapter)
	if !ok {
		return 0, fmt.Errorf("core: MemcpyGuestBuf: not a core-allocated GuestBuf")
	}
	if toGuest {
		return adapter.inner.CopyFrom(host, offset), nil
	}
	return adapter.inner.CopyTo(host, offset), nil
}

// AllocDMABuf returns a page-aligned, physically addressable host buffer.
func (h *Host) AllocDMABuf(n int) (interceptor.DMABuf, error) {
	buf, phys, err := h.dma.Alloc(n)
	if err != nil {
		return nil, fmt.Errorf("core: alloc DMA buffer: %w", err)
	}
	return &dmaBufAdapter{buf: buf, phys: phys}, nil
}

// SetShadowBuffer rewrites req's PRP1/PRP2 to point at shadow, preserving
// the guest's originals (already preserved in OrigPRP1/OrigPRP2 at fetch
// time) for completion-time restoration.
func (h *Host) SetShadowBuffer(req *iocmd.Request, shadow interceptor.DMABuf) {
	req.Entry.PRP1 = shadow.PhysAddr()
	req.Entry.PRP2 = 0
}

// PauseRequest holds req back from the host queue this round: SubmPath
// classification observes the flag and skips RegisterRequest entirely,
// leaving req owned solely by the interceptor until ResumeRequest is called.
func (h *Host) PauseRequest(req *iocmd.Request) { req.Paused = true }

// ResumeRequest releases a previously paused request by registering it with
// its RequestHub now, exactly as SubmPath would have done at fetch time had
// it not been paused.
func (h *Host) ResumeRequest(req *iocmd.Request) {
	req.Paused = false
	if err := h.RegisterRequest(req, req.SubmQueueID); err != nil {
		h.logger.Warn("failed to register resumed request", "queue", req.SubmQueueID, "err", err)
		return
	}
	// A resumed request may arrive on its own goroutine, outside any
	// doorbell handler's drain pass; submit it immediately rather than
	// waiting for the next unrelated doorbell write to notice it.
	if err := h.SubmitQueuing(req.SubmQueueID); err != nil {
		h.logger.Warn("failed to submit resumed request", "queue", req.SubmQueueID, "err", err)
	}
}

// SetCallback installs fn, adapting interceptor.CompletionView from the
// core's own nvmewire.CompEntry so internal/interceptor never needs to
// import internal/nvmewire.
func (h *Host) SetCallback(req *iocmd.Request, fn func(*iocmd.Request, interceptor.CompletionView)) {
	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		fn(r, interceptor.CompletionView{Status: c.Status, CmdID: c.CmdID})
	}
}
