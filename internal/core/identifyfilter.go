package core

import (
	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// classifyIdentify replaces PRP1 with a host scratch page; the real data is
// filtered and copied back to the guest in the installed callback
func (h *Host) classifyIdentify(req *iocmd.Request) {
	cns := uint8(req.Entry.CDW10 & 0xFF)
	nsid := req.Entry.NSID
	h.installScratchRoundTrip(req, constants.DefaultNamespacePageBytes, func(data []byte) {
		filterIdentifyData(cns, data)
		if h.Interceptor != nil && h.Interceptor.FilterIdentifyData != nil {
			h.Interceptor.FilterIdentifyData(h.Interceptor.Self, nsid, 0, cns, data)
		}
	})
}

// filterIdentifyData conceals features this core does not support in the
// Identify response
func filterIdentifyData(cns uint8, data []byte) {
	if cns != constants.IdentifyCNSController {
		return
	}
	ic := nvmewire.IdentControllerFromBytes(data)
	if ic == nil {
		return
	}
	if ic.MDTS == 0 || ic.MDTS > constants.MaxSupportedMDTSShift {
		ic.MDTS = constants.MaxSupportedMDTSShift
	}
	if ic.SGLS != 0 {
		ic.SGLS = 0
	}
}

// installScratchRoundTrip is the common machinery behind Identify and Get
// Log Page: allocate a host scratch page, patch PRP1 to point at it, run an
// optional in-place filter on completion, then copy the result back to the
// guest's original buffer (guest-origin requests only; host-origin
// self-issued commands consume the scratch data directly in their own
// continuation callback instead, set after this call returns).
func (h *Host) installScratchRoundTrip(req *iocmd.Request, size int, filter func([]byte)) {
	buf, phys, err := h.dma.Alloc(size)
	if err != nil {
		h.logger.Warn("failed to allocate admin scratch buffer", "size", size, "err", err)
		return
	}
	req.HostScratch = buf
	req.HostScratchPhys = phys
	req.OrigPRP1 = req.Entry.PRP1
	req.OrigPRP2 = req.Entry.PRP2
	req.Entry.PRP1 = phys
	req.Entry.PRP2 = 0

	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		if filter != nil {
			filter(r.HostScratch)
		}
		if !r.IsHostReq {
			h.copyScratchToGuest(r, size)
		}
		h.dma.Free(r.HostScratch)
	}
}

// copyScratchToGuest walks the guest's original PRP chain and copies the
// filtered scratch data back, under a guest-writable mapping
func (h *Host) copyScratchToGuest(req *iocmd.Request, size int) {
	if req.OrigPRP1 == 0 {
		return
	}
	gbuf, err := memio.WalkPRP(h.gm, req.OrigPRP1, req.OrigPRP2, size, false)
	if err != nil {
		h.logger.Warn("failed to map guest buffer for admin copy-back", "err", err)
		return
	}
	gbuf.CopyFrom(req.HostScratch, 0)
}

// lookupNamespace returns the cached NamespaceMeta for nsid, or a zero value
// if it has not been enumerated yet.
func (h *Host) lookupNamespace(nsid uint32) iocmd.NamespaceMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nsTable[nsid]
}
