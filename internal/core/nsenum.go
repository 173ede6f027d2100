package core

import (
	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// startNamespaceEnumeration self-issues the three-step admin chain of
// Get Features (Number of Queues), Identify
// Controller, then Identify Namespace for each nsid in sequence.
func (h *Host) startNamespaceEnumeration() error {
	req := &iocmd.Request{
		IsHostReq:   true,
		SubmQueueID: constants.AdminQueueID,
		Entry: nvmewire.SubmEntry{
			OpCode: constants.AdminOpGetFeatures,
			CDW10:  constants.FeatureNumberOfQueues,
		},
	}
	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		h.growQueueArrays(uint16(c.CmdSpecific&0xFFFF)+1, uint16((c.CmdSpecific>>16)&0xFFFF)+1)
		if err := h.issueControllerIdentify(); err != nil {
			h.logger.Warn("namespace enumeration: controller identify failed", "err", err)
			h.clearPausedFetch()
		}
	}
	return h.issueHostAdminRequest(req)
}

// issueControllerIdentify issues the self-originated Identify CNS=1 step.
func (h *Host) issueControllerIdentify() error {
	req := &iocmd.Request{
		IsHostReq:   true,
		SubmQueueID: constants.AdminQueueID,
		Entry: nvmewire.SubmEntry{
			OpCode: constants.AdminOpIdentify,
			CDW10:  uint32(constants.IdentifyCNSController),
		},
	}

	buf, phys, err := h.dma.Alloc(constants.DefaultNamespacePageBytes)
	if err != nil {
		return err
	}
	req.HostScratch = buf
	req.HostScratchPhys = phys
	req.Entry.PRP1 = phys

	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		defer h.dma.Free(r.HostScratch)
		ic := nvmewire.IdentControllerFromBytes(r.HostScratch)
		if ic == nil {
			h.clearPausedFetch()
			return
		}
		mdts := ic.MDTS
		mdtsBytes := constants.DefaultMDTSBytes
		if mdts > 0 && mdts <= constants.MaxSupportedMDTSShift {
			mdtsBytes = 1 << (12 + uint(mdts))
		}
		nn := ic.NN
		h.mu.Lock()
		h.maxDataTransferBytes = mdtsBytes
		h.mu.Unlock()

		if nn == 0 {
			h.clearPausedFetch()
			h.observeNamespaceEnumeration(0)
			return
		}
		if err := h.issueNamespaceIdentify(1, nn); err != nil {
			h.logger.Warn("namespace enumeration: namespace identify failed", "nsid", 1, "err", err)
			h.clearPausedFetch()
		}
	}
	return h.issueHostAdminRequest(req)
}

// issueNamespaceIdentify issues Identify CNS=0 for nsid, chaining to
// nsid+1 on completion until nsid==total, at which point the paused-fetch
// flag is cleared so SubmPath can resume
func (h *Host) issueNamespaceIdentify(nsid, total uint32) error {
	req := &iocmd.Request{
		IsHostReq:   true,
		SubmQueueID: constants.AdminQueueID,
		Entry: nvmewire.SubmEntry{
			OpCode: constants.AdminOpIdentify,
			NSID:   nsid,
			CDW10:  uint32(constants.IdentifyCNSNamespace),
		},
	}

	buf, phys, err := h.dma.Alloc(constants.DefaultNamespacePageBytes)
	if err != nil {
		return err
	}
	req.HostScratch = buf
	req.HostScratchPhys = phys
	req.Entry.PRP1 = phys

	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		defer h.dma.Free(r.HostScratch)
		ns := nvmewire.IdentNamespaceFromBytes(r.HostScratch)
		if ns != nil {
			metaBytes, endingLBA := ns.MetaBytes()
			meta := iocmd.NamespaceMeta{
				NSID:       nsid,
				LBABytes:   ns.LBABytes(),
				MetaBytes:  metaBytes,
				MetaEndLBA: endingLBA,
				SizeBlocks: ns.NSZE,
			}
			h.mu.Lock()
			h.nsTable[nsid] = meta
			h.mu.Unlock()
		}

		if nsid >= total {
			h.clearPausedFetch()
			h.observeNamespaceEnumeration(int(total))
			return
		}
		if err := h.issueNamespaceIdentify(nsid+1, total); err != nil {
			h.logger.Warn("namespace enumeration: namespace identify failed", "nsid", nsid+1, "err", err)
			h.clearPausedFetch()
		}
	}
	return h.issueHostAdminRequest(req)
}

// reenumerateNamespacesCallback restarts namespace enumeration after a
// Namespace Management/Attachment/Format NVM completion
func (h *Host) reenumerateNamespacesCallback() func(*iocmd.Request, *nvmewire.CompEntry) {
	return func(r *iocmd.Request, c *nvmewire.CompEntry) {
		if err := h.startNamespaceEnumeration(); err != nil {
			h.logger.Warn("namespace re-enumeration failed", "err", err)
		}
	}
}

// clearPausedFetch releases SubmPath's first-time-init poll loop.
func (h *Host) clearPausedFetch() {
	h.mu.Lock()
	h.pausedFetch = false
	h.mu.Unlock()
}

// issueHostAdminRequest registers and drains a host-originated admin
// request onto the admin queue
func (h *Host) issueHostAdminRequest(req *iocmd.Request) error {
	if err := h.RegisterRequest(req, constants.AdminQueueID); err != nil {
		return err
	}
	return h.SubmitQueuing(constants.AdminQueueID)
}

// issueErrorLogDrain self-issues a Get Log Page (error information, ID
// 0x01) purely for diagnostics when CSTS.CFS is observed set
func (h *Host) issueErrorLogDrain() {
	req := &iocmd.Request{
		IsHostReq:   true,
		SubmQueueID: constants.AdminQueueID,
		Entry: nvmewire.SubmEntry{
			OpCode: constants.AdminOpGetLogPage,
			CDW10:  uint32(constants.LogPageErrorInformation),
		},
	}
	buf, phys, err := h.dma.Alloc(512)
	if err != nil {
		return
	}
	req.HostScratch = buf
	req.HostScratchPhys = phys
	req.Entry.PRP1 = phys
	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		h.logger.Warn("controller error log drained", "status", c.StatusCode())
		h.dma.Free(r.HostScratch)
	}
	if err := h.issueHostAdminRequest(req); err != nil {
		h.logger.Warn("failed to issue error log drain", "err", err)
	}
}
