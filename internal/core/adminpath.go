package core

import (
	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// classifyAdmin dispatches a freshly-fetched admin command by opcode,
// patching PRPs and installing completion callbacks as needed
func (h *Host) classifyAdmin(req *iocmd.Request) error {
	switch req.Entry.OpCode {
	case constants.AdminOpCreateIOCompQueue:
		return h.createIOCompQueue(req)
	case constants.AdminOpCreateIOSubmQueue:
		return h.createIOSubmQueue(req)
	case constants.AdminOpDeleteIOSubmQueue:
		h.deleteIOQueue(req, true)
	case constants.AdminOpDeleteIOCompQueue:
		h.deleteIOQueue(req, false)
	case constants.AdminOpIdentify:
		h.classifyIdentify(req)
	case constants.AdminOpAbort:
		h.classifyAbort(req)
	case constants.AdminOpSetFeatures:
		if (req.Entry.CDW10 & 0xFF) == constants.FeatureNumberOfQueues {
			h.classifySetFeaturesNumQueues(req)
		}
	case constants.AdminOpGetLogPage:
		h.classifyGetLogPage(req)
	case constants.AdminOpAsyncEventRequest:
		// Slot accounting only; CompPath decrements n_async_guest instead of
		// n_not_ack_guest on completion
	case constants.AdminOpNamespaceManage, constants.AdminOpNamespaceAttach, constants.AdminOpFormatNVM:
		req.Callback = h.reenumerateNamespacesCallback()
	}
	return nil
}

// queuePRCBitSet reports whether the PC (physically contiguous) bit is set
// in CDW11 of a Create I/O Queue command.
func queuePRCBitSet(cdw11 uint32) bool { return cdw11&0x1 != 0 }

func (h *Host) ensureQueueCapacity(qid uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uint16(len(h.submHost)) <= qid {
		h.submHost = append(h.submHost, nil)
		h.submGuest = append(h.submGuest, nil)
		h.compHost = append(h.compHost, nil)
		h.compGuest = append(h.compGuest, nil)
		h.hubs = append(h.hubs, nil)
	}
}

// createIOCompQueue implements the Create I/O Completion Queue admin
// command
func (h *Host) createIOCompQueue(req *iocmd.Request) error {
	qid := uint16(req.Entry.CDW10 & 0xFFFF)
	guestDepth := uint16((req.Entry.CDW10>>16)&0xFFFF) + 1

	if !queuePRCBitSet(req.Entry.CDW11) {
		req.Dropped = true
		req.DropStatus = statusInvalidParameter
		return nil
	}

	h.ensureQueueCapacity(qid)
	h.freeQueuePair(qid)

	hostDepth := guestDepth
	if ic := h.Interceptor; ic != nil && ic.GetIOEntries != nil {
		hostDepth = ic.GetIOEntries(ic.Self, guestDepth, h.params.MaxEntries)
		req.Entry.CDW10 = (req.Entry.CDW10 &^ 0xFFFF0000) | (uint32(hostDepth-1) << 16)
	}

	hostQI, guestQI, err := h.InitQueueInfo(req.Entry.PRP1, h.params.PageSize, hostDepth, guestDepth, 16, 16, true, true)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.compHost[qid] = hostQI
	h.compGuest[qid] = guestQI
	h.hubs[qid] = newRequestHub(qid)
	h.mu.Unlock()

	req.Entry.PRP1 = hostQI.PhysAddr
	return nil
}

// createIOSubmQueue implements the Create I/O Submission Queue admin
// command
func (h *Host) createIOSubmQueue(req *iocmd.Request) error {
	qid := uint16(req.Entry.CDW10 & 0xFFFF)
	guestDepth := uint16((req.Entry.CDW10>>16)&0xFFFF) + 1
	cqid := uint16((req.Entry.CDW11 >> 16) & 0xFFFF)

	if !queuePRCBitSet(req.Entry.CDW11) {
		req.Dropped = true
		req.DropStatus = statusInvalidParameter
		return nil
	}

	h.ensureQueueCapacity(qid)
	h.freeQueuePair(qid)

	hostEntrySize := constants.GuestSubmissionEntrySize
	if h.params.AppleANS2Wrapper {
		hostEntrySize = constants.ANS2HostSubmissionEntrySize
	}

	hostDepth := guestDepth
	h.mu.Lock()
	if int(cqid) < len(h.compHost) && h.compHost[cqid] != nil {
		hostDepth = h.compHost[cqid].NEntries
	}
	h.mu.Unlock()

	hostQI, guestQI, err := h.InitQueueInfo(req.Entry.PRP1, h.params.PageSize, hostDepth, guestDepth, hostEntrySize, constants.GuestSubmissionEntrySize, true, false)
	if err != nil {
		return err
	}
	hostQI.PairedCompQueueID = cqid
	guestQI.PairedCompQueueID = cqid

	slot := newSubmSlot(qid, hostDepth)
	guestQI.Slot = slot

	h.mu.Lock()
	h.submHost[qid] = hostQI
	h.submGuest[qid] = guestQI
	hub := h.hubs[cqid]
	h.mu.Unlock()
	if hub != nil {
		hub.attachSubmSlot(slot)
	}

	req.Entry.PRP1 = hostQI.PhysAddr
	return nil
}

// deleteIOQueue marks a queue disabled immediately; the actual free happens
// after the Delete command's own completion
func (h *Host) deleteIOQueue(req *iocmd.Request, isSubm bool) {
	qid := uint16(req.Entry.CDW10 & 0xFFFF)
	h.mu.Lock()
	if isSubm {
		if int(qid) < len(h.submGuest) && h.submGuest[qid] != nil {
			h.submGuest[qid].Disabled = true
		}
	} else {
		if int(qid) < len(h.compGuest) && h.compGuest[qid] != nil {
			h.compGuest[qid].Disabled = true
		}
	}
	h.mu.Unlock()

	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		h.freeSingleQueue(qid, isSubm)
	}
}

// freeSingleQueue releases one side (subm or comp) of a queue pair; used by
// the Delete-command completion callback.
func (h *Host) freeSingleQueue(qid uint16, isSubm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isSubm {
		if int(qid) < len(h.submGuest) {
			h.submHost[qid] = nil
			h.submGuest[qid] = nil
		}
	} else {
		if int(qid) < len(h.compGuest) {
			h.compHost[qid] = nil
			h.compGuest[qid] = nil
			h.hubs[qid] = nil
		}
	}
}

// freeQueuePair frees a stale queue pair (both subm and comp sides) ahead of
// reallocating it, e.g. when Create I/O Completion Queue reuses an ID.
func (h *Host) freeQueuePair(qid uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(qid) < len(h.submGuest) {
		h.submHost[qid] = nil
		h.submGuest[qid] = nil
	}
	if int(qid) < len(h.compGuest) {
		h.compHost[qid] = nil
		h.compGuest[qid] = nil
		h.hubs[qid] = nil
	}
}

// classifyAbort subverts a guest Abort command when an interceptor is
// installed: the target CID field is patched to point outside the admin
// queue's slot range so the guest cannot directly abort a command the
// interceptor may have rewritten or swallowed
func (h *Host) classifyAbort(req *iocmd.Request) {
	if h.Interceptor == nil {
		return
	}
	h.mu.Lock()
	adminEntries := uint16(0)
	if len(h.submHost) > constants.AdminQueueID && h.submHost[constants.AdminQueueID] != nil {
		adminEntries = h.submHost[constants.AdminQueueID].NEntries
	}
	h.mu.Unlock()

	outOfRange := uint32(adminEntries) + 1
	req.Entry.CDW10 = (req.Entry.CDW10 &^ 0xFFFF0000) | (outOfRange << 16)

	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		c.CmdSpecific |= 0x1
	}
}

// classifySetFeaturesNumQueues latches the controller-granted queue counts
// on completion and swaps the request-hub/queue-info arrays to full width,
// preserving the admin entry at index 0
func (h *Host) classifySetFeaturesNumQueues(req *iocmd.Request) {
	req.Callback = func(r *iocmd.Request, c *nvmewire.CompEntry) {
		nsq := (c.CmdSpecific & 0xFFFF) + 1
		ncq := ((c.CmdSpecific >> 16) & 0xFFFF) + 1
		h.growQueueArrays(uint16(nsq), uint16(ncq))
	}
}

// growQueueArrays swaps the queue-info/hub arrays from their initial
// one-entry form to the negotiated full size, preserving index 0.
func (h *Host) growQueueArrays(maxSubm, maxComp uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := maxSubm
	if maxComp > n {
		n = maxComp
	}
	n++ // +1 for the admin pair at index 0

	grow := func(arr []*QueueInfo) []*QueueInfo {
		if uint16(len(arr)) >= n {
			return arr
		}
		out := make([]*QueueInfo, n)
		copy(out, arr)
		return out
	}
	h.submHost = grow(h.submHost)
	h.submGuest = grow(h.submGuest)
	h.compHost = grow(h.compHost)
	h.compGuest = grow(h.compGuest)

	if uint16(len(h.hubs)) < n {
		out := make([]*RequestHub, n)
		copy(out, h.hubs)
		h.hubs = out
	}
	h.params.MaxIOQueues = maxSubm
}

// classifyGetLogPage sizes the host scratch buffer for the requested log
// page, recognizing the SMART/Health shortcut
func (h *Host) classifyGetLogPage(req *iocmd.Request) {
	lid := req.Entry.CDW10 & 0xFF
	size := constants.DefaultNamespacePageBytes
	if lid == constants.LogPageSMARTHealth {
		size = 512
	}
	h.installScratchRoundTrip(req, size, nil)
}

const statusInvalidParameter = 0x0002 // generic command status: invalid field in command
