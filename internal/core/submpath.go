package core

import (
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/interceptor"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// onSubmissionDoorbell is the entry point for a guest submission-doorbell
// write: fetch, classify, submit
func (h *Host) onSubmissionDoorbell(qid uint16, newTail uint16) error {
	if h.Interceptor != nil && h.Interceptor.SerializeQueueFetch {
		h.fetchSerialize.Lock()
		defer h.fetchSerialize.Unlock()
	}

	h.mu.Lock()
	firstIO := qid != constants.AdminQueueID && !h.ioReady
	if firstIO {
		h.ioReady = true
	}
	h.mu.Unlock()

	if firstIO {
		if err := h.firstIOInit(); err != nil {
			return err
		}
	}

	h.mu.Lock()
	guestQI := h.submGuest[qid]
	h.mu.Unlock()
	if guestQI == nil {
		return newCoreError(OpSubmPath, qid, ErrUnknownQueue)
	}

	guestQI.mu.Lock()
	guestQI.NewPos.tail = newTail
	guestQI.mu.Unlock()

	if err := h.tryProcessRequests(qid); err != nil {
		return err
	}
	if err := h.SubmitQueuing(qid); err != nil {
		return err
	}

	return h.pollForCompletenessIfRequested(qid)
}

// firstIOInit runs the namespace-enumeration chain and the interceptor's
// OnInit hook the first time any I/O-queue doorbell is written. If OnInit
// asks for a pause, it sets pausedFetch and waits until the flag is
// cleared, which only the namespace-enumeration chain does, when it ends
// or fails.
func (h *Host) firstIOInit() error {
	if err := h.startNamespaceEnumeration(); err != nil {
		return err
	}

	ic := h.Interceptor
	if ic != nil && ic.OnInit != nil {
		if pause := ic.OnInit(ic.Self); pause {
			h.mu.Lock()
			h.pausedFetch = true
			h.mu.Unlock()
			h.metrics.InterceptorPauses.Add(1)
			h.observeInterceptorPause()
		}
	}

	for {
		h.mu.Lock()
		paused := h.pausedFetch
		h.mu.Unlock()
		if !paused {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// fetchLimit implements get_fetching_limit: unbounded-within-reason for the
// admin queue, otherwise the interceptor's hook or the default.
func (h *Host) fetchLimit(qid uint16, nWaitingGuest int) int {
	if qid == constants.AdminQueueID {
		return 1 << 16
	}
	ic := h.Interceptor
	if ic != nil && ic.GetFetchingLimit != nil {
		return ic.GetFetchingLimit(ic.Self, nWaitingGuest)
	}
	return constants.DefaultFetchLimit
}

// tryProcessRequests implements try_process_requests: drains newly-visible
// guest submission entries, classifies each, and registers it with the
// RequestHub
func (h *Host) tryProcessRequests(qid uint16) error {
	h.mu.Lock()
	guestQI := h.submGuest[qid]
	h.mu.Unlock()
	if guestQI == nil {
		return newCoreError(OpSubmPath, qid, ErrUnknownQueue)
	}

	hub := h.hubFor(guestQI.PairedCompQueueID)
	nWaiting := 0
	if hub != nil {
		hub.mu.Lock()
		nWaiting = hub.nWaitingGuest
		hub.mu.Unlock()
	}
	count := h.fetchLimit(qid, nWaiting)

	for {
		guestQI.mu.Lock()
		if guestQI.CurPos.tail == guestQI.NewPos.tail || count <= 0 {
			guestQI.mu.Unlock()
			break
		}
		off := int(guestQI.CurPos.tail) * guestQI.EntrySize
		raw := guestQI.Base[off : off+64]
		entry := nvmewire.DecodeSubmEntry(raw)
		guestQI.CurPos.tail = wrap(guestQI.CurPos.tail, guestQI.NEntries)
		guestQI.mu.Unlock()

		req := &iocmd.Request{
			Entry:       entry,
			OrigCmdID:   entry.CmdID,
			OrigPRP1:    entry.PRP1,
			OrigPRP2:    entry.PRP2,
			SubmQueueID: qid,
		}

		if qid == constants.AdminQueueID {
			if err := h.classifyAdmin(req); err != nil {
				return err
			}
		} else {
			h.classifyIO(req)
		}

		if req.Dropped {
			h.completeDroppedRequest(req)
			count--
			continue
		}

		if req.Paused {
			// An interceptor called PauseRequest during classification
			// (e.g. to perform external work before this guest request may
			// be placed on the host ring). The request is held by the
			// interceptor alone until it calls ResumeRequest, which
			// registers it exactly as this call would have.
			count--
			continue
		}

		if err := h.RegisterRequest(req, qid); err != nil {
			return err
		}
		count--
	}
	return nil
}

// completeDroppedRequest synthesizes a guest completion for a request an
// admin handler rejected before it ever reached a host queue (e.g. a Create
// I/O Queue command with the PC bit clear), bypassing RequestHub/SubmSlot
// entirely
func (h *Host) completeDroppedRequest(req *iocmd.Request) {
	h.mu.Lock()
	guestQI := h.submGuest[req.SubmQueueID]
	h.mu.Unlock()
	if guestQI == nil {
		return
	}
	compQID := guestQI.PairedCompQueueID

	h.mu.Lock()
	compGuestQI := h.compGuest[compQID]
	h.mu.Unlock()
	if compGuestQI == nil {
		return
	}

	var entry nvmewire.CompEntry
	entry.CmdID = req.OrigCmdID
	entry.SQID = req.SubmQueueID
	entry.SetStatusCode(req.DropStatus)
	entry.SQHead = h.guestSubmHead(req.SubmQueueID)

	compGuestQI.mu.Lock()
	entry.SetPhase(compGuestQI.Phase)
	off := int(compGuestQI.CurPos.tail) * compGuestQI.EntrySize
	compGuestQI.CurPos.tail = wrap(compGuestQI.CurPos.tail, compGuestQI.NEntries)
	if compGuestQI.CurPos.tail == 0 {
		compGuestQI.Phase = !compGuestQI.Phase
	}
	compGuestQI.mu.Unlock()

	writeGuestCompEntry(compGuestQI, off, &entry)
	if h.inj != nil {
		if err := h.inj.InjectMSIX(compQID); err != nil {
			h.logger.Warn("MSI-X injection failed for dropped request", "comp_queue", compQID, "err", err)
		}
	}
}

// classifyIO dispatches an I/O-queue command by opcode, consulting the
// interceptor's per-opcode hooks
func (h *Host) classifyIO(req *iocmd.Request) {
	ns := h.lookupNamespace(req.Entry.NSID)
	req.NS = ns

	switch req.Entry.OpCode {
	case constants.IOOpRead, constants.IOOpWrite, constants.IOOpCompare:
		req.LBAStart = req.Entry.RawLBA()
		req.NLBAs = req.Entry.RawNLBAs() + 1
		req.TotalBytes = uint64(req.NLBAs) * ns.LBABytes
		if ns.LBABytes == 0 {
			req.TotalBytes = uint64(req.NLBAs) * 512
		}
		h.invokeIOHook(req, req.Entry.OpCode)
	case constants.IOOpDatasetManagement:
		if req.Entry.CDW11&constants.DSMDeallocateBit != 0 {
			h.invokeDataManagementHook(req)
		}
	}
}

func (h *Host) invokeIOHook(req *iocmd.Request, op uint8) {
	ic := h.Interceptor
	if ic == nil {
		return
	}
	var hook func(any, interceptor.Helpers, *iocmd.Request, uint32, uint64, uint32)
	switch op {
	case constants.IOOpRead:
		hook = ic.OnRead
	case constants.IOOpWrite:
		hook = ic.OnWrite
	case constants.IOOpCompare:
		hook = ic.OnCompare
	}
	if hook != nil {
		hook(ic.Self, h, req, req.Entry.NSID, req.LBAStart, req.NLBAs)
	}
}

func (h *Host) invokeDataManagementHook(req *iocmd.Request) {
	ic := h.Interceptor
	if ic == nil || ic.OnDataManagement == nil {
		return
	}
	nRanges := (req.Entry.CDW10 & 0xFF) + 1
	scratch, physAddr, err := h.dma.Alloc(int(nRanges) * 16)
	if err != nil {
		h.logger.Warn("failed to allocate DSM scratch buffer", "err", err)
		return
	}
	req.TotalBytes = uint64(nRanges) * 16
	if gbuf, err := h.AllocGuestBuf(req); err == nil {
		h.MemcpyGuestBuf(gbuf, scratch, 0, false)
	}
	req.HostScratch = scratch
	req.HostScratchPhys = physAddr
	req.OrigPRP1 = req.Entry.PRP1
	req.Entry.PRP1 = physAddr
	req.Entry.PRP2 = 0

	newN := ic.OnDataManagement(ic.Self, h, req, req.Entry.NSID, scratch, nRanges)
	if newN > 0 && newN <= nRanges {
		req.Entry.CDW10 = (req.Entry.CDW10 &^ 0xFF) | (newN - 1)
	}
}

// pollForCompletenessIfRequested implements step 5: a
// bounded poll loop that keeps draining completion queues until the
// interceptor's guest-waiting backlog clears, guarding against firmware
// that times out on a short deadline.
func (h *Host) pollForCompletenessIfRequested(qid uint16) error {
	ic := h.Interceptor
	if ic == nil || ic.PollCompleteness == nil || !ic.PollCompleteness(ic.Self) {
		return nil
	}

	deadline := time.Now().Add(h.params.PollCompletenessTimeout)
	for {
		h.mu.Lock()
		guestQI := h.submGuest[qid]
		h.mu.Unlock()
		if guestQI == nil {
			return nil
		}
		hub := h.hubFor(guestQI.PairedCompQueueID)
		if hub == nil {
			return nil
		}
		hub.mu.Lock()
		waiting := hub.nWaitingGuest
		hub.mu.Unlock()
		if waiting == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			h.metrics.PollTimeouts.Add(1)
			h.observePollTimeout(qid)
			panic("core: poll_completeness timeout: firmware will not meet its deadline")
		}
		time.Sleep(time.Millisecond)
		if err := h.CompPath(); err != nil {
			return err
		}
	}
}
