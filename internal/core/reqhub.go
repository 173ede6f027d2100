package core

import (
	"sync"
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
)

// SubmSlot is the per-submission-queue command-ID allocator: a fixed array
// of n_entries slots plus two not-yet-submitted FIFOs, one host- one
// guest-originated.
type SubmSlot struct {
	mu sync.Mutex

	QueueID  uint16
	slots    []*iocmd.Request
	nextSlot uint16

	waitingHost  []*iocmd.Request
	waitingGuest []*iocmd.Request

	nSlotsUsed int
}

// newSubmSlot builds a slot table sized to match the host submission
// queue's entry count (one CID per possible outstanding command).
func newSubmSlot(qid uint16, hostNEntries uint16) *SubmSlot {
	return &SubmSlot{
		QueueID: qid,
		slots:   make([]*iocmd.Request, hostNEntries),
	}
}

// getFreeSlot walks forward from nextSlot looking for a nil entry, advancing
// the cursor on every step including misses and the slot it returns — the
// ANS2 anti-duplicate-tag rule: each search starts just past the last slot
// examined, so a freed slot is handed out again only once the cursor comes
// back around to it.
func (s *SubmSlot) getFreeSlot() (uint16, bool) {
	n := uint16(len(s.slots))
	if n == 0 {
		return 0, false
	}
	for i := uint16(0); i < n; i++ {
		idx := s.nextSlot
		s.nextSlot = wrap(s.nextSlot, n)
		if s.slots[idx] == nil {
			return idx, true
		}
	}
	return 0, false
}

// freeSlot releases cid back to the pool.
func (s *SubmSlot) freeSlot(cid uint16) {
	if int(cid) < len(s.slots) {
		s.slots[cid] = nil
		s.nSlotsUsed--
	}
}

// RequestHub is the per-completion-queue hub: the set of SubmSlots paired
// to this completion queue plus the waiting/outstanding counters that
// drive submit_queuing's host-vs-guest drain choice.
type RequestHub struct {
	mu sync.Mutex

	CompQueueID uint16
	submSlots   []*SubmSlot

	nWaitingHost  int
	nWaitingGuest int
	nNotAckHost   int
	nNotAckGuest  int
	nAsyncGuest   int
}

func newRequestHub(compQueueID uint16) *RequestHub {
	return &RequestHub{CompQueueID: compQueueID}
}

// attachSubmSlot registers a SubmSlot as one of this hub's submission
// queues, done at Create-I/O-Submission-Queue time
func (rh *RequestHub) attachSubmSlot(s *SubmSlot) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.submSlots = append(rh.submSlots, s)
}

func (rh *RequestHub) submSlotFor(qid uint16) *SubmSlot {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	for _, s := range rh.submSlots {
		if s.QueueID == qid {
			return s
		}
	}
	return nil
}

// RegisterRequest places req on the host-or-guest waiting FIFO of the
// SubmSlot for submQID and bumps the matching hub counter. It does not
// touch the hardware.
func (h *Host) RegisterRequest(req *iocmd.Request, submQID uint16) error {
	h.mu.Lock()
	if int(submQID) >= len(h.submGuest) || h.submGuest[submQID] == nil {
		h.mu.Unlock()
		return newCoreError(OpRegisterRequest, submQID, ErrUnknownQueue)
	}
	guestQI := h.submGuest[submQID]
	h.mu.Unlock()

	slot := guestQI.Slot
	hub := h.hubFor(guestQI.PairedCompQueueID)
	if hub == nil || slot == nil {
		return newCoreError(OpRegisterRequest, submQID, ErrUnknownQueue)
	}

	req.SubmittedAt = time.Now()
	req.SubmQueueID = submQID
	req.CompQueueID = guestQI.PairedCompQueueID

	slot.mu.Lock()
	if req.IsHostReq {
		slot.waitingHost = append(slot.waitingHost, req)
	} else {
		slot.waitingGuest = append(slot.waitingGuest, req)
	}
	slot.mu.Unlock()

	hub.mu.Lock()
	if req.IsHostReq {
		hub.nWaitingHost++
	} else {
		hub.nWaitingGuest++
		if isAsyncEventRequest(req) {
			// Async Event Requests are guest-submitted but held by the
			// controller indefinitely; they must not count against the
			// stall-avoidance heuristic in submit_queuing
			hub.nAsyncGuest++
		}
	}
	hub.mu.Unlock()

	if req.IsHostReq {
		h.metrics.HostRequestsSubmitted.Add(1)
	} else {
		h.metrics.GuestRequestsSubmitted.Add(1)
	}
	return nil
}

func isAsyncEventRequest(req *iocmd.Request) bool {
	const adminOpAsyncEventRequest = 0x0C
	return req.Entry.OpCode == adminOpAsyncEventRequest
}

// hubFor returns the RequestHub for a completion queue ID, or nil.
func (h *Host) hubFor(compQID uint16) *RequestHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(compQID) >= len(h.hubs) {
		return nil
	}
	return h.hubs[compQID]
}

// SubmitQueuing drains the waiting FIFOs for submQID into the host ring
// under the hub lock, per the five rules.
func (h *Host) SubmitQueuing(submQID uint16) error {
	h.mu.Lock()
	if int(submQID) >= len(h.submGuest) || h.submGuest[submQID] == nil {
		h.mu.Unlock()
		return newCoreError(OpSubmitQueuing, submQID, ErrUnknownQueue)
	}
	guestQI := h.submGuest[submQID]
	hostQI := h.submHost[submQID]
	h.mu.Unlock()

	slot := guestQI.Slot
	hub := h.hubFor(guestQI.PairedCompQueueID)
	if hub == nil || slot == nil || hostQI == nil {
		return newCoreError(OpSubmitQueuing, submQID, ErrUnknownQueue)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	drainHost := hub.nWaitingHost > 0 && (hub.nNotAckGuest-hub.nAsyncGuest) == 0
	if !drainHost && hub.nNotAckHost > 0 {
		// Stall-avoidance: do not interleave guest drains behind
		// outstanding host completions that have not landed yet.
		return nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	placed := 0
	for int(hostQI.NEntries)-slot.nSlotsUsed > 1 {
		fifo := &slot.waitingGuest
		if drainHost {
			fifo = &slot.waitingHost
		}
		if len(*fifo) == 0 {
			break
		}
		req := (*fifo)[0]
		*fifo = (*fifo)[1:]

		cid, ok := slot.getFreeSlot()
		if !ok {
			*fifo = append([]*iocmd.Request{req}, (*fifo)...)
			break
		}
		req.HostSlot = cid
		req.Entry.CmdID = cid
		slot.slots[cid] = req
		slot.nSlotsUsed++

		hostQI.mu.Lock()
		off := int(hostQI.CurPos.tail) * hostQI.EntrySize
		nvmewire.EncodeSubmEntry(hostQI.Base[off:off+64], &req.Entry)
		hostQI.CurPos.tail = wrap(hostQI.CurPos.tail, hostQI.NEntries)
		newTail := hostQI.CurPos.tail
		hostQI.mu.Unlock()
		_ = newTail

		if drainHost {
			hub.nNotAckHost++
			hub.nWaitingHost--
		} else {
			hub.nNotAckGuest++
			hub.nWaitingGuest--
		}
		placed++
	}

	if placed > 0 {
		storeFence()
		stride := h.hw.DoorbellStride()
		if err := h.hw.RingSubmissionDoorbell(submQID, stride, uint32(hostQI.CurPos.tail)); err != nil {
			return newCoreErrorWrap(OpSubmitQueuing, submQID, err)
		}
	}
	return nil
}

// UpdateCompDB implements update_comp_db: translate a guest completion
// doorbell write (new head) into exactly the matching number of host
// completion-doorbell acks, in the host's own modular space.
func (h *Host) UpdateCompDB(compQID uint16, guestNewHead uint16) error {
	h.mu.Lock()
	if int(compQID) >= len(h.compGuest) || h.compGuest[compQID] == nil {
		h.mu.Unlock()
		return newCoreError(OpUpdateCompDB, compQID, ErrUnknownQueue)
	}
	guestQI := h.compGuest[compQID]
	hostQI := h.compHost[compQID]
	hub := h.hubs[compQID]
	h.mu.Unlock()

	guestQI.mu.Lock()
	oldGuestHead := guestQI.CurPos.head
	gN := guestQI.NEntries
	guestQI.mu.Unlock()

	ackedByGuest := ackCount(oldGuestHead, guestNewHead, gN)

	hub.mu.Lock()
	if ackedByGuest == 0 || int(ackedByGuest) > hub.nNotAckGuest {
		hub.mu.Unlock()
		h.metrics.DroppedAcks.Add(1)
		h.observeDoorbellInconsistency(compQID)
		h.logger.Warn("ignoring implausible completion doorbell ack",
			"comp_queue", compQID, "acked", ackedByGuest, "outstanding", hub.nNotAckGuest)
		return nil
	}
	hub.nNotAckGuest -= int(ackedByGuest)
	hub.mu.Unlock()

	guestQI.mu.Lock()
	guestQI.CurPos.head = guestNewHead
	guestQI.mu.Unlock()

	// Translate the guest's ack count into the host's own modular space,
	// advancing AckHead (the reclaim/doorbell position) rather than
	// CurPos.head (the scan cursor scanCompQueue advances independently
	// while matching entries) — conflating the two would double-advance
	// the same position once per scan and again here.
	hostQI.mu.Lock()
	hostNewHead := advance(hostQI.AckHead, ackedByGuest, hostQI.NEntries)
	hostQI.AckHead = hostNewHead
	hostQI.mu.Unlock()

	stride := h.hw.DoorbellStride()
	if err := h.hw.RingCompletionDoorbell(compQID, stride, uint32(hostNewHead)); err != nil {
		return newCoreErrorWrap(OpUpdateCompDB, compQID, err)
	}
	return nil
}
