package core

import (
	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
)

// initAdminQueues builds the host admin submission/completion pair from the
// guest's negotiated AQA/ASQ/ACQ and programs the physical controller's own
// ASQ/ACQ registers to the host-side physical addresses, completing the
// enable sequence
func (h *Host) initAdminQueues(gSubmEntries, gCompEntries uint16, asq, acq uint64) error {
	pageSize := h.params.PageSize

	submHostQI, submGuestQI, err := h.InitQueueInfo(asq, pageSize, gSubmEntries, gSubmEntries,
		constants.GuestSubmissionEntrySize, constants.GuestSubmissionEntrySize, false, false)
	if err != nil {
		return newCoreErrorWrap(OpCreateIOQueue, constants.AdminQueueID, err)
	}

	compHostQI, compGuestQI, err := h.InitQueueInfo(acq, pageSize, gCompEntries, gCompEntries,
		constants.RequiredCompletionEntrySize, constants.RequiredCompletionEntrySize, true, true)
	if err != nil {
		return newCoreErrorWrap(OpCreateIOQueue, constants.AdminQueueID, err)
	}

	slot := newSubmSlot(constants.AdminQueueID, submHostQI.NEntries)
	submGuestQI.Slot = slot
	submGuestQI.PairedCompQueueID = constants.AdminQueueID
	submHostQI.PairedCompQueueID = constants.AdminQueueID

	hub := newRequestHub(constants.AdminQueueID)
	hub.attachSubmSlot(slot)

	h.mu.Lock()
	h.submHost[constants.AdminQueueID] = submHostQI
	h.submGuest[constants.AdminQueueID] = submGuestQI
	h.compHost[constants.AdminQueueID] = compHostQI
	h.compGuest[constants.AdminQueueID] = compGuestQI
	h.hubs[constants.AdminQueueID] = hub
	h.mu.Unlock()

	if err := h.hw.WriteReg(constants.RegASQ, 8, submHostQI.PhysAddr); err != nil {
		return newCoreErrorWrap(OpCreateIOQueue, constants.AdminQueueID, err)
	}
	if err := h.hw.WriteReg(constants.RegACQ, 8, compHostQI.PhysAddr); err != nil {
		return newCoreErrorWrap(OpCreateIOQueue, constants.AdminQueueID, err)
	}
	return nil
}

// freeAllQueues releases every queue pair and resets the engine's queue
// bookkeeping to its single-admin-slot starting state, invoked from the
// controller-reset path
func (h *Host) freeAllQueues() {
	h.mu.Lock()
	hostSubm := h.submHost
	hostComp := h.compHost
	guestSubm := h.submGuest
	guestComp := h.compGuest
	h.mu.Unlock()

	for _, qi := range hostSubm {
		h.freeHostQueueMem(qi)
	}
	for _, qi := range hostComp {
		h.freeHostQueueMem(qi)
	}
	for _, qi := range guestSubm {
		h.unmapGuestQueueMem(qi)
	}
	for _, qi := range guestComp {
		h.unmapGuestQueueMem(qi)
	}

	h.mu.Lock()
	h.submHost = make([]*QueueInfo, 1)
	h.submGuest = make([]*QueueInfo, 1)
	h.compHost = make([]*QueueInfo, 1)
	h.compGuest = make([]*QueueInfo, 1)
	h.hubs = make([]*RequestHub, 1)
	h.nsTable = make(map[uint32]iocmd.NamespaceMeta)
	h.ioReady = false
	h.pausedFetch = false
	h.queueToFetch = 0
	h.mu.Unlock()
}

func (h *Host) freeHostQueueMem(qi *QueueInfo) {
	if qi == nil || qi.Base == nil {
		return
	}
	if err := h.dma.Free(qi.Base); err != nil {
		h.logger.Warn("failed to free host queue memory", "err", err)
	}
}

func (h *Host) unmapGuestQueueMem(qi *QueueInfo) {
	if qi == nil || qi.Base == nil {
		return
	}
	if err := h.gm.Unmap(qi.Base); err != nil {
		h.logger.Warn("failed to unmap guest queue memory", "err", err)
	}
}
