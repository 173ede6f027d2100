package core

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
)

// pos is a 16-bit head/tail pair, matching the NVMe queue-pointer width.
type pos struct {
	head uint16
	tail uint16
}

// QueueInfo is one side (host or guest) of a shadow submission or
// completion queue.
type QueueInfo struct {
	mu sync.Mutex

	Base      []byte // mapped memory backing this queue's ring
	PhysAddr  uint64 // host-physical or guest-physical base
	EntrySize int
	NEntries  uint16

	NewPos pos
	CurPos pos

	// AckHead is meaningful for host-side completion queues only: the
	// position last rung into the physical completion doorbell, tracked
	// separately from CurPos.head (the scan cursor CompPath advances while
	// matching entries). Guest-originated completions only move AckHead
	// when the guest's own ack is translated in UpdateCompDB; host-
	// originated completions advance it immediately on completion.
	AckHead uint16

	// Phase is meaningful for completion queues only.
	Phase bool

	// PairedCompQueueID is meaningful for submission queues only;
	// constants.NoPairedQueue until a Create I/O Submission Queue command
	// sets it.
	PairedCompQueueID uint16

	// Slot is this submission queue's SubmSlot allocator; nil for
	// completion-queue QueueInfo.
	Slot *SubmSlot

	Disabled bool
}

// wrap advances v by one modulo n, the ring index-wrap rule every queue
// pointer in this engine obeys.
func wrap(v, n uint16) uint16 {
	v++
	if v >= n {
		return 0
	}
	return v
}

// advance moves v forward by delta modulo n.
func advance(v, delta, n uint16) uint16 {
	return uint16((uint32(v) + uint32(delta)) % uint32(n))
}

// ackCount returns how many entries were acknowledged going from oldHead to
// newHead in a ring of size n, per the modular distance rule used
// throughout the guest/host doorbell reconciliation logic.
func ackCount(oldHead, newHead, n uint16) uint16 {
	return uint16((uint32(newHead) + uint32(n) - uint32(oldHead)) % uint32(n))
}

// newQueueInfo allocates and zero-initializes one queue side. entrySize and
// nEntries describe this side only; the guest and host sides of a pair may
// differ (an ANS2 host pair uses 128-byte submission entries against a
// 64-byte guest ring).
func newQueueInfo(base []byte, physAddr uint64, entrySize int, nEntries uint16, isCompQueue bool) *QueueInfo {
	qi := &QueueInfo{
		Base:              base,
		PhysAddr:          physAddr,
		EntrySize:         entrySize,
		NEntries:          nEntries,
		PairedCompQueueID: constants.NoPairedQueue,
	}
	if isCompQueue {
		qi.Phase = true // NVMe initial phase is 1
	}
	return qi
}

// InitQueueInfo implements the init_queue_info contract: allocate the host
// side from the DMA pool and map the guest side from guest-physical memory,
// rounding both to at least one page.
func (h *Host) InitQueueInfo(guestPhys uint64, pageBytes int, hNEntries, gNEntries uint16, hEntryBytes, gEntryBytes int, guestWritable bool, isCompQueue bool) (hostQI, guestQI *QueueInfo, err error) {
	hostBytes := int(hNEntries) * hEntryBytes
	if hostBytes < pageBytes {
		hostBytes = pageBytes
	}
	hostBuf, hostPhys, err := h.dma.Alloc(hostBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("core: alloc host queue memory: %w", err)
	}

	guestBytes := int(gNEntries) * gEntryBytes
	if guestBytes < pageBytes {
		guestBytes = pageBytes
	}
	guestBuf, err := h.gm.Map(guestPhys, guestBytes, guestWritable)
	if err != nil {
		h.dma.Free(hostBuf)
		return nil, nil, fmt.Errorf("core: map guest queue memory: %w", err)
	}

	hostQI = newQueueInfo(hostBuf, hostPhys, hEntryBytes, hNEntries, isCompQueue)
	guestQI = newQueueInfo(guestBuf, guestPhys, gEntryBytes, gNEntries, isCompQueue)
	return hostQI, guestQI, nil
}
