package core

import (
	"testing"

	"github.com/ehrlich-b/nvme-shadow/internal/hwio"
	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/ehrlich-b/nvme-shadow/internal/memio"
	"github.com/ehrlich-b/nvme-shadow/internal/nvmewire"
	"github.com/stretchr/testify/require"
)

// newTestHost builds a Host against fakes with no admin queues yet created,
// for white-box tests that drive individual code paths directly rather than
// through the full CC.EN state machine.
func newTestHost(t *testing.T) (*Host, *hwio.FakeHardware, *hwio.FakeInjector) {
	t.Helper()
	hw := hwio.NewFakeHardware(4)
	inj := hwio.NewFakeInjector()
	gm, err := memio.NewFakeGuestMemory(1 << 20)
	require.NoError(t, err)
	dma := memio.NewFakeDMAPool()
	h := NewHost(DefaultHostParams(), hw, inj, gm, dma)
	return h, hw, inj
}

// TestScanCompQueuePhaseFlip verifies with a 4-entry
// completion ring, writing 8 completions in host phase order must flip the
// observed phase bit exactly twice (once per full wrap).
func TestScanCompQueuePhaseFlip(t *testing.T) {
	h, _, inj := newTestHost(t)

	const nEntries = 4
	hostComp := newQueueInfo(make([]byte, nEntries*16), 0, 16, nEntries, true)
	guestComp := newQueueInfo(make([]byte, nEntries*16), 0, 16, nEntries, true)
	hostSubm := newQueueInfo(make([]byte, nEntries*64), 0, 64, nEntries, false)
	guestSubm := newQueueInfo(make([]byte, nEntries*64), 0, 64, nEntries, false)
	guestSubm.PairedCompQueueID = 0
	guestSubm.Slot = newSubmSlot(0, nEntries)

	h.compHost = []*QueueInfo{hostComp}
	h.compGuest = []*QueueInfo{guestComp}
	h.submHost = []*QueueInfo{hostSubm}
	h.submGuest = []*QueueInfo{guestSubm}
	hub := newRequestHub(0)
	hub.attachSubmSlot(guestSubm.Slot)
	h.hubs = []*RequestHub{hub}

	phaseFlips := 0
	lastPhase := hostComp.Phase

	// Drive 2*nEntries completions, one full ring's worth of wraps twice.
	for round := 0; round < 2; round++ {
		for i := uint16(0); i < nEntries; i++ {
			cid, ok := guestSubm.Slot.getFreeSlot()
			require.True(t, ok)
			req := &iocmd.Request{HostSlot: cid, OrigCmdID: cid, IsHostReq: false}
			guestSubm.Slot.slots[cid] = req
			guestSubm.Slot.nSlotsUsed++
			hub.nNotAckGuest++

			entry := nvmewire.CompEntry{SQID: 0, CmdID: cid}
			entry.SetPhase(hostComp.Phase)
			off := int(hostComp.CurPos.tail) * 16
			nvmewire.EncodeCompEntry(hostComp.Base[off:off+16], &entry)
			hostComp.CurPos.tail = wrap(hostComp.CurPos.tail, nEntries)

			require.NoError(t, h.scanCompQueue(0))
		}
		if hostComp.Phase != lastPhase {
			phaseFlips++
			lastPhase = hostComp.Phase
		}
	}

	require.Equal(t, 2, phaseFlips, "phase bit must flip exactly once per full ring wrap")
	require.NotEmpty(t, inj.Injected, "MSI-X must be injected for each scan that saw a completion")
}

// TestCIDRoundTrip verifies the guest's original command
// ID survives a host slot reassignment to a different index.
func TestCIDRoundTrip(t *testing.T) {
	h, _, _ := newTestHost(t)

	const nEntries = 4
	hostComp := newQueueInfo(make([]byte, nEntries*16), 0, 16, nEntries, true)
	guestComp := newQueueInfo(make([]byte, nEntries*16), 0, 16, nEntries, true)
	guestSubm := newQueueInfo(nil, 0, 64, nEntries, false)
	guestSubm.Slot = newSubmSlot(0, nEntries)

	h.compHost = []*QueueInfo{hostComp}
	h.compGuest = []*QueueInfo{guestComp}
	h.submGuest = []*QueueInfo{guestSubm}
	hub := newRequestHub(0)
	hub.attachSubmSlot(guestSubm.Slot)
	h.hubs = []*RequestHub{hub}

	hostSlot, ok := guestSubm.Slot.getFreeSlot()
	require.True(t, ok)
	req := &iocmd.Request{HostSlot: hostSlot, OrigCmdID: 0x2A, IsHostReq: false}
	guestSubm.Slot.slots[hostSlot] = req
	hub.nNotAckGuest++

	entry := nvmewire.CompEntry{SQID: 0, CmdID: hostSlot}
	entry.SetPhase(hostComp.Phase)
	off := int(hostComp.CurPos.tail) * 16
	nvmewire.EncodeCompEntry(hostComp.Base[off:off+16], &entry)
	hostComp.CurPos.tail = wrap(hostComp.CurPos.tail, nEntries)

	require.NoError(t, h.scanCompQueue(0))

	written := nvmewire.DecodeCompEntry(guestComp.Base[0:16])
	require.Equal(t, req.OrigCmdID, written.CmdID, "guest must see its own original command ID, not the host slot index")
}

// TestUpdateCompDBAckTranslation verifies the ack-count translation between
// differing guest and host completion-queue depths
func TestUpdateCompDBAckTranslation(t *testing.T) {
	h, hw, _ := newTestHost(t)

	const guestN, hostN = 8, 4
	guestComp := newQueueInfo(make([]byte, guestN*16), 0, 16, guestN, true)
	hostComp := newQueueInfo(make([]byte, hostN*16), 0, 16, hostN, true)
	h.compGuest = []*QueueInfo{guestComp}
	h.compHost = []*QueueInfo{hostComp}
	hub := newRequestHub(0)
	hub.nNotAckGuest = 3
	h.hubs = []*RequestHub{hub}

	// Guest acks 3 entries (head 0 -> 3) in its 8-entry ring.
	require.NoError(t, h.UpdateCompDB(0, 3))

	require.Equal(t, uint16(3), guestComp.CurPos.head)
	require.Equal(t, uint16(3), hostComp.AckHead, "3 guest acks must advance the 4-entry host ring by 3, not 8")
	require.Equal(t, 0, hub.nNotAckGuest)

	acked := hw.CompDoorbells[0]
	require.Equal(t, uint32(3), acked)
}

// TestScanThenAckDoesNotDoubleAdvanceHostHead verifies that scanning host
// completions and later acking them via UpdateCompDB advance two distinct
// counters (the scan cursor in CurPos.head and the reclaim position in
// AckHead) rather than the same field twice. Scanning 3 entries but only
// acking 2 of them must leave the scan cursor ahead of the acked position.
func TestScanThenAckDoesNotDoubleAdvanceHostHead(t *testing.T) {
	h, hw, _ := newTestHost(t)

	const guestN, hostN = 8, 4
	hostComp := newQueueInfo(make([]byte, hostN*16), 0, 16, hostN, true)
	guestComp := newQueueInfo(make([]byte, guestN*16), 0, 16, guestN, true)
	guestSubm := newQueueInfo(nil, 0, 64, guestN, false)
	guestSubm.Slot = newSubmSlot(0, hostN)

	h.compHost = []*QueueInfo{hostComp}
	h.compGuest = []*QueueInfo{guestComp}
	h.submGuest = []*QueueInfo{guestSubm}
	hub := newRequestHub(0)
	hub.attachSubmSlot(guestSubm.Slot)
	h.hubs = []*RequestHub{hub}

	for i := 0; i < 3; i++ {
		cid, ok := guestSubm.Slot.getFreeSlot()
		require.True(t, ok)
		req := &iocmd.Request{HostSlot: cid, OrigCmdID: cid, IsHostReq: false, SubmQueueID: 0}
		guestSubm.Slot.slots[cid] = req
		guestSubm.Slot.nSlotsUsed++
		hub.nNotAckGuest++

		entry := nvmewire.CompEntry{SQID: 0, CmdID: cid}
		entry.SetPhase(hostComp.Phase)
		off := int(hostComp.CurPos.tail) * 16
		nvmewire.EncodeCompEntry(hostComp.Base[off:off+16], &entry)
		hostComp.CurPos.tail = wrap(hostComp.CurPos.tail, hostN)

		require.NoError(t, h.scanCompQueue(0))
	}

	require.Equal(t, uint16(3), hostComp.CurPos.head, "scan cursor must advance once per matched entry")
	require.Equal(t, uint16(0), hostComp.AckHead, "AckHead must not move until the guest acks")

	require.NoError(t, h.UpdateCompDB(0, 2))

	require.Equal(t, uint16(3), hostComp.CurPos.head, "acking must not move the independent scan cursor")
	require.Equal(t, uint16(2), hostComp.AckHead, "AckHead advances by exactly the guest's ack count")
	require.Equal(t, 1, hub.nNotAckGuest)
	require.Equal(t, uint32(2), hw.CompDoorbells[0])
}
