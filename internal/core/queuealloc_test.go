package core

import (
	"testing"

	"github.com/ehrlich-b/nvme-shadow/internal/iocmd"
	"github.com/stretchr/testify/require"
)

func TestWrapAdvanceAckCount(t *testing.T) {
	require.Equal(t, uint16(1), wrap(0, 4))
	require.Equal(t, uint16(0), wrap(3, 4))

	require.Equal(t, uint16(3), advance(1, 2, 8))
	require.Equal(t, uint16(1), advance(7, 2, 8))

	require.Equal(t, uint16(3), ackCount(1, 4, 8))
	require.Equal(t, uint16(2), ackCount(7, 1, 8))
	require.Equal(t, uint16(0), ackCount(4, 4, 8))
}

// TestSlotExhaustion verifies a SubmSlot with N entries
// hands out exactly N live CIDs before getFreeSlot fails, and the ring
// never silently wraps into a slot that is still in use.
func TestSlotExhaustion(t *testing.T) {
	const n = 4
	s := newSubmSlot(0, n)

	var cids []uint16
	for i := 0; i < n; i++ {
		cid, ok := s.getFreeSlot()
		if !ok {
			break
		}
		s.slots[cid] = &iocmd.Request{}
		s.nSlotsUsed++
		cids = append(cids, cid)
	}

	require.Len(t, cids, n, "getFreeSlot should hand out every slot before failing")

	_, ok := s.getFreeSlot()
	require.False(t, ok, "getFreeSlot must fail once every slot is occupied")
}

// TestNextSlotCursorDoesNotReturnToFreedSlot checks the ANS2
// anti-duplicate-tag cursor: getFreeSlot moves nextSlot past every slot it
// hands out, so after slots 0 and 1 are allocated and slot 0 is freed, the
// next allocation is slot 2, not slot 0.
func TestNextSlotCursorDoesNotReturnToFreedSlot(t *testing.T) {
	const n = 4
	s := newSubmSlot(0, n)

	cid0, ok := s.getFreeSlot()
	require.True(t, ok)
	s.slots[cid0] = &iocmd.Request{}

	cid1, ok := s.getFreeSlot()
	require.True(t, ok)
	require.NotEqual(t, cid0, cid1)
	s.slots[cid1] = &iocmd.Request{}

	// Free cid0 immediately, then allocate again: the cursor must not loop
	// back to cid0 on the very next call.
	s.slots[cid0] = nil
	cid2, ok := s.getFreeSlot()
	require.True(t, ok)
	require.NotEqual(t, cid0, cid2, "freed slot must not be reused on the immediately following allocation")
}
