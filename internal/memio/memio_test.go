package memio

import (
	"bytes"
	"testing"
)

func TestWalkPRPSinglePage(t *testing.T) {
	gm, err := NewFakeGuestMemory(64 * 1024)
	if err != nil {
		t.Fatalf("NewFakeGuestMemory: %v", err)
	}
	defer gm.Close()

	want := bytes.Repeat([]byte{0xAB}, 2048)
	base := uint64(gm.PageSize())
	page, err := gm.Map(base, len(want), true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	copy(page, want)

	gb, err := WalkPRP(gm, base, 0, len(want), false)
	if err != nil {
		t.Fatalf("WalkPRP: %v", err)
	}
	if gb.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", gb.Len(), len(want))
	}
	got := make([]byte, len(want))
	gb.CopyTo(got, 0)
	if !bytes.Equal(got, want) {
		t.Fatal("copied data mismatch")
	}
}

func TestWalkPRPTwoPagesViaPRP2Direct(t *testing.T) {
	gm, err := NewFakeGuestMemory(64 * 1024)
	if err != nil {
		t.Fatalf("NewFakeGuestMemory: %v", err)
	}
	defer gm.Close()

	pageSize := gm.PageSize()
	prp1 := uint64(pageSize)
	prp2 := uint64(pageSize * 2)

	p1, _ := gm.Map(prp1, pageSize, true)
	p2, _ := gm.Map(prp2, pageSize/2, true)
	for i := range p1 {
		p1[i] = 0x11
	}
	for i := range p2 {
		p2[i] = 0x22
	}

	total := pageSize + pageSize/2
	gb, err := WalkPRP(gm, prp1, prp2, total, false)
	if err != nil {
		t.Fatalf("WalkPRP: %v", err)
	}
	if gb.Len() != total {
		t.Fatalf("Len() = %d, want %d", gb.Len(), total)
	}

	got := make([]byte, total)
	gb.CopyTo(got, 0)
	if got[0] != 0x11 || got[pageSize] != 0x22 {
		t.Fatalf("page boundary data mismatch: %#x / %#x", got[0], got[pageSize])
	}
}

func TestWalkPRPWholeBufferInPRP1(t *testing.T) {
	gm, err := NewFakeGuestMemory(64 * 1024)
	if err != nil {
		t.Fatalf("NewFakeGuestMemory: %v", err)
	}
	defer gm.Close()

	base := uint64(gm.PageSize())
	want := bytes.Repeat([]byte{0x42}, 6000)
	page, _ := gm.Map(base, len(want), true)
	copy(page, want)

	gb, err := WalkPRP(gm, base, 0, len(want), true)
	if err != nil {
		t.Fatalf("WalkPRP: %v", err)
	}
	got := make([]byte, len(want))
	gb.CopyTo(got, 0)
	if !bytes.Equal(got, want) {
		t.Fatal("whole-buffer copy mismatch")
	}
}

func TestFakeDMAPoolAllocFree(t *testing.T) {
	pool := NewFakeDMAPool()
	buf, phys, err := pool.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if phys == 0 {
		t.Fatal("expected non-zero physical address")
	}
	if len(buf) < 100 {
		t.Fatalf("buf too small: %d", len(buf))
	}
	if err := pool.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
}
