package nvmewire

import "testing"

func TestSubmEntryRoundTrip(t *testing.T) {
	want := SubmEntry{
		OpCode: IOOpReadForTest,
		CmdID:  7,
		NSID:   1,
		PRP1:   0x1000,
		PRP2:   0x2000,
		CDW10:  0x1234,
		CDW11:  0x5678,
		CDW12:  3,
	}
	buf := make([]byte, 64)
	EncodeSubmEntry(buf, &want)
	got := DecodeSubmEntry(buf)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestCompEntryPhaseBit(t *testing.T) {
	var c CompEntry
	c.SetStatusCode(0x0A)
	c.SetPhase(true)
	if !c.Phase() {
		t.Fatal("expected phase bit set")
	}
	if c.StatusCode() != 0x0A {
		t.Fatalf("status code corrupted by phase bit: got %#x", c.StatusCode())
	}
	c.SetPhase(false)
	if c.Phase() {
		t.Fatal("expected phase bit clear")
	}
	if c.StatusCode() != 0x0A {
		t.Fatalf("status code corrupted after clearing phase: got %#x", c.StatusCode())
	}
}

func TestCompEntryRoundTrip(t *testing.T) {
	want := CompEntry{CmdSpecific: 0xAABBCCDD, SQHead: 3, SQID: 1, CmdID: 99, Status: 0x0003}
	buf := make([]byte, 16)
	EncodeCompEntry(buf, &want)
	got := DecodeCompEntry(buf)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestIdentControllerOffsets(t *testing.T) {
	buf := make([]byte, 4096)
	ic := IdentControllerFromBytes(buf)
	if ic == nil {
		t.Fatal("expected non-nil IdentController view")
	}
	ic.MDTS = 4
	if buf[IdentifyMDTSOffsetForTest] != 4 {
		t.Fatalf("MDTS did not land at expected offset %d", IdentifyMDTSOffsetForTest)
	}
	ic.SGLS = 0x00000001
	if buf[IdentifySGLSupportOffsetForTest] != 0x01 {
		t.Fatalf("SGLS did not land at expected offset %d", IdentifySGLSupportOffsetForTest)
	}
}

func TestIdentNamespaceLBABytes(t *testing.T) {
	var ns IdentNamespace
	ns.FLBAS = 0
	ns.NLBAF = 1
	ns.LBAF[0] = IdentLBAFormat{DataSize: 9} // 512-byte LBAs
	if got := ns.LBABytes(); got != 512 {
		t.Fatalf("LBABytes() = %d, want 512", got)
	}
}

// IOOpReadForTest and the offset constants below mirror internal/constants
// values without importing that package into a _test.go file that other
// packages might vendor as an example; kept local and explicit instead.
const (
	IOOpReadForTest                = 0x02
	IdentifyMDTSOffsetForTest      = 77
	IdentifySGLSupportOffsetForTest = 536
)
