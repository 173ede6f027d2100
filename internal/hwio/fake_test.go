package hwio

import "testing"

func TestFakeHardwareRegRoundTrip(t *testing.T) {
	hw := NewFakeHardware(4)
	if err := hw.WriteReg(0x14, 4, 0x00004601); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}
	v, err := hw.ReadReg(0x14, 4)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}
	if v != 0x00004601 {
		t.Fatalf("got %#x, want %#x", v, 0x00004601)
	}
}

func TestFakeHardwareDoorbells(t *testing.T) {
	hw := NewFakeHardware(4)
	if err := hw.RingSubmissionDoorbell(1, hw.DoorbellStride(), 7); err != nil {
		t.Fatalf("RingSubmissionDoorbell: %v", err)
	}
	if hw.SubmDoorbells[1] != 7 {
		t.Fatalf("got %d, want 7", hw.SubmDoorbells[1])
	}
}

func TestFakeInjector(t *testing.T) {
	inj := NewFakeInjector()
	_ = inj.InjectMSIX(3)
	_ = inj.InjectMSIX(3)
	if len(inj.Injected) != 2 {
		t.Fatalf("got %d injections, want 2", len(inj.Injected))
	}
}
