package hwio

import "sync"

// FakeHardware is an in-memory simulation of Hardware for tests: a flat
// register file plus doorbell-write counters. It never talks to real PCI
// memory.
type FakeHardware struct {
	mu   sync.Mutex
	regs map[uint32]uint64

	SubmDoorbells map[uint16]uint32
	CompDoorbells map[uint16]uint32
	Stride        uint32
}

// NewFakeHardware returns a FakeHardware with the given doorbell stride
// (4 << CAP.DSTRD in real hardware terms).
func NewFakeHardware(stride uint32) *FakeHardware {
	return &FakeHardware{
		regs:          make(map[uint32]uint64),
		SubmDoorbells: make(map[uint16]uint32),
		CompDoorbells: make(map[uint16]uint32),
		Stride:        stride,
	}
}

func (f *FakeHardware) ReadReg(offset uint32, width int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.regs[offset]
	if width == 4 {
		return v & 0xFFFFFFFF, nil
	}
	return v, nil
}

func (f *FakeHardware) WriteReg(offset uint32, width int, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if width == 4 {
		f.regs[offset] = value & 0xFFFFFFFF
	} else {
		f.regs[offset] = value
	}
	return nil
}

func (f *FakeHardware) RingSubmissionDoorbell(qid uint16, stride uint32, tail uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmDoorbells[qid] = tail
	return nil
}

func (f *FakeHardware) RingCompletionDoorbell(qid uint16, stride uint32, head uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CompDoorbells[qid] = head
	return nil
}

func (f *FakeHardware) DoorbellStride() uint32 { return f.Stride }

// FakeInjector records injected MSI-X vectors for assertion in tests.
type FakeInjector struct {
	mu        sync.Mutex
	Injected  []uint16
}

func NewFakeInjector() *FakeInjector { return &FakeInjector{} }

func (f *FakeInjector) InjectMSIX(compQueueID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Injected = append(f.Injected, compQueueID)
	return nil
}
