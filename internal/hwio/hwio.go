// Package hwio defines the boundary between the core and the physical (or
// emulated) NVMe controller and interrupt-delivery path. These are fixed,
// externally supplied contracts: this core never opens a PCI BAR or
// programs an interrupt controller itself.
package hwio

import "errors"

// ErrNotReady is returned by Hardware operations attempted before the
// controller's BAR0 region has been mapped.
var ErrNotReady = errors.New("hwio: controller not mapped")

// Hardware is the physical (or virtualized) NVMe controller's register and
// doorbell surface. The core never touches BAR0 memory directly; every
// register access and doorbell ring goes through this interface so it can
// be faked in tests.
type Hardware interface {
	// ReadReg reads width bytes (4 or 8) at the given BAR0 offset.
	ReadReg(offset uint32, width int) (uint64, error)

	// WriteReg writes width bytes (4 or 8) at the given BAR0 offset.
	WriteReg(offset uint32, width int, value uint64) error

	// RingSubmissionDoorbell rings the submission doorbell for qid at the
	// given stride-scaled offset, with the new tail value.
	RingSubmissionDoorbell(qid uint16, stride uint32, tail uint32) error

	// RingCompletionDoorbell rings the completion doorbell for qid with the
	// new head value.
	RingCompletionDoorbell(qid uint16, stride uint32, head uint32) error

	// DoorbellStride returns 4 << CAP.DSTRD, the byte stride between
	// successive queues' doorbell registers.
	DoorbellStride() uint32
}

// InterruptInjector delivers MSI-X vectors into the guest on behalf of a
// completion queue. Like Hardware, this is an external fixed contract: MSI-X
// table programming and guest interrupt delivery happen outside this core.
type InterruptInjector interface {
	// InjectMSIX raises the MSI-X vector associated with compQueueID.
	InjectMSIX(compQueueID uint16) error
}
