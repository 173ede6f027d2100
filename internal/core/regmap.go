package core

import (
	"encoding/binary"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
)

// Region identifies which BAR a guest MMIO access landed on.
type Region int

const (
	// BAR0 is the NVMe controller register set plus the doorbell region.
	BAR0 Region = iota
	// MSIXBAR is the MSI-X vector table/PBA BAR.
	MSIXBAR
)

// RegMap intercepts guest MMIO reads/writes on BAR0 and the MSI-X BAR and
// routes them by offset to per-register handlers
type RegMap struct {
	host *Host
}

func newRegMap(h *Host) *RegMap {
	return &RegMap{host: h}
}

// Access implements mmio_access(region, offset, is_write, buf). Only 4- and
// 8-byte widths carry meaning on these regions; any other width is a
// silent no-op.
func (r *RegMap) Access(region Region, offset uint32, isWrite bool, buf []byte) error {
	width := len(buf)
	if width != 4 && width != 8 {
		return nil
	}

	if region == MSIXBAR {
		return r.accessMSIX(offset, isWrite, buf)
	}

	if offset >= constants.DoorbellBase {
		return r.accessDoorbell(offset, isWrite, buf, width)
	}

	return r.accessRegister(offset, isWrite, buf, width)
}

func (r *RegMap) accessRegister(offset uint32, isWrite bool, buf []byte, width int) error {
	h := r.host
	switch offset {
	case constants.RegCAP:
		return r.passthroughRO(offset, isWrite, buf, width, h.ctrl.ReadCAP)
	case constants.RegVS:
		return r.passthroughRO(offset, isWrite, buf, width, h.ctrl.ReadVS)
	case constants.RegINTMS:
		if isWrite {
			val := decode(buf, width)
			if err := h.hw.WriteReg(offset, width, val); err != nil {
				return newCoreErrorWrap(OpMMIOAccess, 0, err)
			}
			return h.CompPath()
		}
		return r.passthroughRO(offset, isWrite, buf, width, func() (uint64, error) { return h.hw.ReadReg(offset, width) })
	case constants.RegINTMC:
		if isWrite {
			val := decode(buf, width)
			if err := h.hw.WriteReg(offset, width, val); err != nil {
				return newCoreErrorWrap(OpMMIOAccess, 0, err)
			}
			return h.CompPath()
		}
		return r.passthroughRO(offset, isWrite, buf, width, func() (uint64, error) { return h.hw.ReadReg(offset, width) })
	case constants.RegCC:
		if isWrite {
			return h.ctrl.WriteCC(uint32(decode(buf, width)))
		}
		val, err := h.ctrl.ReadCC()
		if err != nil {
			return err
		}
		encode(buf, width, val)
		return nil
	case constants.RegCSTS:
		if isWrite {
			return nil // CSTS is read-only
		}
		val, err := h.ctrl.ReadCSTS()
		if err != nil {
			return err
		}
		encode(buf, width, val)
		return nil
	case constants.RegNSSRC:
		if !isWrite {
			encode(buf, width, 0)
			return nil
		}
		return h.ctrl.WriteNSSRC(uint32(decode(buf, width)))
	case constants.RegAQA:
		if isWrite {
			return h.ctrl.WriteAQA(uint32(decode(buf, width)))
		}
		encode(buf, width, uint64(h.ctrl.AQA()))
		return nil
	case constants.RegASQ:
		if isWrite {
			return h.ctrl.WriteASQ(decode(buf, width))
		}
		encode(buf, width, h.ctrl.ASQ())
		return nil
	case constants.RegACQ:
		if isWrite {
			return h.ctrl.WriteACQ(decode(buf, width))
		}
		encode(buf, width, h.ctrl.ACQ())
		return nil
	case constants.RegCMBLOC, constants.RegCMBSZ:
		// The controller is told it has no CMB; non-goals.
		if isWrite {
			return nil
		}
		encode(buf, width, 0)
		return nil
	default:
		if isWrite {
			return h.hw.WriteReg(offset, width, decode(buf, width))
		}
		val, err := h.hw.ReadReg(offset, width)
		if err != nil {
			return newCoreErrorWrap(OpMMIOAccess, 0, err)
		}
		encode(buf, width, val)
		return nil
	}
}

func (r *RegMap) passthroughRO(offset uint32, isWrite bool, buf []byte, width int, read func() (uint64, error)) error {
	if isWrite {
		return nil
	}
	val, err := read()
	if err != nil {
		return newCoreErrorWrap(OpMMIOAccess, 0, err)
	}
	encode(buf, width, val)
	return nil
}

// accessDoorbell routes a doorbell-region access by index; even indices are
// submission doorbells, odd are completion doorbells for the same queue.
func (r *RegMap) accessDoorbell(offset uint32, isWrite bool, buf []byte, width int) error {
	if !isWrite {
		// Doorbells are write-only in practice; reads observe whatever the
		// hardware register currently holds.
		val, err := r.host.hw.ReadReg(offset, width)
		if err != nil {
			return newCoreErrorWrap(OpMMIOAccess, 0, err)
		}
		encode(buf, width, val)
		return nil
	}

	stride := r.host.hw.DoorbellStride()
	if stride == 0 {
		stride = 4
	}
	idx := (offset - constants.DoorbellBase) / stride
	qid := uint16(idx / 2)
	val := uint32(decode(buf, width))

	if idx%2 == 0 {
		return r.host.onSubmissionDoorbell(qid, uint16(val))
	}
	return r.host.onCompletionDoorbell(qid, uint16(val))
}

// accessMSIX handles the MSI-X BAR. Only vector-mask-clear writes matter to
// this core: they are the signal to re-scan completion queues for entries
// that arrived while the vector was masked.
func (r *RegMap) accessMSIX(offset uint32, isWrite bool, buf []byte) error {
	h := r.host
	if isWrite {
		val := decode(buf, len(buf))
		if err := h.hw.WriteReg(offset, len(buf), val); err != nil {
			return newCoreErrorWrap(OpMMIOAccess, 0, err)
		}
		return h.CompPath()
	}
	val, err := h.hw.ReadReg(offset, len(buf))
	if err != nil {
		return newCoreErrorWrap(OpMMIOAccess, 0, err)
	}
	encode(buf, len(buf), val)
	return nil
}

func decode(buf []byte, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}

func encode(buf []byte, width int, val uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
		return
	}
	binary.LittleEndian.PutUint64(buf, val)
}
