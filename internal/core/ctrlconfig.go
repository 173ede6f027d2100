package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/nvme-shadow/internal/constants"
)

// ctrlState is the CC.EN x CC.SHN x CSTS.RDY state machine that governs
// controller enable, shutdown, and reset.
type ctrlState int

const (
	stateDisabled ctrlState = iota
	stateEnabling
	stateEnabled
	stateResetting
)

// CtrlConfig drives CC/CSTS/AQA/ASQ/ACQ/NSSRC as the controller-configuration
// state machine. It owns the handful of register values this core does not
// simply pass through to hardware.
type CtrlConfig struct {
	mu    sync.Mutex
	host  *Host
	state ctrlState

	dstrd uint32 // latched from CAP.DSTRD at bind time

	aqa uint32
	asq uint64
	acq uint64

	// ccShadow is the last CC value this core wrote, used to detect the
	// EN 0->1 / EN 1->0 / SHN edges on the next write.
	ccShadow uint32

	loggedInitDone bool
}

func newCtrlConfig(h *Host) *CtrlConfig {
	c := &CtrlConfig{host: h}
	raw, err := h.hw.ReadReg(constants.RegCAP, 8)
	if err == nil {
		c.dstrd = uint32((raw >> constants.CAPDSTRDShift) & constants.CAPDSTRDMask)
	}
	return c
}

// ReadCAP synthesizes the CAP register: the raw hardware value with CQR
// forced to 1, since this core only supports physically-contiguous queues.
func (c *CtrlConfig) ReadCAP() (uint64, error) {
	raw, err := c.host.hw.ReadReg(constants.RegCAP, 8)
	if err != nil {
		return 0, err
	}
	return raw | (1 << constants.CAPCQRBit), nil
}

// ReadVS is a plain passthrough.
func (c *CtrlConfig) ReadVS() (uint64, error) {
	return c.host.hw.ReadReg(constants.RegVS, 4)
}

// AQA/ASQ/ACQ return the guest's latched values (never forwarded to
// hardware directly; only consumed when building the host admin queues).
func (c *CtrlConfig) AQA() uint32 { c.mu.Lock(); defer c.mu.Unlock(); return c.aqa }
func (c *CtrlConfig) ASQ() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.asq }
func (c *CtrlConfig) ACQ() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.acq }

func (c *CtrlConfig) WriteAQA(val uint32) error {
	c.mu.Lock()
	c.aqa = val
	c.mu.Unlock()
	return nil
}

func (c *CtrlConfig) WriteASQ(val uint64) error {
	c.mu.Lock()
	c.asq = val
	c.mu.Unlock()
	return nil
}

func (c *CtrlConfig) WriteACQ(val uint64) error {
	c.mu.Lock()
	c.acq = val
	c.mu.Unlock()
	return nil
}

// ReadCC returns the shadow CC value this core last wrote.
func (c *CtrlConfig) ReadCC() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.ccShadow), nil
}

// ReadCSTS passes the hardware CSTS register through, logging diagnostics
// on CFS/NSSRO/PP and observing the RDY-bit transitions that drive this
// state machine forward
func (c *CtrlConfig) ReadCSTS() (uint64, error) {
	raw, err := c.host.hw.ReadReg(constants.RegCSTS, 4)
	if err != nil {
		return 0, err
	}

	if raw&(1<<constants.CSTSCFSBit) != 0 {
		c.host.logger.Error("controller fatal status observed", "csts", fmt.Sprintf("0x%x", raw))
		c.host.issueErrorLogDrain()
	}
	if raw&(1<<constants.CSTSNSSROBit) != 0 {
		c.host.logger.Warn("NSSRO set: subsystem reset occurred", "csts", fmt.Sprintf("0x%x", raw))
	}
	if raw&(1<<constants.CSTSPPBit) != 0 {
		c.host.logger.Debug("processing paused", "csts", fmt.Sprintf("0x%x", raw))
	}

	rdy := raw&(1<<constants.CSTSReadyBit) != 0

	c.mu.Lock()
	switch {
	case c.state == stateEnabling && rdy:
		c.state = stateEnabled
		c.loggedInitDone = true
		c.mu.Unlock()
		c.host.logger.Info("nvme_initialization_done")
	case c.state == stateResetting && !rdy:
		c.state = stateDisabled
		c.mu.Unlock()
		c.finishReset()
	default:
		c.mu.Unlock()
	}

	return raw, nil
}

// WriteCC drives the enable/reset half of the state machine. CC writes are
// always forwarded to hardware (with the ANS2 IOSQES patch applied) after
// this core's own bookkeeping, since the physical controller is the one
// that actually flips CSTS.RDY.
func (c *CtrlConfig) WriteCC(val uint32) error {
	c.mu.Lock()
	prevEnabled := c.ccShadow&(1<<constants.CCEnableBit) != 0
	newEnabled := val&(1<<constants.CCEnableBit) != 0
	shn := (val >> constants.CCSHNShift) & constants.CCSHNMask
	state := c.state
	c.mu.Unlock()

	switch {
	case !prevEnabled && newEnabled:
		if state != stateDisabled {
			panic(fmt.Sprintf("core: guest CC.EN 0->1 while already enabled (state=%d)", state))
		}
		if err := c.onEnable(val); err != nil {
			return err
		}
	case prevEnabled && newEnabled && shn == 0:
		panic(fmt.Sprintf("core: guest CC.EN 0->1 while already enabled (state=%d)", state))
	case prevEnabled && (!newEnabled || shn != 0):
		c.onDisableOrShutdown()
	}

	c.mu.Lock()
	c.ccShadow = val
	c.mu.Unlock()

	hwVal := val
	if c.host.params.AppleANS2Wrapper {
		hwVal = patchIOSQESForANS2(val)
	}
	return c.host.hw.WriteReg(constants.RegCC, 4, uint64(hwVal))
}

// patchIOSQESForANS2 rewrites the IOSQES field so the hardware sees
// 128-byte submission entries while the guest continues to see 64
//
func patchIOSQESForANS2(cc uint32) uint32 {
	const ans2IOSQESLog2 = 7 // log2(128)
	cc &^= constants.CCIOSQESMask << constants.CCIOSQESShift
	cc |= (ans2IOSQESLog2 & constants.CCIOSQESMask) << constants.CCIOSQESShift
	return cc
}

// onEnable validates the guest's negotiated capabilities, latches them, and
// builds the host admin queue pair from the guest's AQA/ASQ/ACQ.
func (c *CtrlConfig) onEnable(cc uint32) error {
	css := (cc >> constants.CCCSSShift) & constants.CCCSSMask
	if css != 0 {
		panic(fmt.Sprintf("core: guest negotiated unsupported command set %d", css))
	}
	mps := (cc >> constants.CCMPSShift) & constants.CCMPSMask
	if (1 << (12 + mps)) != constants.RequiredPageSize {
		panic(fmt.Sprintf("core: guest negotiated unsupported memory page size 2^%d", 12+mps))
	}
	iocqes := (cc >> constants.CCIOCQESShift) & constants.CCIOCQESMask
	if (1 << iocqes) != constants.RequiredCompletionEntrySize {
		panic(fmt.Sprintf("core: guest negotiated unsupported completion entry size 2^%d", iocqes))
	}
	iosqes := (cc >> constants.CCIOSQESShift) & constants.CCIOSQESMask
	if !c.host.params.AppleANS2Wrapper && (1<<iosqes) != constants.GuestSubmissionEntrySize {
		panic(fmt.Sprintf("core: guest negotiated unsupported submission entry size 2^%d", iosqes))
	}

	c.mu.Lock()
	c.state = stateEnabling
	aqa, asq, acq := c.aqa, c.asq, c.acq
	c.mu.Unlock()

	gSubmEntries := (aqa & 0xFFF) + 1
	gCompEntries := ((aqa >> 16) & 0xFFF) + 1

	if err := c.host.initAdminQueues(uint16(gSubmEntries), uint16(gCompEntries), asq, acq); err != nil {
		return err
	}
	return nil
}

// onDisableOrShutdown performs the "resetting" action: wait for outstanding
// completions (via the interceptor's CanStop hook if present), free all
// queues, clear admin-queue registers, and clear the namespace table. The
// transition to "disabled" itself waits for hardware to clear CSTS.RDY,
// observed on the next ReadCSTS.
func (c *CtrlConfig) onDisableOrShutdown() {
	c.mu.Lock()
	c.state = stateResetting
	c.mu.Unlock()

	c.host.waitForCanStop()
	c.host.freeAllQueues()

	c.mu.Lock()
	c.aqa, c.asq, c.acq = 0, 0, 0
	c.mu.Unlock()
}

// WriteNSSRC triggers a subsystem reset when the guest writes the magic
// value, identical in effect to an EN 1->0/SHN transition
func (c *CtrlConfig) WriteNSSRC(val uint32) error {
	if val == constants.NSSRCMagic {
		c.onDisableOrShutdown()
	}
	return c.host.hw.WriteReg(constants.RegNSSRC, 4, uint64(val))
}

// finishReset clears the last of the shadow register state once hardware
// has confirmed CSTS.RDY low.
func (c *CtrlConfig) finishReset() {
	c.mu.Lock()
	c.ccShadow = 0
	c.mu.Unlock()
	c.host.logger.Info("controller reset complete")
}

// waitForCanStop polls the active interceptor's CanStop hook, yielding
// between checks. With no interceptor installed
// this returns immediately.
func (h *Host) waitForCanStop() {
	ic := h.Interceptor
	if ic == nil || ic.CanStop == nil {
		return
	}
	for !ic.CanStop(ic.Self) {
		time.Sleep(time.Millisecond)
	}
}
