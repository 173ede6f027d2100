// Command nvme-shadow is a runnable demonstration of the shadow-queue core
// against an in-memory fake controller: it installs the storage encryption
// interceptor, latches the admin queue registers, enables the controller,
// and prints the resulting metrics. It creates no I/O queues and submits no
// commands. It exists to
// show how a hypervisor wires Device to its real collaborators; it is not
// a production tool.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	nvmeshadow "github.com/ehrlich-b/nvme-shadow"
	"github.com/ehrlich-b/nvme-shadow/internal/constants"
	"github.com/ehrlich-b/nvme-shadow/interceptors/encrypt"

	"github.com/ehrlich-b/nvme-shadow/internal/logging"
)

func main() {
	var verbose = flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	hw := nvmeshadow.NewFakeHardware(4)
	inj := nvmeshadow.NewFakeInjector()

	gm, err := nvmeshadow.NewFakeGuestMemory(16 * 1024 * 1024)
	if err != nil {
		logger.Error("failed to create guest memory", "error", err)
		os.Exit(1)
	}
	dma := nvmeshadow.NewFakeDMAPool()

	params := nvmeshadow.DefaultParams()
	params.VendorID = 0x106b
	params.DeviceID = 0x2005

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	ic, err := encrypt.New(key, logger)
	if err != nil {
		logger.Error("failed to construct encrypt interceptor", "error", err)
		os.Exit(1)
	}

	opts := &nvmeshadow.Options{
		Logger:      logger,
		Interceptor: ic.ABI(),
	}

	dev, err := nvmeshadow.NewDevice(params, opts, hw, inj, gm, dma)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}

	logger.Info("device created", "vendor", params.VendorID, "device", params.DeviceID)

	// Latch AQA/ASQ/ACQ, then flip CC.EN, mirroring what a guest's NVMe
	// driver does at boot. The admin queue pair is sized to 4 entries each.
	aqa := uint32(3) | (uint32(3) << 16)
	writeReg(dev, constants.RegAQA, 4, uint64(aqa))
	writeReg(dev, constants.RegASQ, 8, 0x10000)
	writeReg(dev, constants.RegACQ, 8, 0x20000)

	cc := uint32(1) << constants.CCEnableBit
	cc |= 6 << constants.CCIOSQESShift // 2^6 = 64B
	cc |= 4 << constants.CCIOCQESShift // 2^4 = 16B
	writeReg(dev, constants.RegCC, 4, uint64(cc))

	// The fake controller doesn't flip CSTS.RDY on its own; a real one
	// would. Simulate firmware bringing the controller up, then let the
	// core observe it on its next CSTS read.
	hw.WriteReg(constants.RegCSTS, 4, 1<<constants.CSTSReadyBit)
	readReg(dev, constants.RegCSTS, 4)

	logger.Info("controller enabled")

	snap := dev.Metrics()
	fmt.Printf("guest requests submitted: %d\n", snap.GuestRequestsSubmitted)
	fmt.Printf("guest completions: %d\n", snap.GuestCompletions)
	fmt.Printf("interceptor pauses: %d\n", snap.InterceptorPauses)
	fmt.Printf("injected MSI-X vectors: %v\n", inj.Injected)
}

func writeReg(dev *nvmeshadow.Device, offset uint32, width int, val uint64) {
	buf := make([]byte, width)
	if width == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(val))
	} else {
		binary.LittleEndian.PutUint64(buf, val)
	}
	if err := dev.MMIOAccess(nvmeshadow.BAR0, offset, true, buf); err != nil {
		fmt.Fprintf(os.Stderr, "mmio write offset=0x%x: %v\n", offset, err)
	}
}

func readReg(dev *nvmeshadow.Device, offset uint32, width int) uint64 {
	buf := make([]byte, width)
	if err := dev.MMIOAccess(nvmeshadow.BAR0, offset, false, buf); err != nil {
		fmt.Fprintf(os.Stderr, "mmio read offset=0x%x: %v\n", offset, err)
		return 0
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}
