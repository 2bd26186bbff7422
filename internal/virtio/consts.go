package virtio

// Virtio PCI identity. The transitional network device keeps the legacy
// device ID so drivers probing the 0x1000 range find it.
const (
	PCIVendorVirtio  = 0x1af4
	PCIDeviceNet     = 0x1000
	PCISubtypeNet    = 1
	PCIClassNetwork  = 0x02
	PCIRevisionLegacy = 0
)

// PCI config-space register offsets used by device init.
const (
	PCIRVendor  = 0x00
	PCIRDevice  = 0x02
	PCIRRevID   = 0x08
	PCIRClass   = 0x0b
	PCIRSubVend = 0x2c
	PCIRSubDev  = 0x2e
)

// Legacy virtio register window, exposed through an IO BAR. The
// device-specific config area follows immediately after, at
// Softc.CfgOffset.
const (
	RegHostFeatures  = 0  // 4 bytes, RO
	RegGuestFeatures = 4  // 4 bytes, RW
	RegQueuePFN      = 8  // 4 bytes, RW
	RegQueueNum      = 12 // 2 bytes, RO
	RegQueueSel      = 14 // 2 bytes, RW
	RegQueueNotify   = 16 // 2 bytes, WO
	RegStatus        = 18 // 1 byte, RW
	RegISR           = 19 // 1 byte, RO (read clears)
	RegMSIXCfgVector = 20 // 2 bytes, RW (MSI-X only)
	RegMSIXQVector   = 22 // 2 bytes, RW (MSI-X only)

	cfgOffsetNoMSIX = 20
	cfgOffsetMSIX   = 24
)

// Device-independent feature bits.
const (
	FNotifyOnEmpty    = uint64(1) << 24
	FRingIndirectDesc = uint64(1) << 28
	FRingEventIdx     = uint64(1) << 29
)

// virtio-net feature bits. Only a subset is advertised by the frontend; the
// rest are contributed by backends that can honor them.
const (
	NetFCsum      = uint64(1) << 0
	NetFGuestCsum = uint64(1) << 1
	NetFMac       = uint64(1) << 5
	NetFGuestTSO4 = uint64(1) << 7
	NetFGuestTSO6 = uint64(1) << 8
	NetFHostTSO4  = uint64(1) << 11
	NetFHostTSO6  = uint64(1) << 12
	NetFMrgRxBuf  = uint64(1) << 15
	NetFStatus    = uint64(1) << 16
)

// Split-ring descriptor flags and ring layout constants.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1

	ringAlign = 4096
	pfnShift  = 12

	descSize = 16
)

// ISR bits.
const (
	isrQueues = 0x1
)

// MSIXNoVector marks an unrouted MSI-X vector register.
const MSIXNoVector = 0xffff
