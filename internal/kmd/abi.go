package kmd

// Ioctl ABI for the tenstorrent character device. Layouts mirror the kernel
// driver's uapi header: little-endian, natural alignment, no implicit padding.
// Each ioctl takes a single buffer holding the input struct immediately
// followed by the output struct.

const ioctlMagic = 0xFA

const (
	nrGetDeviceInfo = 0
	nrQueryMappings = 2
	nrResetDevice   = 6
	nrAllocateTLB   = 11
	nrFreeTLB       = 12
	nrConfigureTLB  = 13
)

// Reset ioctl flag values.
const (
	ResetASIC      uint32 = 4
	ResetASICDMC   uint32 = 5
	ResetPostReset uint32 = 6
)

// NoC transaction ordering values programmed into a TLB entry.
const (
	OrderingRelaxed uint8 = 0
	OrderingStrict  uint8 = 1
	OrderingPosted  uint8 = 2
)

type getDeviceInfoIn struct {
	OutputSizeBytes uint32
}

type getDeviceInfoOut struct {
	OutputSizeBytes   uint32
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	BusDevFn          uint16
	MaxDMABufSizeLog2 uint16
	PCIDomain         uint16
	Reserved          uint16
}

type queryMappingsIn struct {
	OutputMappingCount uint32
	Reserved           uint32
}

type mappingOut struct {
	MappingID   uint32
	Reserved    uint32
	MappingBase uint64
	MappingSize uint64
}

type resetDeviceIn struct {
	OutputSizeBytes uint32
	Flags           uint32
}

type resetDeviceOut struct {
	OutputSizeBytes uint32
	Result          uint32
}

type allocateTLBIn struct {
	Size     uint64
	Reserved uint64
}

type allocateTLBOut struct {
	TLBID        uint32
	Reserved0    uint32
	MmapOffsetUC uint64
	MmapOffsetWC uint64
	Reserved1    uint64
}

type freeTLBIn struct {
	TLBID uint32
}

// NocTLBConfig is the hardware-facing target descriptor for one TLB entry.
// Field order and widths match the kernel struct exactly.
type NocTLBConfig struct {
	Addr      uint64
	XEnd      uint16
	YEnd      uint16
	XStart    uint16
	YStart    uint16
	NoC       uint8
	Mcast     uint8
	Ordering  uint8
	Linked    uint8
	StaticVC  uint8
	Reserved0 [3]uint8
	Reserved1 [2]uint32
}

type configureTLBIn struct {
	TLBID    uint32
	Reserved uint32
	Config   NocTLBConfig
}
