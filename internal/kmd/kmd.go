// Package kmd talks to the tenstorrent kernel-mode driver. It owns the ioctl
// ABI, device node enumeration, and the memory mappings the driver hands out.
// Everything above this package works in terms of the Conn and Driver
// interfaces so the hardware can be replaced by a simulator in tests.
package kmd

import "fmt"

// DeviceInfo is the decoded response of the get-device-info ioctl.
type DeviceInfo struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	BusDevFn          uint16
	MaxDMABufSizeLog2 uint16
	PCIDomain         uint16
}

// BDF returns the PCI domain:bus:device.function identity of the device.
func (i DeviceInfo) BDF() string {
	return FormatBDF(i.PCIDomain, i.BusDevFn)
}

// FormatBDF renders a PCI identity the way sysfs spells it. bus_dev_fn packs
// bus in bits [15:8], device in [7:3] and function in [2:0].
func FormatBDF(pciDomain uint16, busDevFn uint16) string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x",
		pciDomain, (busDevFn>>8)&0xFF, (busDevFn>>3)&0x1F, busDevFn&0x7)
}

// Mapping is one entry of the query-mappings ioctl response. MappingBase is an
// mmap offset on the device file, not a physical address.
type Mapping struct {
	ID   uint32
	Base uint64
	Size uint64
}

// TLBAllocation identifies a kernel-allocated TLB entry and the mmap offsets
// for its uncached and write-combined views.
type TLBAllocation struct {
	ID           uint32
	MmapOffsetUC uint64
	MmapOffsetWC uint64
}

// Conn is one open handle on a device node. A Conn is owned by a single
// goroutine; the driver serializes access at the kernel boundary.
type Conn interface {
	// DeviceInfo issues the get-device-info ioctl.
	DeviceInfo() (DeviceInfo, error)

	// QueryMappings returns up to count resource mappings.
	QueryMappings(count int) ([]Mapping, error)

	// ResetDevice issues the reset ioctl with one of the Reset* flags and
	// returns the driver's result code.
	ResetDevice(flags uint32) (uint32, error)

	// AllocateTLB asks the kernel for a TLB entry of the given window size.
	AllocateTLB(size uint64) (TLBAllocation, error)

	// FreeTLB returns a TLB entry to the kernel.
	FreeTLB(id uint32) error

	// ConfigureTLB reprograms the on-chip target of a TLB entry. It does not
	// touch any process mapping; accesses through an existing mapping observe
	// the new target immediately.
	ConfigureTLB(id uint32, cfg NocTLBConfig) error

	// MapTLB maps the uncached and write-combined views of an allocated TLB
	// entry into process memory.
	MapTLB(alloc TLBAllocation, size uint64) (uc, wc []byte, err error)

	// UnmapTLB releases mappings returned by MapTLB.
	UnmapTLB(uc, wc []byte) error

	// MapResource maps one BAR resource described by a Mapping.
	MapResource(m Mapping) ([]byte, error)

	// UnmapResource releases a mapping returned by MapResource.
	UnmapResource(b []byte) error

	Close() error
}

// Driver enumerates and opens device nodes for one device class.
type Driver interface {
	// Devices lists the device node paths, numerically named nodes only.
	Devices() ([]string, error)

	// Open opens one device node.
	Open(path string) (Conn, error)

	// CardType reads the per-node sysfs card type attribute, trimmed.
	CardType(path string) (string, error)
}
