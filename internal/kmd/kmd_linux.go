//go:build linux

package kmd

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	devClassDir = "/dev/tenstorrent"
	sysCardType = "/sys/class/tenstorrent/tenstorrent!%s/tt_card_type"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// ioctlRequest encodes a driver ioctl number. The driver uses bare _IO
// requests with no direction or size bits.
func ioctlRequest(nr int) uint64 {
	return uint64(ioctlMagic)<<8 | uint64(nr)
}

type sysConn struct {
	fd int
}

// Open opens one device node for exclusive use by this process.
func Open(path string) (Conn, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kmd: open %s: %w", path, err)
	}
	return &sysConn{fd: fd}, nil
}

func (c *sysConn) DeviceInfo() (DeviceInfo, error) {
	var buf struct {
		in  getDeviceInfoIn
		out getDeviceInfoOut
	}
	buf.in.OutputSizeBytes = uint32(unsafe.Sizeof(buf.out))

	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrGetDeviceInfo), uintptr(unsafe.Pointer(&buf))); err != nil {
		return DeviceInfo{}, fmt.Errorf("kmd: get device info: %w", err)
	}

	return DeviceInfo{
		VendorID:          buf.out.VendorID,
		DeviceID:          buf.out.DeviceID,
		SubsystemVendorID: buf.out.SubsystemVendorID,
		SubsystemID:       buf.out.SubsystemID,
		BusDevFn:          buf.out.BusDevFn,
		MaxDMABufSizeLog2: buf.out.MaxDMABufSizeLog2,
		PCIDomain:         buf.out.PCIDomain,
	}, nil
}

func (c *sysConn) QueryMappings(count int) ([]Mapping, error) {
	const inSize, entSize = 8, 24

	buf := make([]byte, inSize+count*entSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(count))

	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrQueryMappings), uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return nil, fmt.Errorf("kmd: query mappings: %w", err)
	}

	mappings := make([]Mapping, 0, count)
	for i := 0; i < count; i++ {
		ent := buf[inSize+i*entSize:]
		mappings = append(mappings, Mapping{
			ID:   binary.LittleEndian.Uint32(ent[0:4]),
			Base: binary.LittleEndian.Uint64(ent[8:16]),
			Size: binary.LittleEndian.Uint64(ent[16:24]),
		})
	}
	return mappings, nil
}

func (c *sysConn) ResetDevice(flags uint32) (uint32, error) {
	var buf struct {
		in  resetDeviceIn
		out resetDeviceOut
	}
	buf.in.OutputSizeBytes = uint32(unsafe.Sizeof(buf.out))
	buf.in.Flags = flags

	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrResetDevice), uintptr(unsafe.Pointer(&buf))); err != nil {
		return 0, fmt.Errorf("kmd: reset device (flags=%d): %w", flags, err)
	}
	return buf.out.Result, nil
}

func (c *sysConn) AllocateTLB(size uint64) (TLBAllocation, error) {
	var buf struct {
		in  allocateTLBIn
		out allocateTLBOut
	}
	buf.in.Size = size

	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrAllocateTLB), uintptr(unsafe.Pointer(&buf))); err != nil {
		return TLBAllocation{}, fmt.Errorf("kmd: allocate tlb (size=%#x): %w", size, err)
	}

	return TLBAllocation{
		ID:           buf.out.TLBID,
		MmapOffsetUC: buf.out.MmapOffsetUC,
		MmapOffsetWC: buf.out.MmapOffsetWC,
	}, nil
}

func (c *sysConn) FreeTLB(id uint32) error {
	in := freeTLBIn{TLBID: id}
	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrFreeTLB), uintptr(unsafe.Pointer(&in))); err != nil {
		return fmt.Errorf("kmd: free tlb %d: %w", id, err)
	}
	return nil
}

func (c *sysConn) ConfigureTLB(id uint32, cfg NocTLBConfig) error {
	in := configureTLBIn{TLBID: id, Config: cfg}
	if _, err := ioctlWithRetry(uintptr(c.fd), ioctlRequest(nrConfigureTLB), uintptr(unsafe.Pointer(&in))); err != nil {
		return fmt.Errorf("kmd: configure tlb %d (addr=%#x): %w", id, cfg.Addr, err)
	}
	return nil
}

func (c *sysConn) MapTLB(alloc TLBAllocation, size uint64) (uc, wc []byte, err error) {
	uc, err = unix.Mmap(c.fd, int64(alloc.MmapOffsetUC), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("kmd: map tlb %d uc: %w", alloc.ID, err)
	}

	wc, err = unix.Mmap(c.fd, int64(alloc.MmapOffsetWC), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(uc)
		return nil, nil, fmt.Errorf("kmd: map tlb %d wc: %w", alloc.ID, err)
	}

	return uc, wc, nil
}

func (c *sysConn) UnmapTLB(uc, wc []byte) error {
	var firstErr error
	for _, b := range [][]byte{uc, wc} {
		if b == nil {
			continue
		}
		if err := unix.Munmap(b); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kmd: unmap tlb: %w", err)
		}
	}
	return firstErr
}

func (c *sysConn) MapResource(m Mapping) ([]byte, error) {
	b, err := unix.Mmap(c.fd, int64(m.Base), int(m.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kmd: map resource %d (base=%#x size=%#x): %w", m.ID, m.Base, m.Size, err)
	}
	return b, nil
}

func (c *sysConn) UnmapResource(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("kmd: unmap resource: %w", err)
	}
	return nil
}

func (c *sysConn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if err != nil {
		return fmt.Errorf("kmd: close: %w", err)
	}
	return nil
}

type sysDriver struct{}

// System returns the Driver backed by the real device class under /dev.
func System() Driver {
	return sysDriver{}
}

func (sysDriver) Devices() ([]string, error) {
	entries, err := os.ReadDir(devClassDir)
	if err != nil {
		return nil, fmt.Errorf("kmd: list %s: %w", devClassDir, err)
	}

	var paths []string
	for _, ent := range entries {
		if !isOrdinal(ent.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(devClassDir, ent.Name()))
	}
	return paths, nil
}

func (sysDriver) Open(path string) (Conn, error) {
	return Open(path)
}

func (sysDriver) CardType(path string) (string, error) {
	ordinal := filepath.Base(path)
	data, err := os.ReadFile(fmt.Sprintf(sysCardType, ordinal))
	if err != nil {
		return "", fmt.Errorf("kmd: read card type for %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func isOrdinal(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
