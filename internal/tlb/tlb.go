// Package tlb manages the driver's address-translation windows: scarce
// kernel-allocated slots that map a fixed-size virtual window onto an
// arbitrary NoC address. A Window is acquired, reconfigured any number of
// times, and must be released exactly once; use With for scoped use.
package tlb

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/openbh/internal/kmd"
)

// Size is a TLB window size class. Allocation sizes are fixed powers of two.
type Size uint64

const (
	Size2M Size = 2 << 20
	Size4G Size = 4 << 30
)

// Mode selects the ordering semantics of an access.
//
// ModeStrict routes through the uncached mapping: every access is individually
// ordered and flushed, as required for control and status registers and for
// the final access of any sequence another agent depends on.
//
// ModeOrderedBulk routes through the write-combined mapping for throughput.
// Only aggregate completion is guaranteed; a caller must follow bulk writes
// with a strict access before relying on the data having landed.
type Mode int

const (
	ModeStrict Mode = iota
	ModeOrderedBulk
)

func (m Mode) ordering() uint8 {
	if m == ModeStrict {
		return kmd.OrderingStrict
	}
	return kmd.OrderingRelaxed
}

// Coord is a NoC tile coordinate.
type Coord struct {
	X, Y uint16
}

// Config describes a window target. It is a plain value; copy and mutate
// freely between Configure calls.
type Config struct {
	// Addr is the target NoC address. Configure aligns it down to the window
	// size class; track the within-window remainder with AlignDown.
	Addr uint64

	// Start and End bound the target coordinate rectangle, inclusive.
	// For unicast targets Start == End.
	Start, End Coord

	// NoC selects the network plane.
	NoC uint8

	// Multicast replicates every write to all tiles in the rectangle.
	// Reads through a multicast window are undefined and rejected.
	Multicast bool

	// Mode is the ordering mode programmed into the window.
	Mode Mode
}

// AlignDown returns the largest size-aligned base not above addr, and the
// remainder such that base+off == addr.
func AlignDown(addr uint64, size Size) (base, off uint64) {
	base = addr &^ (uint64(size) - 1)
	return base, addr - base
}

// Window is a scoped lease of one kernel TLB slot plus its process mappings.
type Window struct {
	conn  kmd.Conn
	size  Size
	alloc kmd.TLBAllocation
	uc    []byte
	wc    []byte

	cfg        Config
	configured bool
	released   bool
}

// Acquire allocates a TLB slot of the given size class and maps both its
// views. If cfg is non-nil the window is configured before returning. On any
// failure nothing stays allocated at the kernel.
func Acquire(conn kmd.Conn, size Size, cfg *Config) (*Window, error) {
	alloc, err := conn.AllocateTLB(uint64(size))
	if err != nil {
		return nil, fmt.Errorf("tlb: acquire window: %w", err)
	}

	uc, wc, err := conn.MapTLB(alloc, uint64(size))
	if err != nil {
		conn.FreeTLB(alloc.ID)
		return nil, fmt.Errorf("tlb: acquire window: %w", err)
	}

	w := &Window{conn: conn, size: size, alloc: alloc, uc: uc, wc: wc}
	if cfg != nil {
		if err := w.Configure(*cfg); err != nil {
			w.Release()
			return nil, err
		}
	}
	return w, nil
}

// With acquires a window, runs fn, and releases the window on every path.
func With(conn kmd.Conn, size Size, cfg *Config, fn func(*Window) error) error {
	w, err := Acquire(conn, size, cfg)
	if err != nil {
		return err
	}
	err = fn(w)
	if rerr := w.Release(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Size returns the window size class in bytes.
func (w *Window) Size() uint64 { return uint64(w.size) }

// Configure reprograms the window's on-chip target. The process mappings are
// untouched; subsequent accesses observe the new target immediately.
func (w *Window) Configure(cfg Config) error {
	if w.released {
		return fmt.Errorf("tlb: configure: window already released")
	}

	cfg.Addr, _ = AlignDown(cfg.Addr, w.size)

	mcast := uint8(0)
	if cfg.Multicast {
		mcast = 1
	}
	err := w.conn.ConfigureTLB(w.alloc.ID, kmd.NocTLBConfig{
		Addr:     cfg.Addr,
		XStart:   cfg.Start.X,
		YStart:   cfg.Start.Y,
		XEnd:     cfg.End.X,
		YEnd:     cfg.End.Y,
		NoC:      cfg.NoC,
		Mcast:    mcast,
		Ordering: cfg.Mode.ordering(),
	})
	if err != nil {
		return fmt.Errorf("tlb: configure: %w", err)
	}

	w.cfg = cfg
	w.configured = true
	return nil
}

// Config returns the last applied configuration.
func (w *Window) Config() Config { return w.cfg }

func (w *Window) checkAccess(off, n uint64, read bool) error {
	if w.released {
		return fmt.Errorf("tlb: access on released window")
	}
	if !w.configured {
		return fmt.Errorf("tlb: access on unconfigured window")
	}
	if read && w.cfg.Multicast {
		return fmt.Errorf("tlb: read through multicast window is undefined")
	}
	if off+n > uint64(w.size) || off+n < off {
		return fmt.Errorf("tlb: access [%#x, %#x) outside window of size %#x", off, off+n, w.size)
	}
	return nil
}

// Read32 performs a single strongly ordered 32-bit read at a 4-byte aligned
// window offset.
func (w *Window) Read32(off uint64) (uint32, error) {
	if err := w.checkAccess(off, 4, true); err != nil {
		return 0, err
	}
	if off%4 != 0 {
		return 0, fmt.Errorf("tlb: read32 at unaligned offset %#x", off)
	}
	return *(*uint32)(unsafe.Pointer(&w.uc[off])), nil
}

// Write32 performs a single strongly ordered 32-bit write at a 4-byte aligned
// window offset.
func (w *Window) Write32(off uint64, v uint32) error {
	if err := w.checkAccess(off, 4, false); err != nil {
		return err
	}
	if off%4 != 0 {
		return fmt.Errorf("tlb: write32 at unaligned offset %#x", off)
	}
	*(*uint32)(unsafe.Pointer(&w.uc[off])) = v
	return nil
}

// Read fills p from the window at off through the uncached view.
func (w *Window) Read(off uint64, p []byte) error {
	if err := w.checkAccess(off, uint64(len(p)), true); err != nil {
		return err
	}
	copy(p, w.uc[off:off+uint64(len(p))])
	return nil
}

// Write copies p into the window at off. mode selects the view: ModeStrict
// for ordered register traffic, ModeOrderedBulk for write-combined payloads.
func (w *Window) Write(off uint64, p []byte, mode Mode) error {
	if err := w.checkAccess(off, uint64(len(p)), false); err != nil {
		return err
	}
	dst := w.uc
	if mode == ModeOrderedBulk {
		dst = w.wc
	}
	copy(dst[off:off+uint64(len(p))], p)
	return nil
}

// Release unmaps the window and frees the kernel slot. It is safe to call
// more than once; only the first call does work.
func (w *Window) Release() error {
	if w.released {
		return nil
	}
	w.released = true

	err := w.conn.UnmapTLB(w.uc, w.wc)
	w.uc, w.wc = nil, nil

	if ferr := w.conn.FreeTLB(w.alloc.ID); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return fmt.Errorf("tlb: release: %w", err)
	}
	return nil
}
