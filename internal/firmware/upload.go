package firmware

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/grid"
	"github.com/tinyrange/openbh/internal/kmd"
	"github.com/tinyrange/openbh/internal/tlb"
)

// Uploader pushes firmware into every valid Tensix tile. For each multicast
// column range it holds all cores in reset, streams every segment through a
// write-combined window, then releases the cores with a strict write so the
// release cannot overtake the payload.
type Uploader struct {
	Conn kmd.Conn
	Grid grid.Grid

	// Progress, if set, is called with the payload byte count after each
	// segment lands.
	Progress func(n int)
}

// TotalBytes returns the payload size of an upload, for progress reporting.
func TotalBytes(images []*Image) int {
	n := 0
	for _, img := range images {
		n += img.Bytes()
	}
	return n
}

// Upload loads every image into every valid Tensix tile. Column ranges are
// independent of each other; within one range the assert-reset, payload and
// release-reset steps are strictly ordered.
func (u *Uploader) Upload(images []*Image) error {
	cores := make(map[string]blackhole.Core, len(blackhole.Cores))
	for _, core := range blackhole.Cores {
		cores[core.Name] = core
	}
	for _, img := range images {
		if _, ok := cores[img.Core]; !ok {
			return fmt.Errorf("firmware: unknown core %q", img.Core)
		}
	}

	regBase, regOff := tlb.AlignDown(blackhole.SoftReset0, tlb.Size2M)

	slog.Debug("firmware upload",
		"tiles", len(u.Grid.Tensix),
		"mcast_ranges", len(u.Grid.TensixMcast),
		"cores", len(images),
		"bytes", TotalBytes(images))

	cfg := tlb.Config{
		Addr:      regBase,
		NoC:       0,
		Multicast: true,
		Mode:      tlb.ModeStrict,
	}

	return tlb.With(u.Conn, tlb.Size2M, nil, func(w *tlb.Window) error {
		for _, r := range u.Grid.TensixMcast {
			cfg.Start = tlb.Coord{X: uint16(r.Start), Y: blackhole.TensixRowStart}
			cfg.End = tlb.Coord{X: uint16(r.End), Y: blackhole.TensixRowEnd}

			// Hold every targeted core quiescent before code lands.
			cfg.Addr, cfg.Mode = regBase, tlb.ModeStrict
			if err := w.Configure(cfg); err != nil {
				return err
			}
			if err := w.Write32(regOff, blackhole.SoftResetAll); err != nil {
				return err
			}

			cfg.Mode = tlb.ModeOrderedBulk
			for _, img := range images {
				core := cores[img.Core]
				for _, seg := range img.Segments {
					if len(seg.Data) == 0 {
						continue
					}
					addr, err := RemapAddr(seg.Addr, core.ScratchBase)
					if err != nil {
						return fmt.Errorf("%w (core %s, segment @%#x)", err, img.Core, seg.Addr)
					}

					base, off := tlb.AlignDown(addr, tlb.Size2M)
					cfg.Addr = base
					if err := w.Configure(cfg); err != nil {
						return err
					}
					if err := w.Write(off, seg.Data, tlb.ModeOrderedBulk); err != nil {
						return err
					}
					if u.Progress != nil {
						u.Progress(len(seg.Data))
					}
				}
			}

			// Strict release write: also forces the bulk payload out of the
			// write-combine buffers before the cores start.
			cfg.Addr, cfg.Mode = regBase, tlb.ModeStrict
			if err := w.Configure(cfg); err != nil {
				return err
			}
			if err := w.Write32(regOff, 0); err != nil {
				return err
			}

			slog.Debug("firmware range loaded", "x0", r.Start, "x1", r.End)
		}
		return nil
	})
}
