package tlb_test

import (
	"bytes"
	"testing"

	"github.com/tinyrange/openbh/internal/sim"
	"github.com/tinyrange/openbh/internal/tlb"
)

func TestAlignDown(t *testing.T) {
	for _, size := range []tlb.Size{tlb.Size2M, tlb.Size4G} {
		for _, addr := range []uint64{
			0, 1, uint64(size) - 1, uint64(size), uint64(size) + 1,
			0xFFB1_21B0, 0x1003_0434, 0x8000_0000, 0xFFFF_FFFF_FFFF_FFFF,
		} {
			base, off := tlb.AlignDown(addr, size)
			if base > addr {
				t.Fatalf("AlignDown(%#x, %#x): base %#x above addr", addr, size, base)
			}
			if base%uint64(size) != 0 {
				t.Fatalf("AlignDown(%#x, %#x): base %#x not aligned", addr, size, base)
			}
			if off >= uint64(size) {
				t.Fatalf("AlignDown(%#x, %#x): remainder %#x not below size", addr, size, off)
			}
			if base+off != addr {
				t.Fatalf("AlignDown(%#x, %#x): base %#x + off %#x != addr", addr, size, base, off)
			}
		}
	}
}

func TestWindowRoundTrip(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{
		Addr:  0x40_0000,
		Start: tlb.Coord{X: 1, Y: 2},
		End:   tlb.Coord{X: 1, Y: 2},
		Mode:  tlb.ModeStrict,
	}

	payload := []byte("soft reset release order matters")
	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		if err := w.Write(0x1234, payload, tlb.ModeStrict); err != nil {
			return err
		}
		got := make([]byte, len(payload))
		if err := w.Read(0x1234, got); err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %q", got)
		}

		if err := w.Write32(0x40, 0xDEADBEEF); err != nil {
			return err
		}
		v, err := w.Read32(0x40)
		if err != nil {
			return err
		}
		if v != 0xDEADBEEF {
			t.Fatalf("Read32 = %#x, want 0xdeadbeef", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	if n := chip.OpenWindows(); n != 0 {
		t.Fatalf("window leaked: %d slots still allocated", n)
	}
}

func TestWindowReconfigureRetargets(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{
		Addr:  0x20_0000,
		Start: tlb.Coord{X: 3, Y: 4},
		End:   tlb.Coord{X: 3, Y: 4},
		Mode:  tlb.ModeStrict,
	}

	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		if err := w.Write32(0x100, 0x11112222); err != nil {
			return err
		}

		cfg.Addr = 0x60_0000
		if err := w.Configure(cfg); err != nil {
			return err
		}
		if err := w.Write32(0x100, 0x33334444); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	if v := chip.TileRead32(3, 4, 0x20_0100); v != 0x11112222 {
		t.Fatalf("first target = %#x, want 0x11112222", v)
	}
	if v := chip.TileRead32(3, 4, 0x60_0100); v != 0x33334444 {
		t.Fatalf("second target = %#x, want 0x33334444", v)
	}
}

func TestMulticastReadRejected(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{
		Addr:      0,
		Start:     tlb.Coord{X: 1, Y: 2},
		End:       tlb.Coord{X: 2, Y: 11},
		Multicast: true,
		Mode:      tlb.ModeStrict,
	}

	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		if _, err := w.Read32(0); err == nil {
			t.Fatalf("Read32 through multicast window succeeded")
		}
		if err := w.Read(0, make([]byte, 8)); err == nil {
			t.Fatalf("Read through multicast window succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestMulticastWriteReplicates(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{
		Addr:      0,
		Start:     tlb.Coord{X: 4, Y: 2},
		End:       tlb.Coord{X: 5, Y: 3},
		Multicast: true,
		Mode:      tlb.ModeStrict,
	}

	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		return w.Write32(0x80, 0xA5A5A5A5)
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	for x := uint16(4); x <= 5; x++ {
		for y := uint16(2); y <= 3; y++ {
			if v := chip.TileRead32(x, y, 0x80); v != 0xA5A5A5A5 {
				t.Fatalf("tile (%d,%d) = %#x, want 0xa5a5a5a5", x, y, v)
			}
		}
	}
}

func TestOutOfBoundsAccess(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{Start: tlb.Coord{X: 1, Y: 2}, End: tlb.Coord{X: 1, Y: 2}, Mode: tlb.ModeStrict}
	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		if err := w.Write32(w.Size(), 1); err == nil {
			t.Fatalf("write past window end succeeded")
		}
		if err := w.Write(w.Size()-4, make([]byte, 8), tlb.ModeStrict); err == nil {
			t.Fatalf("write straddling window end succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w, err := tlb.Acquire(conn, tlb.Size2M, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := w.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := w.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if n := chip.OpenWindows(); n != 0 {
		t.Fatalf("%d slots still allocated", n)
	}

	if _, err := w.Read32(0); err == nil {
		t.Fatalf("read on released window succeeded")
	}
}

func TestSlotExhaustion(t *testing.T) {
	chip := sim.New(sim.Options{MaxWindows: 1})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w, err := tlb.Acquire(conn, tlb.Size2M, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer w.Release()

	if _, err := tlb.Acquire(conn, tlb.Size2M, nil); err == nil {
		t.Fatalf("Acquire beyond the slot ceiling succeeded")
	}
}

func TestAcquireReleasesOnBadInitialConfig(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	// Inverted rectangle is rejected by the driver.
	cfg := tlb.Config{Start: tlb.Coord{X: 5, Y: 2}, End: tlb.Coord{X: 1, Y: 2}}
	if _, err := tlb.Acquire(conn, tlb.Size2M, &cfg); err == nil {
		t.Fatalf("Acquire with inverted rectangle succeeded")
	}
	if n := chip.OpenWindows(); n != 0 {
		t.Fatalf("slot leaked on failed Acquire: %d allocated", n)
	}
}

func TestConfigureAlignsBase(t *testing.T) {
	chip := sim.New(sim.Options{})
	conn, err := chip.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	cfg := tlb.Config{
		Addr:  0xFFB1_21B0,
		Start: tlb.Coord{X: 1, Y: 2},
		End:   tlb.Coord{X: 1, Y: 2},
		Mode:  tlb.ModeStrict,
	}
	err = tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		if got := w.Config().Addr; got != 0xFFA0_0000 {
			t.Fatalf("configured base = %#x, want 0xffa00000", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}
