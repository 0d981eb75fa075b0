// Package harvest determines which resources of a chip are fused off. The
// management firmware publishes a sparse tag/value telemetry table in ARC
// shared memory; the detector walks it through a single strict unicast window
// and derives the disabled Tensix columns and GDDR bank.
package harvest

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/kmd"
	"github.com/tinyrange/openbh/internal/tlb"
)

// ErrNotReady reports that the management core has not published a telemetry
// table yet. The device likely needs a reset.
var ErrNotReady = errors.New("harvest: management core not ready")

// maxTableEntries bounds the telemetry entry count; anything larger means we
// are reading garbage rather than a table.
const maxTableEntries = 1024

// Harvesting is the immutable defect record for one chip session: exactly two
// disabled Tensix columns and exactly one disabled GDDR bank, plus the
// fabric and interconnect status read alongside them.
type Harvesting struct {
	TensixCols     [2]int
	DRAMBank       int
	AllEthDisabled bool
	PCIEUsage      uint32
}

func (h Harvesting) String() string {
	eth := "enabled"
	if h.AllEthDisabled {
		eth = "disabled"
	}
	return fmt.Sprintf("harvesting(tensix=%v, dram=%d, eth=%s)", h.TensixCols, h.DRAMBank, eth)
}

// New validates and builds a Harvesting record. Any count other than two
// disabled columns and one disabled bank signals a device in an unexpected
// state and fails construction.
func New(tensixCols []int, dramBanks []int, allEthDisabled bool, pcieUsage uint32) (Harvesting, error) {
	if len(tensixCols) != 2 {
		return Harvesting{}, fmt.Errorf("harvest: expected 2 disabled tensix columns, got %v", tensixCols)
	}
	if len(dramBanks) != 1 {
		return Harvesting{}, fmt.Errorf("harvest: expected 1 disabled dram bank, got %v", dramBanks)
	}
	return Harvesting{
		TensixCols:     [2]int{tensixCols[0], tensixCols[1]},
		DRAMBank:       dramBanks[0],
		AllEthDisabled: allEthDisabled,
		PCIEUsage:      pcieUsage,
	}, nil
}

// Detect reads the telemetry table once and returns the chip's harvesting
// record. The window it uses is released on every path.
func Detect(conn kmd.Conn) (Harvesting, error) {
	arc := tlb.Coord{X: blackhole.ARCX, Y: blackhole.ARCY}
	cfg := tlb.Config{
		Addr:  blackhole.ARCNoCBase,
		Start: arc,
		End:   arc,
		Mode:  tlb.ModeStrict,
	}

	var h Harvesting
	err := tlb.With(conn, tlb.Size2M, &cfg, func(w *tlb.Window) error {
		ptr32, err := w.Read32(blackhole.ARCScratchRAM13)
		if err != nil {
			return err
		}
		ptr := uint64(ptr32)
		if ptr == 0 || ptr < blackhole.CSMStart || ptr > blackhole.CSMEnd {
			return fmt.Errorf("%w (telemetry pointer %#x)", ErrNotReady, ptr)
		}

		base, off := tlb.AlignDown(ptr, tlb.Size2M)
		cfg.Addr = base
		if err := w.Configure(cfg); err != nil {
			return err
		}

		count, err := w.Read32(off + 4)
		if err != nil {
			return err
		}
		if count > maxTableEntries {
			return fmt.Errorf("harvest: implausible telemetry entry count %d", count)
		}

		tagsBase := off + 8
		dataBase := tagsBase + uint64(count)*4

		tagToOffset := make(map[uint16]uint16, count)
		for i := uint64(0); i < uint64(count); i++ {
			word, err := w.Read32(tagsBase + i*4)
			if err != nil {
				return err
			}
			tagToOffset[uint16(word&0xFFFF)] = uint16(word >> 16)
		}

		readTag := func(tag uint16, def uint32) (uint32, error) {
			dataOff, ok := tagToOffset[tag]
			if !ok {
				return def, nil
			}
			return w.Read32(dataBase + uint64(dataOff)*4)
		}

		tensixEnabled, err := readTag(blackhole.TagTensixEnabled, blackhole.DefaultTensixEnabled)
		if err != nil {
			return err
		}
		ethEnabled, err := readTag(blackhole.TagEthEnabled, blackhole.DefaultEthEnabled)
		if err != nil {
			return err
		}
		gddrEnabled, err := readTag(blackhole.TagGDDREnabled, blackhole.DefaultGDDREnabled)
		if err != nil {
			return err
		}
		pcieUsage, err := readTag(blackhole.TagPCIEUsage, blackhole.DefaultPCIEUsage)
		if err != nil {
			return err
		}

		var tensixOff []int
		for pos, loc := range blackhole.HarvestingNoCLocations {
			if tensixEnabled&(1<<pos) == 0 {
				tensixOff = append(tensixOff, loc)
			}
		}
		sort.Ints(tensixOff)

		var dramOff []int
		for bank := 0; bank < blackhole.DRAMBankCount; bank++ {
			if gddrEnabled&(1<<bank) == 0 {
				dramOff = append(dramOff, bank)
			}
		}

		slog.Debug("telemetry read",
			"entries", count,
			"tensix_enabled", fmt.Sprintf("%#x", tensixEnabled),
			"gddr_enabled", fmt.Sprintf("%#x", gddrEnabled))

		h, err = New(tensixOff, dramOff, ethEnabled&blackhole.DefaultEthEnabled == 0, pcieUsage)
		return err
	})
	if err != nil {
		return Harvesting{}, err
	}
	return h, nil
}
