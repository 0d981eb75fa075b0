// Package grid derives the addressable tile sets of a chip from its
// harvesting record. Build is pure: same input, same output, no device access.
package grid

import (
	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/harvest"
	"github.com/tinyrange/openbh/internal/tlb"
)

// Range is an inclusive run of NoC columns usable as one multicast rectangle.
type Range struct {
	Start, End int
}

// DRAMTile is one NoC tile of a GDDR bank.
type DRAMTile struct {
	Bank  int
	Coord tlb.Coord
}

// Grid lists every addressable tile of a harvested chip.
type Grid struct {
	// Tensix holds every valid compute tile coordinate for unicast use.
	Tensix []tlb.Coord

	// TensixMcast is the minimal sorted set of contiguous column ranges
	// covering every valid Tensix column. The row span is always
	// TensixRowStart..TensixRowEnd.
	TensixMcast []Range

	// DRAM holds one entry per tile of every surviving bank, in bank order.
	DRAM []DRAMTile
}

// Build derives the grid for one harvesting record.
func Build(h harvest.Harvesting) Grid {
	disabled := map[int]bool{h.TensixCols[0]: true, h.TensixCols[1]: true}
	skip := map[int]bool{
		blackhole.DRAMCols[0]: true,
		blackhole.DRAMCols[1]: true,
		blackhole.L2CPUCol:    true,
	}

	var cols []int
	for x := 0; x <= blackhole.MaxCol; x++ {
		if skip[x] || disabled[x] {
			continue
		}
		cols = append(cols, x)
	}

	var g Grid
	for _, x := range cols {
		for y := blackhole.TensixRowStart; y <= blackhole.TensixRowEnd; y++ {
			g.Tensix = append(g.Tensix, tlb.Coord{X: uint16(x), Y: uint16(y)})
		}
	}

	// Maximal runs of consecutive columns become one multicast range each.
	if len(cols) > 0 {
		start, prev := cols[0], cols[0]
		for _, x := range cols[1:] {
			if x != prev+1 {
				g.TensixMcast = append(g.TensixMcast, Range{Start: start, End: prev})
				start = x
			}
			prev = x
		}
		g.TensixMcast = append(g.TensixMcast, Range{Start: start, End: prev})
	}

	for bank := 0; bank < blackhole.DRAMBankCount; bank++ {
		if bank == h.DRAMBank {
			continue
		}
		col := blackhole.DRAMBankCol(bank)
		for _, y := range blackhole.DRAMBankRows(bank) {
			g.DRAM = append(g.DRAM, DRAMTile{
				Bank:  bank,
				Coord: tlb.Coord{X: uint16(col), Y: uint16(y)},
			})
		}
	}

	return g
}
