// Package blackhole holds the fixed memory map and topology constants for the
// supported accelerator generation. Values here are collaborator data: they
// come from the hardware documentation and firmware headers, not from any
// algorithm in this repository.
package blackhole

// CardTypes lists the supported sysfs card type identifiers.
var CardTypes = []string{"p100a", "p150b"}

// Supported reports whether cardType names a supported board.
func Supported(cardType string) bool {
	for _, t := range CardTypes {
		if t == cardType {
			return true
		}
	}
	return false
}

// NoC grid topology. Columns run 0..MaxCol inclusive; Tensix rows run
// TensixRowStart..TensixRowEnd inclusive on every Tensix column.
const (
	MaxCol         = 16
	TensixRowStart = 2
	TensixRowEnd   = 11

	// L2CPUCol carries the auxiliary RISC-V complex, never Tensix tiles.
	L2CPUCol = 8
)

// DRAMCols are the two columns that carry GDDR bank tiles instead of Tensix.
var DRAMCols = [2]int{0, 9}

// ARC management core tile, same location on all supported boards.
const (
	ARCX = 8
	ARCY = 0
)

// ARC address map as seen over the NoC.
const (
	ARCNoCBase uint64 = 0x8000_0000

	// ARCScratchRAM13 is the byte offset of SCRATCH_RAM[13] from ARCNoCBase.
	// The management firmware publishes a pointer to its telemetry table here.
	ARCScratchRAM13 uint64 = 0x30434

	// CSM is the ARC core-shared memory region; the telemetry table lives
	// inside it.
	CSMStart uint64 = 0x1000_0000
	CSMEnd   uint64 = 0x1007_FFFF
)

// Telemetry table tags. Absent tags fall back to the Default* values below.
const (
	TagTensixEnabled uint16 = 28
	TagEthEnabled    uint16 = 29
	TagGDDREnabled   uint16 = 30
	TagPCIEUsage     uint16 = 31
)

const (
	DefaultTensixEnabled uint32 = 0x3FFF
	DefaultEthEnabled    uint32 = 0x3FFF
	DefaultGDDREnabled   uint32 = 0xFF
	DefaultPCIEUsage     uint32 = 0x3
)

// HarvestingNoCLocations maps a bit position in the enabled-tensix telemetry
// mask to the NoC column it describes. The fuse order interleaves the grid
// from the outside in, so the raw mask cannot be used as ascending columns.
var HarvestingNoCLocations = [14]int{1, 16, 2, 15, 3, 14, 4, 13, 5, 12, 6, 11, 7, 10}

// GDDR bank layout: eight banks, four per DRAM column, three NoC tiles each.
const DRAMBankCount = 8

// DRAMBankCol returns the NoC column of a bank.
func DRAMBankCol(bank int) int {
	if bank < DRAMBankCount/2 {
		return DRAMCols[0]
	}
	return DRAMCols[1]
}

// DRAMBankRows returns the three NoC rows of a bank's tiles.
func DRAMBankRows(bank int) [3]int {
	base := (bank % (DRAMBankCount / 2)) * 3
	return [3]int{base, base + 1, base + 2}
}

// Tensix tile address map.
const (
	// TensixL1Size is the per-tile L1 SRAM size.
	TensixL1Size uint64 = 0x18_0000

	// LocalRAMStart..LocalRAMEnd is the per-core local RAM alias range.
	// Firmware linked against the alias must be relocated into an L1 scratch
	// region before the cores run.
	LocalRAMStart uint64 = 0xFFB0_0000
	LocalRAMEnd   uint64 = 0xFFB0_0FFF

	// SoftReset0 is the per-tile RISCV_DEBUG_REG_SOFT_RESET_0 register.
	SoftReset0 uint64 = 0xFFB1_21B0

	// SoftResetAll holds every RISC-V core in the tile in reset.
	SoftResetAll uint32 = 0x47800
)

// Core describes one RISC-V core inside a Tensix tile: the ELF file that
// drives it, its firmware load base and the L1 scratch region its local RAM
// contents are relocated into.
type Core struct {
	Name        string
	FirmwareELF string
	LoadBase    uint64
	ScratchBase uint64
}

// Cores lists every RISC-V core that receives firmware at bring-up, in upload
// order.
var Cores = []Core{
	{Name: "brisc", FirmwareELF: "brisc.elf", LoadBase: 0x0_0800, ScratchBase: 0x3_0000},
	{Name: "ncrisc", FirmwareELF: "ncrisc.elf", LoadBase: 0x0_9000, ScratchBase: 0x3_1000},
	{Name: "trisc0", FirmwareELF: "trisc0.elf", LoadBase: 0x1_2000, ScratchBase: 0x3_2000},
	{Name: "trisc1", FirmwareELF: "trisc1.elf", LoadBase: 0x1_B000, ScratchBase: 0x3_3000},
	{Name: "trisc2", FirmwareELF: "trisc2.elf", LoadBase: 0x2_4000, ScratchBase: 0x3_4000},
}
