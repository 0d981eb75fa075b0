package firmware_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/firmware"
)

type elfProg struct {
	typ    uint32
	paddr  uint32
	data   []byte
	filesz uint32 // 0 means len(data)
	memsz  uint32 // 0 means filesz
}

const (
	ptLoad      = 1
	ptNote      = 4
	ehdrSize    = 52
	phentSize32 = 32
	emRISCV     = 243
)

// makeELF assembles a minimal ELF32 little-endian RISC-V executable with the
// given program headers. Payloads are packed after the header table.
func makeELF(progs []elfProg) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	put16 := func(v uint16) { binary.Write(&buf, le, v) }
	put32 := func(v uint32) { binary.Write(&buf, le, v) }

	buf.Write([]byte{0x7F, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	put16(2)       // ET_EXEC
	put16(emRISCV) // e_machine
	put32(1)       // e_version
	put32(0)       // e_entry
	put32(ehdrSize)
	put32(0) // e_shoff
	put32(0) // e_flags
	put16(ehdrSize)
	put16(phentSize32)
	put16(uint16(len(progs)))
	put16(0) // e_shentsize
	put16(0) // e_shnum
	put16(0) // e_shstrndx

	off := uint32(ehdrSize + phentSize32*len(progs))
	for _, p := range progs {
		filesz := p.filesz
		if filesz == 0 {
			filesz = uint32(len(p.data))
		}
		memsz := p.memsz
		if memsz == 0 {
			memsz = filesz
		}
		put32(p.typ)
		put32(off)
		put32(p.paddr) // p_vaddr
		put32(p.paddr)
		put32(filesz)
		put32(memsz)
		put32(0) // p_flags
		put32(4) // p_align
		off += uint32(len(p.data))
	}
	for _, p := range progs {
		buf.Write(p.data)
	}
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := makeELF([]elfProg{
		{typ: ptNote, paddr: 0x100, data: []byte{9, 9}},
		{typ: ptLoad, paddr: 0x2000, data: payload},
		{typ: ptLoad, paddr: 0x4000, memsz: 0x200}, // bss only
	})

	img, err := firmware.Parse(bytes.NewReader(raw), "brisc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Core != "brisc" {
		t.Fatalf("Core = %q", img.Core)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("got %d segments, want 2 (PT_NOTE must be dropped)", len(img.Segments))
	}
	if img.Segments[0].Addr != 0x2000 || !bytes.Equal(img.Segments[0].Data, payload) {
		t.Fatalf("segment 0 = %+v", img.Segments[0])
	}
	if len(img.Segments[1].Data) != 0 || img.Segments[1].MemSize != 0x200 {
		t.Fatalf("segment 1 = %+v", img.Segments[1])
	}
	if img.Bytes() != len(payload) {
		t.Fatalf("Bytes = %d, want %d", img.Bytes(), len(payload))
	}
}

func TestParseTruncated(t *testing.T) {
	raw := makeELF([]elfProg{
		{typ: ptLoad, paddr: 0x2000, data: []byte{1, 2, 3, 4}, filesz: 0x1000, memsz: 0x1000},
	})
	if _, err := firmware.Parse(bytes.NewReader(raw), "brisc"); err == nil {
		t.Fatalf("Parse accepted a segment past the end of the file")
	}
}

func TestParseFileSizeExceedsMemSize(t *testing.T) {
	raw := makeELF([]elfProg{
		{typ: ptLoad, paddr: 0x2000, data: []byte{1, 2, 3, 4}, memsz: 2},
	})
	if _, err := firmware.Parse(bytes.NewReader(raw), "brisc"); err == nil {
		t.Fatalf("Parse accepted filesz > memsz")
	}
}

func TestRemapAddr(t *testing.T) {
	const scratch = 0x3_0000

	// Inside the alias range: relocated into the scratch region.
	for _, delta := range []uint64{0, 1, 0x40, 0xFFF} {
		addr := blackhole.LocalRAMStart + delta
		got, err := firmware.RemapAddr(addr, scratch)
		if err != nil {
			t.Fatalf("RemapAddr(%#x): %v", addr, err)
		}
		if want := scratch + delta; got != want {
			t.Fatalf("RemapAddr(%#x) = %#x, want %#x", addr, got, want)
		}
		if got >= blackhole.TensixL1Size {
			t.Fatalf("RemapAddr(%#x) = %#x outside L1", addr, got)
		}
	}

	// Outside the alias range: unchanged.
	for _, addr := range []uint64{0, 0x2000, blackhole.LocalRAMStart - 1, blackhole.LocalRAMEnd + 1} {
		got, err := firmware.RemapAddr(addr, scratch)
		if err != nil {
			t.Fatalf("RemapAddr(%#x): %v", addr, err)
		}
		if got != addr {
			t.Fatalf("RemapAddr(%#x) = %#x, want unchanged", addr, got)
		}
	}

	// A scratch base that pushes the result outside L1 is a config bug.
	if _, err := firmware.RemapAddr(blackhole.LocalRAMStart+0x800, blackhole.TensixL1Size-0x100); err == nil {
		t.Fatalf("RemapAddr accepted a target outside L1")
	}
}
