// Package firmware parses RISC-V firmware ELF images and loads them into
// every valid Tensix tile over multicast TLB windows.
package firmware

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tinyrange/openbh/internal/blackhole"
)

// Segment is one loadable ELF segment.
type Segment struct {
	// Addr is the segment's physical target address as linked, before any
	// local-RAM remapping.
	Addr uint64

	// Data is the file-backed payload. Zero-length segments carry only a
	// memory reservation and are skipped at upload.
	Data []byte

	// MemSize is the in-memory size, at least len(Data).
	MemSize uint64
}

// Image is one parsed firmware binary for one RISC-V core.
type Image struct {
	Core     string
	Segments []Segment
}

// Bytes returns the total payload size of the image.
func (img *Image) Bytes() int {
	n := 0
	for _, seg := range img.Segments {
		n += len(seg.Data)
	}
	return n
}

// Parse extracts the PT_LOAD segments of one ELF image. A segment whose
// declared file range extends past the file is a packaging bug and fails.
func Parse(r io.ReaderAt, core string) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("firmware: parse %s: %w", core, err)
	}
	defer f.Close()

	img := &Image{Core: core}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("firmware: %s: segment file size %#x exceeds mem size %#x", core, prog.Filesz, prog.Memsz)
		}

		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("firmware: %s: segment @%#x exceeds file bounds: %w", core, prog.Off, err)
			}
		}

		img.Segments = append(img.Segments, Segment{
			Addr:    prog.Paddr,
			Data:    data,
			MemSize: prog.Memsz,
		})
	}
	return img, nil
}

// Load parses the ELF at path.
func Load(path string, core string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	defer f.Close()
	return Parse(f, core)
}

// LoadDir loads the firmware set for one card type from dir/<cardType>/, one
// ELF per core in upload order.
func LoadDir(dir string, cardType string) ([]*Image, error) {
	images := make([]*Image, 0, len(blackhole.Cores))
	for _, core := range blackhole.Cores {
		img, err := Load(filepath.Join(dir, cardType, core.FirmwareELF), core.Name)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// RemapAddr translates a segment target address. Addresses inside the
// per-core local RAM alias move into the core's L1 scratch region; everything
// else passes through unchanged. A translated address outside L1 means the
// firmware and the core table disagree, which is fatal.
func RemapAddr(addr uint64, scratchBase uint64) (uint64, error) {
	if addr < blackhole.LocalRAMStart || addr > blackhole.LocalRAMEnd {
		return addr, nil
	}
	remapped := (addr - blackhole.LocalRAMStart) + scratchBase
	if remapped >= blackhole.TensixL1Size {
		return 0, fmt.Errorf("firmware: remapped address %#x outside L1 (size %#x)", remapped, blackhole.TensixL1Size)
	}
	return remapped, nil
}
