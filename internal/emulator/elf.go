package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// Library is a shared object mapped into the guest address space.
type Library struct {
	Name     string // base name, e.g. "libc.so"
	Path     string
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address (all symbols)
	Imports  map[string]uint64 // symbol name -> PLT stub address (external imports only)
	Segments []Segment
	BaseAddr uint64 // Load base address
	EndAddr  uint64 // End of loaded memory
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// Image describes a prebuilt library: one executable text blob and its
// exported symbols as offsets into it.
type Image struct {
	Name    string
	Text    []byte
	Symbols map[string]uint64
}

// reserve hands out the next library base and advances past size bytes
// plus a guard page.
func (e *Emulator) reserve(size uint64) uint64 {
	e.libMu.Lock()
	defer e.libMu.Unlock()
	base := e.libNext
	e.libNext += PageAlign(size) + PageSize
	return base
}

// LoadImage maps a prebuilt library as read+exec memory.
func (e *Emulator) LoadImage(img *Image) (*Library, error) {
	if len(img.Text) == 0 {
		return nil, fmt.Errorf("image %s: empty text", img.Name)
	}
	size := PageAlign(uint64(len(img.Text)))
	base := e.reserve(size)

	if err := e.mu.MemMapProt(base, size, ProtRead|ProtExec); err != nil {
		return nil, fmt.Errorf("map image %s: %w", img.Name, err)
	}
	if err := e.mu.MemWrite(base, img.Text); err != nil {
		return nil, fmt.Errorf("write image %s: %w", img.Name, err)
	}

	lib := &Library{
		Name:     img.Name,
		Path:     img.Name,
		Entry:    base,
		Symbols:  make(map[string]uint64, len(img.Symbols)),
		Imports:  map[string]uint64{},
		BaseAddr: base,
		EndAddr:  base + uint64(len(img.Text)),
		Segments: []Segment{{
			VAddr: base,
			Size:  uint64(len(img.Text)),
			MemSz: uint64(len(img.Text)),
			Flags: elf.PF_R | elf.PF_X,
			Data:  img.Text,
		}},
	}
	for name, off := range img.Symbols {
		lib.Symbols[name] = base + off
	}
	return lib, nil
}

// LoadELF loads an ARM64 shared object into the next free library slot.
func (e *Emulator) LoadELF(path string) (*Library, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}

	// Find file base address (lowest PT_LOAD vaddr)
	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		segEnd := prog.Vaddr + prog.Memsz
		if segEnd > fileEnd {
			fileEnd = segEnd
		}
	}

	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	relocOffset := e.reserve(fileEnd-fileBase) - fileBase

	lib := &Library{
		Name:     filepath.Base(path),
		Path:     path,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
	}

	// Strip version suffixes (@@VERSION or @VERSION) for consistent lookup
	syms, err := f.DynamicSymbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				addr := sym.Value + relocOffset
				lib.Symbols[sym.Name] = addr
				lib.Symbols[stripVersion(sym.Name)] = addr
			}
		}
	}

	syms, err = f.Symbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				lib.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// Map the whole image writable for loading and relocation; segment
	// protections are applied once relocations are done.
	alignedBase := lib.BaseAddr &^ (PageSize - 1)
	if err := e.MapRegion(alignedBase, PageAlign(lib.EndAddr-alignedBase)); err != nil {
		return nil, fmt.Errorf("map library: %w", err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		loadVAddr := prog.Vaddr + relocOffset

		seg := Segment{
			VAddr:  loadVAddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}

		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}

		lib.Segments = append(lib.Segments, seg)

		if len(seg.Data) > 0 {
			if err := e.MemWrite(loadVAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}
	}

	// PLT map first, relocations need it for external ABS64 references
	addPLTSymbols(f, relocOffset, lib.Symbols, lib.Imports)

	if err := e.applyRelocations(f, relocOffset, lib.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	e.protectSegments(lib.Segments)

	return lib, nil
}

// protectSegments applies segment permissions page by page. Pages shared by
// two segments get the union of both.
func (e *Emulator) protectSegments(segs []Segment) {
	perms := make(map[uint64]int)
	for _, s := range segs {
		prot := ProtNone
		if s.IsReadable() {
			prot |= ProtRead
		}
		if s.IsWritable() {
			prot |= ProtWrite
		}
		if s.IsExecutable() {
			prot |= ProtExec
		}
		start := s.VAddr &^ (PageSize - 1)
		for p := start; p < s.VAddr+s.MemSz; p += PageSize {
			perms[p] |= prot
		}
	}
	for page, prot := range perms {
		_ = e.Protect(page, PageSize, prot)
	}
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// addPLTSymbols adds PLT stub addresses for external symbols.
// Addresses are added to both symbols (for lookups) and imports.
func addPLTSymbols(f *elf.File, relocOffset uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	if pltSec == nil {
		return
	}

	relaPlt := f.Section(".rela.plt")
	if relaPlt == nil {
		return
	}

	// Go skips STN_UNDEF at index 0
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	// ARM64 PLT: 32 byte header, 16 byte entries
	pltBase := pltSec.Addr + relocOffset
	const pltHeaderSize = 32
	const pltEntrySize = 16

	// Each RELA entry is 24 bytes
	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		symIdx := int(rInfo >> 32)

		arrayIdx := symIdx - 1
		if arrayIdx < 0 || arrayIdx >= len(dynSyms) {
			entryIdx++
			continue
		}

		sym := dynSyms[arrayIdx]
		if sym.Name == "" {
			entryIdx++
			continue
		}

		if sym.Value == 0 {
			pltAddr := pltBase + pltHeaderSize + uint64(entryIdx)*pltEntrySize
			name := stripVersion(sym.Name)
			symbols[name] = pltAddr
			imports[name] = pltAddr
		}

		entryIdx++
	}
}

// applyRelocations processes ELF relocations to fix GOT entries.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, imports map[string]uint64) error {
	// DynamicSymbols() skips STN_UNDEF, indices are shifted by one
	dynSyms, _ := f.DynamicSymbols()
	symByIndex := make(map[int]elf.Symbol)
	for i, sym := range dynSyms {
		symByIndex[i+1] = sym
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			continue
		}

		// r_offset (8), r_info (8), r_addend (8)
		const entrySize = 24
		for i := 0; i+entrySize <= len(data); i += entrySize {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			relType := uint32(rInfo & 0xFFFFFFFF)
			symIdx := int(rInfo >> 32)

			target := rOffset + relocOffset

			switch relType {
			case R_AARCH64_RELATIVE:
				_ = e.MemWriteU64(target, relocOffset+uint64(rAddend))

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				sym, ok := symByIndex[symIdx]
				if !ok {
					continue
				}
				switch {
				case sym.Value != 0:
					_ = e.MemWriteU64(target, sym.Value+relocOffset)
				case sym.Name == "__stack_chk_guard":
					_ = e.MemWriteU64(target, TLSBase+0x28)
				}

			case R_AARCH64_ABS64:
				sym, ok := symByIndex[symIdx]
				switch {
				case ok && sym.Value != 0:
					_ = e.MemWriteU64(target, sym.Value+relocOffset+uint64(rAddend))
				case ok && sym.Name != "":
					if stubAddr, found := imports[stripVersion(sym.Name)]; found {
						_ = e.MemWriteU64(target, stubAddr+uint64(rAddend))
					}
				case !ok && rAddend > 0:
					_ = e.MemWriteU64(target, relocOffset+uint64(rAddend))
				}
			}
		}
	}

	return nil
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (lib *Library) FindSymbol(name string) uint64 {
	return lib.Symbols[name]
}

// Contains reports whether addr falls inside the library image.
func (lib *Library) Contains(addr uint64) bool {
	return addr >= lib.BaseAddr && addr < lib.EndAddr
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}

// IsReadable returns true if the segment is readable
func (s *Segment) IsReadable() bool {
	return s.Flags&elf.PF_R != 0
}
