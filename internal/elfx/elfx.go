// Package elfx loads the ELF images chains are built against: symbol
// resolution for call targets, executable segment extraction for gadget
// scanning, and architecture detection.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"ropsmith/internal/arch"
)

var (
	ErrNotELF     = errors.New("elfx: not an ELF file")
	ErrBadMachine = errors.New("elfx: unsupported machine")
	ErrBadType    = errors.New("elfx: not an executable or shared object")
)

// File wraps a debug/elf.File with the lookups chain synthesis needs.
// Symbol tables are read once, on first use.
type File struct {
	ELF *elf.File

	raw  *os.File
	path string
	arch *arch.Arch

	byName map[string]uint64
	byAddr map[uint64]string
}

// Open opens an ELF image and validates it is an i386, amd64, or arm
// executable or shared object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	var a *arch.Arch
	switch ef.Machine {
	case elf.EM_386:
		a = arch.I386
	case elf.EM_X86_64:
		a = arch.AMD64
	case elf.EM_ARM:
		a = arch.ARM
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadMachine, ef.Machine)
	}

	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadType, ef.Type)
	}

	return &File{ELF: ef, raw: f, path: path, arch: a}, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	return f.raw.Close()
}

// Path returns the path the image was opened from.
func (f *File) Path() string { return f.path }

// Arch returns the architecture descriptor matching the image.
func (f *File) Arch() *arch.Arch { return f.arch }

// symbols loads symtab and dynsym into both lookup directions. Either
// table may be missing (stripped binaries); the first definition of a
// name or address wins so lookups are stable.
func (f *File) symbols() {
	if f.byName != nil {
		return
	}
	f.byName = make(map[string]uint64)
	f.byAddr = make(map[uint64]string)

	var tables [][]elf.Symbol
	if syms, err := f.ELF.Symbols(); err == nil {
		tables = append(tables, syms)
	}
	if syms, err := f.ELF.DynamicSymbols(); err == nil {
		tables = append(tables, syms)
	}
	for _, syms := range tables {
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			if _, ok := f.byName[s.Name]; !ok {
				f.byName[s.Name] = s.Value
			}
			if _, ok := f.byAddr[s.Value]; !ok {
				f.byAddr[s.Value] = s.Name
			}
		}
	}
}

// Resolve maps a symbol name to its address.
func (f *File) Resolve(name string) (uint64, bool) {
	f.symbols()
	addr, ok := f.byName[name]
	return addr, ok
}

// Symbolize maps an address back to a symbol name.
func (f *File) Symbolize(addr uint64) (string, bool) {
	f.symbols()
	name, ok := f.byAddr[addr]
	return name, ok
}

// Segment is one executable region: its load address and file-backed
// bytes.
type Segment struct {
	Vaddr uint64
	Data  []byte
}

// ExecSegments returns the executable PT_LOAD segments, the gadget
// scanner's input.
func (f *File) ExecSegments() ([]Segment, error) {
	var segs []Segment
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), data); err != nil {
			return nil, fmt.Errorf("elfx: read segment at %#x: %w", p.Vaddr, err)
		}
		segs = append(segs, Segment{Vaddr: p.Vaddr, Data: data})
	}
	return segs, nil
}
