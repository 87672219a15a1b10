// Package elfcore reads Linux ELF core files.
//
// Every accessor is bounds-checked against the attached content and reports
// failure through a false return or an invalid Note; malformed or truncated
// input never causes a read outside the mapped bytes. Notes are exposed in file
// order, which for Linux cores is:
//
//	NT_PRSTATUS (thread 0)
//	NT_PRPSINFO, NT_AUXV (once per core, after the first thread's status)
//	NT_FPREGSET, NT_PRXFPREG, NT_386_TLS (thread 0, arch dependent)
//	NT_PRSTATUS, NT_FPREGSET, ... (each further thread)
package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/edespino/corescope/internal/mmap"
)

// Note types not defined by debug/elf. See linux/include/uapi/linux/elf.h.
const (
	NT_AUXV         elf.NType = 6
	NT_PRXFPREG     elf.NType = 0x46e62b7f
	NT_386_TLS      elf.NType = 0x200
	NT_X86_XSTATE   elf.NType = 0x202
	NT_SIGINFO      elf.NType = 0x53494749
	NT_FILE         elf.NType = 0x46494c45
	NT_GNU_BUILD_ID elf.NType = 3
)

// ElfCoreDump is a parsed view of an ELF core file. The zero value is invalid
// until SetContent is called.
type ElfCoreDump struct {
	content mmap.Range
	layout  *Layout
	order   binary.ByteOrder
	header  Header
	parsed  bool
}

// New returns a dump attached to content.
func New(content mmap.Range) *ElfCoreDump {
	d := &ElfCoreDump{}
	d.SetContent(content)
	return d
}

// SetContent attaches content without copying it and parses the header.
func (d *ElfCoreDump) SetContent(content mmap.Range) {
	*d = ElfCoreDump{content: content}

	ident, ok := content.Slice(0, elf.EI_NIDENT)
	if !ok || !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return
	}
	layout, ok := LayoutFor(elf.Class(ident[elf.EI_CLASS]))
	if !ok {
		return
	}
	order, ok := byteOrderFor(elf.Data(ident[elf.EI_DATA]))
	if !ok {
		return
	}
	h, ok := layout.parseHeader(content, order)
	if !ok {
		return
	}
	d.layout = layout
	d.order = order
	d.header = h
	d.parsed = true
}

// Content returns the attached bytes.
func (d *ElfCoreDump) Content() mmap.Range {
	return d.content
}

// IsValid reports whether the content starts with a complete ELF header of a
// supported class with version EV_CURRENT and type ET_CORE.
func (d *ElfCoreDump) IsValid() bool {
	return d.parsed &&
		d.header.Version == elf.EV_CURRENT &&
		d.header.Type == elf.ET_CORE
}

// Header returns the ELF header, or false if the dump is not valid.
func (d *ElfCoreDump) Header() (*Header, bool) {
	if !d.IsValid() {
		return nil, false
	}
	h := d.header
	return &h, true
}

func (d *ElfCoreDump) Layout() *Layout {
	return d.layout
}

func (d *ElfCoreDump) ByteOrder() binary.ByteOrder {
	return d.order
}

func (d *ElfCoreDump) Class() elf.Class {
	if d.layout == nil {
		return elf.ELFCLASSNONE
	}
	return d.layout.class
}

func (d *ElfCoreDump) Machine() elf.Machine {
	return d.header.Machine
}

// ProgramHeaderCount returns e_phnum, or 0 for an invalid dump.
func (d *ElfCoreDump) ProgramHeaderCount() int {
	if !d.IsValid() {
		return 0
	}
	return int(d.header.Phnum)
}

// ProgramHeader returns the program header at index i. It fails when i is out
// of range, when e_phentsize is too small for the class, or when the entry lies
// outside the content.
func (d *ElfCoreDump) ProgramHeader(i int) (*ProgramHeader, bool) {
	if i < 0 || i >= d.ProgramHeaderCount() {
		return nil, false
	}
	entsize := uint64(d.header.Phentsize)
	if entsize < d.layout.progHeaderSize {
		return nil, false
	}
	off := d.header.Phoff + uint64(i)*entsize
	if off < d.header.Phoff {
		return nil, false
	}
	ph, ok := d.layout.parseProgHeader(d.content, off, d.order)
	if !ok {
		return nil, false
	}
	return &ph, true
}

// FirstProgramHeaderOfType returns the first program header with type t.
func (d *ElfCoreDump) FirstProgramHeaderOfType(t elf.ProgType) (*ProgramHeader, bool) {
	for i := 0; i < d.ProgramHeaderCount(); i++ {
		ph, ok := d.ProgramHeader(i)
		if ok && ph.Type == t {
			return ph, true
		}
	}
	return nil, false
}

// FirstNote returns the first note of the first PT_NOTE segment. If there is
// no such segment the returned Note is invalid.
func (d *ElfCoreDump) FirstNote() Note {
	ph, ok := d.FirstProgramHeaderOfType(elf.PT_NOTE)
	if !ok {
		return Note{}
	}
	return NotesIn(d.content, ph.Off, ph.Filesz, d.order)
}

// Notes returns every readable note of every PT_NOTE segment, in program
// header order and file order within each segment. Iteration of a segment stops
// at its first invalid note.
func (d *ElfCoreDump) Notes() []Note {
	var notes []Note
	for i := 0; i < d.ProgramHeaderCount(); i++ {
		ph, ok := d.ProgramHeader(i)
		if !ok || ph.Type != elf.PT_NOTE {
			continue
		}
		for n := NotesIn(d.content, ph.Off, ph.Filesz, d.order); n.IsValid(); n = n.Next() {
			notes = append(notes, n)
		}
	}
	return notes
}

// CopyFromSegment copies process memory captured at vaddr into dst using the
// PT_LOAD segments of the core. It returns the number of leading bytes that
// could be copied; bytes not backed by file content are left untouched.
func (d *ElfCoreDump) CopyFromSegment(dst []byte, vaddr uint64) int {
	copied := 0
	for copied < len(dst) {
		n := d.copyOnce(dst[copied:], vaddr+uint64(copied))
		if n == 0 {
			break
		}
		copied += n
	}
	return copied
}

func (d *ElfCoreDump) copyOnce(dst []byte, vaddr uint64) int {
	for i := 0; i < d.ProgramHeaderCount(); i++ {
		ph, ok := d.ProgramHeader(i)
		if !ok || ph.Type != elf.PT_LOAD {
			continue
		}
		if vaddr < ph.Vaddr || vaddr >= ph.Vaddr+ph.Filesz {
			continue
		}
		rel := vaddr - ph.Vaddr
		n := ph.Filesz - rel
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		src, ok := d.content.Slice(ph.Off+rel, n)
		if !ok {
			return 0
		}
		return copy(dst, src)
	}
	return 0
}
