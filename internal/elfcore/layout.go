package elfcore

import (
	"debug/elf"
	"encoding/binary"

	"github.com/edespino/corescope/internal/mmap"
)

// field is the position of a fixed-width integer inside an on-disk record.
type field struct {
	off  uint64
	size uint64
}

// Layout describes the on-disk shape of one ELF class. Exactly two layouts
// exist, Elf32Layout and Elf64Layout, and all header and program header parsing
// goes through the field tables below so the class only matters once.
type Layout struct {
	class          elf.Class
	wordSize       uint64
	headerSize     uint64
	progHeaderSize uint64

	// ELF header
	entry, phoff, shoff, flags                 field
	ehsize, phentsize, phnum, shentsize, shnum field
	shstrndx                                   field

	// program header
	pType, pFlags, pOffset, pVaddr, pPaddr field
	pFilesz, pMemsz, pAlign               field
}

var (
	Elf32Layout = &Layout{
		class:          elf.ELFCLASS32,
		wordSize:       4,
		headerSize:     52,
		progHeaderSize: 32,

		entry:     field{24, 4},
		phoff:     field{28, 4},
		shoff:     field{32, 4},
		flags:     field{36, 4},
		ehsize:    field{40, 2},
		phentsize: field{42, 2},
		phnum:     field{44, 2},
		shentsize: field{46, 2},
		shnum:     field{48, 2},
		shstrndx:  field{50, 2},

		pType:   field{0, 4},
		pOffset: field{4, 4},
		pVaddr:  field{8, 4},
		pPaddr:  field{12, 4},
		pFilesz: field{16, 4},
		pMemsz:  field{20, 4},
		pFlags:  field{24, 4},
		pAlign:  field{28, 4},
	}

	Elf64Layout = &Layout{
		class:          elf.ELFCLASS64,
		wordSize:       8,
		headerSize:     64,
		progHeaderSize: 56,

		entry:     field{24, 8},
		phoff:     field{32, 8},
		shoff:     field{40, 8},
		flags:     field{48, 4},
		ehsize:    field{52, 2},
		phentsize: field{54, 2},
		phnum:     field{56, 2},
		shentsize: field{58, 2},
		shnum:     field{60, 2},
		shstrndx:  field{62, 2},

		pType:   field{0, 4},
		pFlags:  field{4, 4},
		pOffset: field{8, 8},
		pVaddr:  field{16, 8},
		pPaddr:  field{24, 8},
		pFilesz: field{32, 8},
		pMemsz:  field{40, 8},
		pAlign:  field{48, 8},
	}
)

// LayoutFor returns the layout for an EI_CLASS value.
func LayoutFor(class elf.Class) (*Layout, bool) {
	switch class {
	case elf.ELFCLASS32:
		return Elf32Layout, true
	case elf.ELFCLASS64:
		return Elf64Layout, true
	}
	return nil, false
}

func (l *Layout) Class() elf.Class       { return l.class }
func (l *Layout) WordSize() uint64       { return l.wordSize }
func (l *Layout) HeaderSize() uint64     { return l.headerSize }
func (l *Layout) ProgHeaderSize() uint64 { return l.progHeaderSize }

// readField reads f relative to base. It fails if the field is out of range.
func readField(r mmap.Range, base uint64, f field, order binary.ByteOrder) (uint64, bool) {
	switch f.size {
	case 2:
		v, ok := r.Uint16(base+f.off, order)
		return uint64(v), ok
	case 4:
		v, ok := r.Uint32(base+f.off, order)
		return uint64(v), ok
	case 8:
		return r.Uint64(base+f.off, order)
	}
	return 0, false
}

// Word reads one native word (4 or 8 bytes) at off.
func (l *Layout) Word(r mmap.Range, off uint64, order binary.ByteOrder) (uint64, bool) {
	return readField(r, off, field{0, l.wordSize}, order)
}

// putWord writes one native word at off. b must be large enough.
func (l *Layout) putWord(b []byte, off uint64, v uint64, order binary.ByteOrder) {
	if l.wordSize == 4 {
		order.PutUint32(b[off:], uint32(v))
		return
	}
	order.PutUint64(b[off:], v)
}

func putField(b []byte, base uint64, f field, v uint64, order binary.ByteOrder) {
	switch f.size {
	case 2:
		order.PutUint16(b[base+f.off:], uint16(v))
	case 4:
		order.PutUint32(b[base+f.off:], uint32(v))
	case 8:
		order.PutUint64(b[base+f.off:], v)
	}
}

// Header is an ELF file header with every field widened to 64 bits.
type Header struct {
	Class     elf.Class
	Data      elf.Data
	Version   elf.Version
	OSABI     elf.OSABI
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ProgramHeader is one entry of the program header table.
type ProgramHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// byteOrderFor maps EI_DATA to a byte order.
func byteOrderFor(d elf.Data) (binary.ByteOrder, bool) {
	switch d {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, true
	case elf.ELFDATA2MSB:
		return binary.BigEndian, true
	}
	return nil, false
}

// parseHeader decodes the ELF header at the start of r.
func (l *Layout) parseHeader(r mmap.Range, order binary.ByteOrder) (Header, bool) {
	ident, ok := r.Slice(0, elf.EI_NIDENT)
	if !ok || !r.Contains(0, l.headerSize) {
		return Header{}, false
	}
	h := Header{
		Class: elf.Class(ident[elf.EI_CLASS]),
		Data:  elf.Data(ident[elf.EI_DATA]),
		OSABI: elf.OSABI(ident[elf.EI_OSABI]),
	}
	typ, _ := r.Uint16(16, order)
	machine, _ := r.Uint16(18, order)
	version, _ := r.Uint32(20, order)
	h.Type = elf.Type(typ)
	h.Machine = elf.Machine(machine)
	h.Version = elf.Version(version)

	h.Entry, _ = readField(r, 0, l.entry, order)
	h.Phoff, _ = readField(r, 0, l.phoff, order)
	h.Shoff, _ = readField(r, 0, l.shoff, order)
	flags, _ := readField(r, 0, l.flags, order)
	h.Flags = uint32(flags)
	for _, f := range []struct {
		dst *uint16
		f   field
	}{
		{&h.Ehsize, l.ehsize},
		{&h.Phentsize, l.phentsize},
		{&h.Phnum, l.phnum},
		{&h.Shentsize, l.shentsize},
		{&h.Shnum, l.shnum},
		{&h.Shstrndx, l.shstrndx},
	} {
		v, _ := readField(r, 0, f.f, order)
		*f.dst = uint16(v)
	}
	return h, true
}

// parseProgHeader decodes the program header starting at off.
func (l *Layout) parseProgHeader(r mmap.Range, off uint64, order binary.ByteOrder) (ProgramHeader, bool) {
	if !r.Contains(off, l.progHeaderSize) {
		return ProgramHeader{}, false
	}
	var ph ProgramHeader
	typ, _ := readField(r, off, l.pType, order)
	flags, _ := readField(r, off, l.pFlags, order)
	ph.Type = elf.ProgType(typ)
	ph.Flags = elf.ProgFlag(flags)
	ph.Off, _ = readField(r, off, l.pOffset, order)
	ph.Vaddr, _ = readField(r, off, l.pVaddr, order)
	ph.Paddr, _ = readField(r, off, l.pPaddr, order)
	ph.Filesz, _ = readField(r, off, l.pFilesz, order)
	ph.Memsz, _ = readField(r, off, l.pMemsz, order)
	ph.Align, _ = readField(r, off, l.pAlign, order)
	return ph, true
}

// encodeHeader is the inverse of parseHeader. b must be at least HeaderSize bytes.
func (l *Layout) encodeHeader(b []byte, h Header, order binary.ByteOrder) {
	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(l.class)
	b[elf.EI_DATA] = byte(h.Data)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	b[elf.EI_OSABI] = byte(h.OSABI)
	order.PutUint16(b[16:], uint16(h.Type))
	order.PutUint16(b[18:], uint16(h.Machine))
	order.PutUint32(b[20:], uint32(h.Version))
	putField(b, 0, l.entry, h.Entry, order)
	putField(b, 0, l.phoff, h.Phoff, order)
	putField(b, 0, l.shoff, h.Shoff, order)
	putField(b, 0, l.flags, uint64(h.Flags), order)
	putField(b, 0, l.ehsize, uint64(h.Ehsize), order)
	putField(b, 0, l.phentsize, uint64(h.Phentsize), order)
	putField(b, 0, l.phnum, uint64(h.Phnum), order)
	putField(b, 0, l.shentsize, uint64(h.Shentsize), order)
	putField(b, 0, l.shnum, uint64(h.Shnum), order)
	putField(b, 0, l.shstrndx, uint64(h.Shstrndx), order)
}

// encodeProgHeader writes ph at off. b must be large enough.
func (l *Layout) encodeProgHeader(b []byte, off uint64, ph ProgramHeader, order binary.ByteOrder) {
	putField(b, off, l.pType, uint64(ph.Type), order)
	putField(b, off, l.pFlags, uint64(ph.Flags), order)
	putField(b, off, l.pOffset, ph.Off, order)
	putField(b, off, l.pVaddr, ph.Vaddr, order)
	putField(b, off, l.pPaddr, ph.Paddr, order)
	putField(b, off, l.pFilesz, ph.Filesz, order)
	putField(b, off, l.pMemsz, ph.Memsz, order)
	putField(b, off, l.pAlign, ph.Align, order)
}
