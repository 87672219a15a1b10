package elfcore

import (
	"debug/elf"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// RawNote is a note emitted verbatim by CoreWriter.
type RawNote struct {
	Name string
	Type elf.NType
	Desc []byte
}

// ThreadNotes holds the notes CoreWriter emits for one thread.
type ThreadNotes struct {
	Status PrStatus
	// FPRegs is the NT_FPREGSET payload; omitted when nil.
	FPRegs []byte
	// Extra holds architecture-specific notes such as NT_PRXFPREG or
	// NT_386_TLS, emitted after FPRegs.
	Extra []RawNote
}

// LoadSegment is a PT_LOAD segment of captured process memory.
type LoadSegment struct {
	Vaddr uint64
	Flags elf.ProgFlag
	Data  []byte
}

// CoreWriter builds an ET_CORE file. Notes are laid out the way the Linux
// kernel writes them: the first thread's NT_PRSTATUS, then NT_PRPSINFO and
// NT_AUXV, then the first thread's remaining notes, then every other thread.
type CoreWriter struct {
	Layout  *Layout
	Order   binary.ByteOrder
	Machine elf.Machine
	PsInfo  *PrPsInfo
	Auxv    []AuxvEntry
	Threads []ThreadNotes
	Loads   []LoadSegment
}

// NewCoreWriter returns a writer for a little-endian core of the given class
// and machine.
func NewCoreWriter(l *Layout, machine elf.Machine) *CoreWriter {
	return &CoreWriter{Layout: l, Order: binary.LittleEndian, Machine: machine}
}

const (
	noteNameCore  = "CORE"
	noteNameLinux = "LINUX"
)

func appendNote(b []byte, name string, typ elf.NType, desc []byte, order binary.ByteOrder) []byte {
	namesz := uint64(len(name) + 1)
	hdr := make([]byte, noteHeaderSize)
	order.PutUint32(hdr[0:], uint32(namesz))
	order.PutUint32(hdr[4:], uint32(len(desc)))
	order.PutUint32(hdr[8:], uint32(typ))
	b = append(b, hdr...)
	b = append(b, name...)
	b = append(b, make([]byte, align4(namesz)-uint64(len(name)))...)
	b = append(b, desc...)
	return append(b, make([]byte, align4(uint64(len(desc)))-uint64(len(desc)))...)
}

// notes returns the PT_NOTE segment payload.
func (w *CoreWriter) notes() []byte {
	var b []byte
	for i, t := range w.Threads {
		b = appendNote(b, noteNameCore, elf.NT_PRSTATUS, t.Status.Encode(w.Layout, w.Order), w.Order)
		if i == 0 {
			if w.PsInfo != nil {
				b = appendNote(b, noteNameCore, elf.NT_PRPSINFO, w.PsInfo.Encode(w.Layout, w.Order), w.Order)
			}
			if w.Auxv != nil {
				b = appendNote(b, noteNameCore, NT_AUXV, EncodeAuxv(w.Auxv, w.Layout, w.Order), w.Order)
			}
		}
		if t.FPRegs != nil {
			b = appendNote(b, noteNameCore, elf.NT_FPREGSET, t.FPRegs, w.Order)
		}
		for _, n := range t.Extra {
			b = appendNote(b, n.Name, n.Type, n.Desc, w.Order)
		}
	}
	return b
}

// Bytes renders the core file.
func (w *CoreWriter) Bytes() ([]byte, error) {
	if w.Layout == nil || w.Order == nil {
		return nil, errors.New("elfcore: writer needs a layout and byte order")
	}
	if len(w.Threads) == 0 {
		return nil, errors.New("elfcore: core without threads")
	}
	l := w.Layout
	notes := w.notes()
	phnum := 1 + len(w.Loads)
	phoff := l.headerSize
	dataOff := phoff + uint64(phnum)*l.progHeaderSize

	size := dataOff + uint64(len(notes))
	for _, s := range w.Loads {
		size += uint64(len(s.Data))
	}
	b := make([]byte, dataOff, size)

	var data elf.Data = elf.ELFDATA2LSB
	if w.Order == binary.BigEndian {
		data = elf.ELFDATA2MSB
	}
	l.encodeHeader(b, Header{
		Data:      data,
		Version:   elf.EV_CURRENT,
		Type:      elf.ET_CORE,
		Machine:   w.Machine,
		Phoff:     phoff,
		Ehsize:    uint16(l.headerSize),
		Phentsize: uint16(l.progHeaderSize),
		Phnum:     uint16(phnum),
	}, w.Order)

	l.encodeProgHeader(b, phoff, ProgramHeader{
		Type:   elf.PT_NOTE,
		Off:    dataOff,
		Filesz: uint64(len(notes)),
		Align:  4,
	}, w.Order)
	b = append(b, notes...)

	for i, s := range w.Loads {
		l.encodeProgHeader(b, phoff+uint64(i+1)*l.progHeaderSize, ProgramHeader{
			Type:   elf.PT_LOAD,
			Flags:  s.Flags,
			Off:    uint64(len(b)),
			Vaddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  uint64(len(s.Data)),
			Align:  1,
		}, w.Order)
		b = append(b, s.Data...)
	}
	return b, nil
}

// WriteFile renders the core and writes it to path.
func (w *CoreWriter) WriteFile(path string) error {
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, b, 0600), "elfcore: write %s", path)
}
