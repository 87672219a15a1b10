package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/edespino/corescope/internal/mmap"
)

// noteHeaderSize is namesz + descsz + type.
const noteHeaderSize = 12

func align4(v uint64) uint64 {
	return (v + 3) &^ 3
}

// Note is a view of one note record inside a note segment:
//
//	[namesz:4][descsz:4][type:4][name, padded to 4][desc, padded to 4]
//
// The zero Note is invalid. Notes are navigated forward with Next; iteration
// restarts by asking the dump for its first note again.
type Note struct {
	segment mmap.Range
	base    uint64 // file offset of segment
	off     uint64 // offset of this note inside segment
	order   binary.ByteOrder
}

// NotesIn returns the first note of the note region [off, off+size) of content.
// A region that extends past the end of content is clipped so that notes
// before a truncation point stay readable.
func NotesIn(content mmap.Range, off, size uint64, order binary.ByteOrder) Note {
	if off > content.Len() || order == nil {
		return Note{}
	}
	if rest := content.Len() - off; size > rest {
		size = rest
	}
	seg, ok := content.Sub(off, size)
	if !ok {
		return Note{}
	}
	return Note{segment: seg, base: off, order: order}
}

// IsValid reports whether a complete note header is readable.
func (n Note) IsValid() bool {
	return n.order != nil && n.segment.Contains(n.off, noteHeaderSize)
}

func (n Note) field(i uint64) uint32 {
	if !n.IsValid() {
		return 0
	}
	v, _ := n.segment.Uint32(n.off+4*i, n.order)
	return v
}

// NameSize returns the unpadded size of the name including its NUL.
func (n Note) NameSize() uint32 { return n.field(0) }

// DescSize returns the unpadded size of the description.
func (n Note) DescSize() uint32 { return n.field(1) }

// Type returns the note type, or 0 for an invalid note.
func (n Note) Type() elf.NType { return elf.NType(n.field(2)) }

// Offset returns the file offset of the note header.
func (n Note) Offset() uint64 { return n.base + n.off }

// Name returns the note name without trailing NUL bytes, or "" when the name
// does not fit in the segment.
func (n Note) Name() string {
	if !n.IsValid() {
		return ""
	}
	b, ok := n.segment.Slice(n.off+noteHeaderSize, uint64(n.NameSize()))
	if !ok {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Description returns the note payload, or nil when it does not fit in the
// segment. The slice aliases the mapped content.
func (n Note) Description() []byte {
	if !n.IsValid() {
		return nil
	}
	off := n.off + noteHeaderSize + align4(uint64(n.NameSize()))
	b, ok := n.segment.Slice(off, uint64(n.DescSize()))
	if !ok {
		return nil
	}
	return b
}

// DescriptionRange is Description as a Range; empty when out of bounds.
func (n Note) DescriptionRange() mmap.Range {
	return mmap.NewRange(n.Description())
}

// Next returns the note that follows n. The result is invalid when n is invalid
// or when the successor would start outside the segment.
func (n Note) Next() Note {
	if !n.IsValid() {
		return Note{}
	}
	size := noteHeaderSize + align4(uint64(n.NameSize())) + align4(uint64(n.DescSize()))
	next := n.off + size
	if next < n.off || next >= n.segment.Len() {
		return Note{}
	}
	return Note{segment: n.segment, base: n.base, off: next, order: n.order}
}

// End returns the file offset just past the note, padding included.
func (n Note) End() uint64 {
	if !n.IsValid() {
		return n.Offset()
	}
	return n.Offset() + noteHeaderSize + align4(uint64(n.NameSize())) + align4(uint64(n.DescSize()))
}

var coreNoteNames = map[elf.NType]string{
	elf.NT_PRSTATUS: "NT_PRSTATUS",
	elf.NT_FPREGSET: "NT_FPREGSET",
	elf.NT_PRPSINFO: "NT_PRPSINFO",
	NT_AUXV:         "NT_AUXV",
	NT_PRXFPREG:     "NT_PRXFPREG",
	NT_386_TLS:      "NT_386_TLS",
	NT_X86_XSTATE:   "NT_X86_XSTATE",
	NT_SIGINFO:      "NT_SIGINFO",
	NT_FILE:         "NT_FILE",
}

// NoteTypeName names a note type as it appears in a core file. Unknown types
// are rendered in hex.
func NoteTypeName(t elf.NType) string {
	if name, ok := coreNoteNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint32(t))
}
