// File: internal/fileid/fileid.go
// Purpose: Stable 128-bit identifiers for ELF executables and shared libraries,
// used to join crash reports against symbol stores.

// Package fileid computes identifiers for ELF images. The GNU build-id is used
// when present; otherwise the .text section is XOR-folded into 16 bytes. The
// fold matches identifiers already held by existing symbol stores and must not
// change.
package fileid

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/mmap"
)

// IdentifierSize is the size of an identifier in bytes.
const IdentifierSize = 16

// Identifier is a binary's build identity.
type Identifier [IdentifierSize]byte

// Method records how an identifier was derived.
type Method int

const (
	MethodNone Method = iota
	MethodBuildID
	MethodTextFold
)

func (m Method) String() string {
	switch m {
	case MethodBuildID:
		return "build-id"
	case MethodTextFold:
		return "text-fold"
	}
	return "none"
}

var (
	ErrNoIdentifier = errors.New("fileid: no build-id note and no .text section")
	ErrNoBuildID    = errors.New("fileid: no build-id note")
)

const gnuNoteName = "GNU"

// open parses an in-memory ELF image.
func open(r mmap.Range) (*elf.File, error) {
	f, err := elf.NewFile(bytes.NewReader(r.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "fileid: parse elf")
	}
	return f, nil
}

// BuildID returns the raw GNU build-id of the image. SHT_NOTE sections are
// searched first, then PT_NOTE segments.
func BuildID(r mmap.Range) ([]byte, error) {
	f, err := open(r)
	if err != nil {
		return nil, err
	}
	return buildID(f, r)
}

func buildID(f *elf.File, r mmap.Range) ([]byte, error) {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		if id, ok := findBuildID(r, s.Offset, s.Size, f.ByteOrder); ok {
			return id, nil
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		if id, ok := findBuildID(r, p.Off, p.Filesz, f.ByteOrder); ok {
			return id, nil
		}
	}
	return nil, ErrNoBuildID
}

func findBuildID(r mmap.Range, off, size uint64, order binary.ByteOrder) ([]byte, bool) {
	for n := elfcore.NotesIn(r, off, size, order); n.IsValid(); n = n.Next() {
		if n.Type() != elfcore.NT_GNU_BUILD_ID || n.Name() != gnuNoteName {
			continue
		}
		if desc := n.Description(); len(desc) > 0 {
			return desc, true
		}
	}
	return nil, false
}

// textFold XOR-folds the .text section into an identifier.
func textFold(f *elf.File, r mmap.Range) (Identifier, bool) {
	var id Identifier
	s := f.Section(".text")
	if s == nil || s.Type != elf.SHT_PROGBITS {
		return id, false
	}
	text, ok := r.Slice(s.Offset, s.Size)
	if !ok {
		return id, false
	}
	for i, b := range text {
		id[i%IdentifierSize] ^= b
	}
	return id, true
}

// FromMapped computes the identifier of a mapped ELF image.
func FromMapped(r mmap.Range) (Identifier, Method, error) {
	f, err := open(r)
	if err != nil {
		return Identifier{}, MethodNone, err
	}
	if raw, err := buildID(f, r); err == nil {
		var id Identifier
		copy(id[:], raw)
		return id, MethodBuildID, nil
	}
	if id, ok := textFold(f, r); ok {
		return id, MethodTextFold, nil
	}
	return Identifier{}, MethodNone, ErrNoIdentifier
}

// FromFile maps path and computes its identifier.
func FromFile(path string) (Identifier, Method, error) {
	var m mmap.MappedFile
	if err := m.Map(path); err != nil {
		return Identifier{}, MethodNone, err
	}
	defer m.Unmap()
	id, method, err := FromMapped(m.Content())
	return id, method, errors.Wrapf(err, "fileid: %s", path)
}

// String renders id as a lowercase GUID.
func (id Identifier) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
}

// ConvertIdentifierToString writes the GUID form of id into buf followed by a
// NUL byte, truncating when buf is too small. It returns the number of
// characters written, not counting the NUL.
func ConvertIdentifierToString(id Identifier, buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	n := copy(buf[:len(buf)-1], id.String())
	buf[n] = 0
	return n
}
