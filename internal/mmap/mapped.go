// File: internal/mmap/mapped.go
// Purpose: Read-only memory mapping of core files and ELF images, plus the single
// bounds-checked accessor every parser in corescope reads through.

// Package mmap maps files read-only and exposes them as bounds-checked ranges.
package mmap

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Range is a view over mapped bytes. It never owns the memory it points at.
type Range struct {
	data []byte
}

// NewRange wraps b without copying.
func NewRange(b []byte) Range {
	return Range{data: b}
}

// Len returns the number of addressable bytes.
func (r Range) Len() uint64 {
	return uint64(len(r.data))
}

// Bytes returns the whole view.
func (r Range) Bytes() []byte {
	return r.data
}

// Contains reports whether [off, off+n) lies inside the range.
func (r Range) Contains(off, n uint64) bool {
	end := off + n
	return end >= off && end <= uint64(len(r.data))
}

// Slice returns n bytes at off, or false if any of them fall outside the range.
// The returned slice has its capacity clipped so callers cannot grow into
// neighbouring data.
func (r Range) Slice(off, n uint64) ([]byte, bool) {
	if !r.Contains(off, n) {
		return nil, false
	}
	end := off + n
	return r.data[off:end:end], true
}

// Sub returns the sub-range [off, off+n).
func (r Range) Sub(off, n uint64) (Range, bool) {
	b, ok := r.Slice(off, n)
	if !ok {
		return Range{}, false
	}
	return Range{data: b}, true
}

func (r Range) Uint8(off uint64) (uint8, bool) {
	b, ok := r.Slice(off, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r Range) Uint16(off uint64, order binary.ByteOrder) (uint16, bool) {
	b, ok := r.Slice(off, 2)
	if !ok {
		return 0, false
	}
	return order.Uint16(b), true
}

func (r Range) Uint32(off uint64, order binary.ByteOrder) (uint32, bool) {
	b, ok := r.Slice(off, 4)
	if !ok {
		return 0, false
	}
	return order.Uint32(b), true
}

func (r Range) Uint64(off uint64, order binary.ByteOrder) (uint64, bool) {
	b, ok := r.Slice(off, 8)
	if !ok {
		return 0, false
	}
	return order.Uint64(b), true
}

// MappedFile owns a read-only mapping of a file.
// The zero value is an unmapped file.
type MappedFile struct {
	path    string
	content Range
	// mapped is the slice returned by mmap; nil for empty files and MapBytes.
	mapped []byte
}

// Open is a convenience wrapper around Map.
func Open(path string) (*MappedFile, error) {
	f := &MappedFile{}
	if err := f.Map(path); err != nil {
		return nil, err
	}
	return f, nil
}

// Map maps the named file read-only. Any existing mapping is released first,
// so a failed Map leaves the file unmapped.
func (f *MappedFile) Map(path string) error {
	if err := f.Unmap(); err != nil {
		return err
	}

	fd, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "mmap: open")
	}
	defer fd.Close()

	st, err := fd.Stat()
	if err != nil {
		return errors.Wrapf(err, "mmap: stat %s", path)
	}
	size := st.Size()
	if size == 0 {
		// mmap rejects zero-length mappings.
		f.path = path
		f.content = Range{data: []byte{}}
		return nil
	}
	if size < 0 || size != int64(int(size)) {
		return errors.Errorf("mmap: file %q has unmappable size %d", path, size)
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrapf(err, "mmap: map %s", path)
	}
	f.path = path
	f.mapped = data
	f.content = Range{data: data}
	return nil
}

// MapBytes attaches a raw memory block. The block is not copied and is not
// released by Unmap.
func (f *MappedFile) MapBytes(b []byte) error {
	if err := f.Unmap(); err != nil {
		return err
	}
	if b == nil {
		b = []byte{}
	}
	f.content = Range{data: b}
	return nil
}

// Unmap releases the mapping. It is safe to call on an unmapped file.
func (f *MappedFile) Unmap() error {
	data := f.mapped
	*f = MappedFile{}
	if data == nil {
		return nil
	}
	return errors.Wrap(unix.Munmap(data), "mmap: unmap")
}

// Close implements io.Closer.
func (f *MappedFile) Close() error {
	return f.Unmap()
}

// IsMapped reports whether Map or MapBytes succeeded and Unmap has not been called since.
func (f *MappedFile) IsMapped() bool {
	return f.content.data != nil
}

// Path returns the path of the mapped file, or "" for memory blocks.
func (f *MappedFile) Path() string {
	return f.path
}

// Content returns the mapped bytes. An unmapped file returns an empty range.
func (f *MappedFile) Content() Range {
	return f.content
}

// Size returns the mapped length in bytes.
func (f *MappedFile) Size() uint64 {
	return f.content.Len()
}
