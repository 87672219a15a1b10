package fileid

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/mmap"
)

// image describes a minimal little-endian ELF64 shared object.
type image struct {
	text    []byte // .text; omitted when nil
	buildID []byte // GNU build-id; omitted when nil
	// segmentOnly leaves the build-id reachable through PT_NOTE only.
	segmentOnly bool
}

type section struct {
	name string
	typ  elf.SectionType
	off  uint64
	size uint64
}

func (img image) bytes() []byte {
	le := binary.LittleEndian
	const ehsize, phentsize, shentsize = 64, 56, 64

	phnum := 0
	if img.buildID != nil {
		phnum = 1
	}
	b := make([]byte, ehsize+phnum*phentsize)
	pad := func(align int) {
		for len(b)%align != 0 {
			b = append(b, 0)
		}
	}

	sections := []section{{}}
	if img.text != nil {
		pad(16)
		sections = append(sections, section{name: ".text", typ: elf.SHT_PROGBITS, off: uint64(len(b)), size: uint64(len(img.text))})
		b = append(b, img.text...)
	}
	var noteOff, noteSize uint64
	if img.buildID != nil {
		pad(4)
		noteOff = uint64(len(b))
		hdr := make([]byte, 12)
		le.PutUint32(hdr[0:], 4)
		le.PutUint32(hdr[4:], uint32(len(img.buildID)))
		le.PutUint32(hdr[8:], uint32(elfcore.NT_GNU_BUILD_ID))
		b = append(b, hdr...)
		b = append(b, "GNU\x00"...)
		b = append(b, img.buildID...)
		pad(4)
		noteSize = uint64(len(b)) - noteOff
		if !img.segmentOnly {
			sections = append(sections, section{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, off: noteOff, size: noteSize})
		}
		ph := b[ehsize:]
		le.PutUint32(ph[0:], uint32(elf.PT_NOTE))
		le.PutUint32(ph[4:], uint32(elf.PF_R))
		le.PutUint64(ph[8:], noteOff)
		le.PutUint64(ph[16:], noteOff)
		le.PutUint64(ph[24:], noteOff)
		le.PutUint64(ph[32:], noteSize)
		le.PutUint64(ph[40:], noteSize)
		le.PutUint64(ph[48:], 4)
	}

	strtab := []byte{0}
	names := make([]uint32, len(sections)+1)
	for i, s := range sections[1:] {
		names[i+1] = uint32(len(strtab))
		strtab = append(append(strtab, s.name...), 0)
	}
	names[len(sections)] = uint32(len(strtab))
	strtab = append(append(strtab, ".shstrtab"...), 0)
	sections = append(sections, section{name: ".shstrtab", typ: elf.SHT_STRTAB, off: uint64(len(b)), size: uint64(len(strtab))})
	b = append(b, strtab...)

	pad(8)
	shoff := uint64(len(b))
	for i, s := range sections {
		sh := make([]byte, shentsize)
		le.PutUint32(sh[0:], names[i])
		le.PutUint32(sh[4:], uint32(s.typ))
		le.PutUint64(sh[24:], s.off)
		le.PutUint64(sh[32:], s.size)
		le.PutUint64(sh[48:], 1)
		b = append(b, sh...)
	}

	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(b[16:], uint16(elf.ET_DYN))
	le.PutUint16(b[18:], uint16(elf.EM_X86_64))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(b[32:], ehsize)
	le.PutUint64(b[40:], shoff)
	le.PutUint16(b[52:], ehsize)
	le.PutUint16(b[54:], phentsize)
	le.PutUint16(b[56:], uint16(phnum))
	le.PutUint16(b[58:], shentsize)
	le.PutUint16(b[60:], uint16(len(sections)))
	le.PutUint16(b[62:], uint16(len(sections)-1))
	return b
}

func (img image) rng() mmap.Range {
	return mmap.NewRange(img.bytes())
}

func patternText(n, mod int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i % mod) % 256)
	}
	return b
}

var sha1BuildID = []byte{
	0xde, 0xad, 0xbe, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab,
	0xcd, 0xef, 0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10,
}

func TestBuildIDIdentity(t *testing.T) {
	stripped := image{text: []byte{0x90, 0x90, 0xc3}, buildID: sha1BuildID}
	unstripped := image{text: patternText(4096, 7), buildID: sha1BuildID}

	a, method, err := FromMapped(stripped.rng())
	require.NoError(t, err)
	assert.Equal(t, MethodBuildID, method)

	b, _, err := FromMapped(unstripped.rng())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, sha1BuildID[:IdentifierSize], a[:])
	assert.Equal(t, "deadbeef-0123-4567-89ab-cdeffedcba98", a.String())
}

func TestBuildIDNormalization(t *testing.T) {
	tests := []struct {
		name string
		img  image
		want Identifier
	}{
		{
			name: "long id is truncated",
			img:  image{text: []byte{1}, buildID: sha1BuildID},
			want: Identifier{0xde, 0xad, 0xbe, 0xef, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0xdc, 0xba, 0x98},
		},
		{
			name: "short id is zero padded",
			img:  image{text: []byte{1}, buildID: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			want: Identifier{1, 2, 3, 4, 5, 6, 7, 8},
		},
		{
			name: "segment only",
			img:  image{buildID: []byte{9, 9, 9}, segmentOnly: true},
			want: Identifier{9, 9, 9},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, method, err := FromMapped(tt.img.rng())
			require.NoError(t, err)
			assert.Equal(t, MethodBuildID, method)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestRawBuildID(t *testing.T) {
	raw, err := BuildID(image{buildID: sha1BuildID, segmentOnly: true}.rng())
	require.NoError(t, err)
	assert.Equal(t, sha1BuildID, raw)

	_, err = BuildID(image{text: []byte{1}}.rng())
	assert.ErrorIs(t, err, ErrNoBuildID)
}

func TestTextFold(t *testing.T) {
	// Every residue of i%17 appears an odd number of times per column, leaving
	// 16 (the XOR of 0..16) combined with the column index.
	id, method, err := FromMapped(image{text: patternText(4096, 17)}.rng())
	require.NoError(t, err)
	assert.Equal(t, MethodTextFold, method)
	assert.Equal(t, "10111213-1415-1617-1819-1a1b1c1d1e1f", id.String())

	other, _, err := FromMapped(image{text: patternText(4096, 31)}.rng())
	require.NoError(t, err)
	assert.NotEqual(t, id.String(), other.String())
}

func TestTextFoldShortSection(t *testing.T) {
	id, _, err := FromMapped(image{text: []byte{0xaa, 0xbb}}.rng())
	require.NoError(t, err)
	assert.Equal(t, Identifier{0xaa, 0xbb}, id)

	id, _, err = FromMapped(image{text: append(make([]byte, 16), 0x0f)}.rng())
	require.NoError(t, err)
	assert.Equal(t, Identifier{0x0f}, id)
}

func TestDeterminism(t *testing.T) {
	for _, img := range []image{
		{text: patternText(1000, 13)},
		{text: []byte{1}, buildID: sha1BuildID},
	} {
		data := img.bytes()
		a, _, err := FromMapped(mmap.NewRange(data))
		require.NoError(t, err)
		b, _, err := FromMapped(mmap.NewRange(append([]byte(nil), data...)))
		require.NoError(t, err)
		assert.Equal(t, a, b)

		bufA, bufB := make([]byte, 37), make([]byte, 37)
		assert.Equal(t, ConvertIdentifierToString(a, bufA), ConvertIdentifierToString(b, bufB))
		assert.Equal(t, bufA, bufB)
	}
}

func TestNoIdentifier(t *testing.T) {
	_, method, err := FromMapped(image{}.rng())
	assert.ErrorIs(t, err, ErrNoIdentifier)
	assert.Equal(t, MethodNone, method)

	_, _, err = FromMapped(mmap.NewRange([]byte("not an elf image")))
	assert.Error(t, err)

	_, _, err = FromMapped(mmap.NewRange(nil))
	assert.Error(t, err)
}

func TestConvertIdentifierToString(t *testing.T) {
	id := Identifier{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x10, 0x32, 0x54, 0x76, 0x98, 0xba, 0xdc, 0xfe}
	const full = "01234567-89ab-cdef-1032-547698badcfe"

	tests := []struct {
		name    string
		bufSize int
		want    string
	}{
		{name: "exact fit", bufSize: 37, want: full},
		{name: "larger buffer", bufSize: 64, want: full},
		{name: "missing terminator room", bufSize: 36, want: full[:35]},
		{name: "tiny buffer", bufSize: 9, want: full[:8]},
		{name: "terminator only", bufSize: 1, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.bufSize)
			for i := range buf {
				buf[i] = 'x'
			}
			n := ConvertIdentifierToString(id, buf)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, string(buf[:n]))
			assert.Equal(t, byte(0), buf[n])
		})
	}

	assert.Equal(t, 0, ConvertIdentifierToString(id, nil))
	assert.Equal(t, full, id.String())
}

func TestFromFileAndCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libdemo.so")
	require.NoError(t, os.WriteFile(path, image{text: patternText(64, 5)}.bytes(), 0644))

	want, method, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, MethodTextFold, method)

	c, err := NewCache(4)
	require.NoError(t, err)

	id, _, hit, err := c.Identify(path)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, want, id)

	id, _, hit, err = c.Identify(path)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, id)
	assert.Equal(t, 1, c.Len())

	// A rewritten file is identified again.
	require.NoError(t, os.WriteFile(path, image{text: []byte{1}, buildID: sha1BuildID}.bytes(), 0644))
	id, method, hit, err = c.Identify(path)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, MethodBuildID, method)
	assert.NotEqual(t, want, id)

	c.Purge()
	assert.Equal(t, 0, c.Len())

	_, _, _, err = c.Identify(filepath.Join(t.TempDir(), "missing.so"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
