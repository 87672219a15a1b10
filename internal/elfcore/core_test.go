package elfcore

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/edespino/corescope/internal/mmap"
)

// testCore returns a core with one thread per tid; the first thread carries
// signal.
func testCore(t *testing.T, l *Layout, machine elf.Machine, signal int32, tids ...int32) []byte {
	t.Helper()
	w := NewCoreWriter(l, machine)
	w.PsInfo = &PrPsInfo{Pid: tids[0], PPid: 1, Fname: "crasher", Args: "crasher --threads"}
	w.Auxv = []AuxvEntry{{Type: AT_PAGESZ, Value: 4096}, {Type: AT_ENTRY, Value: 0x401000}}
	for i, tid := range tids {
		st := PrStatus{
			Pid:  tid,
			PPid: 1,
			Regs: Registers{Machine: machine, Words: make([]uint64, regWords(machine))},
		}
		for j := range st.Regs.Words {
			st.Regs.Words[j] = uint64(tid)<<8 | uint64(j)
		}
		if i == 0 {
			st.Signo = signal
			st.CurSig = uint16(signal)
		}
		tn := ThreadNotes{Status: st, FPRegs: make([]byte, 512)}
		if machine == elf.EM_386 {
			tn.Extra = []RawNote{
				{Name: noteNameLinux, Type: NT_PRXFPREG, Desc: make([]byte, 512)},
				{Name: noteNameLinux, Type: NT_386_TLS, Desc: make([]byte, 48)},
			}
		}
		w.Threads = append(w.Threads, tn)
	}
	w.Loads = []LoadSegment{
		{Vaddr: 0x1000, Flags: elf.PF_R, Data: []byte("first segment")},
		{Vaddr: 0x100d, Flags: elf.PF_R | elf.PF_W, Data: []byte(" continues")},
	}
	b, err := w.Bytes()
	require.NoError(t, err)
	return b
}

func TestValidCore(t *testing.T) {
	tests := []struct {
		name    string
		layout  *Layout
		machine elf.Machine
	}{
		{name: "elf64 x86_64", layout: Elf64Layout, machine: elf.EM_X86_64},
		{name: "elf64 aarch64", layout: Elf64Layout, machine: elf.EM_AARCH64},
		{name: "elf32 i386", layout: Elf32Layout, machine: elf.EM_386},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(mmap.NewRange(testCore(t, tt.layout, tt.machine, int32(unix.SIGSEGV), 100)))
			require.True(t, d.IsValid())

			h, ok := d.Header()
			require.True(t, ok)
			assert.Equal(t, elf.ET_CORE, h.Type)
			assert.Equal(t, tt.machine, d.Machine())
			assert.Equal(t, tt.layout.Class(), d.Class())
			assert.Equal(t, 3, d.ProgramHeaderCount())

			ph, ok := d.FirstProgramHeaderOfType(elf.PT_NOTE)
			require.True(t, ok)
			assert.Equal(t, uint64(4), ph.Align)

			_, ok = d.ProgramHeader(3)
			assert.False(t, ok)
			_, ok = d.ProgramHeader(-1)
			assert.False(t, ok)
			_, ok = d.FirstProgramHeaderOfType(elf.PT_DYNAMIC)
			assert.False(t, ok)
		})
	}
}

func TestNoteOrdering(t *testing.T) {
	// The crashing thread is written first, as the kernel does.
	tids := []int32{2002, 2001, 2003}
	d := New(mmap.NewRange(testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGABRT), tids...)))
	require.True(t, d.IsValid())

	var types []elf.NType
	var pids []int32
	var first *PrStatus
	psinfo := 0
	for n := d.FirstNote(); n.IsValid(); n = n.Next() {
		types = append(types, n.Type())
		switch n.Type() {
		case elf.NT_PRSTATUS:
			assert.Equal(t, "CORE", n.Name())
			st, err := DecodePrStatus(n.Description(), d.Layout(), d.ByteOrder(), d.Machine())
			require.NoError(t, err)
			if first == nil {
				first = st
			}
			pids = append(pids, st.Pid)
		case elf.NT_PRPSINFO:
			psinfo++
		}
	}

	assert.Equal(t, []elf.NType{
		elf.NT_PRSTATUS, elf.NT_PRPSINFO, NT_AUXV, elf.NT_FPREGSET,
		elf.NT_PRSTATUS, elf.NT_FPREGSET,
		elf.NT_PRSTATUS, elf.NT_FPREGSET,
	}, types)
	assert.Equal(t, 1, psinfo)
	require.NotNil(t, first)
	assert.Equal(t, int32(unix.SIGABRT), first.Signo)
	assert.Equal(t, int32(2002), first.Pid)
	assert.ElementsMatch(t, tids, pids)

	// Iteration restarts from the first note.
	assert.Equal(t, elf.NT_PRSTATUS, d.FirstNote().Type())
	assert.Len(t, d.Notes(), len(types))
}

func TestI386ArchNotes(t *testing.T) {
	d := New(mmap.NewRange(testCore(t, Elf32Layout, elf.EM_386, int32(unix.SIGSEGV), 7, 8)))
	require.True(t, d.IsValid())

	var types []elf.NType
	var names []string
	for _, n := range d.Notes() {
		types = append(types, n.Type())
		names = append(names, n.Name())
	}
	assert.Equal(t, []elf.NType{
		elf.NT_PRSTATUS, elf.NT_PRPSINFO, NT_AUXV, elf.NT_FPREGSET, NT_PRXFPREG, NT_386_TLS,
		elf.NT_PRSTATUS, elf.NT_FPREGSET, NT_PRXFPREG, NT_386_TLS,
	}, types)
	assert.Equal(t, "LINUX", names[4])

	st, err := DecodePrStatus(d.FirstNote().Description(), d.Layout(), d.ByteOrder(), d.Machine())
	require.NoError(t, err)
	assert.Equal(t, uint64(144), uint64(len(d.FirstNote().Description())))
	pc, ok := st.Regs.PC()
	require.True(t, ok)
	assert.Equal(t, uint64(7)<<8|12, pc)
	sp, ok := st.Regs.SP()
	require.True(t, ok)
	assert.Equal(t, uint64(7)<<8|15, sp)
}

func TestPayloadDecoders(t *testing.T) {
	d := New(mmap.NewRange(testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGBUS), 42)))
	require.True(t, d.IsValid())

	for _, n := range d.Notes() {
		switch n.Type() {
		case elf.NT_PRSTATUS:
			assert.Len(t, n.Description(), 336)
			st, err := DecodePrStatus(n.Description(), d.Layout(), d.ByteOrder(), d.Machine())
			require.NoError(t, err)
			assert.Equal(t, uint16(unix.SIGBUS), st.CurSig)
			named := st.Regs.Named()
			require.Len(t, named, 27)
			assert.Equal(t, "rip", named[16].Name)
			assert.Equal(t, uint64(42)<<8|16, named[16].Value)
		case elf.NT_PRPSINFO:
			assert.Len(t, n.Description(), 136)
			ps, err := DecodePrPsInfo(n.Description(), d.Layout(), d.ByteOrder())
			require.NoError(t, err)
			assert.Equal(t, "crasher", ps.Fname)
			assert.Equal(t, "crasher --threads", ps.Args)
			assert.Equal(t, int32(42), ps.Pid)
		case NT_AUXV:
			assert.Equal(t, []AuxvEntry{
				{Type: AT_PAGESZ, Value: 4096},
				{Type: AT_ENTRY, Value: 0x401000},
			}, DecodeAuxv(n.Description(), d.Layout(), d.ByteOrder()))
		}
	}
}

func TestDecodeShortPayloads(t *testing.T) {
	_, err := DecodePrStatus(make([]byte, 100), Elf64Layout, binary.LittleEndian, elf.EM_X86_64)
	assert.ErrorIs(t, err, ErrShortNote)
	_, err = DecodePrStatus(make([]byte, 10), Elf64Layout, binary.LittleEndian, elf.EM_RISCV)
	assert.ErrorIs(t, err, ErrShortNote)
	_, err = DecodePrPsInfo(make([]byte, 123), Elf32Layout, binary.LittleEndian)
	assert.ErrorIs(t, err, ErrShortNote)
	assert.Empty(t, DecodeAuxv(make([]byte, 7), Elf64Layout, binary.LittleEndian))
}

// Sizes of struct elf_prstatus as the kernel lays it out.
func TestPrStatusSize(t *testing.T) {
	tests := []struct {
		name    string
		layout  *Layout
		machine elf.Machine
		want    uint64
	}{
		{name: "x86_64", layout: Elf64Layout, machine: elf.EM_X86_64, want: 336},
		{name: "i386", layout: Elf32Layout, machine: elf.EM_386, want: 144},
		{name: "aarch64", layout: Elf64Layout, machine: elf.EM_AARCH64, want: 392},
		{name: "arm", layout: Elf32Layout, machine: elf.EM_ARM, want: 148},
		{name: "unknown", layout: Elf64Layout, machine: elf.EM_RISCV, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrStatusSize(tt.layout, tt.machine))
			if tt.want == 0 {
				return
			}
			st := PrStatus{Regs: Registers{Machine: tt.machine, Words: make([]uint64, regWords(tt.machine))}}
			assert.Len(t, st.Encode(tt.layout, binary.LittleEndian), int(tt.want))
		})
	}
}

func TestPrStatusCrash(t *testing.T) {
	full := (&PrStatus{Signo: int32(unix.SIGBUS), Pid: 77}).Encode(Elf64Layout, binary.LittleEndian)
	short := full[:10]

	tests := []struct {
		name      string
		desc      []byte
		wantSigno int32
		wantPid   int32
	}{
		{name: "registers missing", desc: full, wantSigno: int32(unix.SIGBUS), wantPid: 77},
		{name: "cut before pid", desc: short, wantSigno: int32(unix.SIGBUS)},
		{name: "empty", desc: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signo, pid := PrStatusCrash(mmap.NewRange(tt.desc), Elf64Layout, binary.LittleEndian)
			assert.Equal(t, tt.wantSigno, signo)
			assert.Equal(t, tt.wantPid, pid)
		})
	}

	b := testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGTRAP), 9)
	n := New(mmap.NewRange(b)).FirstNote()
	require.Equal(t, elf.NT_PRSTATUS, n.Type())
	assert.Equal(t, uint64(len(n.Description())), n.DescriptionRange().Len())
	signo, pid := PrStatusCrash(n.DescriptionRange(), Elf64Layout, binary.LittleEndian)
	assert.Equal(t, int32(unix.SIGTRAP), signo)
	assert.Equal(t, int32(9), pid)
}

func TestDecodeUnknownMachine(t *testing.T) {
	st := PrStatus{Pid: 5, Regs: Registers{Machine: elf.EM_RISCV, Words: make([]uint64, 33)}}
	st.Regs.Words[0] = 0xdead
	desc := st.Encode(Elf64Layout, binary.LittleEndian)

	got, err := DecodePrStatus(desc, Elf64Layout, binary.LittleEndian, elf.EM_RISCV)
	require.NoError(t, err)
	assert.Len(t, got.Regs.Words, 33)
	assert.Equal(t, "reg0", got.Regs.Named()[0].Name)
	_, ok := got.Regs.PC()
	assert.False(t, ok)
}

func TestCopyFromSegment(t *testing.T) {
	d := New(mmap.NewRange(testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGSEGV), 1)))
	require.True(t, d.IsValid())

	tests := []struct {
		name  string
		vaddr uint64
		n     int
		want  string
	}{
		{name: "inside one segment", vaddr: 0x1006, n: 7, want: "segment"},
		{name: "across segments", vaddr: 0x1006, n: 17, want: "segment continues"},
		{name: "runs off the end", vaddr: 0x1010, n: 64, want: "ntinues"},
		{name: "unmapped", vaddr: 0x9000, n: 4, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.n)
			n := d.CopyFromSegment(dst, tt.vaddr)
			assert.Equal(t, tt.want, string(dst[:n]))
		})
	}
}

func TestInvalidHeaders(t *testing.T) {
	good := testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGSEGV), 1)
	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "magic only", data: []byte(elf.ELFMAG)},
		{name: "shorter than header", data: good[:Elf64Layout.HeaderSize()-1]},
		{name: "bad magic", data: mutate(func(b []byte) { b[1] = 'X' })},
		{name: "bad class", data: mutate(func(b []byte) { b[elf.EI_CLASS] = 9 })},
		{name: "bad data", data: mutate(func(b []byte) { b[elf.EI_DATA] = 0 })},
		{name: "bad version", data: mutate(func(b []byte) { b[20] = 2 })},
		{name: "not a core", data: mutate(func(b []byte) { b[16] = byte(elf.ET_EXEC) })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(mmap.NewRange(tt.data))
			assert.False(t, d.IsValid())
			_, ok := d.Header()
			assert.False(t, ok)
			assert.Equal(t, 0, d.ProgramHeaderCount())
			_, ok = d.ProgramHeader(0)
			assert.False(t, ok)
			assert.False(t, d.FirstNote().IsValid())
			assert.Empty(t, d.Notes())
		})
	}
}

func TestTruncatedCore(t *testing.T) {
	good := testCore(t, Elf64Layout, elf.EM_X86_64, int32(unix.SIGSEGV), 1, 2)
	full := New(mmap.NewRange(good))
	ph, ok := full.FirstProgramHeaderOfType(elf.PT_NOTE)
	require.True(t, ok)
	firstDesc := uint64(noteHeaderSize + 8)

	t.Run("phoff outside range", func(t *testing.T) {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(b[32:], uint64(len(b))+1)
		d := New(mmap.NewRange(b))
		require.True(t, d.IsValid())
		_, ok := d.ProgramHeader(0)
		assert.False(t, ok)
		assert.False(t, d.FirstNote().IsValid())
	})

	t.Run("phoff overflow", func(t *testing.T) {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(b[32:], ^uint64(0)-8)
		d := New(mmap.NewRange(b))
		_, ok := d.ProgramHeader(1)
		assert.False(t, ok)
	})

	t.Run("phentsize too small", func(t *testing.T) {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint16(b[54:], 8)
		d := New(mmap.NewRange(b))
		_, ok := d.ProgramHeader(0)
		assert.False(t, ok)
	})

	t.Run("cut inside first note description", func(t *testing.T) {
		d := New(mmap.NewRange(good[:ph.Off+firstDesc+10]))
		require.True(t, d.IsValid())
		n := d.FirstNote()
		require.True(t, n.IsValid())
		assert.Equal(t, elf.NT_PRSTATUS, n.Type())
		assert.Equal(t, "CORE", n.Name())
		assert.Nil(t, n.Description())
		assert.False(t, n.Next().IsValid())
	})

	t.Run("cut inside first note header", func(t *testing.T) {
		d := New(mmap.NewRange(good[:ph.Off+6]))
		n := d.FirstNote()
		assert.False(t, n.IsValid())
		assert.Equal(t, "", n.Name())
		assert.Nil(t, n.Description())
		assert.Equal(t, elf.NType(0), n.Type())
	})

	t.Run("cut after third note keeps earlier notes", func(t *testing.T) {
		notes := full.Notes()
		require.Greater(t, len(notes), 4)
		d := New(mmap.NewRange(good[:notes[3].Offset()+4]))
		got := d.Notes()
		require.Len(t, got, 3)
		for i := range got {
			assert.Equal(t, notes[i].Type(), got[i].Type())
			assert.Equal(t, notes[i].Description(), got[i].Description())
		}
	})

	t.Run("descsz larger than remaining bytes", func(t *testing.T) {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(b[ph.Off+4:], 0xfffffff0)
		d := New(mmap.NewRange(b))
		n := d.FirstNote()
		require.True(t, n.IsValid())
		assert.Nil(t, n.Description())
		assert.False(t, n.Next().IsValid())
	})

	t.Run("namesz larger than remaining bytes", func(t *testing.T) {
		b := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(b[ph.Off:], 0xffffffff)
		d := New(mmap.NewRange(b))
		n := d.FirstNote()
		require.True(t, n.IsValid())
		assert.Equal(t, "", n.Name())
		assert.Nil(t, n.Description())
		assert.False(t, n.Next().IsValid())
	})
}

func TestNoteSegmentBounds(t *testing.T) {
	// Two notes back to back; the segment only covers the first one.
	var b []byte
	b = appendNote(b, "CORE", elf.NT_PRSTATUS, []byte{1, 2, 3}, binary.LittleEndian)
	first := uint64(len(b))
	b = appendNote(b, "CORE", elf.NT_FPREGSET, []byte{4}, binary.LittleEndian)
	r := mmap.NewRange(b)

	n := NotesIn(r, 0, first, binary.LittleEndian)
	require.True(t, n.IsValid())
	assert.Equal(t, []byte{1, 2, 3}, n.Description())
	assert.False(t, n.Next().IsValid())

	n = NotesIn(r, 0, uint64(len(b)), binary.LittleEndian)
	next := n.Next()
	require.True(t, next.IsValid())
	assert.Equal(t, elf.NT_FPREGSET, next.Type())
	assert.Equal(t, first, next.Offset())
	assert.False(t, next.Next().IsValid())

	assert.False(t, NotesIn(r, uint64(len(b))+1, 4, binary.LittleEndian).IsValid())
	assert.False(t, Note{}.Next().IsValid())
}
