package elfcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/edespino/corescope/internal/mmap"
)

// ErrShortNote is returned by decoders when a note payload is smaller than the
// structure it should hold.
var ErrShortNote = errors.New("elfcore: note description too short")

// Timeval is a struct timeval widened to 64 bits.
type Timeval struct {
	Sec  int64 `json:"sec" yaml:"sec"`
	Usec int64 `json:"usec" yaml:"usec"`
}

// PrStatus is the decoded elf_prstatus of one thread.
type PrStatus struct {
	Signo   int32 // si_signo
	Code    int32 // si_code
	Errno   int32 // si_errno
	CurSig  uint16
	SigPend uint64
	SigHold uint64
	Pid     int32
	PPid    int32
	Pgrp    int32
	Sid     int32
	UTime   Timeval
	STime   Timeval
	CUTime  Timeval
	CSTime  Timeval
	Regs    Registers
	FPValid bool
}

// prstatus field offsets for a word size w:
//
//	siginfo 0, cursig 12, sigpend 16, sighold 16+w,
//	pid 16+2w, ppid, pgrp, sid, four timevals of 2w each,
//	regs at 32+10w, then int32 pr_fpvalid.
func prstatusRegsOff(w uint64) uint64 { return 32 + 10*w }

// PrStatusSize returns the size of elf_prstatus for the given class and machine,
// or 0 when the machine has no known register set.
func PrStatusSize(l *Layout, machine elf.Machine) uint64 {
	n := uint64(regWords(machine))
	if n == 0 {
		return 0
	}
	size := prstatusRegsOff(l.wordSize) + n*l.wordSize + 4
	return (size + l.wordSize - 1) &^ (l.wordSize - 1)
}

// PrStatusCrash reads si_signo and pr_pid from an NT_PRSTATUS payload without
// decoding the register set. Each value is 0 when its bytes are out of range.
func PrStatusCrash(r mmap.Range, l *Layout, order binary.ByteOrder) (signo, pid int32) {
	if v, ok := r.Uint32(0, order); ok {
		signo = int32(v)
	}
	if v, ok := r.Uint32(16+2*l.wordSize, order); ok {
		pid = int32(v)
	}
	return signo, pid
}

// DecodePrStatus decodes an NT_PRSTATUS payload. The register count comes from
// the machine when it is known and is otherwise inferred from the payload size.
func DecodePrStatus(desc []byte, l *Layout, order binary.ByteOrder, machine elf.Machine) (*PrStatus, error) {
	r := mmap.NewRange(desc)
	w := l.wordSize
	regsOff := prstatusRegsOff(w)

	n := uint64(regWords(machine))
	if n == 0 {
		if r.Len() < regsOff+4+w {
			return nil, ErrShortNote
		}
		n = (r.Len() - regsOff - 4) / w
	}
	if !r.Contains(regsOff, n*w+4) {
		return nil, errors.Wrapf(ErrShortNote, "prstatus: %d bytes for %d registers", len(desc), n)
	}

	st := &PrStatus{}
	i32 := func(off uint64) int32 {
		v, _ := r.Uint32(off, order)
		return int32(v)
	}
	word := func(off uint64) uint64 {
		v, _ := l.Word(r, off, order)
		return v
	}
	st.Signo = i32(0)
	st.Code = i32(4)
	st.Errno = i32(8)
	st.CurSig, _ = r.Uint16(12, order)
	st.SigPend = word(16)
	st.SigHold = word(16 + w)
	st.Pid = i32(16 + 2*w)
	st.PPid = i32(20 + 2*w)
	st.Pgrp = i32(24 + 2*w)
	st.Sid = i32(28 + 2*w)
	for i, tv := range []*Timeval{&st.UTime, &st.STime, &st.CUTime, &st.CSTime} {
		off := 32 + 2*w + uint64(i)*2*w
		tv.Sec = signExtend(word(off), w)
		tv.Usec = signExtend(word(off+w), w)
	}
	st.Regs = Registers{Machine: machine, Words: make([]uint64, n)}
	for i := range st.Regs.Words {
		st.Regs.Words[i] = word(regsOff + uint64(i)*w)
	}
	st.FPValid = i32(regsOff+n*w) != 0
	return st, nil
}

// Encode is the inverse of DecodePrStatus.
func (st *PrStatus) Encode(l *Layout, order binary.ByteOrder) []byte {
	w := l.wordSize
	regsOff := prstatusRegsOff(w)
	n := uint64(len(st.Regs.Words))
	size := (regsOff + n*w + 4 + w - 1) &^ (w - 1)
	b := make([]byte, size)

	order.PutUint32(b[0:], uint32(st.Signo))
	order.PutUint32(b[4:], uint32(st.Code))
	order.PutUint32(b[8:], uint32(st.Errno))
	order.PutUint16(b[12:], st.CurSig)
	l.putWord(b, 16, st.SigPend, order)
	l.putWord(b, 16+w, st.SigHold, order)
	order.PutUint32(b[16+2*w:], uint32(st.Pid))
	order.PutUint32(b[20+2*w:], uint32(st.PPid))
	order.PutUint32(b[24+2*w:], uint32(st.Pgrp))
	order.PutUint32(b[28+2*w:], uint32(st.Sid))
	for i, tv := range []Timeval{st.UTime, st.STime, st.CUTime, st.CSTime} {
		off := 32 + 2*w + uint64(i)*2*w
		l.putWord(b, off, uint64(tv.Sec), order)
		l.putWord(b, off+w, uint64(tv.Usec), order)
	}
	for i, v := range st.Regs.Words {
		l.putWord(b, regsOff+uint64(i)*w, v, order)
	}
	if st.FPValid {
		order.PutUint32(b[regsOff+n*w:], 1)
	}
	return b
}

func signExtend(v uint64, w uint64) int64 {
	if w == 4 {
		return int64(int32(v))
	}
	return int64(v)
}

// PrPsInfo is the decoded elf_prpsinfo of the process.
type PrPsInfo struct {
	State  int8
	SName  byte
	Zombie bool
	Nice   int8
	Flag   uint64
	UID    uint32
	GID    uint32
	Pid    int32
	PPid   int32
	Pgrp   int32
	Sid    int32
	Fname  string
	Args   string
}

type psinfoLayout struct {
	flag, uid, gid field
	pid, ppid      field
	pgrp, sid      field
	fname, psargs  uint64
	size           uint64
}

const (
	psinfoFnameLen = 16
	psinfoArgsLen  = 80
)

var (
	psinfo32 = psinfoLayout{
		flag: field{4, 4}, uid: field{8, 2}, gid: field{10, 2},
		pid: field{12, 4}, ppid: field{16, 4}, pgrp: field{20, 4}, sid: field{24, 4},
		fname: 28, psargs: 44, size: 124,
	}
	psinfo64 = psinfoLayout{
		flag: field{8, 8}, uid: field{16, 4}, gid: field{20, 4},
		pid: field{24, 4}, ppid: field{28, 4}, pgrp: field{32, 4}, sid: field{36, 4},
		fname: 40, psargs: 56, size: 136,
	}
)

func psinfoFor(l *Layout) psinfoLayout {
	if l.class == elf.ELFCLASS32 {
		return psinfo32
	}
	return psinfo64
}

// DecodePrPsInfo decodes an NT_PRPSINFO payload.
func DecodePrPsInfo(desc []byte, l *Layout, order binary.ByteOrder) (*PrPsInfo, error) {
	pl := psinfoFor(l)
	r := mmap.NewRange(desc)
	if r.Len() < pl.size {
		return nil, errors.Wrapf(ErrShortNote, "prpsinfo: %d bytes, want %d", len(desc), pl.size)
	}
	read := func(f field) uint64 {
		v, _ := readField(r, 0, f, order)
		return v
	}
	return &PrPsInfo{
		State:  int8(desc[0]),
		SName:  desc[1],
		Zombie: desc[2] != 0,
		Nice:   int8(desc[3]),
		Flag:   read(pl.flag),
		UID:    uint32(read(pl.uid)),
		GID:    uint32(read(pl.gid)),
		Pid:    int32(read(pl.pid)),
		PPid:   int32(read(pl.ppid)),
		Pgrp:   int32(read(pl.pgrp)),
		Sid:    int32(read(pl.sid)),
		Fname:  cString(desc[pl.fname : pl.fname+psinfoFnameLen]),
		Args:   cString(desc[pl.psargs : pl.psargs+psinfoArgsLen]),
	}, nil
}

// Encode is the inverse of DecodePrPsInfo. Fname and Args are truncated to
// their fixed field widths.
func (ps *PrPsInfo) Encode(l *Layout, order binary.ByteOrder) []byte {
	pl := psinfoFor(l)
	b := make([]byte, pl.size)
	b[0] = byte(ps.State)
	b[1] = ps.SName
	if ps.Zombie {
		b[2] = 1
	}
	b[3] = byte(ps.Nice)
	putField(b, 0, pl.flag, ps.Flag, order)
	putField(b, 0, pl.uid, uint64(ps.UID), order)
	putField(b, 0, pl.gid, uint64(ps.GID), order)
	putField(b, 0, pl.pid, uint64(uint32(ps.Pid)), order)
	putField(b, 0, pl.ppid, uint64(uint32(ps.PPid)), order)
	putField(b, 0, pl.pgrp, uint64(uint32(ps.Pgrp)), order)
	putField(b, 0, pl.sid, uint64(uint32(ps.Sid)), order)
	copy(b[pl.fname:pl.fname+psinfoFnameLen-1], ps.Fname)
	copy(b[pl.psargs:pl.psargs+psinfoArgsLen-1], ps.Args)
	return b
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// AuxvEntry is one auxiliary vector (type, value) pair.
type AuxvEntry struct {
	Type  uint64 `json:"type" yaml:"type"`
	Value uint64 `json:"value" yaml:"value"`
}

// Well-known auxv types.
const (
	AT_NULL         = 0
	AT_PHDR         = 3
	AT_PHENT        = 4
	AT_PHNUM        = 5
	AT_PAGESZ       = 6
	AT_BASE         = 7
	AT_ENTRY        = 9
	AT_UID          = 11
	AT_HWCAP        = 16
	AT_CLKTCK       = 17
	AT_RANDOM       = 25
	AT_EXECFN       = 31
	AT_SYSINFO_EHDR = 33
)

// DecodeAuxv decodes an auxiliary vector, either the NT_AUXV payload or a copy
// of /proc/<pid>/auxv. Decoding stops at AT_NULL or at the last complete pair.
func DecodeAuxv(b []byte, l *Layout, order binary.ByteOrder) []AuxvEntry {
	r := mmap.NewRange(b)
	w := l.wordSize
	var out []AuxvEntry
	for off := uint64(0); r.Contains(off, 2*w); off += 2 * w {
		typ, _ := l.Word(r, off, order)
		if typ == AT_NULL {
			break
		}
		val, _ := l.Word(r, off+w, order)
		out = append(out, AuxvEntry{Type: typ, Value: val})
	}
	return out
}

// EncodeAuxv is the inverse of DecodeAuxv; the result ends with AT_NULL.
func EncodeAuxv(entries []AuxvEntry, l *Layout, order binary.ByteOrder) []byte {
	w := l.wordSize
	b := make([]byte, uint64(len(entries)+1)*2*w)
	for i, e := range entries {
		off := uint64(i) * 2 * w
		l.putWord(b, off, e.Type, order)
		l.putWord(b, off+w, e.Value, order)
	}
	return b
}
