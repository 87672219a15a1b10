// File: internal/coredumper/coredumper.go
// Purpose: Post-mortem thread reconstruction from an ELF core file and a copy of
// the crashed process's /proc/<pid> files.

// Package coredumper rebuilds the threads, registers and crash details of a
// process that has already died, from its core file and a directory holding
// copies of auxv, cmdline, environ, maps and status.
package coredumper

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/fileid"
	"github.com/edespino/corescope/internal/mmap"
)

var (
	ErrAlreadyInitialized = errors.New("coredumper: already initialized")
	ErrNotInitialized     = errors.New("coredumper: not initialized")
	ErrInvalidCore        = errors.New("coredumper: not a valid ELF core file")
	ErrNoNotes            = errors.New("coredumper: core file has no PT_NOTE segment")
	ErrNoThreads          = errors.New("coredumper: no thread recovered from core file")
)

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateDestroyed
)

// RegisterBlock is an architecture-specific register set attached to a thread,
// tagged with the note type it came from (NT_PRXFPREG, NT_386_TLS, ...).
type RegisterBlock struct {
	Kind elf.NType
	Data []byte
}

// ThreadInfo is the state of one thread at crash time.
type ThreadInfo struct {
	TID  int
	PPID int
	Regs elfcore.Registers
	// FPRegs is the NT_FPREGSET payload, nil when the core has none.
	FPRegs []byte
	Blocks []RegisterBlock
	Status elfcore.PrStatus
}

// RegisterBlock returns the first block of the given kind.
func (t *ThreadInfo) RegisterBlock(kind elf.NType) ([]byte, bool) {
	for _, b := range t.Blocks {
		if b.Kind == kind {
			return b.Data, true
		}
	}
	return nil, false
}

// CoreDumper reads a crashed process from its core file. It never attaches to
// a live process.
type CoreDumper struct {
	pid      int
	corePath string
	procPath string
	root     string

	logger  log.Logger
	metrics *Metrics
	ids     *fileid.Cache

	state state
	core  mmap.MappedFile
	dump  elfcore.ElfCoreDump

	threads     []ThreadInfo
	sawStatus   bool
	crashSignal int
	crashThread int
	psinfo      *elfcore.PrPsInfo
	auxv        []elfcore.AuxvEntry
}

type Option func(*CoreDumper)

func WithLogger(logger log.Logger) Option {
	return func(d *CoreDumper) {
		d.logger = logger
	}
}

// WithRegisterer registers the dumper metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *CoreDumper) {
		d.metrics = NewMetrics(reg)
	}
}

// WithMetrics shares an existing metrics set between dumpers.
func WithMetrics(m *Metrics) Option {
	return func(d *CoreDumper) {
		d.metrics = m
	}
}

// WithIdentifierCache reuses module identifiers across dumpers.
func WithIdentifierCache(c *fileid.Cache) Option {
	return func(d *CoreDumper) {
		d.ids = c
	}
}

// WithRootPrefix resolves mapped file paths below root, for cores analyzed
// away from the machine that produced them.
func WithRootPrefix(root string) Option {
	return func(d *CoreDumper) {
		d.root = root
	}
}

// New returns an uninitialized dumper for pid. procPath is the directory of
// copied proc files standing in for /proc/<pid>.
func New(pid int, corePath, procPath string, opts ...Option) *CoreDumper {
	d := &CoreDumper{
		pid:      pid,
		corePath: corePath,
		procPath: procPath,
		logger:   log.NewNopLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	d.logger = log.With(d.logger, "component", "coredumper", "pid", pid)
	return d
}

func (d *CoreDumper) PID() int { return d.pid }

// Init maps the core file and collects one ThreadInfo per NT_PRSTATUS note.
// It may be called once; later calls fail with ErrAlreadyInitialized whether
// or not the first call succeeded.
func (d *CoreDumper) Init() error {
	if d.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	d.state = stateInitialized

	err := d.init()
	if err != nil {
		d.metrics.InitErrors.WithLabelValues(errorLabel(err)).Inc()
		level.Error(d.logger).Log("msg", "init failed", "core", d.corePath, "err", err)
	}
	return err
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCore):
		return "invalid_core"
	case errors.Is(err, ErrNoNotes):
		return "no_notes"
	case errors.Is(err, ErrNoThreads):
		return "no_threads"
	}
	return "io"
}

func (d *CoreDumper) init() error {
	if err := d.core.Map(d.corePath); err != nil {
		return errors.Wrap(err, "coredumper: map core file")
	}
	d.dump.SetContent(d.core.Content())
	if !d.dump.IsValid() {
		return errors.Wrapf(ErrInvalidCore, "%s", d.corePath)
	}
	ph, ok := d.dump.FirstProgramHeaderOfType(elf.PT_NOTE)
	if !ok {
		return errors.Wrapf(ErrNoNotes, "%s", d.corePath)
	}

	// current is the index of the thread that per-thread notes attach to;
	// -1 before the first NT_PRSTATUS and after an undecodable one.
	current := -1
	last := d.dump.FirstNote()
	for n := last; n.IsValid(); n = n.Next() {
		last = n
		d.metrics.Notes.WithLabelValues(elfcore.NoteTypeName(n.Type())).Inc()
		if err := d.handleNote(n, &current); err != nil {
			d.metrics.SkippedNotes.WithLabelValues(elfcore.NoteTypeName(n.Type())).Inc()
			level.Warn(d.logger).Log("msg", "skipping note", "type", elfcore.NoteTypeName(n.Type()), "offset", n.Offset(), "err", err)
		}
	}
	if end := ph.Off + ph.Filesz; last.End() < end {
		level.Warn(d.logger).Log("msg", "note walk stopped before end of segment", "stopped", last.End(), "segment_end", end)
	}

	if len(d.threads) == 0 {
		return errors.Wrapf(ErrNoThreads, "%s", d.corePath)
	}
	d.metrics.ThreadsRecovered.Add(float64(len(d.threads)))
	level.Debug(d.logger).Log("msg", "core parsed", "threads", len(d.threads), "signal", d.crashSignal, "crash_thread", d.crashThread)
	return nil
}

func (d *CoreDumper) handleNote(n elfcore.Note, current *int) error {
	layout, order := d.dump.Layout(), d.dump.ByteOrder()
	if n.Type() == elf.NT_PRSTATUS && !d.sawStatus {
		// The first NT_PRSTATUS names the crashing thread even when its
		// registers cannot be decoded.
		d.sawStatus = true
		signo, pid := elfcore.PrStatusCrash(n.DescriptionRange(), layout, order)
		d.crashSignal, d.crashThread = int(signo), int(pid)
	}

	desc := n.Description()
	if desc == nil && n.DescSize() > 0 {
		if n.Type() == elf.NT_PRSTATUS {
			*current = -1
		}
		return errors.New("description outside note segment")
	}

	switch n.Type() {
	case elf.NT_PRSTATUS:
		if want := elfcore.PrStatusSize(layout, d.dump.Machine()); want != 0 && uint64(len(desc)) != want {
			level.Debug(d.logger).Log("msg", "unexpected prstatus size", "size", len(desc), "want", want)
		}
		st, err := elfcore.DecodePrStatus(desc, layout, order, d.dump.Machine())
		if err != nil {
			*current = -1
			return err
		}
		d.threads = append(d.threads, ThreadInfo{
			TID:    int(st.Pid),
			PPID:   d.pid,
			Regs:   st.Regs,
			Status: *st,
		})
		*current = len(d.threads) - 1

	case elf.NT_PRPSINFO:
		ps, err := elfcore.DecodePrPsInfo(desc, layout, order)
		if err != nil {
			return err
		}
		d.psinfo = ps

	case elfcore.NT_AUXV:
		d.auxv = elfcore.DecodeAuxv(desc, layout, order)

	case elf.NT_FPREGSET:
		if *current < 0 {
			return errors.New("register note without a thread")
		}
		d.threads[*current].FPRegs = append([]byte(nil), desc...)

	case elfcore.NT_PRXFPREG, elfcore.NT_386_TLS, elfcore.NT_X86_XSTATE:
		if *current < 0 {
			return errors.New("register note without a thread")
		}
		t := &d.threads[*current]
		t.Blocks = append(t.Blocks, RegisterBlock{Kind: n.Type(), Data: append([]byte(nil), desc...)})

	default:
		level.Debug(d.logger).Log("msg", "ignoring note", "type", elfcore.NoteTypeName(n.Type()), "name", n.Name())
	}
	return nil
}

// Close releases the core mapping. The dumper cannot be used afterwards.
func (d *CoreDumper) Close() error {
	d.state = stateDestroyed
	d.dump = elfcore.ElfCoreDump{}
	return d.core.Unmap()
}

// IsPostMortem is always true: threads come from the core file, not ptrace.
func (d *CoreDumper) IsPostMortem() bool { return true }

// ThreadsSuspend succeeds without doing anything; a core file is already frozen.
func (d *CoreDumper) ThreadsSuspend() bool { return true }

// ThreadsResume succeeds without doing anything.
func (d *CoreDumper) ThreadsResume() bool { return true }

// CrashAddress is always 0; standard core notes do not record the fault address.
func (d *CoreDumper) CrashAddress() uint64 { return 0 }

// CrashSignal is si_signo of the first NT_PRSTATUS note.
func (d *CoreDumper) CrashSignal() int { return d.crashSignal }

// CrashThread is the thread id of the first NT_PRSTATUS note.
func (d *CoreDumper) CrashThread() int { return d.crashThread }

// Threads returns the recovered threads in note order.
func (d *CoreDumper) Threads() []ThreadInfo {
	return append([]ThreadInfo(nil), d.threads...)
}

func (d *CoreDumper) ThreadCount() int { return len(d.threads) }

// ThreadInfoByIndex copies thread i into info. info is left untouched when i
// is out of range.
func (d *CoreDumper) ThreadInfoByIndex(i int, info *ThreadInfo) bool {
	if info == nil || i < 0 || i >= len(d.threads) {
		return false
	}
	*info = d.threads[i]
	return true
}

// PsInfo returns the process information note.
func (d *CoreDumper) PsInfo() (*elfcore.PrPsInfo, bool) {
	return d.psinfo, d.psinfo != nil
}

// CoreAuxv returns the auxiliary vector recorded in the core's NT_AUXV note.
func (d *CoreDumper) CoreAuxv() []elfcore.AuxvEntry {
	return d.auxv
}

// Machine returns the e_machine of the core, or EM_NONE before Init.
func (d *CoreDumper) Machine() elf.Machine {
	if !d.dump.IsValid() {
		return elf.EM_NONE
	}
	return d.dump.Machine()
}

// CopyFromProcess copies memory of the crashed process at addr into dst from
// the core's PT_LOAD segments. tid is ignored since threads share an address
// space. It fails unless every byte of dst is captured in the core.
func (d *CoreDumper) CopyFromProcess(dst []byte, tid int, addr uint64) bool {
	if d.state != stateInitialized {
		return false
	}
	return d.dump.CopyFromSegment(dst, addr) == len(dst)
}
