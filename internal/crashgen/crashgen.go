// File: internal/crashgen/crashgen.go
// Purpose: Produces crash fixtures (a core file plus a proc copy directory) from
// a set of real OS threads of the calling process.

// Package crashgen creates crash fixtures for the dumper. It starts worker
// goroutines locked to their own OS threads, records their thread ids through a
// shared segment, copies the process's proc files and writes a core file in
// the note order the Linux kernel uses, crashing thread first.
package crashgen

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/edespino/corescope/internal/elfcore"
)

var (
	ErrUnsupportedArch = errors.Errorf("crashgen: unsupported architecture %s", runtime.GOARCH)
	ErrBadThreadIndex  = errors.New("crashgen: crash thread index out of range")
)

// Proc files copied into the fixture.
var procFiles = []string{"auxv", "cmdline", "environ", "maps", "status"}

type archInfo struct {
	machine  elf.Machine
	layout   *elfcore.Layout
	regs     int
	fpregs   int
	i386Only bool
}

var arches = map[string]archInfo{
	"amd64": {machine: elf.EM_X86_64, layout: elfcore.Elf64Layout, regs: 27, fpregs: 512},
	"386":   {machine: elf.EM_386, layout: elfcore.Elf32Layout, regs: 17, fpregs: 108, i386Only: true},
	"arm64": {machine: elf.EM_AARCH64, layout: elfcore.Elf64Layout, regs: 34, fpregs: 528},
	"arm":   {machine: elf.EM_ARM, layout: elfcore.Elf32Layout, regs: 18, fpregs: 116},
}

// Generator owns a temporary fixture directory and the shared thread id
// segment. The zero value is not usable; call New.
type Generator struct {
	logger   log.Logger
	procRoot string

	dir     string
	segment []byte
	pid     int
	tids    []int
}

type Option func(*Generator)

func WithLogger(logger log.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithProcRoot reads proc files from root instead of /proc.
func WithProcRoot(root string) Option {
	return func(g *Generator) {
		g.procRoot = root
	}
}

// New creates a generator with a fresh directory under base, or under the
// default temp directory when base is empty.
func New(base string, opts ...Option) (*Generator, error) {
	dir, err := os.MkdirTemp(base, "corescope-crash-")
	if err != nil {
		return nil, errors.Wrap(err, "crashgen: create temp dir")
	}
	g := &Generator{
		logger:   log.NewNopLogger(),
		procRoot: procfs.DefaultMountPoint,
		dir:      dir,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Generator) TempDir() string      { return g.dir }
func (g *Generator) CoreFilePath() string { return filepath.Join(g.dir, "core") }
func (g *Generator) ProcFSPath() string   { return filepath.Join(g.dir, "proc") }

// PID is the process the fixture describes.
func (g *Generator) PID() int { return g.pid }

// ThreadIDs returns the worker thread ids in worker index order.
func (g *Generator) ThreadIDs() []int {
	return append([]int(nil), g.tids...)
}

// ThreadID returns the thread id of worker i, or -1.
func (g *Generator) ThreadID(i int) int {
	if i < 0 || i >= len(g.tids) {
		return -1
	}
	return g.tids[i]
}

// Close releases the shared segment and removes the fixture directory.
func (g *Generator) Close() error {
	err := g.unmapSegment()
	if rmErr := os.RemoveAll(g.dir); err == nil {
		err = errors.Wrap(rmErr, "crashgen: remove temp dir")
	}
	return err
}

func (g *Generator) mapSegment(numThreads int) error {
	if err := g.unmapSegment(); err != nil {
		return err
	}
	seg, err := unix.Mmap(-1, 0, numThreads*4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return errors.Wrap(err, "crashgen: map shared segment")
	}
	g.segment = seg
	return nil
}

func (g *Generator) unmapSegment() error {
	seg := g.segment
	g.segment = nil
	if seg == nil {
		return nil
	}
	return errors.Wrap(unix.Munmap(seg), "crashgen: unmap shared segment")
}

type report struct {
	index int
	tid   int
}

// CreateChildCrash runs numThreads workers and writes a fixture in which worker
// crashThread received sig.
//
// Every worker locks itself to an OS thread and waits on a barrier, then writes
// its thread id into its own slot of the shared segment and reports on a
// bounded channel. Proc files are copied while all workers are still alive;
// the segment is read only after every worker has exited.
func (g *Generator) CreateChildCrash(numThreads, crashThread int, sig unix.Signal) error {
	arch, ok := arches[runtime.GOARCH]
	if !ok {
		return ErrUnsupportedArch
	}
	if numThreads <= 0 || crashThread < 0 || crashThread >= numThreads {
		return errors.Wrapf(ErrBadThreadIndex, "thread %d of %d", crashThread, numThreads)
	}
	if err := g.mapSegment(numThreads); err != nil {
		return err
	}

	var (
		eg      errgroup.Group
		ready   sync.WaitGroup
		release = make(chan struct{})
		hold    = make(chan struct{})
		reports = make(chan report, numThreads)
	)
	ready.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		i := i
		slot := g.segment[4*i : 4*i+4]
		eg.Go(func() error {
			// Never unlocked: the OS thread exits with the goroutine.
			runtime.LockOSThread()
			tid := unix.Gettid()
			ready.Done()
			<-release
			binary.NativeEndian.PutUint32(slot, uint32(tid))
			reports <- report{index: i, tid: tid}
			<-hold
			return nil
		})
	}
	ready.Wait()
	close(release)

	live := make([]int, numThreads)
	for n := 0; n < numThreads; n++ {
		r := <-reports
		live[r.index] = r.tid
	}

	g.pid = os.Getpid()
	copyErr := g.copyProcFiles()
	verifyErr := g.verifyThreads(live)
	close(hold)
	if err := eg.Wait(); err != nil {
		return err
	}
	if copyErr != nil {
		return copyErr
	}
	if verifyErr != nil {
		return verifyErr
	}

	g.tids = make([]int, numThreads)
	for i := range g.tids {
		g.tids[i] = int(binary.NativeEndian.Uint32(g.segment[4*i:]))
		if g.tids[i] != live[i] {
			return errors.Errorf("crashgen: slot %d holds %d, worker reported %d", i, g.tids[i], live[i])
		}
	}
	level.Debug(g.logger).Log("msg", "threads recorded", "pid", g.pid, "tids", fmt.Sprint(g.tids))

	return g.writeCore(arch, crashThread, sig)
}

func (g *Generator) copyProcFiles() error {
	dst := g.ProcFSPath()
	if err := os.MkdirAll(dst, 0700); err != nil {
		return errors.Wrap(err, "crashgen: create proc copy dir")
	}
	src := filepath.Join(g.procRoot, "self")
	for _, name := range procFiles {
		b, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			return errors.Wrapf(err, "crashgen: read proc file %s", name)
		}
		if err := os.WriteFile(filepath.Join(dst, name), b, 0600); err != nil {
			return errors.Wrapf(err, "crashgen: write proc copy %s", name)
		}
	}
	return nil
}

// verifyThreads checks that every recorded tid is a live task of the process.
func (g *Generator) verifyThreads(tids []int) error {
	fs, err := procfs.NewFS(g.procRoot)
	if err != nil {
		return errors.Wrap(err, "crashgen: open procfs")
	}
	tasks, err := fs.AllThreads(g.pid)
	if err != nil {
		return errors.Wrap(err, "crashgen: list threads")
	}
	alive := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		alive[t.PID] = true
	}
	for i, tid := range tids {
		if !alive[tid] {
			return errors.Errorf("crashgen: worker %d thread %d is not a task of %d", i, tid, g.pid)
		}
	}
	return nil
}

func hostOrder() binary.ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// writeCore writes the core file: the crashing thread first, then the others
// in worker order.
func (g *Generator) writeCore(arch archInfo, crashThread int, sig unix.Signal) error {
	w := elfcore.NewCoreWriter(arch.layout, arch.machine)
	w.Order = hostOrder()

	procDir := g.ProcFSPath()
	auxv, err := os.ReadFile(filepath.Join(procDir, "auxv"))
	if err != nil {
		return errors.Wrap(err, "crashgen: read auxv copy")
	}
	w.Auxv = elfcore.DecodeAuxv(auxv, arch.layout, w.Order)
	w.PsInfo = g.psinfo()

	order := []int{crashThread}
	for i := range g.tids {
		if i != crashThread {
			order = append(order, i)
		}
	}
	ppid, pgrp := os.Getppid(), unix.Getpgrp()
	sid, _ := unix.Getsid(0)
	for _, i := range order {
		st := elfcore.PrStatus{
			Pid:  int32(g.tids[i]),
			PPid: int32(ppid),
			Pgrp: int32(pgrp),
			Sid:  int32(sid),
			Regs: elfcore.Registers{Machine: arch.machine, Words: make([]uint64, arch.regs)},
		}
		if i == crashThread {
			st.Signo = int32(sig)
			st.CurSig = uint16(sig)
		}
		t := elfcore.ThreadNotes{Status: st, FPRegs: make([]byte, arch.fpregs)}
		if arch.i386Only {
			t.Extra = []elfcore.RawNote{
				{Name: "LINUX", Type: elfcore.NT_PRXFPREG, Desc: make([]byte, 512)},
				{Name: "LINUX", Type: elfcore.NT_386_TLS, Desc: make([]byte, 48)},
			}
		}
		w.Threads = append(w.Threads, t)
	}

	// The shared segment is captured so the recorded thread ids can be read
	// back from the core.
	w.Loads = []elfcore.LoadSegment{{
		Vaddr: uint64(uintptr(unsafe.Pointer(&g.segment[0]))),
		Flags: elf.PF_R | elf.PF_W,
		Data:  append([]byte(nil), g.segment...),
	}}

	if err := w.WriteFile(g.CoreFilePath()); err != nil {
		return err
	}
	level.Info(g.logger).Log("msg", "crash fixture written", "core", g.CoreFilePath(), "threads", len(g.tids), "signal", unix.SignalName(sig))
	return nil
}

// SegmentAddress is the address of the shared segment captured in the core.
func (g *Generator) SegmentAddress() uint64 {
	if g.segment == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&g.segment[0])))
}

func (g *Generator) psinfo() *elfcore.PrPsInfo {
	ps := &elfcore.PrPsInfo{
		SName: 'R',
		Pid:   int32(g.pid),
		PPid:  int32(os.Getppid()),
		Pgrp:  int32(unix.Getpgrp()),
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Fname: filepath.Base(os.Args[0]),
		Args:  strings.Join(os.Args, " "),
	}
	if sid, err := unix.Getsid(0); err == nil {
		ps.Sid = int32(sid)
	}
	return ps
}
