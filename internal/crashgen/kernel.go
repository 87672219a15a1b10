// File: internal/crashgen/kernel.go
// Purpose: Produces a crash fixture whose core file is written by the Linux
// kernel. The current executable is started again as a child that records its
// worker threads, copies its proc files and then signals one of its workers.

package crashgen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ChildEnv is set in the environment of a child started by CreateKernelCrash.
// Its value is "<threads>:<crash thread>:<signal>".
const ChildEnv = "CORESCOPE_CRASH_CHILD"

// ErrNoKernelCore means the kernel cannot be made to write a core file into
// the fixture directory.
var ErrNoKernelCore = errors.New("crashgen: kernel did not write a core file")

const (
	childTidsFile = "tids"
	// Exit status of a child whose hard RLIMIT_CORE is 0.
	childNoCoreExit = 3
	childFailExit   = 4
)

// Signals whose default action dumps core.
var coreSignals = map[unix.Signal]bool{
	unix.SIGQUIT: true, unix.SIGILL: true, unix.SIGTRAP: true, unix.SIGABRT: true,
	unix.SIGBUS: true, unix.SIGFPE: true, unix.SIGSEGV: true, unix.SIGSYS: true,
	unix.SIGXCPU: true, unix.SIGXFSZ: true,
}

// RunChildIfRequested turns the process into a crashing child when it was
// started by CreateKernelCrash, and otherwise returns at once. Call it first
// thing in main or TestMain.
func RunChildIfRequested() {
	spec := os.Getenv(ChildEnv)
	if spec == "" {
		return
	}
	err := runChild(spec)
	fmt.Fprintln(os.Stderr, err)
	if errors.Is(err, ErrNoKernelCore) {
		os.Exit(childNoCoreExit)
	}
	os.Exit(childFailExit)
}

// runChild only returns on failure; on success the process dies of the signal.
func runChild(spec string) error {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return errors.Errorf("crashgen: bad %s value %q", ChildEnv, spec)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return errors.Wrapf(err, "crashgen: bad %s value %q", ChildEnv, spec)
		}
		nums[i] = n
	}
	numThreads, crashThread, sig := nums[0], nums[1], unix.Signal(nums[2])

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		return errors.Wrap(err, "crashgen: get RLIMIT_CORE")
	}
	if lim.Max == 0 {
		return errors.Wrap(ErrNoKernelCore, "hard RLIMIT_CORE is 0")
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		return errors.Wrap(err, "crashgen: raise RLIMIT_CORE")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "crashgen: getwd")
	}
	g := &Generator{logger: log.NewNopLogger(), procRoot: procfs.DefaultMountPoint, dir: cwd, pid: os.Getpid()}

	var (
		ready sync.WaitGroup
		mu    sync.Mutex
		hold  = make(chan struct{})
	)
	g.tids = make([]int, numThreads)
	ready.Add(numThreads)
	for i := 0; i < numThreads; i++ {
		i := i
		go func() {
			runtime.LockOSThread()
			mu.Lock()
			g.tids[i] = unix.Gettid()
			mu.Unlock()
			ready.Done()
			<-hold
		}()
	}
	ready.Wait()

	if err := g.copyProcFiles(); err != nil {
		return err
	}
	if err := g.verifyThreads(g.tids); err != nil {
		return err
	}
	ids := make([]string, len(g.tids))
	for i, tid := range g.tids {
		ids[i] = strconv.Itoa(tid)
	}
	if err := os.WriteFile(filepath.Join(cwd, childTidsFile), []byte(strings.Join(ids, " ")+"\n"), 0600); err != nil {
		return errors.Wrap(err, "crashgen: write thread ids")
	}

	if err := resetSignal(sig); err != nil {
		return err
	}
	if err := unix.Tgkill(g.pid, g.tids[crashThread], sig); err != nil {
		return errors.Wrap(err, "crashgen: tgkill")
	}
	time.Sleep(time.Minute)
	return errors.Errorf("crashgen: %s did not terminate the process", unix.SignalName(sig))
}

// resetSignal restores the default action for sig, bypassing the Go runtime's
// handler so the kernel dumps core. The kernel's struct sigaction with every
// field zero is SIG_DFL on all supported architectures.
func resetSignal(sig unix.Signal) error {
	var act [4]uint64
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&act)), 0, 8, 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "crashgen: rt_sigaction")
	}
	return nil
}

// corePatternWritesHere reports whether core_pattern names a file relative to
// the crashing process's working directory.
func corePatternWritesHere(pattern string) bool {
	p := strings.TrimSpace(pattern)
	return p != "" && !strings.HasPrefix(p, "|") && !strings.Contains(p, "/")
}

// CreateKernelCrash starts the current executable as a child with numThreads
// workers and lets the kernel write its core after worker crashThread receives
// sig. The executable must call RunChildIfRequested on startup. It fails with
// ErrNoKernelCore when core_pattern pipes or writes elsewhere, or when core
// dumps are disabled.
//
// The fixture describes the child: PID and ThreadIDs are the child's, and the
// kernel core also holds the child's runtime threads.
func (g *Generator) CreateKernelCrash(ctx context.Context, numThreads, crashThread int, sig unix.Signal) error {
	if _, ok := arches[runtime.GOARCH]; !ok {
		return ErrUnsupportedArch
	}
	if numThreads <= 0 || crashThread < 0 || crashThread >= numThreads {
		return errors.Wrapf(ErrBadThreadIndex, "thread %d of %d", crashThread, numThreads)
	}
	if !coreSignals[sig] {
		return errors.Errorf("crashgen: %s does not dump core", unix.SignalName(sig))
	}
	if err := g.unmapSegment(); err != nil {
		return err
	}

	pattern, err := os.ReadFile(filepath.Join(g.procRoot, "sys", "kernel", "core_pattern"))
	if err != nil {
		return errors.Wrap(err, "crashgen: read core_pattern")
	}
	if !corePatternWritesHere(string(pattern)) {
		return errors.Wrapf(ErrNoKernelCore, "core_pattern %q", strings.TrimSpace(string(pattern)))
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "crashgen: find executable")
	}
	work, err := os.MkdirTemp(g.dir, "child-")
	if err != nil {
		return errors.Wrap(err, "crashgen: create child dir")
	}
	defer os.RemoveAll(work)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, exe)
	cmd.Dir = work
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d:%d:%d", ChildEnv, numThreads, crashThread, sig))
	cmd.Stderr = &stderr
	err = cmd.Run()
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "crashgen: child")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		if err == nil {
			return errors.New("crashgen: child exited without crashing")
		}
		return errors.Wrap(err, "crashgen: run child")
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	switch {
	case !ok:
		return errors.Wrap(err, "crashgen: child")
	case ws.Exited() && ws.ExitStatus() == childNoCoreExit:
		return errors.Wrap(ErrNoKernelCore, strings.TrimSpace(stderr.String()))
	case !ws.Signaled():
		return errors.Errorf("crashgen: child failed: %s", strings.TrimSpace(stderr.String()))
	case ws.Signal() != syscall.Signal(sig):
		return errors.Errorf("crashgen: child died of %s, want %s", ws.Signal(), sig)
	case !ws.CoreDump():
		return errors.Wrap(ErrNoKernelCore, "child status has no core flag")
	}

	tids, err := readChildTids(filepath.Join(work, childTidsFile))
	if err != nil {
		return err
	}
	if len(tids) != numThreads {
		return errors.Errorf("crashgen: child recorded %d threads, want %d", len(tids), numThreads)
	}
	core, err := findKernelCore(work)
	if err != nil {
		return err
	}

	for _, p := range []string{g.CoreFilePath(), g.ProcFSPath()} {
		if err := os.RemoveAll(p); err != nil {
			return errors.Wrap(err, "crashgen: clear previous fixture")
		}
	}
	if err := os.Rename(core, g.CoreFilePath()); err != nil {
		return errors.Wrap(err, "crashgen: move core")
	}
	if err := os.Rename(filepath.Join(work, "proc"), g.ProcFSPath()); err != nil {
		return errors.Wrap(err, "crashgen: move proc copy")
	}
	g.pid = cmd.Process.Pid
	g.tids = tids
	level.Info(g.logger).Log("msg", "kernel core written", "core", g.CoreFilePath(), "pid", g.pid, "threads", len(tids), "signal", unix.SignalName(sig))
	return nil
}

func readChildTids(path string) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "crashgen: read child thread ids")
	}
	var tids []int
	for _, f := range strings.Fields(string(b)) {
		tid, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "crashgen: bad thread id %q", f)
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// findKernelCore returns the one regular file the kernel left in dir.
func findKernelCore(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "crashgen: read child dir")
	}
	var found []string
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != childTidsFile {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	switch len(found) {
	case 0:
		return "", errors.Wrap(ErrNoKernelCore, "no core file in child dir")
	case 1:
		return found[0], nil
	default:
		return "", errors.Errorf("crashgen: several candidate core files: %v", found)
	}
}
