package coredumper

// Dumper is the view of a crashed process that a minidump writer consumes.
// CoreDumper implements it for core files; a live implementation would
// attach with ptrace instead and report IsPostMortem false.
type Dumper interface {
	Init() error
	IsPostMortem() bool
	ThreadsSuspend() bool
	ThreadsResume() bool
	Threads() []ThreadInfo
	ThreadInfoByIndex(i int, info *ThreadInfo) bool
	CrashSignal() int
	CrashThread() int
	CrashAddress() uint64
	BuildProcPath(path *string, pid int, node string) bool
	CopyFromProcess(dst []byte, tid int, addr uint64) bool
	Close() error
}

var _ Dumper = (*CoreDumper)(nil)
