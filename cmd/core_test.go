// File: cmd/core_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/edespino/corescope/internal/coredumper"
)

func TestFindCoreFiles(t *testing.T) {
	tmpDir := t.TempDir()

	testFiles := []string{
		"core.12345",
		"program.core",
		"core",
		"core-worker-2024-01-01-00-00",
		filepath.Join("subdir", "core.67890"),
	}
	for i, f := range testFiles {
		path := filepath.Join(tmpDir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("test core file"), 0644))
		// Oldest first, so the last file is the most recent.
		mtime := time.Now().Add(time.Duration(i-len(testFiles)) * time.Hour)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	// Non-core files and proc copies are ignored.
	for _, f := range []string{"test.txt", "program.log", filepath.Join("proc", "core")} {
		path := filepath.Join(tmpDir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("not a core file"), 0644))
	}

	tests := []struct {
		name        string
		path        string
		expectCount int
		expectFirst string
		expectError bool
	}{
		{
			name:        "directory with multiple cores",
			path:        tmpDir,
			expectCount: len(testFiles),
			expectFirst: "core.67890",
		},
		{
			name:        "single core file",
			path:        filepath.Join(tmpDir, "core.12345"),
			expectCount: 1,
			expectFirst: "core.12345",
		},
		{
			name:        "non-existent path",
			path:        "/nonexistent/path",
			expectError: true,
		},
		{
			name:        "subdirectory core file",
			path:        filepath.Join(tmpDir, "subdir"),
			expectCount: 1,
			expectFirst: "core.67890",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := findCoreFiles(tt.path)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, files, tt.expectCount)
			assert.Equal(t, tt.expectFirst, filepath.Base(files[0]))
		})
	}
}

func TestCompareCores(t *testing.T) {
	crashed := func(module string) []ThreadInfo {
		return []ThreadInfo{{TID: 1, IsCrashed: true, PC: "0x1", Module: module}}
	}
	tests := []struct {
		name            string
		analyses        []CoreAnalysis
		expectSignals   map[string]int
		expectLocations map[string]int
		expectPatterns  []CrashPattern
	}{
		{
			name: "recurring segfault",
			analyses: []CoreAnalysis{
				{CoreFile: "core.1", SignalInfo: SignalInfo{SignalName: "SIGSEGV"}, Threads: crashed("postgres+0x10"), FileInfo: FileInfo{Modified: "2024-01-01T00:00:00Z"}},
				{CoreFile: "core.2", SignalInfo: SignalInfo{SignalName: "SIGSEGV"}, Threads: crashed("postgres+0x10"), FileInfo: FileInfo{Modified: "2024-01-03T00:00:00Z"}},
				{CoreFile: "core.3", SignalInfo: SignalInfo{SignalName: "SIGABRT"}, Threads: crashed("libc.so.6+0x99"), FileInfo: FileInfo{Modified: "2024-01-02T00:00:00Z"}},
			},
			expectSignals:   map[string]int{"SIGSEGV": 2, "SIGABRT": 1},
			expectLocations: map[string]int{"postgres+0x10": 2, "libc.so.6+0x99": 1},
			expectPatterns: []CrashPattern{{
				Signal:            "SIGSEGV",
				Location:          "postgres+0x10",
				OccurrenceCount:   2,
				AffectedCoreFiles: []string{"core.1", "core.2"},
			}},
		},
		{
			name: "same signal at different locations",
			analyses: []CoreAnalysis{
				{CoreFile: "core.1", SignalInfo: SignalInfo{SignalName: "SIGSEGV"}, Threads: crashed("a+0x1")},
				{CoreFile: "core.2", SignalInfo: SignalInfo{SignalName: "SIGSEGV"}, Threads: crashed("b+0x1")},
			},
			expectSignals:   map[string]int{"SIGSEGV": 2},
			expectLocations: map[string]int{"a+0x1": 1, "b+0x1": 1},
		},
		{
			name: "unknown module falls back to pc",
			analyses: []CoreAnalysis{
				{CoreFile: "core.1", SignalInfo: SignalInfo{SignalName: "SIGBUS"}, Threads: crashed("")},
				{CoreFile: "core.2", SignalInfo: SignalInfo{SignalName: "SIGBUS"}, Threads: crashed("")},
			},
			expectSignals:   map[string]int{"SIGBUS": 2},
			expectLocations: map[string]int{"0x1": 2},
			expectPatterns: []CrashPattern{{
				Signal:            "SIGBUS",
				Location:          "0x1",
				OccurrenceCount:   2,
				AffectedCoreFiles: []string{"core.1", "core.2"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareCores(tt.analyses)
			assert.Equal(t, len(tt.analyses), got.TotalCores)
			assert.Equal(t, tt.expectSignals, got.CommonSignals)
			assert.Equal(t, tt.expectLocations, got.CrashLocations)
			assert.Equal(t, tt.expectPatterns, got.CrashPatterns)
		})
	}
}

func TestCompareCoresTimeRange(t *testing.T) {
	got := compareCores([]CoreAnalysis{
		{FileInfo: FileInfo{Modified: "2024-01-02T00:00:00Z"}},
		{FileInfo: FileInfo{Modified: "2024-01-01T00:00:00Z"}},
		{FileInfo: FileInfo{Modified: "2024-01-03T00:00:00Z"}},
	})
	assert.Equal(t, "2024-01-01T00:00:00Z", got.TimeRange["first"])
	assert.Equal(t, "2024-01-03T00:00:00Z", got.TimeRange["last"])
}

func TestModuleOffset(t *testing.T) {
	maps := []coredumper.Mapping{
		{Start: 0x400000, End: 0x401000, Perms: "r--p", Offset: 0, Inode: 7, Path: "/usr/bin/postgres"},
		{Start: 0x401000, End: 0x500000, Perms: "r-xp", Offset: 0x1000, Inode: 7, Path: "/usr/bin/postgres"},
		{Start: 0x7f0000000000, End: 0x7f0000100000, Perms: "r-xp", Offset: 0, Inode: 9, Path: "/lib/libc.so.6"},
		{Start: 0x7ffd0000, End: 0x7ffe0000, Perms: "rw-p", Path: "[stack]"},
	}
	tests := []struct {
		name string
		addr uint64
		want string
	}{
		{name: "text segment", addr: 0x401234, want: "postgres+0x1234"},
		{name: "first mapping", addr: 0x400010, want: "postgres+0x10"},
		{name: "shared library", addr: 0x7f0000000042, want: "libc.so.6+0x42"},
		{name: "stack", addr: 0x7ffd0010, want: ""},
		{name: "unmapped", addr: 0x10, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, moduleOffset(maps, tt.addr))
		})
	}
}

func TestCategorizeLibrary(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/lib64/ld-linux-x86-64.so.2", "Loader"},
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", "Runtime"},
		{"/usr/lib/x86_64-linux-gnu/libstdc++.so.6.0.30", "Runtime"},
		{"/usr/lib/x86_64-linux-gnu/libzstd.so.1.5.2", "Compression"},
		{"/usr/lib/x86_64-linux-gnu/libssl.so.3", "Security"},
		{"/usr/lib/x86_64-linux-gnu/libuuid.so.1", "System"},
		{"/usr/local/pgsql/bin/postgres", "Executable"},
		{"/opt/app/plugin.so", "Other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, categorizeLibrary(tt.path))
		})
	}
}

func TestGetLibraryVersion(t *testing.T) {
	assert.Equal(t, "6", getLibraryVersion("/lib/libc.so.6"))
	assert.Equal(t, "6.0.30", getLibraryVersion("/usr/lib/libstdc++.so.6.0.30"))
	assert.Equal(t, "", getLibraryVersion("/usr/bin/postgres"))
	assert.Equal(t, "", getLibraryVersion("/opt/plugin.so"))
}

func TestSignalNames(t *testing.T) {
	tests := []struct {
		signo int
		code  int
		name  string
		desc  string
	}{
		{11, 1, "SIGSEGV", "Segmentation fault - SEGV_MAPERR (Address not mapped to object)"},
		{11, 42, "SIGSEGV", "Segmentation fault (code 42)"},
		{6, 0, "SIGABRT", "Process abort signal (possibly assertion failure)"},
		{7, 2, "SIGBUS", "Bus error - BUS_ADRERR (Nonexistent physical address)"},
		{8, 1, "SIGFPE", "Floating point exception - FPE_INTDIV (Integer divide by zero)"},
		{4, 2, "SIGILL", "Illegal instruction - ILL_ILLOPN (Illegal operand)"},
		{15, 0, "SIGTERM", "Signal 15"},
		{0, 0, "NONE", "No signal recorded"},
		{200, 0, "SIGNAL_200", "Signal 200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, getSignalName(tt.signo))
			assert.Equal(t, tt.desc, getSignalDescription(tt.signo, tt.code))
		})
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    unix.Signal
		wantErr bool
	}{
		{in: "SIGABRT", want: unix.SIGABRT},
		{in: "segv", want: unix.SIGSEGV},
		{in: "Bus", want: unix.SIGBUS},
		{in: "6", want: unix.SIGABRT},
		{in: "0", wantErr: true},
		{in: "SIGNOPE", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSignal(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
