// File: cmd/crashgen_test.go
package cmd

import (
	"encoding/json"
	"os"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edespino/corescope/internal/crashgen"
)

func skipUnsupportedArch(t *testing.T) {
	t.Helper()
	switch runtime.GOARCH {
	case "amd64", "arm64", "386", "arm":
	default:
		t.Skipf("crash fixtures are not supported on %s", runtime.GOARCH)
	}
}

func TestCrashgenCommand(t *testing.T) {
	skipUnsupportedArch(t)
	out := t.TempDir()

	stdout, err := executeCommand(t, "crashgen", "--out", out, "--threads", "4", "--crash-thread", "2", "--signal", "segv", "--format", "json")
	require.NoError(t, err)

	var fixture CrashFixture
	require.NoError(t, json.Unmarshal([]byte(stdout), &fixture))
	assert.True(t, fixture.Verified)
	assert.Equal(t, os.Getpid(), fixture.PID)
	require.Len(t, fixture.ThreadIDs, 4)
	assert.Equal(t, fixture.ThreadIDs[2], fixture.CrashThread)
	assert.Equal(t, "SIGSEGV", fixture.Signal)
	assert.FileExists(t, fixture.CoreFile)
	assert.DirExists(t, fixture.ProcFS)

	// The fixture reads back through the core command.
	stdout, err = executeCommand(t, "core", "--format", "json", "--no-modules", "--procfs", fixture.ProcFS, fixture.CoreFile)
	require.NoError(t, err)
	var analysis CoreAnalysis
	require.NoError(t, json.Unmarshal([]byte(stdout), &analysis))
	assert.Equal(t, fixture.CrashThread, analysis.CrashThread)
	assert.Equal(t, "SIGSEGV", analysis.SignalInfo.SignalName)
	assert.Len(t, analysis.Threads, 4)
}

func TestCrashgenCommandKernel(t *testing.T) {
	skipUnsupportedArch(t)
	out := t.TempDir()

	stdout, err := executeCommand(t, "crashgen", "--kernel", "--out", out, "--threads", "3", "--crash-thread", "1", "--format", "json")
	if errors.Is(err, crashgen.ErrNoKernelCore) {
		t.Skip(err)
	}
	require.NoError(t, err)

	var fixture CrashFixture
	require.NoError(t, json.Unmarshal([]byte(stdout), &fixture))
	assert.True(t, fixture.Verified)
	assert.NotEqual(t, os.Getpid(), fixture.PID)
	require.Len(t, fixture.ThreadIDs, 3)
	assert.Equal(t, fixture.ThreadIDs[1], fixture.CrashThread)
	assert.Equal(t, "SIGABRT", fixture.Signal)
	assert.FileExists(t, fixture.CoreFile)
}

func TestCrashgenCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		errorMsg string
	}{
		{
			name:     "unknown signal",
			args:     []string{"crashgen", "--signal", "SIGNOPE"},
			errorMsg: "unknown signal",
		},
		{
			name:     "crash thread out of range",
			args:     []string{"crashgen", "--threads", "2", "--crash-thread", "2"},
			errorMsg: "out of range",
		},
		{
			name:     "positional args",
			args:     []string{"crashgen", "extra"},
			errorMsg: "unknown command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skipUnsupportedArch(t)
			args := append(tt.args, "--out", t.TempDir())
			_, err := executeCommand(t, args...)
			assert.ErrorContains(t, err, tt.errorMsg)
		})
	}
}
