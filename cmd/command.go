// File: cmd/command.go
package cmd

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/go-kit/log/level"
)

// commandTimeout bounds every external command sysinfo runs.
const commandTimeout = 10 * time.Second

// Commander interface for command execution
type Commander interface {
	Execute(name string, args ...string) ([]byte, error)
}

// RealCommander executes actual system commands
type RealCommander struct{}

// Execute runs name and returns its stdout. The stderr of a failed command is
// appended to the error.
func (c RealCommander) Execute(name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	level.Debug(logger).Log("msg", "running command", "name", name, "args", strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, &commandError{err: err, stderr: strings.TrimSpace(string(exitErr.Stderr))}
	}
	return out, err
}

type commandError struct {
	err    error
	stderr string
}

func (e *commandError) Error() string { return e.err.Error() + ": " + e.stderr }
func (e *commandError) Unwrap() error { return e.err }

// Default commander instance
var cmdExecutor Commander = RealCommander{}

// SetCommander allows changing the commander for tests
func SetCommander(c Commander) {
	cmdExecutor = c
}
