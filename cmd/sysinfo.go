// Description:
// This file is part of corescope. It implements the `sysinfo` command to gather
// and display system information together with the host's core dump settings.
//
// Features:
// - Concurrent data collection for performance optimization.
// - Flexible output formats: YAML, JSON and table.
// - System information such as OS, kernel, memory and CPUs.
// - Core dump readiness:
//   * kernel.core_pattern and kernel.core_uses_pid
//   * fs.suid_dumpable
//   * the RLIMIT_CORE soft and hard limits of the current process
//
// Usage:
// - Run the `sysinfo` command to check whether crashes on this host produce cores.
// - Example: `corescope sysinfo --format=json`
//
// Note:
// - Designed for Linux systems with `uname` and a mounted /proc.
// - Missing core dump settings are reported, not treated as failures.
//

// Package cmd provides command-line interface functionality for corescope.
package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// Files read by sysinfo. Tests point them at fixtures.
var (
	procMeminfo      = "/proc/meminfo"
	procCorePattern  = "/proc/sys/kernel/core_pattern"
	procCoreUsesPID  = "/proc/sys/kernel/core_uses_pid"
	procSuidDumpable = "/proc/sys/fs/suid_dumpable"
	etcOSRelease     = "/etc/os-release"
)

// getCoreRlimit is replaced in tests.
var getCoreRlimit = func() (unix.Rlimit, error) {
	var rl unix.Rlimit
	err := unix.Getrlimit(unix.RLIMIT_CORE, &rl)
	return rl, err
}

const rlimInfinity = ^uint64(0)

// SysInfo contains system and environment information collected by the sysinfo command.
type SysInfo struct {
	// OS is the operating system name.
	OS string `json:"os" yaml:"os"`

	// Architecture is the system's CPU architecture.
	Architecture string `json:"architecture" yaml:"architecture"`

	// Hostname is the system's network name.
	Hostname string `json:"hostname" yaml:"hostname"`

	// Kernel is the Linux kernel version.
	Kernel string `json:"kernel" yaml:"kernel"`

	// OSVersion is the detailed operating system version information.
	OSVersion string `json:"os_version" yaml:"os_version"`

	// CPUs is the number of CPU cores available in the system.
	CPUs int `json:"cpus" yaml:"cpus"`

	// MemoryStats contains memory-related statistics including total, free,
	// available, cached, and buffer memory in human-readable format.
	MemoryStats map[string]string `json:"memory_stats" yaml:"memory_stats"`

	// CoreDump describes whether a crash on this host leaves a core file.
	CoreDump CoreDumpConfig `json:"core_dump" yaml:"core_dump"`
}

// CoreDumpConfig holds the kernel and resource limit settings that decide
// whether and where the kernel writes core files.
type CoreDumpConfig struct {
	Pattern      string   `json:"core_pattern" yaml:"core_pattern"`
	Piped        bool     `json:"piped" yaml:"piped"`
	UsesPID      bool     `json:"core_uses_pid" yaml:"core_uses_pid"`
	SuidDumpable int      `json:"suid_dumpable" yaml:"suid_dumpable"`
	RlimitSoft   string   `json:"rlimit_core_soft" yaml:"rlimit_core_soft"`
	RlimitHard   string   `json:"rlimit_core_hard" yaml:"rlimit_core_hard"`
	Ready        bool     `json:"ready" yaml:"ready"`
	Notes        []string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// sysinfoCmd represents the sysinfo command that gathers and displays system information.
var sysinfoCmd = &cobra.Command{
	Use:   "sysinfo",
	Short: "Display system information and core dump settings",
	Long:  `Gather and display system information and check whether crashing processes on this host leave core files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSysInfo(cmd, args)
	},
}

// getOS returns the operating system name using runtime information.
func getOS() string {
	return runtime.GOOS
}

// getArchitecture returns the system's CPU architecture using runtime information.
func getArchitecture() string {
	return runtime.GOARCH
}

// getHostname returns the system's network hostname.
func getHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: failed to retrieve hostname: %w", err)
	}
	return hostname, nil
}

// getKernelVersion returns the Linux kernel version by executing 'uname -r'.
// The returned string is prefixed with "Linux " for consistency.
func getKernelVersion() (string, error) {
	output, err := cmdExecutor.Execute("uname", "-r")
	if err != nil {
		return "", fmt.Errorf("kernel: failed to retrieve version: %w", err)
	}
	return "Linux " + strings.TrimSpace(string(output)), nil
}

// getOSVersion returns the PRETTY_NAME field of /etc/os-release, or "unknown".
func getOSVersion() (string, error) {
	output, err := os.ReadFile(etcOSRelease)
	if err != nil {
		return "", fmt.Errorf("os-release: failed to read file: %w", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(value, `"`), nil
		}
	}
	return "unknown", nil
}

// getCPUCount returns the number of CPU cores available to the system.
func getCPUCount() int {
	return runtime.NumCPU()
}

// getReadableMemoryStats returns MemTotal, MemFree, MemAvailable, Cached and
// Buffers from /proc/meminfo in a human-readable format.
func getReadableMemoryStats() (map[string]string, error) {
	output, err := os.ReadFile(procMeminfo)
	if err != nil {
		return nil, fmt.Errorf("meminfo: failed to read file: %w", err)
	}

	memoryStats := make(map[string]string)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch key := strings.TrimSuffix(fields[0], ":"); key {
		case "MemTotal", "MemFree", "MemAvailable", "Cached", "Buffers":
			memoryStats[key] = humanizeSize(fields[1])
		}
	}
	return memoryStats, nil
}

// humanizeSize converts a size in kilobytes to a human-readable string. The
// input is returned unchanged if it is not a number.
func humanizeSize(kb string) string {
	n, err := strconv.ParseUint(kb, 10, 64)
	if err != nil {
		return kb
	}
	return humanize.IBytes(n * 1024)
}

func formatRlimit(v uint64) string {
	if v == rlimInfinity {
		return "unlimited"
	}
	return humanize.IBytes(v)
}

func readSysctl(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// getCoreDumpConfig reads the core dump settings. Unreadable settings are
// recorded in Notes.
func getCoreDumpConfig() CoreDumpConfig {
	var cfg CoreDumpConfig
	note := func(format string, args ...interface{}) {
		cfg.Notes = append(cfg.Notes, fmt.Sprintf(format, args...))
	}

	pattern, err := readSysctl(procCorePattern)
	if err != nil {
		note("core_pattern: %v", err)
	}
	cfg.Pattern = pattern
	cfg.Piped = strings.HasPrefix(pattern, "|")

	if v, err := readSysctl(procCoreUsesPID); err == nil {
		cfg.UsesPID = v == "1"
	} else {
		note("core_uses_pid: %v", err)
	}
	if v, err := readSysctl(procSuidDumpable); err == nil {
		cfg.SuidDumpable, _ = strconv.Atoi(v)
	} else {
		note("suid_dumpable: %v", err)
	}

	rl, rlErr := getCoreRlimit()
	if rlErr != nil {
		note("RLIMIT_CORE: %v", rlErr)
	} else {
		cfg.RlimitSoft = formatRlimit(rl.Cur)
		cfg.RlimitHard = formatRlimit(rl.Max)
	}

	switch {
	case pattern == "":
		note("core_pattern is empty or unreadable; no core files are written")
	case cfg.Piped:
		cfg.Ready = true
		if handler := strings.Fields(strings.TrimPrefix(pattern, "|")); len(handler) > 0 {
			note("cores are piped to %s", handler[0])
		}
	case rlErr == nil && rl.Cur == 0:
		note("RLIMIT_CORE is 0; raise it with 'ulimit -c unlimited'")
	case rlErr == nil:
		cfg.Ready = true
	}
	return cfg
}

// RunSysInfo gathers and displays system information and core dump settings.
// System information is collected concurrently. The command fails only when a
// required system detail cannot be collected.
func RunSysInfo(cmd *cobra.Command, args []string) error {
	if err := validateFormat(formatFlag); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	info := SysInfo{}
	errs := make([]error, 0)
	collect := func(f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	info.OS = getOS()
	info.Architecture = getArchitecture()
	info.CPUs = getCPUCount()
	collect(func() (err error) { info.Hostname, err = getHostname(); return })
	collect(func() (err error) { info.Kernel, err = getKernelVersion(); return })
	collect(func() (err error) { info.OSVersion, err = getOSVersion(); return })
	collect(func() (err error) { info.MemoryStats, err = getReadableMemoryStats(); return })
	collect(func() error { info.CoreDump = getCoreDumpConfig(); return nil })
	wg.Wait()

	if len(errs) > 0 {
		stderr := cmd.ErrOrStderr()
		fmt.Fprintln(stderr, "\nSummary of errors:")
		for _, err := range errs {
			fmt.Fprintln(stderr, "-", err)
		}
		return fmt.Errorf("errors occurred during system info collection")
	}

	return writeReport(cmd.OutOrStdout(), info, func(w io.Writer) {
		printSysInfoTable(w, info)
	})
}

func printSysInfoTable(w io.Writer, info SysInfo) {
	table := newTable(w, "Field", "Value")
	table.AppendBulk([][]string{
		{"OS", info.OS},
		{"OS Version", info.OSVersion},
		{"Architecture", info.Architecture},
		{"Hostname", info.Hostname},
		{"Kernel", info.Kernel},
		{"CPUs", strconv.Itoa(info.CPUs)},
		{"Memory Total", info.MemoryStats["MemTotal"]},
		{"Memory Available", info.MemoryStats["MemAvailable"]},
		{"core_pattern", info.CoreDump.Pattern},
		{"core_uses_pid", strconv.FormatBool(info.CoreDump.UsesPID)},
		{"suid_dumpable", strconv.Itoa(info.CoreDump.SuidDumpable)},
		{"RLIMIT_CORE", info.CoreDump.RlimitSoft + " / " + info.CoreDump.RlimitHard},
		{"Cores Enabled", boolToYesNo(info.CoreDump.Ready)},
	})
	table.Render()
	for _, n := range info.CoreDump.Notes {
		fmt.Fprintf(w, "  - %s\n", n)
	}
}

// init adds the sysinfo command to the root command.
func init() {
	rootCmd.AddCommand(sysinfoCmd)
}
