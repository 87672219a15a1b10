// File: cmd/crashgen.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/edespino/corescope/internal/crashgen"
)

var (
	crashThreadsFlag     int
	crashThreadIndexFlag int
	crashSignalFlag      string
	crashOutFlag         string
	crashVerifyFlag      bool
	crashKernelFlag      bool
)

// CrashFixture describes a fixture written by the crashgen command.
type CrashFixture struct {
	Dir         string `json:"dir" yaml:"dir"`
	CoreFile    string `json:"core_file" yaml:"core_file"`
	ProcFS      string `json:"procfs" yaml:"procfs"`
	PID         int    `json:"pid" yaml:"pid"`
	ThreadIDs   []int  `json:"thread_ids" yaml:"thread_ids"`
	CrashThread int    `json:"crash_thread" yaml:"crash_thread"`
	Signal      string `json:"signal" yaml:"signal"`
	Verified    bool   `json:"verified" yaml:"verified"`
}

var crashgenCmd = &cobra.Command{
	Use:   "crashgen",
	Short: "Write a crash fixture for testing",
	Long: `Start worker threads, record their thread ids and write a core file plus a
proc copy directory in which one of them received a fatal signal. The fixture is
kept in a new directory under --out and can be analyzed with:

  corescope core <dir>/core --procfs <dir>/proc

With --kernel the program starts itself again as a child and the kernel writes
the child's core. This needs a core_pattern naming a file in the working
directory, such as "core" or "core.%p".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sig, err := parseSignal(crashSignalFlag)
		if err != nil {
			return err
		}
		fixture, err := createFixture(cmd.Context(), crashOutFlag, crashThreadsFlag, crashThreadIndexFlag, sig)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), fixture, func(w io.Writer) {
			table := newTable(w, "Field", "Value")
			table.AppendBulk([][]string{
				{"Directory", fixture.Dir},
				{"Core file", fixture.CoreFile},
				{"Proc copy", fixture.ProcFS},
				{"PID", strconv.Itoa(fixture.PID)},
				{"Threads", fmt.Sprint(fixture.ThreadIDs)},
				{"Crash thread", strconv.Itoa(fixture.CrashThread)},
				{"Signal", fixture.Signal},
				{"Verified", boolToYesNo(fixture.Verified)},
			})
			table.Render()
		})
	},
}

func init() {
	rootCmd.AddCommand(crashgenCmd)
	crashgenCmd.Flags().IntVar(&crashThreadsFlag, "threads", 3, "Number of worker threads")
	crashgenCmd.Flags().IntVar(&crashThreadIndexFlag, "crash-thread", 1, "Index of the worker that receives the signal")
	crashgenCmd.Flags().StringVar(&crashSignalFlag, "signal", "SIGABRT", "Signal name or number")
	crashgenCmd.Flags().StringVar(&crashOutFlag, "out", "", "Parent directory of the fixture (default: system temp dir)")
	crashgenCmd.Flags().BoolVar(&crashVerifyFlag, "verify", true, "Read the fixture back and check the recovered threads")
	crashgenCmd.Flags().BoolVar(&crashKernelFlag, "kernel", false, "Have the kernel write the core of a crashing child process")
}

// createFixture writes a fixture and keeps it on disk. With --verify the core
// is read back and every worker thread must be recovered.
func createFixture(ctx context.Context, out string, threads, crashThread int, sig unix.Signal) (*CrashFixture, error) {
	g, err := crashgen.New(out, crashgen.WithLogger(log.With(logger, "component", "crashgen")))
	if err != nil {
		return nil, err
	}
	if crashKernelFlag {
		err = g.CreateKernelCrash(ctx, threads, crashThread, sig)
	} else {
		err = g.CreateChildCrash(threads, crashThread, sig)
	}
	if err != nil {
		_ = g.Close()
		return nil, err
	}

	fixture := &CrashFixture{
		Dir:         g.TempDir(),
		CoreFile:    g.CoreFilePath(),
		ProcFS:      g.ProcFSPath(),
		PID:         g.PID(),
		ThreadIDs:   g.ThreadIDs(),
		CrashThread: g.ThreadID(crashThread),
		Signal:      getSignalName(int(sig)),
	}
	if !crashVerifyFlag {
		return fixture, nil
	}

	analysis, err := analyzeCoreFile(fixture.CoreFile, analyzeOptions{pid: fixture.PID, procDir: fixture.ProcFS})
	if err != nil {
		return nil, errors.Wrap(err, "verify fixture")
	}
	recovered := lo.Map(analysis.Threads, func(t ThreadInfo, _ int) int { return t.TID })
	// A kernel core also holds the child's runtime threads.
	if missing, extra := lo.Difference(fixture.ThreadIDs, recovered); len(missing) > 0 || (!crashKernelFlag && len(extra) > 0) {
		return nil, errors.Errorf("verify fixture: threads %v not recovered, unexpected threads %v", missing, extra)
	}
	if analysis.CrashThread != fixture.CrashThread || analysis.SignalInfo.SignalNumber != int(sig) {
		return nil, errors.Errorf("verify fixture: crash recorded as thread %d signal %d", analysis.CrashThread, analysis.SignalInfo.SignalNumber)
	}
	fixture.Verified = true
	return fixture, nil
}
