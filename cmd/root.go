// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// File: root.go
// Package: cmd
//
// Description:
// This file contains the entry point and base configuration for the `corescope` CLI.
// It defines the root command (`rootCmd`) that acts as the main command for the
// application and manages subcommands like `core` and `notes`. The root command
// also sets up logging and metrics shared by every subcommand.
//
// Features:
// - Serves as the primary entry point for the `corescope` CLI application.
// - Defines global flags: --format, --log-level and --metrics-textfile.
// - Organizes and executes subcommands.
//
// Usage:
// - Run the `corescope` command without any arguments to see the help message:
//   `./corescope`
// - Analyze a core file together with its proc copy:
//   `./corescope core ./core --procfs ./proc --pid 1234`
//
// Authors:
// - Cloudberry Open Source Contributors

package cmd

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/edespino/corescope/internal/coredumper"
)

var (
	// logger is rebuilt from --log-level before every command runs.
	logger log.Logger = log.NewNopLogger()

	// registry collects the metrics of a single command run.
	registry *prometheus.Registry
	metrics  *coredumper.Metrics
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "corescope",
	Short: "Inspect Linux crash dumps",
	Long: `The corescope CLI reads Linux ELF core files together with a copy of the
crashed process's /proc/<pid> directory. It recovers threads, registers and the
crash signal, lists notes, and identifies the modules the process had mapped.

Examples:
  - Display help for the root command:
    ./corescope --help

  - Analyze a core file:
    ./corescope core ./core --procfs ./proc --pid 1234 --format table

  - Create a crash fixture and analyze it:
    ./corescope crashgen --threads 3 --crash-thread 1 --out /tmp/fixture`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(formatFlag); err != nil {
			return err
		}
		l, err := newLogger(logLevelFlag)
		if err != nil {
			return err
		}
		logger = l
		registry = prometheus.NewRegistry()
		metrics = coredumper.NewMetrics(registry)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return writeMetrics()
	},
}

// newLogger builds a logfmt logger on stderr that drops entries below lvl.
func newLogger(lvl string) (log.Logger, error) {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	switch lvl {
	case "debug":
		return level.NewFilter(l, level.AllowDebug()), nil
	case "info":
		return level.NewFilter(l, level.AllowInfo()), nil
	case "warn":
		return level.NewFilter(l, level.AllowWarn()), nil
	case "error":
		return level.NewFilter(l, level.AllowError()), nil
	}
	return nil, errors.Errorf("invalid log level: %s. Valid options are 'debug', 'info', 'warn' or 'error'", lvl)
}

// writeMetrics dumps the run's metrics in the node exporter textfile format.
func writeMetrics() error {
	if metricsFileFlag == "" || registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(metricsFileFlag, registry); err != nil {
		return errors.Wrap(err, "failed to write metrics textfile")
	}
	level.Debug(logger).Log("msg", "metrics written", "path", metricsFileFlag)
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This function is called by main.main() to start the application.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initSharedFlags()
}
