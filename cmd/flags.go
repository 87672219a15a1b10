// File: cmd/flags.go
package cmd

import (
	"fmt"
)

// Shared command flags
var (
	formatFlag      string // Common flag for output format (yaml/json/table)
	logLevelFlag    string
	metricsFileFlag string
)

// validateFormat checks if the provided format is "json", "yaml" or "table"
func validateFormat(format string) error {
	switch format {
	case "json", "yaml", "table":
		return nil
	}
	return fmt.Errorf("invalid format: %s. Valid options are 'json', 'yaml' or 'table'", format)
}

// initSharedFlags initializes flags that are shared across multiple commands
func initSharedFlags() {
	// Persistent flags on the root command are available to all subcommands
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "yaml", "Output format: yaml, json or table")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&metricsFileFlag, "metrics-textfile", "", "Write Prometheus metrics to this file after the command runs")
}
