// File: cmd/core_printer.go

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

// marshalReport encodes v as json or yaml according to the format flag.
func marshalReport(v interface{}) ([]byte, error) {
	if formatFlag == "json" {
		return json.MarshalIndent(v, "", "  ")
	}
	return yaml.Marshal(v)
}

// writeReport prints v in the selected format. table renders the table
// format.
func writeReport(out io.Writer, v interface{}, table func(io.Writer)) error {
	if formatFlag == "table" {
		table(out)
		return nil
	}
	data, err := marshalReport(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	_, err = out.Write(data)
	return err
}

// saveReport writes v to a timestamped file in outputDir, or prints it when no
// output directory was given.
func saveReport(out io.Writer, prefix string, v interface{}, table func(io.Writer)) error {
	if outputDir == "" {
		return writeReport(out, v, table)
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, v, table); err != nil {
		return err
	}
	ext := formatFlag
	if ext == "table" {
		ext = "txt"
	}
	timestamp := time.Now().Format("20060102_150405")
	base := filepath.Join(outputDir, fmt.Sprintf("%s_%s", prefix, timestamp))
	filename := base + "." + ext
	for n := 1; fileExists(filename); n++ {
		filename = fmt.Sprintf("%s_%d.%s", base, n, ext)
	}

	if err := os.WriteFile(filename, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	fmt.Fprintf(out, "Report saved to: %s\n", filename)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// saveOrPrintAnalysis handles output based on the format and output-dir flags
func saveOrPrintAnalysis(out io.Writer, analysis CoreAnalysis) error {
	prefix := "core_analysis_" + filepath.Base(analysis.CoreFile)
	return saveReport(out, prefix, analysis, func(w io.Writer) {
		printAnalysisTable(w, analysis)
	})
}

func saveOrPrintComparison(out io.Writer, comparison CoreComparison) error {
	return saveReport(out, "core_comparison", comparison, func(w io.Writer) {
		printComparisonTable(w, comparison)
	})
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// printAnalysisTable renders an analysis for a terminal.
func printAnalysisTable(w io.Writer, analysis CoreAnalysis) {
	fmt.Fprintln(w, "Core Analysis")
	fmt.Fprintln(w, "=============")
	fmt.Fprintf(w, "Core:    %s (%s)\n", analysis.CoreFile, analysis.FileInfo.SizeHuman)
	fmt.Fprintf(w, "Machine: %s\n", analysis.Machine)
	p := analysis.Process
	fmt.Fprintf(w, "Process: %s (pid %d, ppid %d, uid %d)\n", p.Name, p.PID, p.PPID, p.UID)
	if len(p.Cmdline) > 0 {
		fmt.Fprintf(w, "Command: %s\n", strings.Join(p.Cmdline, " "))
	}
	s := analysis.SignalInfo
	fmt.Fprintf(w, "\nProgram received signal %s (%d), %s\n", s.SignalName, s.SignalNumber, s.SignalDescription)
	fmt.Fprintf(w, "Crashing thread: %d\n\n", analysis.CrashThread)

	threads := newTable(w, "TID", "PPID", "Crashed", "PC", "SP", "Module", "Register Blocks")
	for _, t := range analysis.Threads {
		threads.Append([]string{
			strconv.Itoa(t.TID),
			strconv.Itoa(t.PPID),
			boolToYesNo(t.IsCrashed),
			t.PC,
			t.SP,
			t.Module,
			strings.Join(t.RegisterBlocks, ","),
		})
	}
	threads.Render()

	if len(analysis.Registers) > 0 {
		fmt.Fprintln(w, "\nRegisters:")
		printRegisters(w, analysis.Registers)
	}

	if len(analysis.Libraries) > 0 {
		fmt.Fprintln(w, "\nModules:")
		printLibraries(w, analysis.Libraries)
	}

	if len(analysis.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range analysis.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
}

func boolToYesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// printRegisters prints registers in rows of three name/value pairs.
func printRegisters(w io.Writer, regs []RegisterInfo) {
	table := newTable(w, "Register", "Value", "Register", "Value", "Register", "Value")
	for _, row := range lo.Chunk(regs, 3) {
		cells := make([]string, 0, 6)
		for _, r := range row {
			cells = append(cells, r.Name, r.Value)
		}
		for len(cells) < 6 {
			cells = append(cells, "")
		}
		table.Append(cells)
	}
	table.Render()
}

func printLibraries(w io.Writer, libs []LibraryInfo) {
	table := newTable(w, "Module", "Type", "Start", "Size", "Method", "Identifier")
	for _, lib := range libs {
		id := lib.Identifier
		if lib.Error != "" {
			id = "error: " + lib.Error
		}
		table.Append([]string{lib.Name, lib.Type, lib.StartAddr, lib.Size, lib.Method, id})
	}
	table.Render()
}

// printComparisonTable renders a comparison of several cores.
func printComparisonTable(w io.Writer, comparison CoreComparison) {
	fmt.Fprintf(w, "Compared %d core files (%s to %s)\n\n", comparison.TotalCores,
		comparison.TimeRange["first"], comparison.TimeRange["last"])

	signals := newTable(w, "Signal", "Cores")
	for _, name := range sortedKeys(comparison.CommonSignals) {
		signals.Append([]string{name, strconv.Itoa(comparison.CommonSignals[name])})
	}
	signals.Render()

	if len(comparison.CrashPatterns) == 0 {
		fmt.Fprintln(w, "\nNo recurring crash patterns.")
		return
	}
	fmt.Fprintln(w, "\nRecurring crash patterns:")
	patterns := newTable(w, "Signal", "Location", "Count", "Core Files")
	for _, p := range comparison.CrashPatterns {
		patterns.Append([]string{p.Signal, p.Location, strconv.Itoa(p.OccurrenceCount), strings.Join(p.AffectedCoreFiles, "\n")})
	}
	patterns.Render()
}

func sortedKeys(m map[string]int) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
