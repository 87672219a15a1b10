// File: cmd/notes.go
package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/mmap"
)

// NoteInfo is one note of a core file's PT_NOTE segments.
type NoteInfo struct {
	Index    int    `json:"index" yaml:"index"`
	Offset   string `json:"offset" yaml:"offset"`
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	DescSize uint32 `json:"desc_size" yaml:"desc_size"`
}

// NotesReport lists the notes of a core file in file order.
type NotesReport struct {
	CoreFile string     `json:"core_file" yaml:"core_file"`
	Machine  string     `json:"machine" yaml:"machine"`
	Class    string     `json:"class" yaml:"class"`
	Segments int        `json:"program_headers" yaml:"program_headers"`
	Notes    []NoteInfo `json:"notes" yaml:"notes"`
}

var notesCmd = &cobra.Command{
	Use:   "notes <core_file>",
	Short: "List the notes of a core file",
	Long: `List every note of every PT_NOTE segment of an ELF core file in file order,
with its owner name, type and payload size.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := readNotes(args[0])
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), report, func(w io.Writer) {
			printNotesTable(w, report)
		})
	},
}

func init() {
	rootCmd.AddCommand(notesCmd)
}

func readNotes(path string) (*NotesReport, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := elfcore.New(f.Content())
	if !d.IsValid() {
		return nil, fmt.Errorf("%s is not a valid ELF core file", path)
	}
	report := &NotesReport{
		CoreFile: path,
		Machine:  d.Machine().String(),
		Class:    d.Class().String(),
		Segments: d.ProgramHeaderCount(),
	}
	for i, n := range d.Notes() {
		report.Notes = append(report.Notes, NoteInfo{
			Index:    i,
			Offset:   hex(n.Offset()),
			Name:     n.Name(),
			Type:     elfcore.NoteTypeName(n.Type()),
			DescSize: n.DescSize(),
		})
	}
	return report, nil
}

func printNotesTable(w io.Writer, report *NotesReport) {
	fmt.Fprintf(w, "%s: %s %s, %d program headers\n", report.CoreFile, report.Class, report.Machine, report.Segments)
	table := newTable(w, "#", "Offset", "Name", "Type", "Size")
	for _, n := range report.Notes {
		table.Append([]string{
			strconv.Itoa(n.Index),
			n.Offset,
			n.Name,
			n.Type,
			humanize.IBytes(uint64(n.DescSize)),
		})
	}
	table.Render()
}
