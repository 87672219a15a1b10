// File: cmd/fileid.go
package cmd

import (
	"io"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/edespino/corescope/internal/fileid"
)

// FileIdentity is the module identifier of one ELF file.
type FileIdentity struct {
	Path       string `json:"path" yaml:"path"`
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Method     string `json:"method" yaml:"method"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

var fileidCmd = &cobra.Command{
	Use:   "fileid <elf_file>...",
	Short: "Compute module identifiers of ELF files",
	Long: `Compute the 16-byte module identifier of each ELF file: the GNU build ID
when the file has one, otherwise a hash of its .text section.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := identifyFiles(args)
		return writeReport(cmd.OutOrStdout(), ids, func(w io.Writer) {
			table := newTable(w, "Path", "Method", "Identifier")
			for _, id := range ids {
				value := id.Identifier
				if id.Error != "" {
					value = "error: " + id.Error
				}
				table.Append([]string{id.Path, id.Method, value})
			}
			table.Render()
		})
	},
}

func init() {
	rootCmd.AddCommand(fileidCmd)
}

func identifyFiles(paths []string) []FileIdentity {
	out := make([]FileIdentity, 0, len(paths))
	for _, path := range paths {
		id, method, err := fileid.FromFile(path)
		fi := FileIdentity{Path: path, Method: method.String()}
		if err != nil {
			level.Warn(logger).Log("msg", "cannot identify file", "path", path, "err", err)
			fi.Error = err.Error()
		} else {
			fi.Identifier = id.String()
			if metrics != nil {
				metrics.Identifiers.WithLabelValues(method.String()).Inc()
			}
		}
		out = append(out, fi)
	}
	return out
}
