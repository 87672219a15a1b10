// File: cmd/modules.go
package cmd

import (
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/edespino/corescope/internal/coredumper"
	"github.com/edespino/corescope/internal/fileid"
)

var (
	modulesProcfsFlag string
	modulesRootFlag   string
	modulesTypeFlag   string
)

// ModulesReport lists the ELF modules of a proc copy's maps file.
type ModulesReport struct {
	ProcFS   string        `json:"procfs" yaml:"procfs"`
	Mappings int           `json:"mappings" yaml:"mappings"`
	Modules  []LibraryInfo `json:"modules" yaml:"modules"`
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Identify the modules mapped by a crashed process",
	Long: `Read the maps file of a proc copy directory and compute the module identifier
of every file mapped at offset 0.

  corescope modules --procfs /path/to/proc --root /path/to/sysroot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if modulesProcfsFlag == "" {
			return fmt.Errorf("please specify a proc copy directory with --procfs")
		}
		report, err := listModules(modulesProcfsFlag, modulesRootFlag, modulesTypeFlag)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), report, func(w io.Writer) {
			fmt.Fprintf(w, "%s: %d mappings, %d modules\n", report.ProcFS, report.Mappings, len(report.Modules))
			printLibraries(w, report.Modules)
		})
	},
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.Flags().StringVar(&modulesProcfsFlag, "procfs", "", "Directory holding the proc copy")
	modulesCmd.Flags().StringVar(&modulesRootFlag, "root", "", "Resolve mapped module paths below this directory")
	modulesCmd.Flags().StringVar(&modulesTypeFlag, "type", "", "Only list modules of this type (Loader, Runtime, System, ...)")
}

func listModules(procDir, root, typ string) (*ModulesReport, error) {
	ids, err := fileid.NewCache(fileid.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	// The maps copy and module files are read without a core file.
	d := newDumper("", analyzeOptions{procDir: procDir, root: root, ids: ids})
	maps, err := d.Mappings()
	if err != nil {
		return nil, err
	}
	mods := coredumper.Modules(maps)
	if typ != "" {
		mods = lo.Filter(mods, func(m coredumper.Mapping, _ int) bool {
			return categorizeLibrary(m.Path) == typ
		})
	}
	return &ModulesReport{
		ProcFS:   procDir,
		Mappings: len(maps),
		Modules:  identifyModules(d, mods),
	}, nil
}
