// File: cmd/core.go
package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edespino/corescope/internal/fileid"
)

var (
	outputDir     string
	maxCores      int
	compareFlag   bool
	corePIDFlag   int
	procfsFlag    string
	rootFlag      string
	noModulesFlag bool
)

// coreCmd represents the core analysis command
var coreCmd = &cobra.Command{
	Use:   "core [core_file_or_directory]",
	Short: "Analyze Linux core files",
	Long: `Analyze Linux ELF core files together with a copy of the crashed
process's /proc/<pid> directory (auxv, cmdline, environ, maps, status).

It can analyze a single core file or multiple core files in a directory:
  corescope core /path/to/core.1234 --procfs /path/to/proc --pid 1234
  corescope core /var/crash/ --max-cores=5 --compare

Features:
- Thread recovery from NT_PRSTATUS notes
- Register state of the crashing thread
- Signal information
- Mapped module identification (GNU build ID or text hash)
- Core file comparison for pattern detection`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("please specify a core file or directory")
		}
		return runCoreAnalysis(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(coreCmd)
	coreCmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory to store analysis results (default: print to stdout)")
	coreCmd.Flags().IntVar(&maxCores, "max-cores", 0, "Maximum number of core files to analyze")
	coreCmd.Flags().BoolVar(&compareFlag, "compare", false, "Compare core files and identify patterns")
	coreCmd.Flags().IntVar(&corePIDFlag, "pid", 0, "PID of the crashed process (default: taken from the core)")
	coreCmd.Flags().StringVar(&procfsFlag, "procfs", "", "Directory holding the proc copy (default: <core dir>/proc)")
	coreCmd.Flags().StringVar(&rootFlag, "root", "", "Resolve mapped module paths below this directory")
	coreCmd.Flags().BoolVar(&noModulesFlag, "no-modules", false, "Skip module identification")
}

// runCoreAnalysis is the main entry point for core file analysis
func runCoreAnalysis(out io.Writer, path string) error {
	if err := validateFormat(formatFlag); err != nil {
		return err
	}

	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Find core files
	coreFiles, err := findCoreFiles(path)
	if err != nil {
		return err
	}

	if len(coreFiles) == 0 {
		return fmt.Errorf("no core files found in %s", path)
	}

	if maxCores > 0 && len(coreFiles) > maxCores {
		level.Info(logger).Log("msg", "limiting analysis to most recent core files", "max", maxCores, "found", len(coreFiles))
		coreFiles = coreFiles[:maxCores]
	}

	ids, err := fileid.NewCache(fileid.DefaultCacheSize)
	if err != nil {
		return err
	}
	opts := analyzeOptions{
		pid:     corePIDFlag,
		procDir: procfsFlag,
		root:    rootFlag,
		ids:     ids,
		modules: !noModulesFlag,
	}
	if len(coreFiles) > 1 {
		// A shared proc copy only describes one process.
		opts.procDir = ""
		opts.pid = 0
	}

	analyses := make([]CoreAnalysis, 0, len(coreFiles))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	// Process each core file
	for _, coreFile := range coreFiles {
		coreFile := coreFile
		g.Go(func() error {
			analysis, err := analyzeCoreFile(coreFile, opts)
			if err != nil {
				level.Error(logger).Log("msg", "failed to analyze core file", "core", coreFile, "err", err)
				return nil
			}

			mu.Lock()
			analyses = append(analyses, analysis)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(analyses) == 0 {
		return fmt.Errorf("no core files were analyzed successfully")
	}
	sort.Slice(analyses, func(i, j int) bool { return analyses[i].CoreFile < analyses[j].CoreFile })

	for _, analysis := range analyses {
		if err := saveOrPrintAnalysis(out, analysis); err != nil {
			return err
		}
	}

	// Compare core files if requested
	if compareFlag && len(analyses) > 1 {
		comparison := compareCores(analyses)
		if err := saveOrPrintComparison(out, comparison); err != nil {
			return err
		}
	}

	return nil
}

// coreFilePatterns are matched against base names when scanning a directory.
var coreFilePatterns = []string{
	"core",
	"core.*",
	"*.core",
	"core-*",
}

func isCoreFileName(name string) bool {
	for _, pattern := range coreFilePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// findCoreFiles locates core files in the specified path, newest first.
// Directories are scanned recursively; proc copy directories are skipped.
func findCoreFiles(path string) ([]string, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !fileInfo.IsDir() {
		return []string{path}, nil
	}

	type candidate struct {
		path    string
		modTime int64
	}
	var found []candidate
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && d.Name() == "proc" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isCoreFileName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		found = append(found, candidate{path: p, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].modTime != found[j].modTime {
			return found[i].modTime > found[j].modTime
		}
		return found[i].path < found[j].path
	})
	coreFiles := make([]string, len(found))
	for i, c := range found {
		coreFiles[i] = c.path
	}
	return coreFiles, nil
}
