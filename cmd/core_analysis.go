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

// File: cmd/core_analysis.go
// Purpose: Builds a CoreAnalysis from a core file and its proc copy using the
// coredumper package, identifies mapped modules and compares analyses of
// several core files to find recurring crash signatures.

package cmd

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/edespino/corescope/internal/coredumper"
	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/fileid"
)

type analyzeOptions struct {
	pid     int
	procDir string
	root    string
	ids     *fileid.Cache
	modules bool
}

// defaultProcDir is where a proc copy is expected when none is given.
func defaultProcDir(corePath string) string {
	return filepath.Join(filepath.Dir(corePath), "proc")
}

func newDumper(corePath string, opts analyzeOptions) *coredumper.CoreDumper {
	procDir := opts.procDir
	if procDir == "" {
		procDir = defaultProcDir(corePath)
	}
	dopts := []coredumper.Option{
		coredumper.WithLogger(log.With(logger, "core", corePath)),
		coredumper.WithRootPrefix(opts.root),
	}
	if metrics != nil {
		dopts = append(dopts, coredumper.WithMetrics(metrics))
	}
	if opts.ids != nil {
		dopts = append(dopts, coredumper.WithIdentifierCache(opts.ids))
	}
	return coredumper.New(opts.pid, corePath, procDir, dopts...)
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

// analyzeCoreFile reads one core file. Missing proc copy files are reported
// as warnings; a core that cannot be initialized is an error.
func analyzeCoreFile(corePath string, opts analyzeOptions) (CoreAnalysis, error) {
	info, err := os.Stat(corePath)
	if err != nil {
		return CoreAnalysis{}, err
	}
	analysis := CoreAnalysis{
		Timestamp: time.Now().Format(time.RFC3339),
		CoreFile:  corePath,
		FileInfo: FileInfo{
			Size:      info.Size(),
			SizeHuman: humanize.Bytes(uint64(info.Size())),
			Modified:  info.ModTime().Format(time.RFC3339),
		},
	}

	d := newDumper(corePath, opts)
	defer d.Close()
	if err := d.Init(); err != nil {
		return CoreAnalysis{}, errors.Wrapf(err, "analyze %s", corePath)
	}
	analysis.Machine = d.Machine().String()
	if ps, ok := d.PsInfo(); ok {
		analysis.Process = ProcessInfo{
			PID:  int(ps.Pid),
			PPID: int(ps.PPid),
			UID:  ps.UID,
			GID:  ps.GID,
			Name: ps.Fname,
			Args: ps.Args,
		}
		if ps.SName != 0 {
			analysis.Process.State = string(rune(ps.SName))
		}
	}
	if opts.pid != 0 {
		analysis.Process.PID = opts.pid
	}
	for _, e := range d.CoreAuxv() {
		if e.Type == elfcore.AT_PAGESZ {
			analysis.PageSize = humanize.IBytes(e.Value)
		}
	}

	warn := func(err error) {
		level.Warn(logger).Log("msg", "incomplete analysis", "core", corePath, "err", err)
		analysis.Warnings = append(analysis.Warnings, err.Error())
	}
	if cmdline, err := d.CommandLine(); err == nil {
		analysis.Process.Cmdline = cmdline
	} else {
		warn(err)
	}
	if st, err := d.ProcessStatus(); err == nil {
		if st.State != "" {
			analysis.Process.State = st.State
		}
		if analysis.Process.Name == "" {
			analysis.Process.Name = st.Name
		}
	} else {
		warn(err)
	}

	maps, err := d.Mappings()
	if err != nil {
		warn(err)
	}
	if opts.modules {
		analysis.Libraries = identifyModules(d, coredumper.Modules(maps))
	}

	threads := d.Threads()
	analysis.CrashThread = d.CrashThread()
	for _, t := range threads {
		ppid := t.PPID
		if ppid == 0 {
			// Threads belong to the process named by NT_PRPSINFO.
			ppid = analysis.Process.PID
		}
		ti := ThreadInfo{
			TID:       t.TID,
			PPID:      ppid,
			IsCrashed: t.TID == d.CrashThread(),
			RegisterBlocks: lo.Map(t.Blocks, func(b coredumper.RegisterBlock, _ int) string {
				return elfcore.NoteTypeName(b.Kind)
			}),
		}
		if t.FPRegs != nil {
			ti.RegisterBlocks = append([]string{elfcore.NoteTypeName(elf.NT_FPREGSET)}, ti.RegisterBlocks...)
		}
		if pc, ok := t.Regs.PC(); ok {
			ti.PC = hex(pc)
			ti.Module = moduleOffset(maps, pc)
		}
		if sp, ok := t.Regs.SP(); ok {
			ti.SP = hex(sp)
		}
		if ti.IsCrashed {
			analysis.SignalInfo = signalInfo(d.CrashSignal(), int(t.Status.Code))
			analysis.Registers = lo.Map(t.Regs.Named(), func(r elfcore.NamedRegister, _ int) RegisterInfo {
				return RegisterInfo{Name: r.Name, Value: hex(r.Value)}
			})
		}
		analysis.Threads = append(analysis.Threads, ti)
	}
	if analysis.SignalInfo.SignalName == "" {
		analysis.SignalInfo = signalInfo(d.CrashSignal(), 0)
	}

	level.Info(logger).Log("msg", "core analyzed", "core", corePath, "threads", len(threads),
		"signal", analysis.SignalInfo.SignalName, "modules", len(analysis.Libraries))
	return analysis, nil
}

func signalInfo(signo, code int) SignalInfo {
	return SignalInfo{
		SignalNumber:      signo,
		SignalName:        getSignalName(signo),
		SignalCode:        code,
		SignalDescription: getSignalDescription(signo, code),
	}
}

// identifyModules computes the identifier of every module concurrently. A
// module whose file cannot be read keeps its error in the report.
func identifyModules(d *coredumper.CoreDumper, mods []coredumper.Mapping) []LibraryInfo {
	libs := make([]LibraryInfo, len(mods))
	var g errgroup.Group
	g.SetLimit(8)
	for i, m := range mods {
		i, m := i, m
		libs[i] = LibraryInfo{
			Name:      filepath.Base(m.Path),
			Path:      m.Path,
			StartAddr: hex(m.Start),
			EndAddr:   hex(m.End),
			Size:      humanize.IBytes(m.Size()),
			Version:   getLibraryVersion(m.Path),
			Type:      categorizeLibrary(m.Path),
		}
		g.Go(func() error {
			id, method, err := d.IdentifyFile(m.Path)
			if err != nil {
				libs[i].Error = err.Error()
				return nil
			}
			libs[i].Identifier = id.String()
			libs[i].Method = method.String()
			return nil
		})
	}
	_ = g.Wait()
	return libs
}

// moduleOffset names addr as <module>+<offset from the module's first
// mapping>, or "" when addr is not in a file mapping.
func moduleOffset(maps []coredumper.Mapping, addr uint64) string {
	for _, m := range maps {
		if addr < m.Start || addr >= m.End || !m.IsFile() {
			continue
		}
		base := m.Start - m.Offset
		for _, other := range maps {
			if other.Path == m.Path && other.Offset == 0 {
				base = other.Start
				break
			}
		}
		return fmt.Sprintf("%s+%s", filepath.Base(m.Path), hex(addr-base))
	}
	return ""
}

// LibraryCategory defines types of shared libraries.
type LibraryCategory struct {
	Type        string // The category type, e.g., "Core", "System".
	Description string // A human-readable description of the category.
	Pattern     *regexp.Regexp
}

// libraryCategories defines known library categories, checked in order.
var libraryCategories = []LibraryCategory{
	{
		Type:        "Loader",
		Description: "Dynamic Loader",
		Pattern:     regexp.MustCompile(`/ld-linux[^/]*\.so|/ld64\.so|/ld-musl`),
	},
	{
		Type:        "Runtime",
		Description: "Language Runtime",
		Pattern:     regexp.MustCompile(`/(libc|libm|libpthread|libdl|librt|libstdc\+\+|libgcc_s)[.-]`),
	},
	{
		Type:        "Compression",
		Description: "Compression Libraries",
		Pattern:     regexp.MustCompile(`(zlib|libz\.|lz4|zstd|bz2|lzma)`),
	},
	{
		Type:        "Security",
		Description: "Security Libraries",
		Pattern:     regexp.MustCompile(`(ssl|crypto|pam|krb5|gssapi|ldap|sasl)`),
	},
	{
		Type:        "System",
		Description: "System Libraries",
		Pattern:     regexp.MustCompile(`^/(usr/)?lib`),
	},
	{
		Type:        "Executable",
		Description: "Program Binaries",
		Pattern:     regexp.MustCompile(`/s?bin/`),
	},
}

// categorizeLibrary determines the type of a mapped module.
func categorizeLibrary(path string) string {
	for _, category := range libraryCategories {
		if category.Pattern.MatchString(path) {
			return category.Type
		}
	}
	return "Other"
}

var soVersionRE = regexp.MustCompile(`\.so\.([0-9.]+)$`)

// getLibraryVersion extracts the version suffix of a shared object name.
func getLibraryVersion(libPath string) string {
	if m := soVersionRE.FindStringSubmatch(libPath); m != nil {
		return m[1]
	}
	return ""
}

// crashLocation is the crash signature component of an analysis: the module
// and offset of the crashing thread's PC when known, else the raw PC.
func crashLocation(analysis CoreAnalysis) string {
	for _, t := range analysis.Threads {
		if !t.IsCrashed {
			continue
		}
		if t.Module != "" {
			return t.Module
		}
		if t.PC != "" {
			return t.PC
		}
	}
	return "unknown"
}

// compareCores analyzes multiple core files to identify patterns
func compareCores(analyses []CoreAnalysis) CoreComparison {
	comparison := CoreComparison{
		TotalCores:     len(analyses),
		CommonSignals:  make(map[string]int),
		CrashLocations: make(map[string]int),
		TimeRange:      make(map[string]string),
	}

	// Track time range
	var firstTime, lastTime time.Time
	for i, analysis := range analyses {
		t, _ := time.Parse(time.RFC3339, analysis.FileInfo.Modified)
		if i == 0 || t.Before(firstTime) {
			firstTime = t
		}
		if i == 0 || t.After(lastTime) {
			lastTime = t
		}
	}
	comparison.TimeRange["first"] = firstTime.Format(time.RFC3339)
	comparison.TimeRange["last"] = lastTime.Format(time.RFC3339)

	// Group by signal and crash location
	groups := lo.GroupBy(analyses, func(a CoreAnalysis) string {
		return a.SignalInfo.SignalName + "|" + crashLocation(a)
	})
	for _, analysis := range analyses {
		comparison.CommonSignals[analysis.SignalInfo.SignalName]++
		comparison.CrashLocations[crashLocation(analysis)]++
	}

	// Only signatures that occur more than once are patterns
	for signature, group := range groups {
		if len(group) < 2 {
			continue
		}
		signal, location, _ := strings.Cut(signature, "|")
		comparison.CrashPatterns = append(comparison.CrashPatterns, CrashPattern{
			Signal:          signal,
			Location:        location,
			OccurrenceCount: len(group),
			AffectedCoreFiles: lo.Map(group, func(a CoreAnalysis, _ int) string {
				return a.CoreFile
			}),
		})
	}

	sort.Slice(comparison.CrashPatterns, func(i, j int) bool {
		pi, pj := comparison.CrashPatterns[i], comparison.CrashPatterns[j]
		if pi.OccurrenceCount != pj.OccurrenceCount {
			return pi.OccurrenceCount > pj.OccurrenceCount
		}
		return pi.Signal+pi.Location < pj.Signal+pj.Location
	})

	return comparison
}
