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

// File: cmd/core_types.go
// Purpose: Provides type definitions used for core dump analysis reports.
// Includes structures representing core file details, the crashed process, threads,
// signals, mapped modules and cross-core comparisons.

package cmd

// CoreAnalysis represents the complete analysis results for a core file.
// It includes metadata, thread details, the register state of the crashing
// thread, signal information and the modules the process had mapped.
type CoreAnalysis struct {
	Timestamp   string         `json:"timestamp" yaml:"timestamp"`
	CoreFile    string         `json:"core_file" yaml:"core_file"`
	FileInfo    FileInfo       `json:"file_info" yaml:"file_info"`
	Machine     string         `json:"machine" yaml:"machine"`
	PageSize    string         `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	Process     ProcessInfo    `json:"process" yaml:"process"`
	SignalInfo  SignalInfo     `json:"signal_info" yaml:"signal_info"`
	CrashThread int            `json:"crash_thread" yaml:"crash_thread"`
	Threads     []ThreadInfo   `json:"threads" yaml:"threads"`
	Registers   []RegisterInfo `json:"registers" yaml:"registers"`
	Libraries   []LibraryInfo  `json:"shared_libraries,omitempty" yaml:"shared_libraries,omitempty"`
	Warnings    []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// FileInfo contains metadata about the core file.
type FileInfo struct {
	Size      int64  `json:"size" yaml:"size"`
	SizeHuman string `json:"size_human" yaml:"size_human"`
	Modified  string `json:"modified" yaml:"modified"`
}

// ProcessInfo describes the crashed process, from the core's NT_PRPSINFO
// note and the proc copy.
type ProcessInfo struct {
	PID     int      `json:"pid" yaml:"pid"`
	PPID    int      `json:"ppid" yaml:"ppid"`
	UID     uint32   `json:"uid" yaml:"uid"`
	GID     uint32   `json:"gid" yaml:"gid"`
	Name    string   `json:"name" yaml:"name"`
	State   string   `json:"state,omitempty" yaml:"state,omitempty"`
	Args    string   `json:"args,omitempty" yaml:"args,omitempty"`
	Cmdline []string `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`
}

// ThreadInfo contains details about a thread in the core file.
type ThreadInfo struct {
	TID            int      `json:"tid" yaml:"tid"`
	PPID           int      `json:"ppid" yaml:"ppid"`
	IsCrashed      bool     `json:"is_crashed" yaml:"is_crashed"`
	PC             string   `json:"pc,omitempty" yaml:"pc,omitempty"`
	SP             string   `json:"sp,omitempty" yaml:"sp,omitempty"`
	Module         string   `json:"module,omitempty" yaml:"module,omitempty"`
	RegisterBlocks []string `json:"register_blocks,omitempty" yaml:"register_blocks,omitempty"`
}

// RegisterInfo is one general purpose register of the crashing thread.
type RegisterInfo struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// SignalInfo contains details about the signal that caused the crash.
type SignalInfo struct {
	SignalNumber      int    `json:"signal_number" yaml:"signal_number"`
	SignalName        string `json:"signal_name" yaml:"signal_name"`
	SignalCode        int    `json:"signal_code" yaml:"signal_code"`
	SignalDescription string `json:"signal_description" yaml:"signal_description"`
}

// LibraryInfo contains details about a mapped ELF module.
type LibraryInfo struct {
	Name       string `json:"name" yaml:"name"`
	Path       string `json:"path" yaml:"path"`
	StartAddr  string `json:"start_addr" yaml:"start_addr"`
	EndAddr    string `json:"end_addr" yaml:"end_addr"`
	Size       string `json:"size" yaml:"size"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	Type       string `json:"type" yaml:"type"`
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Method     string `json:"method,omitempty" yaml:"method,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CrashPattern represents a recurring crash signature across core files.
type CrashPattern struct {
	Signal            string   `json:"signal" yaml:"signal"`
	Location          string   `json:"location" yaml:"location"`
	OccurrenceCount   int      `json:"occurrence_count" yaml:"occurrence_count"`
	AffectedCoreFiles []string `json:"affected_core_files" yaml:"affected_core_files"`
}

// CoreComparison represents the results of comparing multiple core files.
type CoreComparison struct {
	TotalCores     int               `json:"total_cores" yaml:"total_cores"`
	CommonSignals  map[string]int    `json:"common_signals" yaml:"common_signals"`
	CrashLocations map[string]int    `json:"crash_locations" yaml:"crash_locations"`
	CrashPatterns  []CrashPattern    `json:"crash_patterns" yaml:"crash_patterns"`
	TimeRange      map[string]string `json:"time_range" yaml:"time_range"`
}
