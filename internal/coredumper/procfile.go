package coredumper

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/edespino/corescope/internal/elfcore"
	"github.com/edespino/corescope/internal/fileid"
)

// NameMax bounds the length of a path built by BuildProcPath.
const NameMax = 255

// Files a proc copy directory holds.
const (
	FileAuxv    = "auxv"
	FileCmdline = "cmdline"
	FileEnviron = "environ"
	FileMaps    = "maps"
	FileStatus  = "status"
)

// ProcFiles lists every file of a proc copy directory.
var ProcFiles = []string{FileAuxv, FileCmdline, FileEnviron, FileMaps, FileStatus}

// BuildProcPath stores "<procfs copy>/<node>" in *path. It fails when path is
// nil, node is empty, or the result would not be shorter than NameMax. pid is
// ignored; the copy directory stands in for /proc/<pid>.
func (d *CoreDumper) BuildProcPath(path *string, pid int, node string) bool {
	if path == nil || node == "" {
		return false
	}
	p := d.procPath + "/" + node
	if len(p) >= NameMax {
		return false
	}
	*path = p
	return true
}

// ReadProcFile returns the copy of /proc/<pid>/<node>.
func (d *CoreDumper) ReadProcFile(node string) ([]byte, error) {
	var path string
	if !d.BuildProcPath(&path, d.pid, node) {
		return nil, errors.Errorf("coredumper: cannot build proc path for %q", node)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "coredumper: read %s", node)
	}
	return b, nil
}

// ReadAuxv decodes the auxv copy using the word size of the core.
func (d *CoreDumper) ReadAuxv() ([]elfcore.AuxvEntry, error) {
	if !d.dump.IsValid() {
		return nil, ErrNotInitialized
	}
	b, err := d.ReadProcFile(FileAuxv)
	if err != nil {
		return nil, err
	}
	return elfcore.DecodeAuxv(b, d.dump.Layout(), d.dump.ByteOrder()), nil
}

func splitNUL(b []byte) []string {
	b = bytes.TrimRight(b, "\x00")
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), "\x00")
}

// CommandLine returns the arguments from the cmdline copy.
func (d *CoreDumper) CommandLine() ([]string, error) {
	b, err := d.ReadProcFile(FileCmdline)
	if err != nil {
		return nil, err
	}
	return splitNUL(b), nil
}

// Environ returns the KEY=value entries from the environ copy.
func (d *CoreDumper) Environ() ([]string, error) {
	b, err := d.ReadProcFile(FileEnviron)
	if err != nil {
		return nil, err
	}
	return splitNUL(b), nil
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64 `json:"start" yaml:"start"`
	End    uint64 `json:"end" yaml:"end"`
	Perms  string `json:"perms" yaml:"perms"`
	Offset uint64 `json:"offset" yaml:"offset"`
	Dev    string `json:"dev" yaml:"dev"`
	Inode  uint64 `json:"inode" yaml:"inode"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (m Mapping) Size() uint64 { return m.End - m.Start }

func (m Mapping) Executable() bool { return strings.Contains(m.Perms, "x") }

// IsFile reports whether the mapping is backed by a regular file rather than
// an anonymous region or a pseudo mapping such as [stack].
func (m Mapping) IsFile() bool {
	return m.Inode != 0 && strings.HasPrefix(m.Path, "/")
}

// ParseMaps parses the contents of a maps file. Malformed lines are returned
// as an error together with the mappings parsed so far.
func ParseMaps(b []byte) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		m, err := parseMapsLine(text)
		if err != nil {
			return out, errors.Wrapf(err, "maps line %d", line)
		}
		out = append(out, m)
	}
	return out, errors.Wrap(sc.Err(), "maps")
}

// parseMapsLine parses
//
//	00400000-0040b000 r-xp 00000000 fd:01 1234   /usr/bin/cat
func parseMapsLine(text string) (Mapping, error) {
	fields := strings.Fields(text)
	if len(fields) < 5 {
		return Mapping{}, errors.Errorf("too few fields in %q", text)
	}
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, errors.Errorf("bad address range %q", fields[0])
	}
	var m Mapping
	var err error
	if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Mapping{}, errors.Wrap(err, "start address")
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return Mapping{}, errors.Wrap(err, "end address")
	}
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, errors.Wrap(err, "offset")
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Mapping{}, errors.Wrap(err, "inode")
	}
	m.Perms = fields[1]
	m.Dev = fields[3]
	if len(fields) > 5 {
		m.Path = pathField(text)
	}
	return m, nil
}

// pathField returns everything after the fifth field. Paths may contain spaces.
func pathField(text string) string {
	rest := text
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		j := strings.IndexAny(rest, " \t")
		if j < 0 {
			return ""
		}
		rest = rest[j:]
	}
	return strings.TrimSpace(rest)
}

// Mappings parses the maps copy.
func (d *CoreDumper) Mappings() ([]Mapping, error) {
	b, err := d.ReadProcFile(FileMaps)
	if err != nil {
		return nil, err
	}
	return ParseMaps(b)
}

// Modules returns the file-backed mappings that map offset 0 of their file,
// one per loaded ELF image.
func Modules(maps []Mapping) []Mapping {
	var out []Mapping
	seen := map[string]bool{}
	for _, m := range maps {
		if !m.IsFile() || m.Offset != 0 || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		out = append(out, m)
	}
	return out
}

// ElfFileIdentifierForMapping identifies the file behind mapping i of the maps
// copy.
func (d *CoreDumper) ElfFileIdentifierForMapping(i int) (fileid.Identifier, fileid.Method, error) {
	maps, err := d.Mappings()
	if err != nil {
		return fileid.Identifier{}, fileid.MethodNone, err
	}
	if i < 0 || i >= len(maps) {
		return fileid.Identifier{}, fileid.MethodNone, errors.Errorf("coredumper: mapping index %d out of range", i)
	}
	return d.IdentifyFile(maps[i].Path)
}

// IdentifyFile identifies a mapped file, resolving it under the root prefix.
func (d *CoreDumper) IdentifyFile(path string) (fileid.Identifier, fileid.Method, error) {
	if !strings.HasPrefix(path, "/") {
		return fileid.Identifier{}, fileid.MethodNone, errors.Errorf("coredumper: %q is not a file mapping", path)
	}
	if d.root != "" {
		path = filepath.Join(d.root, path)
	}

	var (
		id     fileid.Identifier
		method fileid.Method
		err    error
	)
	if d.ids != nil {
		var hit bool
		id, method, hit, err = d.ids.Identify(path)
		if err == nil && hit {
			level.Debug(d.logger).Log("msg", "identifier cache hit", "path", path)
		}
	} else {
		id, method, err = fileid.FromFile(path)
	}
	if err != nil {
		return fileid.Identifier{}, fileid.MethodNone, err
	}
	d.metrics.Identifiers.WithLabelValues(method.String()).Inc()
	return id, method, nil
}

// ProcStatus holds the fields of /proc/<pid>/status corescope reports.
type ProcStatus struct {
	Name      string            `json:"name" yaml:"name"`
	State     string            `json:"state" yaml:"state"`
	Tgid      int               `json:"tgid" yaml:"tgid"`
	Pid       int               `json:"pid" yaml:"pid"`
	PPid      int               `json:"ppid" yaml:"ppid"`
	TracerPid int               `json:"tracer_pid" yaml:"tracer_pid"`
	Threads   int               `json:"threads" yaml:"threads"`
	Fields    map[string]string `json:"-" yaml:"-"`
}

// ParseStatus parses the contents of a status file. Unknown keys are kept in
// Fields; numeric fields that fail to parse are left at zero.
func ParseStatus(b []byte) *ProcStatus {
	st := &ProcStatus{Fields: map[string]string{}}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		st.Fields[key] = val
		atoi := func() int {
			n, _ := strconv.Atoi(val)
			return n
		}
		switch key {
		case "Name":
			st.Name = val
		case "State":
			st.State = val
		case "Tgid":
			st.Tgid = atoi()
		case "Pid":
			st.Pid = atoi()
		case "PPid":
			st.PPid = atoi()
		case "TracerPid":
			st.TracerPid = atoi()
		case "Threads":
			st.Threads = atoi()
		}
	}
	return st
}

// ProcessStatus parses the status copy.
func (d *CoreDumper) ProcessStatus() (*ProcStatus, error) {
	b, err := d.ReadProcFile(FileStatus)
	if err != nil {
		return nil, err
	}
	return ParseStatus(b), nil
}
