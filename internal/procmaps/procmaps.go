// Package procmaps is the Map Resolver: enumerates loaded objects
// (executable, shared libraries, anonymous regions) with base, extent,
// flags and path, from either /proc/<pid>/maps or a core file's NT_FILE
// note plus PT_LOAD list. Grounded on golang.org/x/debug/internal/core's
// readNTFile/readLoad and bloomberg/pystack's src/pystack/maps.py (the
// _get_bss algorithm and the MapInfo shape in particular come from the
// Python original, since the teacher has no analogue — Go binaries don't
// need a runtime-discovered .bss, DWARF gives it statically).
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// VirtualMap is one region of the target's address space as observed by
// the resolver, the engine-visible analogue of a /proc/<pid>/maps line or a
// core NT_FILE entry.
type VirtualMap struct {
	Low, High memview.Addr
	Perm      memview.Perm
	Offset    uint64
	Path      string // "" for anonymous; "[heap]" etc. for pseudo-regions
}

func (m VirtualMap) Contains(a memview.Addr) bool { return a >= m.Low && a < m.High }

// MapInfo is the Map Resolver's output (spec §3/§4.2).
type MapInfo struct {
	All         []VirtualMap
	Min, Max    memview.Addr
	Heap        *VirtualMap
	Bss         *VirtualMap
	MainBinary  *VirtualMap
	Libpython   *VirtualMap
}

var pseudoNames = map[string]bool{
	"[heap]": true, "[stack]": true, "[vdso]": true, "[vvar]": true, "[vsyscall]": true,
}

var mapsLineRE = regexp.MustCompile(
	`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]{4})\s+([0-9a-f]+)\s+[0-9a-f:]+\s+\d+\s*(.*)$`)

// ParseLiveMaps parses /proc/<pid>/maps (spec §6.2).
func ParseLiveMaps(pid int) ([]VirtualMap, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pyerr.Wrap(pyerr.ProcessNotFound, err, fmt.Sprintf("no such process %d", pid))
		}
		return nil, pyerr.Wrap(pyerr.EngineError, err, "reading /proc/<pid>/maps")
	}
	defer f.Close()
	return parseMapsReader(f)
}

func parseMapsReader(r io.Reader) ([]VirtualMap, error) {
	var maps []VirtualMap
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		m := mapsLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		low, _ := strconv.ParseUint(m[1], 16, 64)
		high, _ := strconv.ParseUint(m[2], 16, 64)
		off, _ := strconv.ParseUint(m[4], 16, 64)
		var perm memview.Perm
		if strings.Contains(m[3], "r") {
			perm |= memview.Read
		}
		if strings.Contains(m[3], "w") {
			perm |= memview.Write
		}
		if strings.Contains(m[3], "x") {
			perm |= memview.Exec
		}
		path := strings.TrimSpace(m[5])
		maps = append(maps, VirtualMap{
			Low: memview.Addr(low), High: memview.Addr(high),
			Perm: perm, Offset: off, Path: path,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// Resolve builds a MapInfo from a flat region list and the paths of the
// main executable and (if known) libpython, implementing the Map
// Resolver's output contract and the _get_bss fallback described in
// pystack's maps.py.
func Resolve(maps []VirtualMap, execPath string, elfBss func(path string) (vma, size uint64, ok bool), loadBias func(path string) (uint64, bool)) (*MapInfo, error) {
	if len(maps) == 0 {
		return nil, pyerr.New(pyerr.EngineError, "empty memory map")
	}
	sorted := append([]VirtualMap(nil), maps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	info := &MapInfo{All: sorted, Min: sorted[0].Low, Max: sorted[len(sorted)-1].High}

	libpythonPaths := map[string]bool{}
	for i := range sorted {
		m := &sorted[i]
		if pseudoNames[m.Path] {
			if m.Path == "[heap]" {
				info.Heap = m
			}
			continue
		}
		switch {
		case execMatches(m.Path, execPath):
			if info.MainBinary == nil || m.Perm&memview.Exec != 0 {
				info.MainBinary = m
			}
		case isLibpython(m.Path):
			if info.Libpython == nil {
				info.Libpython = m
			}
			libpythonPaths[m.Path] = true
		}
	}
	if len(libpythonPaths) > 1 {
		return nil, pyerr.New(pyerr.MultipleLibpython, "more than one libpython mapped")
	}
	if info.MainBinary == nil {
		return nil, pyerr.New(pyerr.MissingExecutableMaps, execPath).WithHelp(pyerr.MissingExecutableMapsHelp)
	}

	base := info.MainBinary.Path
	if info.Libpython != nil {
		base = info.Libpython.Path
	}
	if vma, size, ok := elfBss(base); ok {
		bias, _ := loadBias(base)
		bssAddr := memview.Addr(vma + bias)
		if reg := findContaining(sorted, bssAddr); reg != nil {
			info.Bss = reg
		} else {
			// Fall back to the first readable anonymous region of the module,
			// per maps.py's _get_bss fallback when no file-backed .bss map
			// matches (common for core files where the .bss pages were never
			// touched and so aren't file-backed at all).
			for i := range sorted {
				m := &sorted[i]
				if m.Path == "" && m.Perm&memview.Read != 0 && m.Low >= bssAddr {
					info.Bss = m
					break
				}
			}
		}
		_ = size
	}
	return info, nil
}

func findContaining(maps []VirtualMap, a memview.Addr) *VirtualMap {
	for i := range maps {
		if maps[i].Contains(a) {
			return &maps[i]
		}
	}
	return nil
}

func execMatches(mapPath, execPath string) bool {
	if mapPath == "" || execPath == "" {
		return false
	}
	return mapPath == execPath || strings.HasSuffix(execPath, mapPath) || strings.HasSuffix(mapPath, execPath)
}

var libpythonRE = regexp.MustCompile(`libpython\d+\.\d+`)

func isLibpython(path string) bool {
	return libpythonRE.MatchString(path)
}

// NTFileEntry is one decoded entry of a core's NT_FILE note.
type NTFileEntry struct {
	Low, High memview.Addr
	FileOff   uint64
	Path      string
}

// ParseNTFile decodes an NT_FILE note's descriptor, the core-file analogue
// of /proc/<pid>/maps, grounded on internal/core/process.go's readNTFile.
// Layout: count, page_size, then `count` (start, end, file_ofs) uint64
// triples, then `count` NUL-terminated path strings in order.
func ParseNTFile(desc []byte, ptrSize int) ([]NTFileEntry, error) {
	if len(desc) < 16 {
		return nil, pyerr.New(pyerr.EngineError, "truncated NT_FILE note")
	}
	order := leUint64
	count := order(desc[0:8])
	pageSize := order(desc[8:16])
	pos := 16
	// count comes straight out of the core file; a corrupt or hostile note
	// can claim an enormous value, and make([]T, 0, count) below would try
	// to allocate on the strength of that claim alone before any byte of
	// the range table is actually read. Bound it by what the note could
	// possibly hold at 24 bytes/entry first.
	if count > uint64(len(desc)-pos)/24 {
		return nil, pyerr.New(pyerr.EngineError, "truncated NT_FILE range table")
	}
	type raw struct{ start, end, off uint64 }
	raws := make([]raw, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos+24 > len(desc) {
			return nil, pyerr.New(pyerr.EngineError, "truncated NT_FILE range table")
		}
		raws = append(raws, raw{order(desc[pos : pos+8]), order(desc[pos+8 : pos+16]), order(desc[pos+16 : pos+24])})
		pos += 24
	}
	entries := make([]NTFileEntry, 0, count)
	for _, r := range raws {
		end := strings.IndexByte(string(desc[pos:]), 0)
		if end < 0 {
			return nil, pyerr.New(pyerr.EngineError, "truncated NT_FILE path table")
		}
		path := string(desc[pos : pos+end])
		pos += end + 1
		entries = append(entries, NTFileEntry{
			Low: memview.Addr(r.start), High: memview.Addr(r.end),
			FileOff: r.off * pageSize, Path: path,
		})
	}
	return entries, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
