package pystacktrace

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/elfdwarf"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/procmaps"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/internal/pyversion"
)

// OpenRemote attaches to a live pid (spec §6.1's `remote <pid>` subcommand).
// When opts.Blocking, every thread in the process is stopped for the
// duration of the read (§5's blocking mode); Native != NativeNone requires
// Blocking, per §5's "requesting native frames in non-blocking mode fails
// at argument validation".
func OpenRemote(pid int, opts Options) (*Target, error) {
	if opts.Native != NativeNone && !opts.Blocking {
		return nil, pyerr.New(pyerr.EngineError, "native unwinding requires blocking mode")
	}
	live, err := memview.OpenLive(pid)
	if err != nil {
		return nil, err
	}
	if opts.Blocking {
		if err := live.Attach(); err != nil {
			live.Close()
			return nil, err
		}
	}

	maps, err := procmaps.ParseLiveMaps(pid)
	if err != nil {
		live.Detach()
		live.Close()
		return nil, err
	}
	execPath, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))

	t := &Target{reader: live, live: live, pid: pid, opts: opts}
	if err := t.resolveMaps(maps, execPath); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// OpenCore opens a core file plus its originating executable (spec §6.1's
// `core <corefile> [executable]` subcommand). Gzip-wrapped cores are
// expected to already be decompressed by the CLI collaborator (§6.3);
// this constructor reads the core file as-is.
func OpenCore(coreFile, execPath string, opts Options) (*Target, error) {
	if opts.Native != NativeNone && !opts.Blocking {
		// A core file is inherently a consistent snapshot; "blocking mode"
		// has no live-attach meaning, but the Non-blocking-mode-forbids-native
		// argument-validation rule still applies to keep the two backends'
		// argument contract uniform (§6.1's global flag surface doesn't
		// distinguish backend for --no-block).
		return nil, pyerr.New(pyerr.EngineError, "native unwinding requires blocking mode")
	}
	f, err := os.Open(coreFile)
	if err != nil {
		return nil, pyerr.Wrap(pyerr.EngineError, err, "opening core file")
	}
	header := make([]byte, 4)
	f.ReadAt(header, 0)
	if !pyversion.IsELF(header) {
		f.Close()
		return nil, pyerr.New(pyerr.InvalidExecutable, coreFile).WithHelp(pyerr.InvalidExecutableHelp)
	}
	if execPath != "" {
		if ef, err := os.Open(execPath); err == nil {
			execHeader := make([]byte, 4)
			ef.ReadAt(execHeader, 0)
			ef.Close()
			if !pyversion.IsELF(execHeader) {
				f.Close()
				return nil, pyerr.New(pyerr.InvalidExecutable, execPath).WithHelp(pyerr.InvalidExecutableHelp)
			}
		}
	}

	cb, err := memview.OpenCore(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	var ntFiles []procmaps.NTFileEntry
	for _, n := range cb.Notes {
		if n.Type == 0x46494c45 { // NT_FILE
			if entries, err := procmaps.ParseNTFile(n.Desc, cb.PtrSize()); err == nil {
				ntFiles = append(ntFiles, entries...)
			}
		}
	}
	maps := make([]procmaps.VirtualMap, 0, len(ntFiles))
	for _, e := range ntFiles {
		maps = append(maps, procmaps.VirtualMap{Low: e.Low, High: e.High, Perm: memview.Read, Path: e.Path})
	}

	if execPath == "" {
		for _, e := range ntFiles {
			if isLikelyMainExec(e.Path) {
				execPath = e.Path
				break
			}
		}
	}

	t := &Target{reader: cb, core: cb, coreFile: f, pid: 0, opts: opts}
	if err := t.resolveMaps(maps, execPath); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func isLikelyMainExec(path string) bool {
	return filepath.Ext(path) == "" && path != ""
}

func (t *Target) resolveMaps(maps []procmaps.VirtualMap, execPath string) error {
	modules := map[string]*elfdwarf.Module{}
	resolvedOf := func(path string) string { return resolveOnDisk(path, t.opts.LibSearchPath) }
	elfBss := func(path string) (vma, size uint64, ok bool) {
		m, err := openModuleCached(modules, path, resolvedOf(path), loadBiasFor(maps, path, resolvedOf(path)), t.opts.Logger)
		if err != nil {
			return 0, 0, false
		}
		a, s, ok := m.BssInfo()
		return uint64(a), s, ok
	}
	loadBias := func(path string) (uint64, bool) {
		bias, ok := loadBiasFor(maps, path, resolvedOf(path))
		return uint64(bias), ok
	}
	info, err := procmaps.Resolve(maps, execPath, elfBss, loadBias)
	if err != nil {
		return err
	}
	t.mapInfo = info

	seen := map[string]bool{}
	for _, m := range info.All {
		if m.Path == "" || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		resolved := resolvedOf(m.Path)
		bias, _ := loadBiasFor(maps, m.Path, resolved)
		mod, err := openModuleCached(modules, m.Path, resolved, bias, t.opts.Logger)
		if err != nil {
			t.opts.Logger.Debug("could not open module", "path", m.Path, "err", err)
			continue
		}
		t.modules = append(t.modules, mod)
	}
	return nil
}

// loadBiasFor computes a module's load bias: the difference between where
// the loader actually put it (the lowest mapped address recorded for
// mapPath in maps) and where the file itself says it starts (the lowest
// PT_LOAD segment's vaddr in diskPath). PIE executables and every shared
// library need this to turn file-relative ELF/DWARF addresses (symbols,
// .bss, DW_OP_addr globals) into target-virtual ones; a statically-linked,
// non-PIE binary naturally comes out to a bias of 0.
func loadBiasFor(maps []procmaps.VirtualMap, mapPath, diskPath string) (int64, bool) {
	var lowMapped memview.Addr
	found := false
	for _, m := range maps {
		if m.Path != mapPath {
			continue
		}
		if !found || m.Low < lowMapped {
			lowMapped = m.Low
			found = true
		}
	}
	if !found {
		return 0, false
	}
	ef, err := elf.Open(diskPath)
	if err != nil {
		return 0, false
	}
	defer ef.Close()
	var lowVaddr uint64
	haveLoad := false
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !haveLoad || prog.Vaddr < lowVaddr {
			lowVaddr = prog.Vaddr
			haveLoad = true
		}
	}
	if !haveLoad {
		return 0, false
	}
	return int64(lowMapped) - int64(lowVaddr), true
}

// resolveOnDisk implements `core`'s --lib-search-path/--lib-search-root
// fallback (spec §6.1): when a mapped path from the core's NT_FILE note
// doesn't exist where the core recorded it (common across containers or
// relocated analysis machines), look for a file with the same basename in
// each configured search directory.
func resolveOnDisk(path string, searchDirs []string) string {
	if path == "" {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	base := filepath.Base(path)
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, base)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}

// openModuleCached opens (or returns the already-opened) module at
// diskPath, caching by its original mapped path so BssInfo/SymbolAddr/
// GlobalByType lookups made while resolving maps and the ones made later
// while walking threads share one already-biased elfdwarf.Module.
func openModuleCached(cache map[string]*elfdwarf.Module, mapPath, diskPath string, bias int64, log diag.Logger) (*elfdwarf.Module, error) {
	if m, ok := cache[mapPath]; ok {
		return m, nil
	}
	m, err := elfdwarf.Open(diskPath, bias, log)
	if err != nil {
		return nil, err
	}
	cache[mapPath] = m
	return m, nil
}
