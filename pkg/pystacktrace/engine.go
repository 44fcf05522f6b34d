package pystacktrace

import (
	"os"

	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/elfdwarf"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/nativeunwind"
	"github.com/bloomberg/pystacktrace/internal/procmaps"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/internal/pyrender"
	"github.com/bloomberg/pystacktrace/internal/pyversion"
	"github.com/bloomberg/pystacktrace/internal/pywalk"
	"github.com/bloomberg/pystacktrace/internal/runtimeloc"
)

// Options controls one engine invocation, the public surface the CLI
// collaborator (cmd/pystacktrace) builds its subcommands against.
type Options struct {
	Native        NativeMode
	WithLocals    bool
	Blocking      bool // required when Native != NativeNone, per §5
	Exhaustive    bool
	LibSearchPath []string // core mode only: extra directories to resolve mapped libraries from
	Logger        diag.Logger
}

type NativeMode int

const (
	NativeNone NativeMode = iota
	NativeAll
	NativeLast
)

// Target is an opened, map-resolved handle for either a live pid or a core
// file, the engine's resource-owning type (spec §5's "Resource lifecycle":
// the target handle owns the attach, the mem descriptor, and every opened
// ELF image; Close releases all of them).
type Target struct {
	reader   memview.Reader
	live     *memview.LiveBackend
	core     *memview.CoreBackend
	coreFile *os.File
	mapInfo  *procmaps.MapInfo
	modules  []*elfdwarf.Module
	pid      int // 0 for core
	opts     Options
}

func (t *Target) Close() error {
	for _, m := range t.modules {
		m.Close()
	}
	var err error
	if t.live != nil {
		if e := t.live.Detach(); e != nil && err == nil {
			err = e
		}
		if e := t.live.Close(); e != nil && err == nil {
			err = e
		}
	}
	if t.coreFile != nil {
		if e := t.coreFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Engine runs the engine over the maps resolved at open: Version Detector
// -> Runtime Locator (which needs the version's offset table) -> Structure
// Walker -> (optional) Native Unwinder, returning the public result (§6.5).
// The Stack Correlator is not run here; the printer applies it to the
// returned snapshots.
func (t *Target) Engine() ([]*PyThreadSnapshot, error) {
	log := t.opts.Logger

	execPath := t.mapInfo.MainBinary.Path
	mainMod, err := findModule(t.modules, execPath)
	if err != nil {
		return nil, err
	}

	libpythonPath := ""
	if t.mapInfo.Libpython != nil {
		libpythonPath = t.mapInfo.Libpython.Path
	}
	var bssBytes []byte
	if t.mapInfo.Bss != nil {
		bssBytes, _ = pyversion.ReadBSS(t.reader, t.mapInfo.Bss)
	}
	version, err := pyversion.Detect(bssBytes, execPath, libpythonPath, t.pid != 0, log)
	if err != nil {
		return nil, err
	}

	off, ok := cpyoffsets.ForVersion(version.Major, version.Minor, t.reader.PtrSize())
	if !ok {
		return nil, pyerr.Newf(pyerr.InvalidPythonProcess, "unsupported python version %d.%d", version.Major, version.Minor)
	}

	policy := runtimeloc.Auto
	if t.opts.Exhaustive {
		policy = runtimeloc.Exhaustive
	}
	candidates, err := runtimeloc.Locate(t.reader, t.modules, 0, t.mapInfo, off, t.pid == 0, policy, log)
	if err != nil {
		return nil, err
	}
	runtimeHead := candidates[0].Addr

	typeTab := resolveTypeNames(mainMod, libModuleOrMain(t.modules, libpythonPath, mainMod))
	renderer := pyrender.New(t.reader, off, typeTab)
	walker := pywalk.New(t.reader, off, renderer, t.pid, t.opts.WithLocals, log)

	interps, err := walker.Interpreters(runtimeHead)
	if err != nil {
		return nil, err
	}

	var snapshots []*PyThreadSnapshot
	for i, interp := range interps {
		// gil_last_holder only exists from 3.12's per-interpreter GIL onward;
		// older versions fall back to the take_gil/drop_gil native-symbol
		// signal in PyThreadSnapshot.GilStatus.
		var gilHolder memview.Addr
		if off.HasField("PyInterpreterState", "gil_last_holder") {
			gilHolder, _ = memview.ReadPtr(t.reader, interp.Add(int64(off.Field("PyInterpreterState", "gil_last_holder"))))
		}
		threads, err := walker.Threads(interp, int64(i), i == 0, [2]int{version.Major, version.Minor}, gilHolder)
		if err != nil {
			log.Warn("error walking threads for interpreter", "interp", interp.String(), "err", err)
			continue
		}
		snapshots = append(snapshots, threads...)
	}

	if t.opts.Native != NativeNone {
		t.attachNativeFrames(snapshots, off, log)
	}
	return snapshots, nil
}

func findModule(mods []*elfdwarf.Module, path string) (*elfdwarf.Module, error) {
	for _, m := range mods {
		if m.Path == path {
			return m, nil
		}
	}
	return nil, pyerr.New(pyerr.MissingExecutableMaps, path).WithHelp(pyerr.MissingExecutableMapsHelp)
}

func libModuleOrMain(mods []*elfdwarf.Module, libPath string, main *elfdwarf.Module) *elfdwarf.Module {
	if libPath == "" {
		return main
	}
	for _, m := range mods {
		if m.Path == libPath {
			return m
		}
	}
	return main
}

// resolveTypeNames finds the target addresses of CPython's built-in type
// objects by symbol name (e.g. "PyLong_Type"), preferring the module that
// actually hosts the Python runtime (libpython when dynamic, main binary
// when static).
func resolveTypeNames(main, runtime *elfdwarf.Module) *pyrender.TypeNames {
	sym := func(name string) memview.Addr {
		if a, ok := runtime.SymbolAddr(name); ok {
			return a
		}
		a, _ := main.SymbolAddr(name)
		return a
	}
	return &pyrender.TypeNames{
		NoneType:    sym("_Py_NoneStruct"),
		BoolType:    sym("PyBool_Type"),
		LongType:    sym("PyLong_Type"),
		FloatType:   sym("PyFloat_Type"),
		UnicodeType: sym("PyUnicode_Type"),
		BytesType:   sym("PyBytes_Type"),
		ListType:    sym("PyList_Type"),
		TupleType:   sym("PyTuple_Type"),
		DictType:    sym("PyDict_Type"),
	}
}

func (t *Target) attachNativeFrames(snapshots []*PyThreadSnapshot, off *cpyoffsets.Table, log diag.Logger) {
	ms := nativeunwind.NewModuleSet(t.modules, func(m *elfdwarf.Module) (memview.Addr, memview.Addr) {
		return moduleBounds(t.mapInfo, m.Path)
	})
	for _, snap := range snapshots {
		regs, ok := t.initialRegs(snap.Tid)
		if !ok {
			continue
		}
		snap.NativeFrames = nativeunwind.Unwind(t.reader, ms, regs, 10000)
	}
}

func moduleBounds(info *procmaps.MapInfo, path string) (memview.Addr, memview.Addr) {
	var low, high memview.Addr
	first := true
	for _, m := range info.All {
		if m.Path != path {
			continue
		}
		if first || m.Low < low {
			low = m.Low
		}
		if first || m.High > high {
			high = m.High
		}
		first = false
	}
	return low, high
}

func (t *Target) initialRegs(tid int) (nativeunwind.Regs, bool) {
	if t.live != nil {
		regs, err := t.live.Regs(tid)
		if err != nil {
			return nativeunwind.Regs{}, false
		}
		return nativeunwind.FromPtrace(regs), true
	}
	for _, n := range t.core.Notes {
		if n.Type != 1 /* NT_PRSTATUS */ {
			continue
		}
		regs, err := nativeunwind.FromPRStatus(n.Desc)
		if err == nil {
			return regs, true
		}
	}
	return nativeunwind.Regs{}, false
}
