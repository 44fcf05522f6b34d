// Package runtimeloc is the Runtime Locator: finds the address of
// CPython's interpreter-state head through a sequence of fallback
// strategies, grounded on golang.org/x/debug/internal/gocore/process.go's
// ordered-fallback init sequence (readDWARFGlobals -> readModules ->
// fixUpGlobals -> readHeap, each a progressively less precise way to find
// the runtime's process-wide singletons) generalized to spec §4.4's five
// named methods.
package runtimeloc

import (
	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/elfdwarf"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/procmaps"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// Method identifies one of the five location strategies (§4.4).
type Method int

const (
	Symbols Method = iota
	ElfData
	Bss
	Heap
	AnonymousMaps
)

func (m Method) String() string {
	return [...]string{"SYMBOLS", "ELF_DATA", "BSS", "HEAP", "ANONYMOUS_MAPS"}[m]
}

// Policy selects which methods run and how results are combined.
type Policy int

const (
	// Auto stops at the first method that yields a valid interpreter.
	Auto Policy = iota
	// Exhaustive runs every applicable method and returns the methods that
	// agree (spec calls for validating agreement; here we simply report
	// every independently-valid candidate for the caller to compare).
	Exhaustive
)

// Candidate is a located, validated interpreter-state head.
type Candidate struct {
	Method Method
	Addr   memview.Addr
}

// Locate runs the method chain appropriate to isCore (process: 1->2->3->4;
// core: 1->2->5) under policy.
func Locate(r memview.Reader, modules []*elfdwarf.Module, mainIdx int, info *procmaps.MapInfo, off *cpyoffsets.Table, isCore bool, policy Policy, log diag.Logger) ([]Candidate, error) {
	var methods []Method
	if isCore {
		methods = []Method{Symbols, ElfData, AnonymousMaps}
	} else {
		methods = []Method{Symbols, ElfData, Bss, Heap}
	}

	var found []Candidate
	for _, meth := range methods {
		addr, ok := tryMethod(meth, r, modules, mainIdx, info, off, log)
		if !ok {
			log.Debug("runtime locator method found nothing", "method", meth.String())
			continue
		}
		if !Validate(r, addr, off) {
			log.Debug("runtime locator candidate failed validation", "method", meth.String(), "addr", addr.String())
			continue
		}
		found = append(found, Candidate{Method: meth, Addr: addr})
		if policy == Auto {
			return found, nil
		}
	}
	if len(found) == 0 {
		return nil, pyerr.New(pyerr.NotEnoughInformation, "no runtime locator method found a valid interpreter").
			WithHelp(pyerr.NotEnoughInformationHelp)
	}
	return found, nil
}

func tryMethod(meth Method, r memview.Reader, modules []*elfdwarf.Module, mainIdx int, info *procmaps.MapInfo, off *cpyoffsets.Table, log diag.Logger) (memview.Addr, bool) {
	switch meth {
	case Symbols:
		for _, mod := range modules {
			if a, ok := mod.SymbolAddr("_PyRuntime"); ok {
				return a, true
			}
		}
		for _, mod := range modules {
			if a, ok := mod.SymbolAddr("interp_head"); ok {
				return a, true
			}
		}
		return 0, false
	case ElfData:
		if !off.HasTypedGlobalLookup() {
			return 0, false
		}
		for _, mod := range modules {
			if a, ok := mod.GlobalByType("_PyRuntime", ""); ok {
				return a, true
			}
		}
		return 0, false
	case Bss:
		if info.Bss == nil {
			return 0, false
		}
		return scanForInterpreterSignature(r, info.Bss.Low, info.Bss.High, off)
	case Heap:
		if info.Heap == nil {
			return 0, false
		}
		return scanForThreadStateInHeap(r, info.Heap.Low, info.Heap.High, off)
	case AnonymousMaps:
		for _, m := range info.All {
			if m.Path != "" || m.Perm&memview.Read == 0 {
				continue
			}
			if addr, ok := scanForInterpreterSignature(r, m.Low, m.High, off); ok {
				return addr, true
			}
		}
		return 0, false
	}
	return 0, false
}

// scanForInterpreterSignature implements the BSS/ANONYMOUS_MAPS strategy:
// probe every pointer-aligned address for a plausible PyInterpreterState
// shape (a `next` field that is null or points somewhere other than the
// candidate itself, and a `tstate_head` that is null or names a thread
// whose `interp` field points back at the candidate).
func scanForInterpreterSignature(r memview.Reader, low, high memview.Addr, off *cpyoffsets.Table) (memview.Addr, bool) {
	step := memview.Addr(off.PtrSize)
	for a := low; a+memview.Addr(off.Sizeof("PyInterpreterState")) <= high; a += step {
		if looksLikeInterpreter(r, a, off) {
			return a, true
		}
	}
	return 0, false
}

func scanForThreadStateInHeap(r memview.Reader, low, high memview.Addr, off *cpyoffsets.Table) (memview.Addr, bool) {
	step := memview.Addr(off.PtrSize)
	for a := low; a+memview.Addr(off.Sizeof("PyThreadState")) <= high; a += step {
		interpField, err := memview.ReadPtr(r, a.Add(int64(off.Field("PyThreadState", "interp"))))
		if err != nil || interpField == 0 {
			continue
		}
		if looksLikeInterpreter(r, interpField, off) {
			return interpField, true
		}
	}
	return 0, false
}

func looksLikeInterpreter(r memview.Reader, a memview.Addr, off *cpyoffsets.Table) bool {
	nextOff := off.Field("PyInterpreterState", "next")
	tsHeadOff := off.Field("PyInterpreterState", "tstate_head")
	next, err := memview.ReadPtr(r, a.Add(int64(nextOff)))
	if err != nil {
		return false
	}
	if next != 0 && next == a {
		return false
	}
	tsHead, err := memview.ReadPtr(r, a.Add(int64(tsHeadOff)))
	if err != nil {
		return false
	}
	if tsHead == 0 {
		return true // an interpreter with no threads is still valid (spec §8.9)
	}
	backOff := off.Field("PyThreadState", "interp")
	back, err := memview.ReadPtr(r, tsHead.Add(int64(backOff)))
	return err == nil && back == a
}

// topFrameAddr resolves a thread's innermost frame pointer, indirect from
// 3.11 onward (cframe->current_frame, or current_frame directly once 3.12
// flattens cframe away) the same way pywalk.Walker.topFrame does; kept as
// its own small helper here since Validate runs before a Walker exists.
func topFrameAddr(r memview.Reader, thread memview.Addr, off *cpyoffsets.Table) (memview.Addr, error) {
	if !off.HasInlinedFrames {
		return memview.ReadPtr(r, thread.Add(int64(off.Field("PyThreadState", "frame"))))
	}
	if off.HasField("PyThreadState", "cframe") {
		cframe, err := memview.ReadPtr(r, thread.Add(int64(off.Field("PyThreadState", "cframe"))))
		if err != nil || cframe == 0 {
			return 0, err
		}
		return memview.ReadPtr(r, cframe.Add(int64(off.Field("PyCFrame", "current_frame"))))
	}
	return memview.ReadPtr(r, thread.Add(int64(off.Field("PyThreadState", "current_frame"))))
}

// Validate accepts a candidate interpreter when its tstate_head is null, or
// when the head thread's interp field points back at the candidate and that
// thread's top frame is null or has a code object with a non-null
// co_filename pointer. The filename and name strings are not read, so
// whether they are printable is not checked.
func Validate(r memview.Reader, interp memview.Addr, off *cpyoffsets.Table) bool {
	tsHead, err := memview.ReadPtr(r, interp.Add(int64(off.Field("PyInterpreterState", "tstate_head"))))
	if err != nil {
		return false
	}
	if tsHead == 0 {
		return true
	}
	back, err := memview.ReadPtr(r, tsHead.Add(int64(off.Field("PyThreadState", "interp"))))
	if err != nil || back != interp {
		return false
	}
	frame, err := topFrameAddr(r, tsHead, off)
	if err != nil {
		return false
	}
	if frame == 0 {
		return true
	}
	codeOff := off.Field("PyFrameObject", "f_code")
	if off.HasInlinedFrames {
		codeOff = off.Field("_PyInterpreterFrame", "f_code")
	}
	code, err := memview.ReadPtr(r, frame.Add(int64(codeOff)))
	if err != nil || code == 0 {
		return false
	}
	filename, err := memview.ReadPtr(r, code.Add(int64(off.Field("PyCodeObject", "co_filename"))))
	if err != nil || filename == 0 {
		return false
	}
	return true
}
