// Package pywalk is the Structure Walker: given a runtime address and a
// detected version, produces the lazy sequence of PyThreadSnapshot, walking
// runtime -> interpreters -> thread states -> frames -> code objects.
// Grounded on golang.org/x/debug/internal/gocore/process.go's
// readGoroutine/readFrame (the goroutine-linked-list walk, per-frame
// live-pointer bounding, and the fixUpGlobals-style defensive pointer
// validation are the direct analogues: an interpreter's thread list here
// plays the role of allgs there, and a frame's fast-locals array plays the
// role of a stack frame's live-pointer-bitmapped locals there).
package pywalk

import (
	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/internal/pyrender"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// maxHops bounds every linked-list walk, per §9's "validation discipline in
// non-blocking mode" design note: a maximum number of linked-list hops
// (10,000) must be enforced to prevent infinite loops under torn reads.
const maxHops = 10000

// Walker holds everything needed to decode one target's interpreter state.
type Walker struct {
	r        memview.Reader
	off      *cpyoffsets.Table
	renderer *pyrender.Renderer
	pid      int // 0 for core files, where thread names can't be read live
	log      diag.Logger

	withLocals bool
}

// New builds a Walker. pid is 0 when walking a core file (no /proc to read
// thread comms from).
func New(r memview.Reader, off *cpyoffsets.Table, renderer *pyrender.Renderer, pid int, withLocals bool, log diag.Logger) *Walker {
	return &Walker{r: r, off: off, renderer: renderer, pid: pid, withLocals: withLocals, log: log}
}

// Interpreters walks the runtime's interpreter list starting at head,
// following `next` links until null (spec §4.7's "Interpreter iteration").
// It returns addresses only and does not read the target's own id field;
// pkg/pystacktrace.Engine numbers each interpreter by its position in this
// list, so the main interpreter (the first) gets id 0 (spec §8.10).
func (w *Walker) Interpreters(head memview.Addr) ([]memview.Addr, error) {
	var out []memview.Addr
	addr := head
	for hops := 0; addr != 0 && hops < maxHops; hops++ {
		out = append(out, addr)
		next, err := memview.ReadPtr(w.r, addr.Add(int64(w.off.Field("PyInterpreterState", "next"))))
		if err != nil {
			return out, pyerr.Wrap(pyerr.InvalidPythonProcess, err, "walking interpreter list")
		}
		addr = next
	}
	return out, nil
}

// Threads walks one interpreter's tstate_head list (spec §4.7's "Thread
// iteration"), returning one PyThreadSnapshot per thread, ordered as observed.
func (w *Walker) Threads(interp memview.Addr, interpID int64, isMain bool, version [2]int, gilHolder memview.Addr) ([]*pystacktrace.PyThreadSnapshot, error) {
	tsHead, err := memview.ReadPtr(w.r, interp.Add(int64(w.off.Field("PyInterpreterState", "tstate_head"))))
	if err != nil {
		return nil, pyerr.Wrap(pyerr.InvalidPythonProcess, err, "reading tstate_head")
	}
	var out []*pystacktrace.PyThreadSnapshot
	addr := tsHead
	for hops := 0; addr != 0 && hops < maxHops; hops++ {
		snap, err := w.readThread(addr, interpID, isMain, version, gilHolder)
		if err != nil {
			return out, err
		}
		out = append(out, snap)
		next, err := memview.ReadPtr(w.r, addr.Add(int64(w.off.Field("PyThreadState", "next"))))
		if err != nil {
			return out, pyerr.Wrap(pyerr.InvalidPythonProcess, err, "walking thread list")
		}
		addr = next
	}
	return out, nil
}

func (w *Walker) readThread(addr memview.Addr, interpID int64, isMain bool, version [2]int, gilHolder memview.Addr) (*pystacktrace.PyThreadSnapshot, error) {
	tid, err := memview.ReadUint64(w.r, addr.Add(int64(w.off.Field("PyThreadState", "thread_id"))))
	if err != nil {
		return nil, pyerr.Wrap(pyerr.InvalidPythonProcess, err, "reading thread_id")
	}
	snap := &pystacktrace.PyThreadSnapshot{
		Tid:           int(tid),
		PythonVersion: version,
		InterpreterID: interpID,
		IsMainInterp:  isMain,
		HoldsTheGIL:   gilHolder != 0 && gilHolder == addr,
	}
	if w.pid != 0 {
		snap.Name = memview.ThreadComm(w.pid, int(tid))
	}
	if w.off.HasField("PyThreadState", "gc_collecting") {
		gc, err := memview.ReadUint32(w.r, addr.Add(int64(w.off.Field("PyThreadState", "gc_collecting"))))
		snap.IsGCCollecting = err == nil && gc == 1
	}

	topFrame, err := w.topFrame(addr)
	if err != nil {
		w.log.Debug("could not resolve top frame for thread", "tid", tid, "err", err)
		return snap, nil
	}
	frame, err := w.walkFrames(topFrame)
	if err != nil {
		return snap, nil
	}
	snap.Frame = frame
	return snap, nil
}

// topFrame resolves the thread's innermost frame pointer, which is
// indirect from 3.11 onward (via cframe->current_frame / current_frame).
func (w *Walker) topFrame(thread memview.Addr) (memview.Addr, error) {
	if !w.off.HasInlinedFrames {
		return memview.ReadPtr(w.r, thread.Add(int64(w.off.Field("PyThreadState", "frame"))))
	}
	if w.off.HasField("PyThreadState", "cframe") {
		cframe, err := memview.ReadPtr(w.r, thread.Add(int64(w.off.Field("PyThreadState", "cframe"))))
		if err != nil || cframe == 0 {
			return 0, err
		}
		return memview.ReadPtr(w.r, cframe.Add(int64(w.off.Field("PyCFrame", "current_frame"))))
	}
	return memview.ReadPtr(w.r, thread.Add(int64(w.off.Field("PyThreadState", "current_frame"))))
}

// walkFrames decodes the frame chain innermost-first, grounded on
// readGoroutine's per-frame loop: each PyFrame's Prev/Next are set up as it
// is linked so callers get a doubly-linked chain to walk either direction,
// mirroring the teacher's Frame.Parent chain for goroutine stacks.
func (w *Walker) walkFrames(top memview.Addr) (*pystacktrace.PyFrame, error) {
	var head, prev *pystacktrace.PyFrame
	addr := top
	for hops := 0; addr != 0 && hops < maxHops; hops++ {
		f, next, err := w.readFrame(addr)
		if err != nil {
			return head, err
		}
		if prev != nil {
			prev.Next = f
			f.Prev = prev
		} else {
			head = f
		}
		prev = f
		addr = next
	}
	return head, nil
}

func (w *Walker) readFrame(addr memview.Addr) (*pystacktrace.PyFrame, memview.Addr, error) {
	frameStruct, backField := "PyFrameObject", "f_back"
	if w.off.HasInlinedFrames {
		frameStruct, backField = "_PyInterpreterFrame", "previous"
	}
	code, err := memview.ReadPtr(w.r, addr.Add(int64(w.off.Field(frameStruct, "f_code"))))
	if err != nil || code == 0 {
		return nil, 0, pyerr.Wrap(pyerr.MemoryReadError, err, "reading frame code pointer")
	}
	pyCode, err := w.readCode(code)
	if err != nil {
		return nil, 0, err
	}
	pyCode.Location = w.decodeLocation(code, addr, frameStruct)

	f := &pystacktrace.PyFrame{Addr: addr, Code: pyCode, IsEntry: true}
	if w.off.HasInlinedFrames {
		owner, err := memview.ReadUint8(w.r, addr.Add(int64(w.off.Field(frameStruct, "owner"))))
		if err == nil {
			// owner==0 (FRAME_OWNED_BY_THREAD) is the only entry kind;
			// generator(1)/frame-object(2)/c-stack(3)/interpreter(4) frames
			// are inlined/non-entry, per §9's "3.11 frame refactor" note.
			f.IsEntry = owner == 0
		}
		if pyCode.Qualname == "<shim>" {
			f.IsShim = true
		}
	}

	if w.withLocals {
		w.readLocalsAndArgs(f, addr, code)
	}

	back, err := memview.ReadPtr(w.r, addr.Add(int64(w.off.Field(frameStruct, backField))))
	if err != nil {
		return f, 0, nil
	}
	return f, back, nil
}

func (w *Walker) readCode(code memview.Addr) (pystacktrace.PyCode, error) {
	var pc pystacktrace.PyCode
	filenamePtr, err := memview.ReadPtr(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_filename"))))
	if err != nil {
		return pc, pyerr.Wrap(pyerr.MemoryReadError, err, "reading co_filename")
	}
	pc.Filename = w.renderer.Render(filenamePtr)
	pc.Filename = unquote(pc.Filename)

	nameField := "co_name"
	if w.off.HasField("PyCodeObject", "co_qualname") {
		nameField = "co_qualname"
	}
	namePtr, err := memview.ReadPtr(w.r, code.Add(int64(w.off.Field("PyCodeObject", nameField))))
	if err == nil {
		pc.Qualname = unquote(w.renderer.Render(namePtr))
	}
	// Line decoding needs the frame's last-executed instruction offset, not
	// just the code object, so it happens in decodeLocation (linetable.go)
	// once the caller has both addresses.
	return pc, nil
}

// unquote strips a generic-object-rendering artifact: Render on a str
// object returns the Python repr-adjacent text already unescaped for
// printable strings, so this is a no-op placeholder kept for symmetry with
// pystack's normalized_value = repr(value)[1:-1] transform used on
// locals/arguments (see traceback_formatter.py); co_filename/co_name are
// rendered directly, not repr()'d, so nothing to strip in practice.
func unquote(s string) string { return s }

func (w *Walker) readLocalsAndArgs(f *pystacktrace.PyFrame, frameAddr, code memview.Addr) {
	localsPlus, ok := w.fastLocalsArray(frameAddr)
	if !ok {
		return
	}
	argCount, _ := memview.ReadUint32(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_argcount"))))
	kwOnly, _ := memview.ReadUint32(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_kwonlyargcount"))))
	nLocals, _ := memview.ReadUint32(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_nlocals"))))
	varnamesPtr, err := memview.ReadPtr(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_varnames"))))
	if err != nil {
		return
	}
	names := w.readVarnames(varnamesPtr, int(nLocals))

	nArgs := int(argCount + kwOnly)
	for i := 0; i < int(nLocals); i++ {
		slot, err := memview.ReadPtr(w.r, localsPlus.Add(int64(i*w.off.PtrSize)))
		if err != nil || slot == 0 {
			continue
		}
		name := ""
		if i < len(names) {
			name = names[i]
		}
		lv := pystacktrace.LocalVar{Name: name, Value: w.renderer.Render(slot), IsArgument: i < nArgs}
		if lv.IsArgument {
			f.Arguments = append(f.Arguments, lv)
		} else {
			f.Locals = append(f.Locals, lv)
		}
	}
}

// fastLocalsArray locates the frame's fast-locals array: immediately after
// the PyFrameObject header on <=3.10 (f_localsplus), or inlined into the
// _PyInterpreterFrame's trailing storage on 3.11+ (localsplus).
func (w *Walker) fastLocalsArray(frameAddr memview.Addr) (memview.Addr, bool) {
	if w.off.HasInlinedFrames {
		return frameAddr.Add(int64(w.off.Sizeof("_PyInterpreterFrame"))), true
	}
	return frameAddr.Add(int64(w.off.Sizeof("PyFrameObject"))), true
}

func (w *Walker) readVarnames(tuple memview.Addr, n int) []string {
	items, err := memview.ReadPtr(w.r, tuple.Add(int64(w.off.Field("PyTupleObject", "ob_item"))))
	if err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		strAddr, err := memview.ReadPtr(w.r, items.Add(int64(i*w.off.PtrSize)))
		if err != nil || strAddr == 0 {
			out = append(out, "")
			continue
		}
		out = append(out, w.renderer.Render(strAddr))
	}
	return out
}
