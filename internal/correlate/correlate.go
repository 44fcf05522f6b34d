// Package correlate is the Stack Correlator: merges the Python frame list
// with the DWARF-unwound native list by pairing evaluation-loop native
// frames with Python entry frames. Grounded directly on bloomberg/pystack's
// src/pystack/traceback_formatter.py (_are_the_stacks_mergeable,
// _format_merged_stacks), restated in Go rather than translated: the
// teacher has no analogue of this component (a Go binary's native and
// logical stacks are the same stack), so this is new code following the
// original's exact algorithm.
package correlate

import (
	"strings"

	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// evalSymbol returns the canonical eval-loop symbol name for a version, per
// the GLOSSARY's "Eval frame (native)" entry.
func evalSymbol(version [2]int) string {
	if version[0] < 3 || (version[0] == 3 && version[1] < 6) {
		return "PyEval_EvalFrameEx"
	}
	return "_PyEval_EvalFrameDefault"
}

// ignoreList is the fixed set of symbol prefixes from spec §4.10.
var ignoreList = []string{
	"PyObject_Call", "call_function", "classmethoddescr_call", "cmpwrapper_call",
	"fast_function", "function_call", "instance_call", "instancemethod_call",
	"methoddescr_call", "proxy_call", "slot_tp_call", "type_call", "weakref_call",
	"wrap_call", "wrapper_call", "wrapperdescr_call", "do_call_core",
}

// FrameType classifies one native frame relative to a detected Python
// version, implementing §4.10 step 1 exactly (frame_type in types.py).
func FrameType(f pystacktrace.NativeFrame, version [2]int) pystacktrace.NativeFrameType {
	sym := f.Symbol
	if strings.Contains(sym, evalSymbol(version)) {
		return pystacktrace.FrameEval
	}
	if strings.HasPrefix(sym, "PyEval") || strings.HasPrefix(sym, "_PyEval") {
		return pystacktrace.FrameIgnore
	}
	if strings.HasPrefix(sym, "_Py") {
		return pystacktrace.FrameIgnore
	}
	if (version[0] > 3 || (version[0] == 3 && version[1] >= 8)) && strings.Contains(strings.ToLower(sym), "vectorcall") {
		return pystacktrace.FrameIgnore
	}
	for _, ig := range ignoreList {
		if strings.HasPrefix(sym, ig) {
			return pystacktrace.FrameIgnore
		}
	}
	return pystacktrace.FrameOther
}

// Mergeable implements _are_the_stacks_mergeable: the native eval-frame
// count must equal the Python entry-frame count.
func Mergeable(snap *pystacktrace.PyThreadSnapshot) bool {
	nEval := 0
	for _, f := range snap.NativeFrames {
		if FrameType(f, snap.PythonVersion) == pystacktrace.FrameEval {
			nEval++
		}
	}
	nEntry := 0
	for f := snap.Frame; f != nil; f = f.Next {
		if f.IsEntry {
			nEntry++
		}
	}
	return nEval == nEntry
}

// Line is one formatted output line: either a Python frame reference or a
// rendered native ("OTHER") frame.
type Line struct {
	PyFrame     *pystacktrace.PyFrame
	NativeFrame *pystacktrace.NativeFrame
	Diagnostic  string // non-empty for the "unable to merge" marker line
}

// Merge implements _format_merged_stacks: iterate native frames in order;
// IGNORE skips, EVAL consumes the next entry Python frame plus its
// following non-entry (inlined) frames, OTHER emits a native line. When
// deferOther is set (§4.10's native "last" mode), OTHER lines are held back
// and appended after every Python/eval line instead of interleaved in
// unwind order; their relative order among themselves is preserved.
func Merge(snap *pystacktrace.PyThreadSnapshot, deferOther bool) []Line {
	if !Mergeable(snap) {
		return []Line{{Diagnostic: "Unable to merge native stack due to insufficient native information"}}
	}
	var lines, deferred []Line
	current := snap.Frame
	for i := range snap.NativeFrames {
		nf := snap.NativeFrames[i]
		switch FrameType(nf, snap.PythonVersion) {
		case pystacktrace.FrameIgnore:
			continue
		case pystacktrace.FrameEval:
			if current == nil {
				continue
			}
			lines = append(lines, Line{PyFrame: current})
			current = current.Next
			for current != nil && !current.IsEntry {
				lines = append(lines, Line{PyFrame: current})
				current = current.Next
			}
		case pystacktrace.FrameOther:
			nfCopy := nf
			line := Line{NativeFrame: &nfCopy}
			if deferOther {
				deferred = append(deferred, line)
			} else {
				lines = append(lines, line)
			}
		}
	}
	return append(lines, deferred...)
}
