package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

func frameChain(entries ...bool) *pystacktrace.PyFrame {
	var head, prev *pystacktrace.PyFrame
	for _, isEntry := range entries {
		f := &pystacktrace.PyFrame{IsEntry: isEntry}
		if head == nil {
			head = f
		} else {
			prev.Next = f
		}
		prev = f
	}
	return head
}

func TestFrameTypeClassification(t *testing.T) {
	v310 := [2]int{3, 10}
	v38 := [2]int{3, 8}

	assert.Equal(t, pystacktrace.FrameEval, FrameType(pystacktrace.NativeFrame{Symbol: "_PyEval_EvalFrameDefault"}, v310))
	assert.Equal(t, pystacktrace.FrameIgnore, FrameType(pystacktrace.NativeFrame{Symbol: "_PyObject_MakeTpCall"}, v310))
	assert.Equal(t, pystacktrace.FrameIgnore, FrameType(pystacktrace.NativeFrame{Symbol: "PyObject_Call"}, v310))
	assert.Equal(t, pystacktrace.FrameIgnore, FrameType(pystacktrace.NativeFrame{Symbol: "method_vectorcall_FASTCALL"}, v38))
	assert.Equal(t, pystacktrace.FrameOther, FrameType(pystacktrace.NativeFrame{Symbol: "my_extension_func"}, v310))
}

func TestFrameTypeEvalSymbolByVersion(t *testing.T) {
	v27 := [2]int{2, 7}
	assert.Equal(t, pystacktrace.FrameEval, FrameType(pystacktrace.NativeFrame{Symbol: "PyEval_EvalFrameEx"}, v27))
}

func TestMergeableCountsMustMatch(t *testing.T) {
	snap := &pystacktrace.PyThreadSnapshot{
		PythonVersion: [2]int{3, 11},
		Frame:         frameChain(true, false, true),
		NativeFrames: []pystacktrace.NativeFrame{
			{Symbol: "_PyEval_EvalFrameDefault"},
			{Symbol: "_PyEval_EvalFrameDefault"},
		},
	}
	assert.True(t, Mergeable(snap))

	snap.NativeFrames = snap.NativeFrames[:1]
	assert.False(t, Mergeable(snap))
}

func TestMergeInterleavesEvalAndInlinedFrames(t *testing.T) {
	entry1, entry2 := &pystacktrace.PyFrame{IsEntry: true}, &pystacktrace.PyFrame{IsEntry: true}
	inlined := &pystacktrace.PyFrame{IsEntry: false}
	entry1.Next = inlined
	inlined.Next = entry2

	snap := &pystacktrace.PyThreadSnapshot{
		PythonVersion: [2]int{3, 11},
		Frame:         entry1,
		NativeFrames: []pystacktrace.NativeFrame{
			{Symbol: "take_gil"},                  // OTHER: not on the ignore list
			{Symbol: "_PyEval_EvalFrameDefault"},   // EVAL: consumes entry1 + inlined
			{Symbol: "_PyEval_EvalFrameDefault"},   // EVAL: consumes entry2
		},
	}
	lines := Merge(snap, false)

	require.Len(t, lines, 4)
	assert.Equal(t, "take_gil", lines[0].NativeFrame.Symbol)
	assert.Same(t, entry1, lines[1].PyFrame)
	assert.Same(t, inlined, lines[2].PyFrame)
	assert.Same(t, entry2, lines[3].PyFrame)
}

func TestMergeDefersOtherFramesToTailWhenRequested(t *testing.T) {
	entry1, entry2 := &pystacktrace.PyFrame{IsEntry: true}, &pystacktrace.PyFrame{IsEntry: true}
	entry1.Next = entry2

	snap := &pystacktrace.PyThreadSnapshot{
		PythonVersion: [2]int{3, 11},
		Frame:         entry1,
		NativeFrames: []pystacktrace.NativeFrame{
			{Symbol: "take_gil"},                // OTHER, deferred
			{Symbol: "_PyEval_EvalFrameDefault"}, // EVAL: consumes entry1
			{Symbol: "my_extension_func"},        // OTHER, deferred
			{Symbol: "_PyEval_EvalFrameDefault"}, // EVAL: consumes entry2
		},
	}
	lines := Merge(snap, true)

	require.Len(t, lines, 4)
	assert.Same(t, entry1, lines[0].PyFrame)
	assert.Same(t, entry2, lines[1].PyFrame)
	assert.Equal(t, "take_gil", lines[2].NativeFrame.Symbol)
	assert.Equal(t, "my_extension_func", lines[3].NativeFrame.Symbol)
}

func TestMergeEmitsDiagnosticWhenUnmergeable(t *testing.T) {
	snap := &pystacktrace.PyThreadSnapshot{
		PythonVersion: [2]int{3, 11},
		Frame:         frameChain(true),
		NativeFrames:  nil, // zero EVAL frames, one entry frame: mismatch
	}
	lines := Merge(snap, false)
	require.Len(t, lines, 1)
	assert.NotEmpty(t, lines[0].Diagnostic)
}
