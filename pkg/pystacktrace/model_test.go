package pystacktrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFramesWalksInnermostFirst(t *testing.T) {
	outer := &PyFrame{Code: PyCode{Qualname: "first"}}
	middle := &PyFrame{Code: PyCode{Qualname: "second"}, Next: outer}
	inner := &PyFrame{Code: PyCode{Qualname: "third"}, Next: middle}

	snap := &PyThreadSnapshot{Frame: inner}
	frames := snap.Frames()

	want := []string{"third", "second", "first"}
	for i, f := range frames {
		assert.Equal(t, want[i], f.Code.Qualname)
	}
}

func TestGilStatus(t *testing.T) {
	holding := &PyThreadSnapshot{HoldsTheGIL: true}
	assert.Equal(t, "Has the GIL", holding.GilStatus())

	waiting := &PyThreadSnapshot{NativeFrames: []NativeFrame{{Symbol: "take_gil"}}}
	assert.Equal(t, "Waiting for the GIL", waiting.GilStatus())

	dropping := &PyThreadSnapshot{NativeFrames: []NativeFrame{{Symbol: "drop_gil"}}}
	assert.Equal(t, "Dropping the GIL", dropping.GilStatus())

	neither := &PyThreadSnapshot{}
	assert.Equal(t, "", neither.GilStatus())
}

func TestGCStatus(t *testing.T) {
	collecting := &PyThreadSnapshot{NativeFrames: []NativeFrame{{Symbol: "gc_collect_main"}}}
	assert.Equal(t, "Garbage collecting", collecting.GCStatus())

	noNativeButHoldsGIL := &PyThreadSnapshot{IsGCCollecting: true, HoldsTheGIL: true}
	assert.Equal(t, "Garbage collecting", noNativeButHoldsGIL.GCStatus())

	noNativeNoGIL := &PyThreadSnapshot{IsGCCollecting: true, HoldsTheGIL: false}
	assert.Equal(t, "", noNativeNoGIL.GCStatus())

	// Native frames present but none resolve to a recognizable collector
	// symbol (the unwinder legitimately emits "???" for some frames) must
	// still fall through to the gc_collecting+GIL signal rather than give up.
	unresolvedNativeButCollecting := &PyThreadSnapshot{
		NativeFrames:   []NativeFrame{{Symbol: "???"}, {Symbol: "_PyEval_EvalFrameDefault"}},
		IsGCCollecting: true,
		HoldsTheGIL:    true,
	}
	assert.Equal(t, "Garbage collecting", unresolvedNativeButCollecting.GCStatus())
}

func TestStatusCombinesTokens(t *testing.T) {
	snap := &PyThreadSnapshot{Tid: 0}
	assert.Equal(t, "[Thread terminated]", snap.Status())

	snap2 := &PyThreadSnapshot{Tid: 42, HoldsTheGIL: true, IsGCCollecting: true}
	assert.Equal(t, "[Has the GIL,Garbage collecting]", snap2.Status())
}
