// Package pystacktrace is the public facade over the introspection engine:
// it wires Memory Reader, Map Resolver, ELF/DWARF Oracle, Runtime Locator,
// Version Detector, Structure Walker, Object Renderer, Native Unwinder and
// Stack Correlator into the single operation spec §6.5 exposes — producing
// a sequence of PyThreadSnapshot — analogous to how
// golang.org/x/debug/internal/gocore.Process is the public entry point
// cmd/viewcore builds on.
package pystacktrace

import "github.com/bloomberg/pystacktrace/internal/memview"

// LocationInfo is one frame's source position (spec §3).
type LocationInfo struct {
	StartLine, EndLine int
	StartCol, EndCol   int
}

// PyCode is an immutable, decoded code object (spec §3).
type PyCode struct {
	Filename string
	Qualname string
	Location LocationInfo
}

// LocalVar is one rendered local variable or argument slot.
type LocalVar struct {
	Name       string
	Value      string
	IsArgument bool
}

// PyFrame is one logical Python stack frame (spec §3).
type PyFrame struct {
	Addr        memview.Addr
	Code        PyCode
	Arguments   []LocalVar
	Locals      []LocalVar
	IsEntry     bool
	IsShim      bool
	Prev, Next  *PyFrame
}

// NativeFrameType classifies a NativeFrame for the Stack Correlator (§4.10).
type NativeFrameType int

const (
	FrameIgnore NativeFrameType = iota
	FrameEval
	FrameOther
)

// NativeFrame is one resolved native (C) stack frame (spec §3).
type NativeFrame struct {
	Address memview.Addr
	Symbol  string
	Path    string
	Line    int
	Column  int
	Library string
}

// PyThreadSnapshot is the engine's top-level public result (spec §3, §6.5).
type PyThreadSnapshot struct {
	Tid             int
	Name            string
	PythonVersion   [2]int
	InterpreterID   int64
	IsMainInterp    bool
	Frame           *PyFrame // innermost frame, or nil
	NativeFrames    []NativeFrame
	HoldsTheGIL     bool
	IsGCCollecting  bool
}

// Frames iterates the logical frame chain innermost-first.
func (s *PyThreadSnapshot) Frames() []*PyFrame {
	var out []*PyFrame
	for f := s.Frame; f != nil; f = f.Next {
		out = append(out, f)
	}
	return out
}

// Status mirrors pystack's PyThread.status property: a bracketed list of
// terminated/GIL/GC annotations.
func (s *PyThreadSnapshot) Status() string {
	var parts []string
	if s.Tid == 0 {
		parts = append(parts, "Thread terminated")
	}
	if gs := s.GilStatus(); gs != "" {
		parts = append(parts, gs)
	}
	if gc := s.GCStatus(); gc != "" {
		parts = append(parts, gc)
	}
	out := "["
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out + "]"
}

func (s *PyThreadSnapshot) GilStatus() string {
	if s.HoldsTheGIL {
		return "Has the GIL"
	}
	for _, f := range s.NativeFrames {
		if f.Symbol == "take_gil" {
			return "Waiting for the GIL"
		}
	}
	for _, f := range s.NativeFrames {
		if f.Symbol == "drop_gil" {
			return "Dropping the GIL"
		}
	}
	return ""
}

func (s *PyThreadSnapshot) GCStatus() string {
	for _, f := range s.NativeFrames {
		if contains(f.Symbol, "gc_collect") || contains(f.Symbol, "collect.constprop") {
			return "Garbage collecting"
		}
	}
	if s.IsGCCollecting && s.HoldsTheGIL {
		return "Garbage collecting"
	}
	return ""
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
