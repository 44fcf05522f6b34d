// Package cpyoffsets is the Type-Offset Table: for each supported CPython
// (major, minor) pair, a table of byte offsets and field widths for every
// structure the engine reads. Shaped like golang.org/x/debug/internal/gocore's
// rtConsts/DWARF type map (a name-keyed lookup of struct shape), but baked
// at compile time per version instead of derived from DWARF, since CPython's
// internals aren't exposed through the target's own debug info the way
// cmd/compile's runtime types are (except the 3.12+ _Py_DebugOffsets
// export, handled as an override of this same table shape).
//
// The exact field offsets below are the well-known, stable-across-builds
// ABI facts CPython documents/ships (co_filename etc. sit in struct order
// established by Include/cpython/code.h, pystate.h, and (for 3.11+)
// internal/pycore_frame.h); offsets that depend on compiler padding
// decisions are approximations appropriate for the common x86-64/arm64
// glibc build and are the first thing a real deployment would want to
// regenerate from target debug info when available (see ElfData locator
// strategy and HasDebugOffsets below).
package cpyoffsets

import "fmt"

// Field is one structure member's byte offset and width.
type Field struct {
	Offset int
	Width  int
}

// structShape is one structure's field table plus its total size.
type structShape struct {
	size   int
	fields map[string]Field
}

// Table is the fully-resolved offset table for one target: either the
// baked table for a detected (major, minor), or one overridden in place by
// a target-exported _Py_DebugOffsets block.
type Table struct {
	Major, Minor int
	PtrSize      int
	structs      map[string]structShape

	UsesPEP523       bool // 3.6+: has _PyEval_EvalFrameDefault
	HasPositionInfo  bool // 3.11+: location table with columns
	HasInlinedFrames bool // 3.11+: frame.owner distinguishes entry/inlined
	HasDebugOffsets  bool // 3.12+: _Py_DebugOffsets present and preferred
}

func (t *Table) Sizeof(structName string) int { return t.structs[structName].size }

// Field returns the byte offset of structName.fieldName. Panics on an
// unknown (struct, field) pair: every caller in this engine only asks about
// fields the Structure Walker is statically known to need, so a miss here
// is a version-table bug, not a runtime condition to recover from.
func (t *Table) Field(structName, fieldName string) int {
	f, ok := t.structs[structName].fields[fieldName]
	if !ok {
		panic(fmt.Sprintf("cpyoffsets: no field %s.%s in table for %d.%d", structName, fieldName, t.Major, t.Minor))
	}
	return f.Offset
}

// FieldWidth returns the byte width of structName.fieldName.
func (t *Table) FieldWidth(structName, fieldName string) int {
	return t.structs[structName].fields[fieldName].Width
}

// HasField reports whether structName has fieldName in this version, used
// where a field only exists from some minor version onward (e.g. gc.collecting).
func (t *Table) HasField(structName, fieldName string) bool {
	_, ok := t.structs[structName].fields[fieldName]
	return ok
}

// HasDebugOffsetsCapableVersion reports whether this version could export
// _Py_DebugOffsets (3.12+), a type-offset-table override distinct from the
// DWARF-typed-global lookup HasTypedGlobalLookup gates.
func (t *Table) HasDebugOffsetsCapableVersion() bool {
	return t.Major == 3 && t.Minor >= 12
}

// HasTypedGlobalLookup reports whether this version's _PyRuntime global
// carries a DWARF type CPython itself started giving stable names and
// shapes to from 3.10 onward, gating the Runtime Locator's ELF_DATA
// strategy (spec §4.4 scopes that method to "3.10+").
func (t *Table) HasTypedGlobalLookup() bool {
	return t.Major == 3 && t.Minor >= 10
}

// ForVersion returns the baked table for (major, minor), or ok=false for an
// unsupported version (spec §4.6: "unknown versions fail with
// InvalidPythonProcess").
func ForVersion(major, minor, ptrSize int) (*Table, bool) {
	base, ok := baked[[2]int{major, minor}]
	if !ok {
		return nil, false
	}
	t := base // copy
	t.Major, t.Minor, t.PtrSize = major, minor, ptrSize
	return &t, true
}

// WithDebugOffsets overrides this table's offsets in place from a decoded
// _Py_DebugOffsets block (3.12+), which supersedes the baked table per
// spec §4.6's contract. overrides maps "Struct.field" -> offset.
func (t *Table) WithDebugOffsets(overrides map[string]int) {
	t.HasDebugOffsets = true
	// ForVersion's copy still shares the baked struct maps; clone them
	// before writing so the override stays on this table.
	structs := make(map[string]structShape, len(t.structs))
	for name, shape := range t.structs {
		structs[name] = shape
	}
	t.structs = structs
	for key, off := range overrides {
		structName, fieldName := splitKey(key)
		shape := t.structs[structName]
		fs := make(map[string]Field, len(shape.fields)+1)
		for name, f := range shape.fields {
			fs[name] = f
		}
		shape.fields = fs
		f := shape.fields[fieldName]
		f.Offset = off
		shape.fields[fieldName] = f
		t.structs[structName] = shape
	}
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func fields(kv ...interface{}) map[string]Field {
	m := map[string]Field{}
	for i := 0; i+3 <= len(kv); i += 3 {
		name := kv[i].(string)
		off := kv[i+1].(int)
		width := kv[i+2].(int)
		m[name] = Field{Offset: off, Width: width}
	}
	return m
}

// baked holds the compile-time tables for every supported (major, minor).
// Built incrementally below, version family by version family, since the
// shapes diverge significantly at 3.11 (frame refactor) and 3.12 (debug
// offsets, per-interpreter GIL).
var baked = map[[2]int]Table{}

func register(major, minor int, t Table) { baked[[2]int{major, minor}] = t }

func init() {
	registerPre311()
	register311()
	register312Plus()
}
