// Package pyrender is the Object Renderer: bounded, cycle-safe rendering of
// a target-side PyObject address to a short printable string. Grounded on
// golang.org/x/debug/internal/gocore's object.go (typeObject's per-Kind
// dispatch and the cycle-safe graph-walk idiom), generalized from Go's
// static DWARF Kind dispatch to CPython's dynamic ob_type-driven dispatch.
package pyrender

import (
	"fmt"
	"math"
	"strconv"

	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/memview"
)

const (
	maxDepth = 4
	maxLen   = 80
)

// Renderer renders PyObject addresses against a fixed Reader/Table pair.
type Renderer struct {
	r       memview.Reader
	off     *cpyoffsets.Table
	typeTab *TypeNames // resolves well-known type addresses to a Python type kind
}

// TypeNames carries the target addresses of the built-in type objects
// (PyLong_Type, PyUnicode_Type, ...) so Render can classify ob_type by
// pointer identity instead of string-comparing tp_name.
type TypeNames struct {
	NoneType, BoolType, LongType, FloatType          memview.Addr
	UnicodeType, BytesType, ListType, TupleType, DictType memview.Addr
}

func New(r memview.Reader, off *cpyoffsets.Table, tt *TypeNames) *Renderer {
	return &Renderer{r: r, off: off, typeTab: tt}
}

// Render implements §4.8's contract exactly: hard 80-char limit, hard
// depth-4 limit, cycle-safe, never propagates a read error — every failure
// degrades to a placeholder string.
func (rd *Renderer) Render(addr memview.Addr) string {
	visited := map[memview.Addr]bool{}
	s := rd.render(addr, 0, visited)
	return truncate(s, maxLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (rd *Renderer) render(addr memview.Addr, depth int, visited map[memview.Addr]bool) string {
	if addr == 0 {
		return "None"
	}
	if depth >= maxDepth {
		return "..."
	}
	if visited[addr] {
		return "..."
	}
	visited[addr] = true
	defer delete(visited, addr)

	typ, err := memview.ReadPtr(rd.r, addr.Add(int64(rd.off.Field("PyObject", "ob_type"))))
	if err != nil {
		return fmt.Sprintf("<invalid object at %s>", addr)
	}

	switch typ {
	case rd.typeTab.NoneType:
		return "None"
	case rd.typeTab.BoolType:
		return rd.renderBool(addr)
	case rd.typeTab.LongType:
		return rd.renderLong(addr)
	case rd.typeTab.FloatType:
		return rd.renderFloat(addr)
	case rd.typeTab.UnicodeType:
		return rd.renderUnicode(addr)
	case rd.typeTab.BytesType:
		return rd.renderBytes(addr)
	case rd.typeTab.ListType:
		return rd.renderSequence(addr, depth, visited, "[", "]", "PyListObject")
	case rd.typeTab.TupleType:
		return rd.renderSequence(addr, depth, visited, "(", ")", "PyTupleObject")
	case rd.typeTab.DictType:
		return rd.renderDict(addr, depth, visited)
	default:
		return rd.renderGeneric(typ, addr)
	}
}

func (rd *Renderer) renderBool(addr memview.Addr) string {
	v, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyVarObject", "ob_size"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	if v != 0 {
		return "True"
	}
	return "False"
}

func (rd *Renderer) renderLong(addr memview.Addr) string {
	// ob_size encodes sign and digit count (CPython's PyLongObject: negative
	// size means a negative number, |size| is the digit count, base 2**30).
	sizeRaw, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyVarObject", "ob_size"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	size := int64(sizeRaw)
	neg := size < 0
	if size < 0 {
		size = -size
	}
	if size == 0 {
		return "0"
	}
	if size > 4 { // more than ~120 bits: rendering exactly would blow the length budget
		return "<UNRESOLVED BIG INT>"
	}
	digitsOff := addr.Add(int64(rd.off.Field("PyLongObject", "ob_digit")))
	var value uint64
	shift := uint(0)
	for i := int64(0); i < size; i++ {
		d, err := memview.ReadUint32(rd.r, digitsOff.Add(i*4))
		if err != nil {
			return "<UNRESOLVED BIG INT>"
		}
		digit := uint64(d & 0x3fffffff)
		if digit != 0 && (shift >= 64 || digit>>(64-shift) != 0) {
			return "<UNRESOLVED BIG INT>" // does not fit the 64-bit accumulator
		}
		value |= digit << shift
		shift += 30
	}
	if neg {
		return "-" + strconv.FormatUint(value, 10)
	}
	return strconv.FormatUint(value, 10)
}

func (rd *Renderer) renderFloat(addr memview.Addr) string {
	bits, err := memview.ReadUint64(rd.r, addr.Add(16)) // ob_fval follows the PyObject head
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64)
}

func (rd *Renderer) renderUnicode(addr memview.Addr) string {
	length, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyUnicodeObject", "length"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	state, _ := memview.ReadUint32(rd.r, addr.Add(int64(rd.off.Field("PyUnicodeObject", "state"))))
	kind := (state >> 2) & 0x7
	dataPtr, err := memview.ReadPtr(rd.r, addr.Add(int64(rd.off.Field("PyUnicodeObject", "data"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	n := int(length)
	if n*int(kindWidth(kind)) > maxLen*4 {
		n = maxLen * 4 / int(kindWidth(kind))
	}
	raw, err := memview.ReadBytes(rd.r, dataPtr, n*int(kindWidth(kind)))
	if err != nil {
		return "<BINARY>"
	}
	return decodeUnicode(raw, kind)
}

func kindWidth(kind uint32) uint32 {
	switch kind {
	case 1:
		return 1
	case 2:
		return 2
	default:
		return 4
	}
}

func decodeUnicode(raw []byte, kind uint32) string {
	var runes []rune
	w := int(kindWidth(kind))
	for i := 0; i+w <= len(raw); i += w {
		var cp uint32
		for j := 0; j < w; j++ {
			cp |= uint32(raw[i+j]) << (8 * j)
		}
		if cp == 0 && w == 4 {
			break
		}
		runes = append(runes, rune(cp))
	}
	for _, r := range runes {
		if r < 0x20 && r != '\t' {
			return "<BINARY>"
		}
	}
	return string(runes)
}

func (rd *Renderer) renderBytes(addr memview.Addr) string {
	size, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyVarObject", "ob_size"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	n := int(size)
	if n > maxLen {
		n = maxLen
	}
	raw, err := memview.ReadBytes(rd.r, addr.Add(int64(rd.off.Field("PyBytesObject", "ob_sval"))), n)
	if err != nil {
		return "<BINARY>"
	}
	for _, b := range raw {
		if b < 0x20 && b != '\t' {
			return "<BINARY>"
		}
	}
	return "b'" + string(raw) + "'"
}

func (rd *Renderer) renderSequence(addr memview.Addr, depth int, visited map[memview.Addr]bool, open, close, structName string) string {
	size, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyVarObject", "ob_size"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	itemsPtr, err := memview.ReadPtr(rd.r, addr.Add(int64(rd.off.Field(structName, "ob_item"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	out := open
	for i := uint64(0); i < size; i++ {
		if i > 0 {
			out += ", "
		}
		elemAddr, err := memview.ReadPtr(rd.r, itemsPtr.Add(int64(i)*int64(rd.off.PtrSize)))
		if err != nil {
			out += "<invalid object at " + addr.String() + ">"
			continue
		}
		out += rd.render(elemAddr, depth+1, visited)
		if len(out) > maxLen {
			return truncate(out, maxLen)
		}
	}
	return out + close
}

// maxDictEntries bounds how many key/value pairs renderDict walks, the same
// defensive-budget idiom maxLnotabBytes applies to the line-table walk.
const maxDictEntries = 8

// renderDict decodes a dict's keys table directly, handling both storage
// layouts CPython uses (Objects/dictobject.c): combined tables keep
// {hash,key,value} triples inline in the keys object; split tables (used
// for most instance __dict__s, sharing a keys table across instances of the
// same shape) keep only {hash,key} in the keys object and store each
// instance's values in the separate ma_values pointer array. dk_size's
// magnitude determines the indices array's element width, which is what
// separates the indices from the entries array that follows it.
func (rd *Renderer) renderDict(addr memview.Addr, depth int, visited map[memview.Addr]bool) string {
	used, err := memview.ReadUint64(rd.r, addr.Add(int64(rd.off.Field("PyDictObject", "ma_used"))))
	if err != nil {
		return "<invalid object at " + addr.String() + ">"
	}
	keysAddr, err := memview.ReadPtr(rd.r, addr.Add(int64(rd.off.Field("PyDictObject", "ma_keys"))))
	if err != nil || keysAddr == 0 {
		return fmt.Sprintf("{<%d entries>}", used)
	}
	valuesAddr, _ := memview.ReadPtr(rd.r, addr.Add(int64(rd.off.Field("PyDictObject", "ma_values"))))
	split := valuesAddr != 0

	dkSize, err := memview.ReadUint64(rd.r, keysAddr.Add(int64(rd.off.Field("PyDictKeysObject", "dk_size"))))
	if err != nil {
		return fmt.Sprintf("{<%d entries>}", used)
	}
	nentries, err := memview.ReadUint64(rd.r, keysAddr.Add(int64(rd.off.Field("PyDictKeysObject", "dk_nentries"))))
	if err != nil {
		return fmt.Sprintf("{<%d entries>}", used)
	}

	entriesBase := keysAddr.
		Add(int64(rd.off.Sizeof("PyDictKeysObject"))).
		Add(int64(dkSize) * dictIndexWidth(dkSize))
	entrySize := int64(24) // combined entry: {hash, key, value}
	if split {
		entrySize = 16 // split entry: {hash, key}; value lives in ma_values[i]
	}

	out := "{"
	shown := uint64(0)
	for i := uint64(0); i < nentries && shown < maxDictEntries; i++ {
		entryAddr := entriesBase.Add(int64(i) * entrySize)
		keyAddr, err := memview.ReadPtr(rd.r, entryAddr.Add(8))
		if err != nil || keyAddr == 0 {
			continue // empty slot, or a DUMMY marker left by a deleted combined-table key
		}
		var valAddr memview.Addr
		if split {
			valAddr, err = memview.ReadPtr(rd.r, valuesAddr.Add(int64(i)*int64(rd.off.PtrSize)))
		} else {
			valAddr, err = memview.ReadPtr(rd.r, entryAddr.Add(16))
		}
		if err != nil || valAddr == 0 {
			continue // NULL value marks a deleted split-table slot
		}
		if shown > 0 {
			out += ", "
		}
		out += rd.render(keyAddr, depth+1, visited) + ": " + rd.render(valAddr, depth+1, visited)
		shown++
		if len(out) > maxLen {
			return truncate(out, maxLen)
		}
	}
	if shown < used {
		out += fmt.Sprintf(", <%d more>", used-shown)
	}
	return out + "}"
}

// dictIndexWidth returns the byte width of dk_indices' elements, which
// CPython sizes to the smallest type that can index dk_size slots.
func dictIndexWidth(dkSize uint64) int64 {
	switch {
	case dkSize <= 0xff:
		return 1
	case dkSize <= 0xffff:
		return 2
	case dkSize <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

func (rd *Renderer) renderGeneric(typ, addr memview.Addr) string {
	namePtr, err := memview.ReadPtr(rd.r, typ.Add(int64(rd.off.Field("PyTypeObject", "tp_name"))))
	if err != nil || namePtr == 0 {
		return "<???>"
	}
	name, err := memview.ReadCString(rd.r, namePtr, 256)
	if err != nil || name == "" {
		return "<???>"
	}
	return fmt.Sprintf("<%s at %s>", name, addr)
}
