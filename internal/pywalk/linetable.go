package pywalk

import (
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// maxLnotabBytes bounds the line-table walk the same way maxHops bounds
// linked-list walks: a torn or misread pointer shouldn't turn into an
// unbounded scan.
const maxLnotabBytes = 8192

// decodeLocation resolves a frame's current source position from its code
// object's line table. On <=3.10 this walks co_lnotab exactly, per the
// addr/line delta encoding documented in CPython's Objects/lnotab_notes.txt.
// On 3.11+, it walks co_linetable's PEP 626 location table the way
// CPython's own PyCode_Addr2Location does, keyed off the frame's prev_instr.
func (w *Walker) decodeLocation(code, frameAddr memview.Addr, frameStruct string) pystacktrace.LocationInfo {
	firstline, _ := memview.ReadUint32(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_firstlineno"))))
	loc := pystacktrace.LocationInfo{StartLine: int(firstline), EndLine: int(firstline)}

	if w.off.HasInlinedFrames {
		return w.decodeLocation311(code, frameAddr, frameStruct, loc)
	}

	lasti, err := memview.ReadUint32(w.r, frameAddr.Add(int64(w.off.Field(frameStruct, "f_lasti"))))
	if err != nil {
		return loc
	}
	tablePtr, err := memview.ReadPtr(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_lnotab"))))
	if err != nil || tablePtr == 0 {
		return loc
	}
	size, err := memview.ReadUint64(w.r, tablePtr.Add(int64(w.off.Field("PyVarObject", "ob_size"))))
	if err != nil || size == 0 {
		return loc
	}
	if size > maxLnotabBytes {
		size = maxLnotabBytes
	}
	raw, err := memview.ReadBytes(w.r, tablePtr.Add(int64(w.off.Field("PyBytesObject", "ob_sval"))), int(size))
	if err != nil {
		return loc
	}

	addr := uint32(0)
	line := int(firstline)
	for i := 0; i+1 < len(raw); i += 2 {
		addrIncr := uint32(raw[i])
		if addr+addrIncr > lasti {
			break
		}
		addr += addrIncr
		lineIncr := int8(raw[i+1])
		if lineIncr != -128 { // -128 marks "no line number" in 3.10's lnotab variant
			line += int(lineIncr)
		}
	}
	loc.StartLine, loc.EndLine = line, line
	return loc
}

// decodeLocation311 implements the 3.11+ path: prev_instr addresses a
// bytecode instruction inlined directly after the PyCodeObject struct
// (co_code_adaptive), one instruction every 2 bytes; co_linetable then maps
// that instruction index to a (start line, end line, start col, end col)
// via PEP 626's variable-length entry format.
func (w *Walker) decodeLocation311(code, frameAddr memview.Addr, frameStruct string, fallback pystacktrace.LocationInfo) pystacktrace.LocationInfo {
	prevInstr, err := memview.ReadPtr(w.r, frameAddr.Add(int64(w.off.Field("_PyInterpreterFrame", "prev_instr"))))
	if err != nil || prevInstr == 0 {
		return fallback
	}
	codeBase := code.Add(int64(w.off.Sizeof("PyCodeObject")))
	if prevInstr < codeBase {
		return fallback
	}
	targetUnit := int(prevInstr-codeBase) / 2 // instructions are 2-byte code units

	tablePtr, err := memview.ReadPtr(w.r, code.Add(int64(w.off.Field("PyCodeObject", "co_linetable"))))
	if err != nil || tablePtr == 0 {
		return fallback
	}
	size, err := memview.ReadUint64(w.r, tablePtr.Add(int64(w.off.Field("PyVarObject", "ob_size"))))
	if err != nil || size == 0 {
		return fallback
	}
	if size > maxLnotabBytes {
		size = maxLnotabBytes
	}
	raw, err := memview.ReadBytes(w.r, tablePtr.Add(int64(w.off.Field("PyBytesObject", "ob_sval"))), int(size))
	if err != nil {
		return fallback
	}

	loc, ok := decodePEP626(raw, targetUnit, int(fallback.StartLine))
	if !ok {
		return fallback
	}
	return loc
}

// decodePEP626 walks a co_linetable byte stream (PEP 626's location table)
// entry by entry, each covering a run of code units starting at unit,
// stopping once targetUnit falls inside the current entry's span. line is
// the running absolute line number, seeded with co_firstlineno.
func decodePEP626(raw []byte, targetUnit, line int) (pystacktrace.LocationInfo, bool) {
	i, unit := 0, 0
	for i < len(raw) {
		b := raw[i]
		if b&0x80 == 0 {
			return pystacktrace.LocationInfo{}, false // malformed: first byte of an entry must have the continuation bit set
		}
		code := (b >> 3) & 0xf
		length := int(b&7) + 1
		i++

		var loc pystacktrace.LocationInfo
		var ok bool
		switch {
		case code <= 9: // short form: one byte packs a column pair, line unchanged
			if i >= len(raw) {
				return pystacktrace.LocationInfo{}, false
			}
			col := raw[i]
			i++
			startCol := int(code)*8 + int(col>>4)
			endCol := startCol + int(col&0xf)
			loc = pystacktrace.LocationInfo{StartLine: line, EndLine: line, StartCol: startCol, EndCol: endCol}
			ok = true
		case code <= 12: // one-line form: explicit start/end column bytes
			if i+1 >= len(raw) {
				return pystacktrace.LocationInfo{}, false
			}
			startCol := int(raw[i]) - 1
			endCol := int(raw[i+1]) - 1
			i += 2
			loc = pystacktrace.LocationInfo{StartLine: line, EndLine: line, StartCol: startCol, EndCol: endCol}
			ok = true
		case code == 13: // no-column form: signed varint line delta only
			delta, n, err := readSignedVarint(raw[i:])
			if err != nil {
				return pystacktrace.LocationInfo{}, false
			}
			i += n
			line += delta
			loc = pystacktrace.LocationInfo{StartLine: line, EndLine: line}
			ok = true
		case code == 14: // long form: line delta, end-line delta, start/end columns
			lineDelta, n, err := readSignedVarint(raw[i:])
			if err != nil {
				return pystacktrace.LocationInfo{}, false
			}
			i += n
			endLineDelta, n, err := readVarint(raw[i:])
			if err != nil {
				return pystacktrace.LocationInfo{}, false
			}
			i += n
			startCol, n, err := readVarint(raw[i:])
			if err != nil {
				return pystacktrace.LocationInfo{}, false
			}
			i += n
			endCol, n, err := readVarint(raw[i:])
			if err != nil {
				return pystacktrace.LocationInfo{}, false
			}
			i += n
			line += lineDelta
			loc = pystacktrace.LocationInfo{
				StartLine: line, EndLine: line + endLineDelta,
				StartCol: startCol - 1, EndCol: endCol - 1,
			}
			ok = true
		default: // code == 15: no location for this range
			loc = pystacktrace.LocationInfo{StartLine: line, EndLine: line}
			ok = true
		}

		if targetUnit >= unit && targetUnit < unit+length {
			return loc, ok
		}
		unit += length
	}
	return pystacktrace.LocationInfo{}, false
}

// readVarint reads PEP 626's unsigned varint: 6 bits per byte, continuing
// while the high (0x40) bit of the current byte is set.
func readVarint(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, errShortVarint
	}
	cur := b[0]
	val := int(cur & 0x3f)
	n := 1
	for cur&0x40 != 0 {
		if n >= len(b) {
			return 0, 0, errShortVarint
		}
		cur = b[n]
		val = (val << 6) | int(cur&0x3f)
		n++
	}
	return val, n, nil
}

// readSignedVarint reads an unsigned varint and recovers its sign from the
// low bit, per PEP 626's zig-zag-free signed encoding.
func readSignedVarint(b []byte) (int, int, error) {
	uval, n, err := readVarint(b)
	if err != nil {
		return 0, 0, err
	}
	if uval&1 != 0 {
		return -(uval >> 1), n, nil
	}
	return uval >> 1, n, nil
}

var errShortVarint = shortVarintError{}

type shortVarintError struct{}

func (shortVarintError) Error() string { return "pywalk: truncated co_linetable varint" }
