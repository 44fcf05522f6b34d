package pyrender

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/memview"
)

// fakeReader is a sparse, byte-addressed in-memory target used to exercise
// the Object Renderer without a real process or core file, the same way
// golang.org/x/debug/internal/gocore's tests build fixtures directly from
// structured fields rather than a live target.
type fakeReader struct {
	mem map[memview.Addr][]byte
}

func newFakeReader() *fakeReader { return &fakeReader{mem: map[memview.Addr][]byte{}} }

func (f *fakeReader) put(addr memview.Addr, b []byte) { f.putBytes(addr, b) }

func (f *fakeReader) putU64(addr memview.Addr, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	f.put(addr, b)
}

func (f *fakeReader) putU32(addr memview.Addr, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.put(addr, b)
}

func (f *fakeReader) ReadAt(buf []byte, addr memview.Addr) (int, error) {
	for i := range buf {
		b, ok := f.mem[addr+memview.Addr(i)]
		if !ok || len(b) == 0 {
			return i, nil
		}
		buf[i] = b[0]
	}
	return len(buf), nil
}

func (f *fakeReader) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (f *fakeReader) PtrSize() int                { return 8 }

// putBytes stores a byte string starting at addr, one map entry per byte,
// so ReadAt's per-byte lookup above can serve arbitrary-length reads.
func (f *fakeReader) putBytes(addr memview.Addr, data []byte) {
	for i, b := range data {
		f.mem[addr+memview.Addr(i)] = []byte{b}
	}
}

func setup(t *testing.T) (*fakeReader, *cpyoffsets.Table, *TypeNames) {
	t.Helper()
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	tt := &TypeNames{
		NoneType: 0x1000, BoolType: 0x1010, LongType: 0x1020, FloatType: 0x1030,
		UnicodeType: 0x1040, BytesType: 0x1050, ListType: 0x1060, TupleType: 0x1070,
		DictType: 0x1080,
	}
	return newFakeReader(), off, tt
}

func setType(f *fakeReader, off *cpyoffsets.Table, addr, typ memview.Addr) {
	f.putU64(addr+memview.Addr(off.Field("PyObject", "ob_type")), uint64(typ))
}

func TestRenderNilAddrIsNone(t *testing.T) {
	f, off, tt := setup(t)
	rd := New(f, off, tt)
	assert.Equal(t, "None", rd.Render(0))
}

func TestRenderSmallInt(t *testing.T) {
	f, off, tt := setup(t)
	const objAddr = memview.Addr(0x2000)
	setType(f, off, objAddr, tt.LongType)
	f.putU64(objAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1) // one digit, positive
	f.putU32(objAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 42)

	rd := New(f, off, tt)
	assert.Equal(t, "42", rd.Render(objAddr))
}

func TestRenderNegativeInt(t *testing.T) {
	f, off, tt := setup(t)
	const objAddr = memview.Addr(0x2100)
	setType(f, off, objAddr, tt.LongType)
	f.putU64(objAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), uint64(int64(-1)))
	f.putU32(objAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 7)

	rd := New(f, off, tt)
	assert.Equal(t, "-7", rd.Render(objAddr))
}

func TestRenderBool(t *testing.T) {
	f, off, tt := setup(t)
	const trueAddr = memview.Addr(0x2200)
	setType(f, off, trueAddr, tt.BoolType)
	f.putU64(trueAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)

	rd := New(f, off, tt)
	assert.Equal(t, "True", rd.Render(trueAddr))
}

func TestRenderTupleUsesTupleOffsetNotListOffset(t *testing.T) {
	f, off, tt := setup(t)
	const tupleAddr = memview.Addr(0x3000)
	const itemAddr = memview.Addr(0x4000)
	const elemAddr = memview.Addr(0x5000)

	setType(f, off, tupleAddr, tt.TupleType)
	f.putU64(tupleAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	// PyTupleObject.ob_item sits at a different offset than PyListObject.ob_item;
	// only reading from the correct struct finds the items pointer.
	f.putU64(tupleAddr+memview.Addr(off.Field("PyTupleObject", "ob_item")), uint64(itemAddr))
	f.putU64(itemAddr, uint64(elemAddr))

	setType(f, off, elemAddr, tt.LongType)
	f.putU64(elemAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(elemAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 9)

	rd := New(f, off, tt)
	assert.Equal(t, "(9)", rd.Render(tupleAddr))
}

func TestRenderListSelfCycleIsBounded(t *testing.T) {
	f, off, tt := setup(t)
	const listAddr = memview.Addr(0x6000)
	const itemAddr = memview.Addr(0x6100)

	setType(f, off, listAddr, tt.ListType)
	f.putU64(listAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU64(listAddr+memview.Addr(off.Field("PyListObject", "ob_item")), uint64(itemAddr))
	f.putU64(itemAddr, uint64(listAddr)) // the list contains itself

	rd := New(f, off, tt)
	out := rd.Render(listAddr)
	assert.Contains(t, out, "...")
	assert.LessOrEqual(t, len(out), 80)
}

func TestRenderDictCombinedTable(t *testing.T) {
	f, off, tt := setup(t)
	const (
		dictAddr = memview.Addr(0x7000)
		keysAddr = memview.Addr(0x7100)
		keyAddr  = memview.Addr(0x7200)
		valAddr  = memview.Addr(0x7300)
	)
	setType(f, off, dictAddr, tt.DictType)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_used")), 1)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_keys")), uint64(keysAddr))
	// ma_values left unset (reads as 0): a combined table.
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_size")), 8)
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_nentries")), 1)

	entriesBase := keysAddr.Add(int64(off.Sizeof("PyDictKeysObject"))).Add(8 * 1) // dk_size=8 -> 1-byte indices
	f.putU64(entriesBase+8, uint64(keyAddr))                                     // entry[0].key
	f.putU64(entriesBase+16, uint64(valAddr))                                    // entry[0].value

	setType(f, off, keyAddr, tt.LongType)
	f.putU64(keyAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(keyAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 1)

	setType(f, off, valAddr, tt.LongType)
	f.putU64(valAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(valAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 2)

	rd := New(f, off, tt)
	assert.Equal(t, "{1: 2}", rd.Render(dictAddr))
}

func TestRenderDictSplitTableUsesSeparateValuesArray(t *testing.T) {
	f, off, tt := setup(t)
	const (
		dictAddr   = memview.Addr(0x7400)
		keysAddr   = memview.Addr(0x7500)
		valuesAddr = memview.Addr(0x7600)
		keyAddr    = memview.Addr(0x7700)
		valAddr    = memview.Addr(0x7800)
	)
	setType(f, off, dictAddr, tt.DictType)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_used")), 1)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_keys")), uint64(keysAddr))
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_values")), uint64(valuesAddr))
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_size")), 8)
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_nentries")), 1)

	entriesBase := keysAddr.Add(int64(off.Sizeof("PyDictKeysObject"))).Add(8 * 1)
	f.putU64(entriesBase+8, uint64(keyAddr)) // split entry: {hash, key} only, 16 bytes
	f.putU64(valuesAddr, uint64(valAddr))    // ma_values[0]

	setType(f, off, keyAddr, tt.UnicodeType)
	f.putU64(keyAddr+memview.Addr(off.Field("PyUnicodeObject", "length")), 1)
	f.putU32(keyAddr+memview.Addr(off.Field("PyUnicodeObject", "state")), 1<<2) // kind=1 (latin1)
	const dataAddr = memview.Addr(0x7900)
	f.putU64(keyAddr+memview.Addr(off.Field("PyUnicodeObject", "data")), uint64(dataAddr))
	f.putBytes(dataAddr, []byte("k"))

	setType(f, off, valAddr, tt.LongType)
	f.putU64(valAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(valAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 9)

	rd := New(f, off, tt)
	assert.Equal(t, "{k: 9}", rd.Render(dictAddr))
}

func TestRenderDictSkipsDeletedSlots(t *testing.T) {
	f, off, tt := setup(t)
	const (
		dictAddr = memview.Addr(0x7a00)
		keysAddr = memview.Addr(0x7b00)
		keyAddr  = memview.Addr(0x7c00)
		valAddr  = memview.Addr(0x7d00)
	)
	setType(f, off, dictAddr, tt.DictType)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_used")), 1)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_keys")), uint64(keysAddr))
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_size")), 8)
	// dk_nentries=2: slot 0 was deleted (NULL key), slot 1 is live.
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_nentries")), 2)

	entriesBase := keysAddr.Add(int64(off.Sizeof("PyDictKeysObject"))).Add(8 * 1)
	// entry[0] left entirely unset: key reads as 0, skipped.
	f.putU64(entriesBase+24+8, uint64(keyAddr))  // entry[1].key
	f.putU64(entriesBase+24+16, uint64(valAddr)) // entry[1].value

	setType(f, off, keyAddr, tt.LongType)
	f.putU64(keyAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(keyAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 3)
	setType(f, off, valAddr, tt.LongType)
	f.putU64(valAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
	f.putU32(valAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), 4)

	rd := New(f, off, tt)
	assert.Equal(t, "{3: 4}", rd.Render(dictAddr))
}

func TestRenderDictTruncatesPastBudgetAndReportsRemainder(t *testing.T) {
	f, off, tt := setup(t)
	const (
		dictAddr = memview.Addr(0x7e00)
		keysAddr = memview.Addr(0x7f00)
	)
	const n = maxDictEntries + 3
	setType(f, off, dictAddr, tt.DictType)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_used")), n)
	f.putU64(dictAddr+memview.Addr(off.Field("PyDictObject", "ma_keys")), uint64(keysAddr))
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_size")), 32)
	f.putU64(keysAddr+memview.Addr(off.Field("PyDictKeysObject", "dk_nentries")), n)

	entriesBase := keysAddr.Add(int64(off.Sizeof("PyDictKeysObject"))).Add(32 * 1)
	for i := uint64(0); i < n; i++ {
		keyAddr := memview.Addr(0xa000 + i*0x40)
		valAddr := memview.Addr(0xb000 + i*0x40)
		entry := entriesBase.Add(int64(i) * 24)
		f.putU64(entry+8, uint64(keyAddr))
		f.putU64(entry+16, uint64(valAddr))
		setType(f, off, keyAddr, tt.LongType)
		f.putU64(keyAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
		f.putU32(keyAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), uint32(i))
		setType(f, off, valAddr, tt.LongType)
		f.putU64(valAddr+memview.Addr(off.Field("PyVarObject", "ob_size")), 1)
		f.putU32(valAddr+memview.Addr(off.Field("PyLongObject", "ob_digit")), uint32(i))
	}

	rd := New(f, off, tt)
	out := rd.Render(dictAddr)
	assert.Contains(t, out, "<3 more>")
}

func TestRenderInvalidObjectAddress(t *testing.T) {
	f, off, tt := setup(t)
	rd := New(f, off, tt)
	// No ob_type bytes were ever written at this address, so ReadPtr fails.
	out := rd.Render(0x9999)
	assert.Contains(t, out, "invalid object")
}
