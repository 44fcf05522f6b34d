package pywalk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/pyrender"
)

// fakeReader32 is fakeReader's 4-byte-pointer twin, for exercising the
// 32-bit core file path: every stride through a pointer array must use the
// table's PtrSize, not an assumed 8.
type fakeReader32 struct {
	mem map[memview.Addr][]byte
}

func newFakeReader32() *fakeReader32 { return &fakeReader32{mem: map[memview.Addr][]byte{}} }

func (f *fakeReader32) putBytes(addr memview.Addr, data []byte) {
	for i, b := range data {
		f.mem[addr+memview.Addr(i)] = []byte{b}
	}
}

func (f *fakeReader32) putU32(addr memview.Addr, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.putBytes(addr, b)
}

func (f *fakeReader32) putPtr32(addr memview.Addr, v uint32) { f.putU32(addr, v) }

func (f *fakeReader32) ReadAt(buf []byte, addr memview.Addr) (int, error) {
	for i := range buf {
		b, ok := f.mem[addr+memview.Addr(i)]
		if !ok || len(b) == 0 {
			return i, nil
		}
		buf[i] = b[0]
	}
	return len(buf), nil
}

func (f *fakeReader32) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (f *fakeReader32) PtrSize() int                { return 4 }

func TestReadVarnamesStridesByTablePtrSizeOnThirtyTwoBitCores(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 4)
	require.True(t, ok)
	require.Equal(t, 4, off.PtrSize)

	const tupleAddr = memview.Addr(0x1000)
	const itemsAddr = memview.Addr(0x2000)
	const str0, str1 = memview.Addr(0x3000), memview.Addr(0x4000)

	f := newFakeReader32()
	renderer := pyrender.New(f, off, &pyrender.TypeNames{})
	w := &Walker{r: f, off: off, renderer: renderer, log: diag.Discard()}

	f.putPtr32(tupleAddr+memview.Addr(off.Field("PyTupleObject", "ob_item")), uint32(itemsAddr))
	// Two consecutive 4-byte slots; an 8-byte stride would read item 1 from
	// four bytes past where it actually lives and come back empty/garbage.
	f.putPtr32(itemsAddr+0, uint32(str0))
	f.putPtr32(itemsAddr+4, uint32(str1))
	f.putBytes(str0, []byte{0}) // render() just needs a non-null, readable address
	f.putBytes(str1, []byte{0})

	names := w.readVarnames(tupleAddr, 2)
	require.Len(t, names, 2)
	// str1 has no ob_type bytes, so rendering it gives the invalid-object
	// form; an 8-byte stride reads an unset slot and yields "" instead.
	require.Equal(t, "<invalid object at 0x4000>", names[1])
}
