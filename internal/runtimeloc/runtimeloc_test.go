package runtimeloc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/internal/cpyoffsets"
	"github.com/bloomberg/pystacktrace/internal/memview"
)

// fakeReader is the sparse, byte-addressed fixture used throughout this
// engine's unit tests.
type fakeReader struct {
	mem map[memview.Addr][]byte
}

func newFakeReader() *fakeReader { return &fakeReader{mem: map[memview.Addr][]byte{}} }

func (f *fakeReader) putBytes(addr memview.Addr, data []byte) {
	for i, b := range data {
		f.mem[addr+memview.Addr(i)] = []byte{b}
	}
}

func (f *fakeReader) putU64(addr memview.Addr, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	f.putBytes(addr, b)
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

func TestLooksLikeInterpreterAcceptsNoThreads(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	f := newFakeReader()
	const interp = memview.Addr(0x1000)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "next")), 0)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), 0)

	assert.True(t, looksLikeInterpreter(f, interp, off))
}

func TestLooksLikeInterpreterRejectsSelfLoop(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	f := newFakeReader()
	const interp = memview.Addr(0x1000)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "next")), uint64(interp))

	assert.False(t, looksLikeInterpreter(f, interp, off))
}

func TestLooksLikeInterpreterValidatesThreadBackPointer(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	f := newFakeReader()
	const interp = memview.Addr(0x1000)
	const thread = memview.Addr(0x2000)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "next")), 0)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), uint64(thread))
	f.putU64(thread+memview.Addr(off.Field("PyThreadState", "interp")), uint64(interp))

	assert.True(t, looksLikeInterpreter(f, interp, off))
}

// TestValidateHandlesInlinedFrameThreads is the regression test for the
// cframe-indirection bug: on a 3.11+ table, PyThreadState has no "frame"
// field, so reading a candidate's top frame must go through cframe rather
// than assume the pre-3.11 layout.
func TestValidateHandlesInlinedFrameThreads(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 11, 8)
	require.True(t, ok)
	require.True(t, off.HasInlinedFrames)

	f := newFakeReader()
	const (
		interp = memview.Addr(0x1000)
		thread = memview.Addr(0x2000)
		cframe = memview.Addr(0x3000)
		frame  = memview.Addr(0x4000)
		code   = memview.Addr(0x5000)
		name   = memview.Addr(0x6000)
	)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), uint64(thread))
	f.putU64(thread+memview.Addr(off.Field("PyThreadState", "interp")), uint64(interp))
	f.putU64(thread+memview.Addr(off.Field("PyThreadState", "cframe")), uint64(cframe))
	f.putU64(cframe+memview.Addr(off.Field("PyCFrame", "current_frame")), uint64(frame))
	f.putU64(frame+memview.Addr(off.Field("_PyInterpreterFrame", "f_code")), uint64(code))
	f.putU64(code+memview.Addr(off.Field("PyCodeObject", "co_filename")), uint64(name))

	assert.True(t, Validate(f, interp, off))
}

func TestValidateRejectsDetachedThread(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	f := newFakeReader()
	const interp = memview.Addr(0x1000)
	const thread = memview.Addr(0x2000)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), uint64(thread))
	f.putU64(thread+memview.Addr(off.Field("PyThreadState", "interp")), 0xdeadbeef)

	assert.False(t, Validate(f, interp, off))
}

func TestValidateAcceptsNoThreads(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 12, 8)
	require.True(t, ok)
	f := newFakeReader()
	const interp = memview.Addr(0x1000)
	f.putU64(interp+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), 0)

	assert.True(t, Validate(f, interp, off))
}

func TestScanForInterpreterSignatureFindsAlignedCandidate(t *testing.T) {
	off, ok := cpyoffsets.ForVersion(3, 10, 8)
	require.True(t, ok)
	f := newFakeReader()
	const base = memview.Addr(0x10000)
	const candidate = base + 0x40 // a few pointer-sized steps in
	f.putU64(candidate+memview.Addr(off.Field("PyInterpreterState", "next")), 0)
	f.putU64(candidate+memview.Addr(off.Field("PyInterpreterState", "tstate_head")), 0)

	addr, ok := scanForInterpreterSignature(f, base, base+0x200, off)
	require.True(t, ok)
	assert.Equal(t, candidate, addr)
}
