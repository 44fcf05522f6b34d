// Package memview is the Memory Reader: a uniform, address-agnostic
// random-access view over either a live process or the PT_LOAD segments of
// a core file. It is grounded on golang.org/x/debug/internal/core's
// splicedMemory/Process.ReadAt design, generalized behind a single Reader
// interface so every other engine component reads target memory the same
// way regardless of backend.
package memview

import (
	"encoding/binary"
	"fmt"

	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// Addr is a 64-bit address in the target's virtual address space.
type Addr uint64

func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Add returns a+off, matching pointer arithmetic on the target.
func (a Addr) Add(off int64) Addr { return Addr(int64(a) + off) }

// Reader is the Memory Reader contract (spec §4.1). Implementations MUST NOT
// cache beyond one request; callers cache by value. Both backends (live
// process, core file) implement this the same way so every other component
// is backend-agnostic.
type Reader interface {
	// ReadAt reads len(buf) bytes starting at addr into buf, returning the
	// number of bytes read. A read at an unreadable address returns a
	// *pyerr.Error of kind MemoryReadError; a backend may instead return a
	// short count with a nil error when only a prefix of the range is
	// readable (ReadFull turns that into a MemoryReadError).
	ReadAt(buf []byte, addr Addr) (int, error)

	// ByteOrder reports the target's byte order (binary.LittleEndian on all
	// architectures this engine supports).
	ByteOrder() binary.ByteOrder

	// PtrSize reports the width in bytes of a target pointer (8 on amd64/arm64).
	PtrSize() int
}

// ReadFull reads exactly len(buf) bytes, the common case every caller wants;
// ReadAt alone permits short reads only when backed by a genuinely
// partially-mapped region, which callers virtually never want to handle by
// hand.
func ReadFull(r Reader, addr Addr, buf []byte) error {
	n, err := r.ReadAt(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return &pyerr.Error{
			Kind: pyerr.MemoryReadError,
			Msg:  fmt.Sprintf("short read at %s: got %d of %d bytes", addr, n, len(buf)),
		}
	}
	return nil
}

// ReadBytes reads n bytes at addr.
func ReadBytes(r Reader, addr Addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := ReadFull(r, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadUint8/16/32/64 read a fixed-width little-endian integer at addr.

func ReadUint8(r Reader, addr Addr) (uint8, error) {
	buf, err := ReadBytes(r, addr, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func ReadUint16(r Reader, addr Addr) (uint16, error) {
	buf, err := ReadBytes(r, addr, 2)
	if err != nil {
		return 0, err
	}
	return r.ByteOrder().Uint16(buf), nil
}

func ReadUint32(r Reader, addr Addr) (uint32, error) {
	buf, err := ReadBytes(r, addr, 4)
	if err != nil {
		return 0, err
	}
	return r.ByteOrder().Uint32(buf), nil
}

func ReadUint64(r Reader, addr Addr) (uint64, error) {
	buf, err := ReadBytes(r, addr, 8)
	if err != nil {
		return 0, err
	}
	return r.ByteOrder().Uint64(buf), nil
}

// ReadPtr reads a target-width pointer, zero-extending a 4-byte pointer to
// 64 bits, matching internal/gocore's region.Address helper.
func ReadPtr(r Reader, addr Addr) (Addr, error) {
	if r.PtrSize() == 4 {
		v, err := ReadUint32(r, addr)
		return Addr(v), err
	}
	v, err := ReadUint64(r, addr)
	return Addr(v), err
}

// ReadCString reads a NUL-terminated string of at most max bytes at addr.
// Used for co_filename/co_name-style C string reads when the Unicode reader
// isn't in play (e.g. symbol names, /proc paths echoed back from the target).
func ReadCString(r Reader, addr Addr, max int) (string, error) {
	const chunk = 64
	var out []byte
	for len(out) < max {
		n := chunk
		if len(out)+n > max {
			n = max - len(out)
		}
		buf := make([]byte, n)
		got, err := r.ReadAt(buf, addr.Add(int64(len(out))))
		if got == 0 && err != nil {
			if len(out) > 0 {
				break
			}
			return "", err
		}
		for i := 0; i < got; i++ {
			if buf[i] == 0 {
				return string(out[:len(out)]) + string(buf[:i]), nil
			}
		}
		out = append(out, buf[:got]...)
		if got < n {
			break
		}
	}
	return string(out), nil
}
