package memview

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// segment is one PT_LOAD range of a core file, addr-range to file-offset,
// grounded on golang.org/x/debug/internal/core's readLoad.
type segment struct {
	low, high Addr
	fileOff   int64
	filesz    int64 // may be < high-low; the remainder reads as zero
}

// Note is one ELF core note (NT_PRSTATUS, NT_PRPSINFO, NT_FILE, ...),
// exposed so procmaps and runtimeloc can decode the ones they care about
// without memview needing to know their internal layouts.
type Note struct {
	Type uint32
	Name string
	Desc []byte
}

// CoreBackend implements Reader by reading PT_LOAD segments of an ELF core
// file. Grounded on internal/core/process.go's Core() constructor, minus
// the live-file-backed-mapping half (that belongs to internal/procmaps,
// which resolves NT_FILE paths into on-disk ELF images for the Oracle).
type CoreBackend struct {
	r          io.ReaderAt
	elfFile    *elf.File
	segments   []segment
	byteOrder  binary.ByteOrder
	ptrSize    int
	Notes      []Note
	EntryPoint Addr
}

// OpenCore parses an ELF core file's PT_LOAD program headers and NOTE
// segments.
func OpenCore(r io.ReaderAt) (*CoreBackend, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, pyerr.Wrap(pyerr.EngineError, err, "parsing core file as ELF")
	}
	if ef.Type != elf.ET_CORE {
		return nil, pyerr.Newf(pyerr.EngineError, "not a core file (ELF type %s)", ef.Type)
	}
	cb := &CoreBackend{r: r, elfFile: ef, byteOrder: binary.LittleEndian, ptrSize: 8}
	switch ef.Class {
	case elf.ELFCLASS32:
		cb.ptrSize = 4
	case elf.ELFCLASS64:
		cb.ptrSize = 8
	}
	cb.EntryPoint = Addr(ef.Entry)

	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			cb.segments = append(cb.segments, segment{
				low:     Addr(prog.Vaddr),
				high:    Addr(prog.Vaddr + prog.Memsz),
				fileOff: int64(prog.Off),
				filesz:  int64(prog.Filesz),
			})
		case elf.PT_NOTE:
			notes, err := readNotes(io.NewSectionReader(r, int64(prog.Off), int64(prog.Filesz)), cb.ptrSize)
			if err != nil {
				return nil, pyerr.Wrap(pyerr.EngineError, err, "parsing core NOTE segment")
			}
			cb.Notes = append(cb.Notes, notes...)
		}
	}
	sort.Slice(cb.segments, func(i, j int) bool { return cb.segments[i].low < cb.segments[j].low })
	return cb, nil
}

func readNotes(r io.Reader, ptrSize int) ([]Note, error) {
	var notes []Note
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	align := func(n int) int { return (n + 3) &^ 3 }
	pos := 0
	for pos+12 <= len(buf) {
		namesz := binary.LittleEndian.Uint32(buf[pos:])
		descsz := binary.LittleEndian.Uint32(buf[pos+4:])
		typ := binary.LittleEndian.Uint32(buf[pos+8:])
		pos += 12
		if pos+align(int(namesz)) > len(buf) {
			break
		}
		name := string(buf[pos:pos+int(namesz)])
		if n := len(name); n > 0 && name[n-1] == 0 {
			name = name[:n-1]
		}
		pos += align(int(namesz))
		if pos+align(int(descsz)) > len(buf) {
			break
		}
		desc := append([]byte(nil), buf[pos:pos+int(descsz)]...)
		pos += align(int(descsz))
		notes = append(notes, Note{Type: typ, Name: name, Desc: desc})
	}
	return notes, nil
}

func (cb *CoreBackend) ByteOrder() binary.ByteOrder { return cb.byteOrder }
func (cb *CoreBackend) PtrSize() int                { return cb.ptrSize }

// ELF exposes the core's parsed ELF file; its section headers are usually
// empty for a stripped core but present when the core retains a build-id
// note section.
func (cb *CoreBackend) ELF() *elf.File { return cb.elfFile }

func (cb *CoreBackend) findSegment(addr Addr) *segment {
	segs := cb.segments
	lo, hi := 0, len(segs)
	for lo < hi {
		mid := (lo + hi) / 2
		s := segs[mid]
		switch {
		case addr < s.low:
			hi = mid
		case addr >= s.high:
			lo = mid + 1
		default:
			return &segs[mid]
		}
	}
	return nil
}

// ReadAt implements Reader: a read spanning a gap between PT_LOAD segments
// fails (§4.1); a read within one segment's mapped-but-not-file-backed tail
// (filesz < memsz, e.g. .bss) reads as zero, matching ELF loader semantics.
func (cb *CoreBackend) ReadAt(buf []byte, addr Addr) (int, error) {
	seg := cb.findSegment(addr)
	if seg == nil {
		return 0, &pyerr.Error{Kind: pyerr.MemoryReadError,
			Msg: fmt.Sprintf("address %s not mapped in any PT_LOAD segment", addr)}
	}
	if addr+Addr(len(buf)) > seg.high {
		return 0, &pyerr.Error{Kind: pyerr.MemoryReadError,
			Msg: fmt.Sprintf("read at %s, len %d crosses segment boundary at %s", addr, len(buf), seg.high)}
	}
	off := int64(addr - seg.low)
	n := 0
	if off < seg.filesz {
		want := len(buf)
		avail := int(seg.filesz - off)
		if want > avail {
			want = avail
		}
		got, err := cb.r.ReadAt(buf[:want], seg.fileOff+off)
		if err != nil && got == 0 {
			return 0, &pyerr.Error{Kind: pyerr.MemoryReadError, Msg: fmt.Sprintf("reading core at %s", addr), Cause: err}
		}
		n = got
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}
