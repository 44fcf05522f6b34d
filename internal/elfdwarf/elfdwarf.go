// Package elfdwarf is the ELF/DWARF Oracle: opens each module's on-disk
// image, reads its section table, symbol tables, build-ID and DWARF debug
// info, and answers symbol/type/unwind queries with already-biased
// (target-virtual) addresses. Grounded on golang.org/x/debug/internal/core's
// ELF/DWARF loading and internal/gocore/dwarf.go's symbol/global indexing,
// generalized away from Go-runtime-specific DWARF attrs.
package elfdwarf

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"

	delveframe "github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// Module is one opened ELF image (the main executable, libpython, or any
// other loaded shared object), carrying its load bias so every address this
// Oracle returns is already target-virtual.
type Module struct {
	Path      string
	Bias      int64 // VirtualLowAddr - FirstLoadSegmentVaddr
	elfFile   *elf.File
	dwarfData *dwarf.Data
	buildID   []byte
	fde       delveframe.FrameDescriptionEntries
	log       diag.Logger
}

// Open parses path's ELF headers, symbol tables, build-ID and (if present)
// DWARF debug info. bias is the module's load bias as computed by the Map
// Resolver (the lowest mapped virtual address minus the lowest PT_LOAD
// vaddr in the file).
func Open(path string, bias int64, log diag.Logger) (*Module, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, pyerr.Wrap(pyerr.InvalidExecutable, err, path).WithHelp(pyerr.InvalidExecutableHelp)
	}
	m := &Module{Path: path, Bias: bias, elfFile: ef, log: log}
	if bid, err := readBuildID(ef); err == nil {
		m.buildID = bid
	}
	if dd, err := ef.DWARF(); err == nil {
		m.dwarfData = dd
	}
	if sec := ef.Section(".eh_frame"); sec != nil {
		if data, err := sec.Data(); err == nil {
			if fde, err := delveframe.Parse(data, binary.LittleEndian, sec.Addr, 8, 0); err == nil {
				m.fde = fde
			}
		}
	}
	return m, nil
}

func (m *Module) Close() error { return m.elfFile.Close() }

func readBuildID(ef *elf.File) ([]byte, error) {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return nil, fmt.Errorf("no build-id section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	return parseBuildIDNote(data)
}

// parseBuildIDNote decodes an ELF note section's namesz/descsz/type/name/desc
// layout (as written by ld's --build-id) and returns the desc field, which
// for .note.gnu.build-id is the build-id bytes themselves.
func parseBuildIDNote(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("truncated build-id note")
	}
	namesz := leU32(data[0:4])
	descsz := leU32(data[4:8])
	align := func(n uint32) uint32 { return (n + 3) &^ 3 }
	pos := 12 + align(namesz)
	if int(pos+descsz) > len(data) {
		return nil, fmt.Errorf("truncated build-id desc")
	}
	return data[pos : pos+descsz], nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// BuildID returns the 20-byte build-id, or nil if the module has none.
func (m *Module) BuildID() []byte { return m.buildID }

// SymbolAddr searches .symtab then .dynsym for name, applying the module's
// load bias. Returns ok=false (never an error) when absent, per §4.3's
// "missing symbol returns not-found" contract.
func (m *Module) SymbolAddr(name string) (addr memview.Addr, ok bool) {
	if a, ok := searchSyms(m.elfFile.Symbols, name); ok {
		return m.bias(a), true
	}
	if a, ok := searchSyms(m.elfFile.DynamicSymbols, name); ok {
		return m.bias(a), true
	}
	return 0, false
}

func searchSyms(fn func() ([]elf.Symbol, error), name string) (uint64, bool) {
	syms, err := fn()
	if err != nil {
		return 0, false
	}
	for _, s := range syms {
		if s.Name == name && elf.ST_TYPE(s.Info) != elf.STT_SECTION {
			return s.Value, true
		}
	}
	return 0, false
}

func (m *Module) bias(fileAddr uint64) memview.Addr {
	return memview.Addr(int64(fileAddr) + m.Bias)
}

// BssInfo returns the .bss section's virtual address and size, already biased.
func (m *Module) BssInfo() (addr memview.Addr, size uint64, ok bool) {
	sec := m.elfFile.Section(".bss")
	if sec == nil {
		return 0, 0, false
	}
	return m.bias(sec.Addr), sec.Size, true
}

// DWARF exposes the module's parsed DWARF data, or nil if it has none.
func (m *Module) DWARF() *dwarf.Data { return m.dwarfData }

// GlobalByType scans DWARF for a package-level variable named name whose
// type name matches typeName (a loose string-equality match on the DWARF
// type's name, since CPython's internal structs don't carry a stable DWARF
// type-attribute the way cmd/compile output does). Used by the Runtime
// Locator's ELF_DATA strategy to find `_PyRuntime` via its type rather
// than its symbol, on toolchains that strip the symbol but keep -g info.
func (m *Module) GlobalByType(name, typeName string) (memview.Addr, bool) {
	if m.dwarfData == nil {
		return 0, false
	}
	r := m.dwarfData.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagVariable {
			continue
		}
		nameAttr, _ := entry.Val(dwarf.AttrName).(string)
		if nameAttr != name {
			continue
		}
		if typeName != "" {
			if t, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
				if typ, err := m.dwarfData.Type(t); err == nil && typ.String() != typeName {
					continue
				}
			}
		}
		loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
		if !ok || len(loc) < 1 || loc[0] != 0x03 /* DW_OP_addr */ {
			continue
		}
		var fileAddr uint64
		for i := 0; i < 8 && 1+i < len(loc); i++ {
			fileAddr |= uint64(loc[1+i]) << (8 * i)
		}
		return m.bias(fileAddr), true
	}
	return 0, false
}

// Symtab returns the module's function symbols with bias applied, .symtab
// entries first and then .dynsym entries, in table order (not sorted by
// address), used by the Native Unwinder to resolve a return address to a
// symbol name.
func (m *Module) Symtab() []Symbol {
	var out []Symbol
	for _, fn := range []func() ([]elf.Symbol, error){m.elfFile.Symbols, m.elfFile.DynamicSymbols} {
		syms, err := fn()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
				continue
			}
			out = append(out, Symbol{Name: s.Name, Addr: m.bias(s.Value), Size: s.Size})
		}
	}
	return out
}

// Symbol is one resolved function symbol.
type Symbol struct {
	Name string
	Addr memview.Addr
	Size uint64
}

// FDEs exposes the parsed .eh_frame entries for CFI-driven unwinding
// (internal/nativeunwind consumes this). A .debug_frame section is not read,
// so a module whose CFI lives only there has no FDEs.
func (m *Module) FDEs() delveframe.FrameDescriptionEntries { return m.fde }
