// Package nativeunwind is the Native Unwinder: walks the DWARF CFI of a
// thread's register state to produce a list of native frames from
// innermost outward. Grounded on golang.org/x/debug/internal/gocore's use
// of third_party/delve's dwarf/{frame,op,regnum} machinery
// (op.ExecuteStackProgram driving CFI-described register recovery), now
// sourced from the real github.com/go-delve/delve module instead of the
// teacher's vendored, partial copy (see DESIGN.md).
package nativeunwind

import (
	"encoding/binary"

	delveframe "github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
	"golang.org/x/sys/unix"

	"github.com/bloomberg/pystacktrace/internal/elfdwarf"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// ModuleSet resolves a PC to the owning module and symbolicates addresses,
// the subset of elfdwarf.Module the unwinder needs across every loaded
// image, not just one.
type ModuleSet struct {
	Modules []*elfdwarf.Module
	Bounds  []struct{ Low, High memview.Addr; Mod *elfdwarf.Module }
}

func NewModuleSet(mods []*elfdwarf.Module, bounds func(*elfdwarf.Module) (memview.Addr, memview.Addr)) *ModuleSet {
	ms := &ModuleSet{Modules: mods}
	for _, m := range mods {
		low, high := bounds(m)
		ms.Bounds = append(ms.Bounds, struct {
			Low, High memview.Addr
			Mod       *elfdwarf.Module
		}{low, high, m})
	}
	return ms
}

// symbolStart returns the start address of the function enclosing pc, used
// by the x86asm-based fallback step when no CFI covers pc.
func (ms *ModuleSet) symbolStart(pc memview.Addr) memview.Addr {
	mod := ms.find(pc)
	if mod == nil {
		return 0
	}
	var best memview.Addr
	for _, s := range mod.Symtab() {
		if s.Addr <= pc && s.Addr >= best {
			best = s.Addr
		}
	}
	return best
}

func (ms *ModuleSet) find(pc memview.Addr) *elfdwarf.Module {
	for _, b := range ms.Bounds {
		if pc >= b.Low && pc < b.High {
			return b.Mod
		}
	}
	return nil
}

// symbolize resolves pc to the enclosing function symbol and library path,
// used to fill NativeFrame.Symbol/Library (§4.9: "unresolved fields are ???").
func (ms *ModuleSet) symbolize(pc memview.Addr) (symbol, library string) {
	mod := ms.find(pc)
	if mod == nil {
		return "???", "???"
	}
	library = mod.Path
	best := ""
	var bestAddr memview.Addr
	for _, s := range mod.Symtab() {
		if s.Addr <= pc && (s.Size == 0 || pc < s.Addr.Add(int64(s.Size))) {
			if s.Addr >= bestAddr {
				best, bestAddr = s.Name, s.Addr
			}
		}
	}
	if best == "" {
		return "???", library
	}
	return best, library
}

// Regs is the minimal register set the unwinder threads through CFI steps:
// instruction pointer, stack pointer, frame pointer, and a general register
// file keyed by DWARF register number, from which step reads the CFA's
// base register and the caller's rbp.
type Regs struct {
	PC, SP, FP memview.Addr
	General    map[int]uint64
}

// FromPtrace builds Regs from a live ptrace register read (amd64 layout).
func FromPtrace(r unix.PtraceRegs) Regs {
	return Regs{
		PC: memview.Addr(r.Rip), SP: memview.Addr(r.Rsp), FP: memview.Addr(r.Rbp),
		General: map[int]uint64{
			regnum.AMD64_Rip: r.Rip, regnum.AMD64_Rsp: r.Rsp, regnum.AMD64_Rbp: r.Rbp,
			regnum.AMD64_Rax: r.Rax, regnum.AMD64_Rbx: r.Rbx, regnum.AMD64_Rcx: r.Rcx,
			regnum.AMD64_Rdx: r.Rdx, regnum.AMD64_Rsi: r.Rsi, regnum.AMD64_Rdi: r.Rdi,
		},
	}
}

// FromPRStatus builds Regs from a core file's NT_PRSTATUS note payload,
// using the same amd64 prstatus_t register layout golang.org/x/debug's
// internal/core/process.go readPRStatus documents (gregset at a fixed
// offset, pc at index 16, sp at index 19 of the 27-register block).
func FromPRStatus(desc []byte) (Regs, error) {
	const gregsOff = 112
	if len(desc) < gregsOff+27*8 {
		return Regs{}, pyerr.New(pyerr.EngineError, "truncated NT_PRSTATUS note")
	}
	word := func(i int) uint64 {
		return binary.LittleEndian.Uint64(desc[gregsOff+i*8:])
	}
	return Regs{
		PC: memview.Addr(word(16)), SP: memview.Addr(word(19)), FP: memview.Addr(word(4)),
		General: map[int]uint64{
			regnum.AMD64_Rip: word(16), regnum.AMD64_Rsp: word(19), regnum.AMD64_Rbp: word(4),
		},
	}, nil
}

// Unwind walks the CFI chain from initial outward, stopping at maxFrames,
// when the PC lies in no known module, or when neither an FDE nor the
// frame-pointer heuristic recovers the caller (§4.9's per-frame failure policy: a
// failure to unwind one frame truncates the list there, it does not fail
// the walk).
func Unwind(r memview.Reader, ms *ModuleSet, initial Regs, maxFrames int) []pystacktrace.NativeFrame {
	var out []pystacktrace.NativeFrame
	regs := initial
	for i := 0; i < maxFrames; i++ {
		mod := ms.find(regs.PC)
		if mod == nil {
			break
		}
		sym, lib := ms.symbolize(regs.PC)
		out = append(out, pystacktrace.NativeFrame{
			Address: regs.PC, Symbol: sym, Library: lib, Path: "???", Line: 0, Column: 0,
		})
		next, ok := step(r, mod, regs)
		if !ok {
			if symStart := ms.symbolStart(regs.PC); symStart != 0 {
				next, ok = heuristicStep(r, symStart, regs)
			}
		}
		if !ok {
			break
		}
		if next.PC == 0 || next.PC == regs.PC {
			break
		}
		regs = next
	}
	return out
}

// step performs one DWARF-CFI unwind using the module's parsed FDE table,
// grounded on internal/gocore/dwarf.go's hardwareRegs2DWARF +
// op.ExecuteStackProgram usage.
func step(r memview.Reader, mod *elfdwarf.Module, regs Regs) (Regs, bool) {
	fdes := mod.FDEs()
	if fdes == nil {
		return Regs{}, false
	}
	fde, err := fdes.FDEForPC(uint64(regs.PC))
	if err != nil {
		return Regs{}, false
	}
	fc := fde.EstablishFrame(uint64(regs.PC))
	cfa := uint64(regs.SP)
	if fc.CFA.Rule == delveframe.RuleCFA {
		base := regs.General[fc.CFA.Reg]
		cfa = uint64(int64(base) + fc.CFA.Offset)
	}
	retOff := fc.Regs[regnum.AMD64_Rip]
	var retAddr uint64
	if retOff.Rule == delveframe.RuleOffset {
		buf, err := memview.ReadBytes(r, memview.Addr(uint64(int64(cfa)+retOff.Offset)), 8)
		if err != nil {
			return Regs{}, false
		}
		retAddr = binary.LittleEndian.Uint64(buf)
	}
	newSP := cfa
	newFP := regs.General[regnum.AMD64_Rbp]
	if fpRule, ok := fc.Regs[regnum.AMD64_Rbp]; ok && fpRule.Rule == delveframe.RuleOffset {
		buf, err := memview.ReadBytes(r, memview.Addr(uint64(int64(cfa)+fpRule.Offset)), 8)
		if err == nil {
			newFP = binary.LittleEndian.Uint64(buf)
		}
	}
	return Regs{
		PC:      memview.Addr(retAddr),
		SP:      memview.Addr(newSP),
		FP:      memview.Addr(newFP),
		General: map[int]uint64{regnum.AMD64_Rip: retAddr, regnum.AMD64_Rsp: newSP, regnum.AMD64_Rbp: newFP},
	}, true
}
