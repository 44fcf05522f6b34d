package nativeunwind

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/bloomberg/pystacktrace/internal/memview"
)

// heuristicStep is the fallback used when a module has no .eh_frame/.debug_frame
// FDE covering the current PC: disassemble forward from the enclosing
// symbol looking for a `push rbp; mov rbp, rsp` prologue to infer whether a
// standard frame pointer chain is in use, and if so pop one frame by
// dereferencing [rbp] for the saved rbp and [rbp+8] for the return address.
// This never claims CFI-level precision; it exists only so a missing FDE
// truncates the native list one frame later instead of immediately, per
// §4.9's per-frame failure policy.
func heuristicStep(r memview.Reader, symStart memview.Addr, regs Regs) (Regs, bool) {
	code, err := memview.ReadBytes(r, symStart, 16)
	if err != nil {
		return Regs{}, false
	}
	usesFramePointer := false
	pos := 0
	for pos+1 < len(code) {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			break
		}
		if pos == 0 && inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP {
			pos += inst.Len
			continue
		}
		if pos > 0 && inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP {
			usesFramePointer = true
		}
		break
	}
	if !usesFramePointer || regs.FP == 0 {
		return Regs{}, false
	}
	savedFP, err := memview.ReadUint64(r, regs.FP)
	if err != nil {
		return Regs{}, false
	}
	retAddr, err := memview.ReadUint64(r, regs.FP.Add(8))
	if err != nil {
		return Regs{}, false
	}
	return Regs{
		PC: memview.Addr(retAddr),
		SP: regs.FP.Add(16),
		FP: memview.Addr(savedFP),
	}, true
}
