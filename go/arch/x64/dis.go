package x64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

func (l Line) String(showBytes bool) string {
	if showBytes {
		return fmt.Sprintf("%#x: %-20x %s", l.Addr, l.Bytes, l.Text)
	}
	return fmt.Sprintf("%#x: %s", l.Addr, l.Text)
}

// Disassemble decodes code loaded at addr. Undecodable bytes come back as
// single-byte "db" lines. sym may be nil.
func Disassemble(code []byte, addr uint64, sym x86asm.SymLookup) []Line {
	var out []Line
	for off := 0; off < len(code); {
		pc := addr + uint64(off)
		inst, err := Decode(code[off:])
		if err != nil || inst.Len == 0 {
			out = append(out, Line{pc, code[off : off+1], fmt.Sprintf("db 0x%02x", code[off])})
			off++
			continue
		}
		text := strings.ToLower(x86asm.IntelSyntax(inst, pc, sym))
		out = append(out, Line{pc, code[off : off+inst.Len], text})
		off += inst.Len
	}
	return out
}

// Decode decodes one 64-bit instruction.
func Decode(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}

// BranchTarget returns the absolute target of a rel32 jmp or call at site.
func BranchTarget(code []byte, site uint64) (op x86asm.Op, target uint64, ok bool) {
	inst, err := Decode(code)
	if err != nil {
		return 0, 0, false
	}
	if inst.Op != x86asm.JMP && inst.Op != x86asm.CALL {
		return 0, 0, false
	}
	rel, isRel := inst.Args[0].(x86asm.Rel)
	if !isRel {
		return 0, 0, false
	}
	return inst.Op, site + uint64(inst.Len) + uint64(int64(rel)), true
}
