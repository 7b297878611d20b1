package x64

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

type encCase struct {
	emit func(a *Assembler)
	op   x86asm.Op
	args []x86asm.Arg
}

func mem(base x86asm.Reg, disp int64) x86asm.Mem { return x86asm.Mem{Base: base, Disp: disp} }

var encCases = []encCase{
	{func(a *Assembler) { a.Push(RBX) }, x86asm.PUSH, []x86asm.Arg{x86asm.RBX}},
	{func(a *Assembler) { a.Push(R12) }, x86asm.PUSH, []x86asm.Arg{x86asm.R12}},
	{func(a *Assembler) { a.Pop(R15) }, x86asm.POP, []x86asm.Arg{x86asm.R15}},
	{func(a *Assembler) { a.MovImm64(RAX, 0x20000000) }, x86asm.MOV, []x86asm.Arg{x86asm.RAX, x86asm.Imm(0x20000000)}},
	{func(a *Assembler) { a.MovImm32(R9, 7) }, x86asm.MOV, []x86asm.Arg{x86asm.R9L, x86asm.Imm(7)}},
	{func(a *Assembler) { a.Mov64(R14, RDI) }, x86asm.MOV, []x86asm.Arg{x86asm.R14, x86asm.RDI}},
	{func(a *Assembler) { a.Mov32(RAX, R13) }, x86asm.MOV, []x86asm.Arg{x86asm.EAX, x86asm.R13L}},
	{func(a *Assembler) { a.Load32(RCX, M(R14, 0x40)) }, x86asm.MOV, []x86asm.Arg{x86asm.ECX, mem(x86asm.R14, 0x40)}},
	{func(a *Assembler) { a.Load32(RAX, MIdx(R15, RSI, 1)) }, x86asm.MOV,
		[]x86asm.Arg{x86asm.EAX, x86asm.Mem{Base: x86asm.R15, Index: x86asm.RSI, Scale: 1}}},
	{func(a *Assembler) { a.Store32(MIdx(R15, RSI, 1), RAX) }, x86asm.MOV,
		[]x86asm.Arg{x86asm.Mem{Base: x86asm.R15, Index: x86asm.RSI, Scale: 1}, x86asm.EAX}},
	{func(a *Assembler) { a.Load64(RAX, M(RSP, 8)) }, x86asm.MOV,
		[]x86asm.Arg{x86asm.RAX, x86asm.Mem{Base: x86asm.RSP, Scale: 1, Disp: 8}}},
	{func(a *Assembler) { a.Store32(M(R13, 0), RDX) }, x86asm.MOV, []x86asm.Arg{mem(x86asm.R13, 0), x86asm.EDX}},
	{func(a *Assembler) { a.Store64(M(R14, -8), R8) }, x86asm.MOV, []x86asm.Arg{mem(x86asm.R14, -8), x86asm.R8}},
	{func(a *Assembler) { a.StoreImm32(M(R14, 0x40), 0x1004) }, x86asm.MOV, []x86asm.Arg{mem(x86asm.R14, 0x40), x86asm.Imm(0x1004)}},
	{func(a *Assembler) { a.StoreImm32(M(R14, 0x200), 0x80000000) }, x86asm.MOV,
		[]x86asm.Arg{mem(x86asm.R14, 0x200), x86asm.Imm(-0x80000000)}},
	{func(a *Assembler) { a.AluImm32(AND, RCX, 0x1ffffc) }, x86asm.AND, []x86asm.Arg{x86asm.ECX, x86asm.Imm(0x1ffffc)}},
	{func(a *Assembler) { a.AluImm64(SUB, RSP, 0x408) }, x86asm.SUB, []x86asm.Arg{x86asm.RSP, x86asm.Imm(0x408)}},
	{func(a *Assembler) { a.AluImm64(SUB, RDI, PatchSize) }, x86asm.SUB, []x86asm.Arg{x86asm.RDI, x86asm.Imm(5)}},
	{func(a *Assembler) { a.AluLoad32(CMP, RAX, M(R14, 4)) }, x86asm.CMP, []x86asm.Arg{x86asm.EAX, mem(x86asm.R14, 4)}},
	{func(a *Assembler) { a.AluMemImm32(SUB, M(R14, 0x44), 3) }, x86asm.SUB, []x86asm.Arg{mem(x86asm.R14, 0x44), x86asm.Imm(3)}},
	{func(a *Assembler) { a.AluMemImm32(OR, M(R14, 0x4c), 0x10000) }, x86asm.OR, []x86asm.Arg{mem(x86asm.R14, 0x4c), x86asm.Imm(0x10000)}},
	{func(a *Assembler) { a.Alu32(XOR, RAX, RDX) }, x86asm.XOR, []x86asm.Arg{x86asm.EAX, x86asm.EDX}},
	{func(a *Assembler) { a.Shift32(SHR, RCX, 2) }, x86asm.SHR, []x86asm.Arg{x86asm.ECX, x86asm.Imm(2)}},
	{func(a *Assembler) { a.JmpMem(MIdx(RAX, RCX, 2)) }, x86asm.JMP,
		[]x86asm.Arg{x86asm.Mem{Base: x86asm.RAX, Index: x86asm.RCX, Scale: 2}}},
	{func(a *Assembler) { a.Int(0x81) }, x86asm.INT, []x86asm.Arg{x86asm.Imm(0x81)}},
	{func(a *Assembler) { a.Ret() }, x86asm.RET, nil},
}

func TestEncodings(t *testing.T) {
	for i, c := range encCases {
		a := NewAssembler(0x1000)
		c.emit(a)
		code, err := a.Bytes()
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		inst, err := Decode(code)
		if err != nil {
			t.Fatalf("case %d: decode %x: %v", i, code, err)
		}
		if inst.Len != len(code) {
			t.Errorf("case %d: decoded %d of %d bytes (%x)", i, inst.Len, len(code), code)
		}
		if inst.Op != c.op {
			t.Errorf("case %d: op %v, expected %v", i, inst.Op, c.op)
			continue
		}
		for j, arg := range c.args {
			if inst.Args[j] != arg {
				t.Errorf("case %d: %v arg %d = %#v, expected %#v", i, inst.Op, j, inst.Args[j], arg)
			}
		}
	}
}

func TestDisassemble(t *testing.T) {
	a := NewAssembler(0x1000)
	a.Push(RBX)
	a.Ret()
	code, _ := a.Bytes()
	code = append(code, 0x06) // invalid in 64-bit mode
	lines := Disassemble(code, 0x1000, nil)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[1].Addr != 0x1001 || lines[2].Addr != 0x1002 {
		t.Fatalf("bad line addresses: %#x %#x", lines[1].Addr, lines[2].Addr)
	}
	if lines[2].Text != "db 0x06" {
		t.Fatalf("invalid byte rendered as %q", lines[2].Text)
	}
}

func TestLabels(t *testing.T) {
	a := NewAssembler(0x4000)
	skip := a.NewLabel()
	a.AluMemImm32(CMP, M(R14, 0x44), 0)
	a.Jcc(CondG, skip)
	a.Nop()
	a.Bind(skip)
	a.Ret()
	code, err := a.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	inst, err := Decode(code[5:])
	if err != nil {
		t.Fatal(err)
	}
	if inst.Op != x86asm.JG || inst.Len != 6 {
		t.Fatalf("expected 6-byte jg, got %v (%d bytes)", inst, inst.Len)
	}
	// jg lands on the ret after the nop
	if rel := inst.Args[0].(x86asm.Rel); rel != 1 {
		t.Fatalf("jg rel = %d, expected 1", rel)
	}

	b := NewAssembler(0)
	b.Jmp(b.NewLabel())
	if _, err := b.Bytes(); err == nil {
		t.Fatal("unbound label did not fail")
	}
}

func TestPatchEncoding(t *testing.T) {
	site, target := uint64(0x10000100), uint64(0x10000020)
	jmp, err := EncodeJmp(site, target)
	if err != nil {
		t.Fatal(err)
	}
	call, err := EncodeCall(site, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(jmp) != PatchSize || len(call) != PatchSize {
		t.Fatalf("patch lengths %d/%d, expected %d", len(jmp), len(call), PatchSize)
	}
	if op, dst, ok := BranchTarget(jmp, site); !ok || op != x86asm.JMP || dst != target {
		t.Fatalf("jmp decodes to %v %#x", op, dst)
	}
	if op, dst, ok := BranchTarget(call, site); !ok || op != x86asm.CALL || dst != target {
		t.Fatalf("call decodes to %v %#x", op, dst)
	}
	if _, _, ok := BranchTarget([]byte{0x90, 0x90, 0x90, 0x90, 0x90}, site); ok {
		t.Fatal("nop decoded as a branch")
	}
	// assembler-emitted calls match the standalone encoding
	a := NewAssembler(site)
	a.CallAbs(target)
	code, _ := a.Bytes()
	if !bytes.Equal(code, call) {
		t.Fatalf("CallAbs %x != EncodeCall %x", code, call)
	}
	if _, err := EncodeJmp(0, 1<<33); err == nil {
		t.Fatal("out of range rel32 accepted")
	}
}

func TestAlign(t *testing.T) {
	a := NewAssembler(0x1001)
	a.Align(32)
	if a.Addr() != 0x1020 {
		t.Fatalf("aligned to %#x", a.Addr())
	}
	code, _ := a.Bytes()
	if !bytes.Equal(code, bytes.Repeat([]byte{0x90}, 0x1f)) {
		t.Fatal("alignment padding is not nops")
	}
}
