package x64

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// PatchSize is the length of a rel32 call or jmp. Patched call sites are
// exactly this long in both states.
const PatchSize = 5

type AluOp byte

// values are the /digit of the 0x81/0x83 group
const (
	ADD AluOp = 0
	OR  AluOp = 1
	AND AluOp = 4
	SUB AluOp = 5
	XOR AluOp = 6
	CMP AluOp = 7
)

type ShiftOp byte

const (
	SHL ShiftOp = 4
	SHR ShiftOp = 5
)

// Cond is the low nibble of a jcc opcode.
type Cond byte

const (
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xc
	CondGE Cond = 0xd
	CondLE Cond = 0xe
	CondG  Cond = 0xf
)

// Mem is a [base + index*scale + disp] operand. Scale 0 means no index.
type Mem struct {
	Base  Reg
	Index Reg
	Scale byte
	Disp  int32
}

func M(base Reg, disp int32) Mem { return Mem{Base: base, Disp: disp} }

func MIdx(base, index Reg, scale byte) Mem {
	return Mem{Base: base, Index: index, Scale: scale}
}

type Label int

type fixup struct {
	at    int
	label Label
}

// Assembler emits x86-64 code for a known load address, so rel32 targets
// can be given as absolute host addresses.
type Assembler struct {
	base   uint64
	buf    []byte
	labels []int
	fixups []fixup
	err    error
}

func NewAssembler(base uint64) *Assembler {
	return &Assembler{base: base}
}

func (a *Assembler) Base() uint64 { return a.base }
func (a *Assembler) Len() int     { return len(a.buf) }

// Addr is the host address of the next emitted byte.
func (a *Assembler) Addr() uint64 { return a.base + uint64(len(a.buf)) }

// Bytes resolves label fixups and returns the code.
func (a *Assembler) Bytes() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, errors.Errorf("unbound label %d", f.label)
		}
		rel := int32(target - (f.at + 4))
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(rel))
	}
	a.fixups = nil
	return a.buf, nil
}

func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

func (a *Assembler) Bind(l Label) {
	a.labels[l] = len(a.buf)
}

func (a *Assembler) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *Assembler) emit32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *Assembler) emit64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// Align pads with nop to a multiple of n relative to the host address.
func (a *Assembler) Align(n int) {
	for a.Addr()%uint64(n) != 0 {
		a.emit(0x90)
	}
}

// rex emits a REX prefix when w is set or any register is extended.
func (a *Assembler) rex(w bool, reg, index, base Reg) {
	b := byte(0x40)
	if w {
		b |= 8
	}
	if reg >= R8 {
		b |= 4
	}
	if index >= R8 {
		b |= 2
	}
	if base >= R8 {
		b |= 1
	}
	if b != 0x40 {
		a.emit(b)
	}
}

func (a *Assembler) rexMem(w bool, reg Reg, m Mem) {
	index := RAX
	if m.Scale != 0 {
		index = m.Index
	}
	a.rex(w, reg, index, m.Base)
}

func fits8(v int32) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

// modrm emits the ModRM/SIB/displacement for a memory operand. rbp and r13
// bases always carry a displacement; rsp and r12 bases need a SIB byte.
func (a *Assembler) modrm(reg Reg, m Mem) {
	var mod byte
	switch {
	case m.Disp == 0 && m.Base&7 != 5:
		mod = 0x00
	case fits8(m.Disp):
		mod = 0x40
	default:
		mod = 0x80
	}
	r := (byte(reg) & 7) << 3
	if m.Scale != 0 {
		if m.Index == RSP {
			a.fail(errors.New("rsp cannot be an index register"))
		}
		var ss byte
		switch m.Scale {
		case 1:
		case 2:
			ss = 1
		case 4:
			ss = 2
		case 8:
			ss = 3
		default:
			a.fail(errors.Errorf("invalid scale %d", m.Scale))
		}
		a.emit(mod|r|4, ss<<6|(byte(m.Index)&7)<<3|byte(m.Base)&7)
	} else if m.Base&7 == 4 {
		a.emit(mod|r|4, 0x24)
	} else {
		a.emit(mod | r | byte(m.Base)&7)
	}
	switch mod {
	case 0x40:
		a.emit(byte(int8(m.Disp)))
	case 0x80:
		a.emit32(uint32(m.Disp))
	}
}

func (a *Assembler) modrmReg(reg, rm Reg) {
	a.emit(0xc0 | (byte(reg)&7)<<3 | byte(rm)&7)
}

func (a *Assembler) Push(r Reg) {
	a.rex(false, 0, 0, r)
	a.emit(0x50 + byte(r)&7)
}

func (a *Assembler) Pop(r Reg) {
	a.rex(false, 0, 0, r)
	a.emit(0x58 + byte(r)&7)
}

// MovImm64: mov r64, imm64
func (a *Assembler) MovImm64(r Reg, imm uint64) {
	a.rex(true, 0, 0, r)
	a.emit(0xb8 + byte(r)&7)
	a.emit64(imm)
}

// MovImm32: mov r32, imm32 (zero-extends)
func (a *Assembler) MovImm32(r Reg, imm uint32) {
	a.rex(false, 0, 0, r)
	a.emit(0xb8 + byte(r)&7)
	a.emit32(imm)
}

func (a *Assembler) Mov32(dst, src Reg) {
	a.rex(false, src, 0, dst)
	a.emit(0x89)
	a.modrmReg(src, dst)
}

func (a *Assembler) Mov64(dst, src Reg) {
	a.rex(true, src, 0, dst)
	a.emit(0x89)
	a.modrmReg(src, dst)
}

func (a *Assembler) Load32(dst Reg, m Mem) {
	a.rexMem(false, dst, m)
	a.emit(0x8b)
	a.modrm(dst, m)
}

func (a *Assembler) Load64(dst Reg, m Mem) {
	a.rexMem(true, dst, m)
	a.emit(0x8b)
	a.modrm(dst, m)
}

func (a *Assembler) Store32(m Mem, src Reg) {
	a.rexMem(false, src, m)
	a.emit(0x89)
	a.modrm(src, m)
}

func (a *Assembler) Store64(m Mem, src Reg) {
	a.rexMem(true, src, m)
	a.emit(0x89)
	a.modrm(src, m)
}

// StoreImm32: mov dword [m], imm32
func (a *Assembler) StoreImm32(m Mem, imm uint32) {
	a.rexMem(false, 0, m)
	a.emit(0xc7)
	a.modrm(0, m)
	a.emit32(imm)
}

// Alu32: op dst, src
func (a *Assembler) Alu32(op AluOp, dst, src Reg) {
	a.rex(false, src, 0, dst)
	a.emit(byte(op)<<3 | 1)
	a.modrmReg(src, dst)
}

func (a *Assembler) aluImm(w bool, op AluOp, dst Reg, imm int32) {
	a.rex(w, 0, 0, dst)
	if fits8(imm) {
		a.emit(0x83)
		a.modrmReg(Reg(op), dst)
		a.emit(byte(int8(imm)))
	} else {
		a.emit(0x81)
		a.modrmReg(Reg(op), dst)
		a.emit32(uint32(imm))
	}
}

// AluImm32: op r32, imm
func (a *Assembler) AluImm32(op AluOp, dst Reg, imm int32) { a.aluImm(false, op, dst, imm) }

// AluImm64: op r64, imm (sign-extended)
func (a *Assembler) AluImm64(op AluOp, dst Reg, imm int32) { a.aluImm(true, op, dst, imm) }

// AluLoad32: op r32, dword [m]
func (a *Assembler) AluLoad32(op AluOp, dst Reg, m Mem) {
	a.rexMem(false, dst, m)
	a.emit(byte(op)<<3 | 3)
	a.modrm(dst, m)
}

// AluMemImm32: op dword [m], imm
func (a *Assembler) AluMemImm32(op AluOp, m Mem, imm int32) {
	a.rexMem(false, 0, m)
	if fits8(imm) {
		a.emit(0x83)
		a.modrm(Reg(op), m)
		a.emit(byte(int8(imm)))
	} else {
		a.emit(0x81)
		a.modrm(Reg(op), m)
		a.emit32(uint32(imm))
	}
}

// Shift32: shl/shr r32, imm8
func (a *Assembler) Shift32(op ShiftOp, r Reg, n byte) {
	a.rex(false, 0, 0, r)
	a.emit(0xc1)
	a.modrmReg(Reg(op), r)
	a.emit(n & 31)
}

func rel32(site, target uint64) (int32, error) {
	rel := int64(target) - int64(site+PatchSize)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return 0, errors.Errorf("rel32 out of range: %#x -> %#x", site, target)
	}
	return int32(rel), nil
}

// EncodeJmp returns the PatchSize bytes of "jmp target" placed at site.
func EncodeJmp(site, target uint64) ([]byte, error) {
	rel, err := rel32(site, target)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32([]byte{0xe9}, uint32(rel)), nil
}

// EncodeCall returns the PatchSize bytes of "call target" placed at site.
func EncodeCall(site, target uint64) ([]byte, error) {
	rel, err := rel32(site, target)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32([]byte{0xe8}, uint32(rel)), nil
}

func (a *Assembler) JmpAbs(target uint64) {
	code, err := EncodeJmp(a.Addr(), target)
	if err != nil {
		a.fail(err)
		return
	}
	a.emit(code...)
}

func (a *Assembler) CallAbs(target uint64) {
	code, err := EncodeCall(a.Addr(), target)
	if err != nil {
		a.fail(err)
		return
	}
	a.emit(code...)
}

// JmpMem: jmp qword [m]
func (a *Assembler) JmpMem(m Mem) {
	a.rexMem(false, 0, m)
	a.emit(0xff)
	a.modrm(4, m)
}

func (a *Assembler) Jmp(l Label) {
	a.emit(0xe9)
	a.fixups = append(a.fixups, fixup{len(a.buf), l})
	a.emit32(0)
}

func (a *Assembler) Jcc(c Cond, l Label) {
	a.emit(0x0f, 0x80|byte(c))
	a.fixups = append(a.fixups, fixup{len(a.buf), l})
	a.emit32(0)
}

func (a *Assembler) Int(n byte) { a.emit(0xcd, n) }
func (a *Assembler) Int3()      { a.emit(0xcc) }
func (a *Assembler) Ret()       { a.emit(0xc3) }
func (a *Assembler) Nop()       { a.emit(0x90) }
