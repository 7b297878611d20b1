package tc32

import "fmt"

const (
	// every guest address is masked with this before use
	AddrMask = 0x001ffffc
	MemSize  = 0x200000
	InsSize  = 4
)

// Ins is one decoded instruction word.
type Ins struct {
	Op         uint8
	Rd, Rs, Rt uint8
	// signed imm18, except lui (unsigned imm18) and j/jal (word index)
	Imm int32
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

func Decode(word uint32) Ins {
	ins := Ins{Op: uint8(word >> 26)}
	if !ins.Valid() {
		ins.Imm = int32(word & 0x3ffffff)
		return ins
	}
	rd, rs := uint8(word>>22)&0xf, uint8(word>>18)&0xf
	switch opData[ins.Op].form {
	case F_JUMP:
		ins.Imm = int32(word & 0x3ffffff)
	case F_RRR:
		ins.Rd, ins.Rs, ins.Rt = rd, rs, uint8(word>>14)&0xf
	case F_RI:
		ins.Rd = rd
		if ins.Op == OP_LUI {
			ins.Imm = int32(word & 0x3ffff)
		} else {
			ins.Imm = signExtend(word&0x3ffff, 18)
		}
	case F_REG:
		ins.Rs = rs
	case F_RRI, F_MEM, F_BR:
		ins.Rd, ins.Rs = rd, rs
		ins.Imm = signExtend(word&0x3ffff, 18)
	}
	return ins
}

func (i Ins) Encode() uint32 {
	word := uint32(i.Op) << 26
	if !i.Valid() || opData[i.Op].form == F_JUMP {
		return word | uint32(i.Imm)&0x3ffffff
	}
	word |= uint32(i.Rd&0xf)<<22 | uint32(i.Rs&0xf)<<18
	if opData[i.Op].form == F_RRR {
		return word | uint32(i.Rt&0xf)<<14
	}
	return word | uint32(i.Imm)&0x3ffff
}

func (i Ins) Valid() bool {
	return i.Op < opCount
}

func (i Ins) Name() string {
	if !i.Valid() {
		return fmt.Sprintf("op%d", i.Op)
	}
	return opData[i.Op].name
}

// EndsBlock reports whether control may leave straight-line flow after i.
func (i Ins) EndsBlock() bool {
	return !i.Valid() || opData[i.Op].branch
}

// Target is the absolute destination of a j, jal, beq or bne at pc.
func (i Ins) Target(pc uint32) uint32 {
	switch i.Op {
	case OP_J, OP_JAL:
		return (uint32(i.Imm) << 2) & AddrMask
	case OP_BEQ, OP_BNE:
		return (pc + InsSize + uint32(i.Imm)*InsSize) & AddrMask
	}
	return 0
}

func regName(r uint8) string {
	switch r {
	case SP:
		return "sp"
	case LR:
		return "lr"
	}
	return fmt.Sprintf("r%d", r)
}

// Format renders i at pc. sym may name branch targets and can be nil.
func (i Ins) Format(pc uint32, sym func(uint32) string) string {
	if !i.Valid() {
		return fmt.Sprintf(".word %#x", i.Encode())
	}
	target := func(addr uint32) string {
		if sym != nil {
			if name := sym(addr); name != "" {
				return name
			}
		}
		return fmt.Sprintf("%#x", addr)
	}
	name := i.Name()
	switch opData[i.Op].form {
	case F_RI:
		if i.Op == OP_LUI {
			return fmt.Sprintf("%s %s, %#x", name, regName(i.Rd), i.Imm)
		}
		return fmt.Sprintf("%s %s, %d", name, regName(i.Rd), i.Imm)
	case F_RRI:
		return fmt.Sprintf("%s %s, %s, %d", name, regName(i.Rd), regName(i.Rs), i.Imm)
	case F_RRR:
		return fmt.Sprintf("%s %s, %s, %s", name, regName(i.Rd), regName(i.Rs), regName(i.Rt))
	case F_MEM:
		return fmt.Sprintf("%s %s, %d(%s)", name, regName(i.Rd), i.Imm, regName(i.Rs))
	case F_JUMP:
		return fmt.Sprintf("%s %s", name, target(i.Target(pc)))
	case F_REG:
		return fmt.Sprintf("%s %s", name, regName(i.Rs))
	case F_BR:
		return fmt.Sprintf("%s %s, %s, %s", name, regName(i.Rd), regName(i.Rs), target(i.Target(pc)))
	}
	return name
}

func (i Ins) String() string {
	return i.Format(0, nil)
}
