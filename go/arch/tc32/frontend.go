package tc32

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/jit"
)

// MaxBlockInstrs caps straight-line blocks; a longer run continues in the
// next block through a static branch.
const MaxBlockInstrs = 64

// Frontend compiles TC32 blocks to x86-64. Generated code addresses the
// context through r14 and guest memory through r15.
type Frontend struct{}

type compiler struct {
	a   *x64.Assembler
	env *jit.Env
}

func ctxMem(off int32) x64.Mem { return x64.M(x64.R14, off) }
func regMem(r uint8) x64.Mem { return ctxMem(regOff(int(r))) }

// load reads guest register gr into host register r.
func (c *compiler) load(r x64.Reg, gr uint8) {
	if gr == R0 {
		c.a.MovImm32(r, 0)
	} else {
		c.a.Load32(r, regMem(gr))
	}
}

func (c *compiler) store(gr uint8, r x64.Reg) {
	if gr != R0 {
		c.a.Store32(regMem(gr), r)
	}
}

// guestAddr leaves the masked guest address rs+imm in rsi.
func (c *compiler) guestAddr(rs uint8, imm int32) {
	c.load(x64.RSI, rs)
	if imm != 0 {
		c.a.AluImm32(x64.ADD, x64.RSI, imm)
	}
	c.a.AluImm32(x64.AND, x64.RSI, AddrMask)
}

// static ends the block with a patchable branch to target.
func (c *compiler) static(target uint32) {
	c.a.StoreImm32(ctxMem(OffPC), target)
	c.a.CallAbs(c.env.Thunks.Static)
}

func (c *compiler) exit() {
	c.a.JmpAbs(c.env.Thunks.Exit)
}

var aluOps = map[uint8]x64.AluOp{
	OP_ADD: x64.ADD,
	OP_SUB: x64.SUB,
	OP_AND: x64.AND,
	OP_OR:  x64.OR,
	OP_XOR: x64.XOR,
}

// emit translates one instruction. Terminators emit their own exits.
func (c *compiler) emit(pc uint32, ins Ins) {
	a := c.a
	next := (pc + InsSize) & AddrMask
	switch ins.Op {
	case OP_NOP:

	case OP_LI:
		if ins.Rd != R0 {
			a.StoreImm32(regMem(ins.Rd), uint32(ins.Imm))
		}
	case OP_LUI:
		if ins.Rd != R0 {
			a.StoreImm32(regMem(ins.Rd), uint32(ins.Imm)<<14)
		}
	case OP_ADDI:
		c.load(x64.RAX, ins.Rs)
		a.AluImm32(x64.ADD, x64.RAX, ins.Imm)
		c.store(ins.Rd, x64.RAX)
	case OP_ADD, OP_SUB, OP_AND, OP_OR, OP_XOR:
		c.load(x64.RAX, ins.Rs)
		c.load(x64.RCX, ins.Rt)
		a.Alu32(aluOps[ins.Op], x64.RAX, x64.RCX)
		c.store(ins.Rd, x64.RAX)
	case OP_SHLI, OP_SHRI:
		op := x64.SHL
		if ins.Op == OP_SHRI {
			op = x64.SHR
		}
		c.load(x64.RAX, ins.Rs)
		a.Shift32(op, x64.RAX, byte(ins.Imm&31))
		c.store(ins.Rd, x64.RAX)
	case OP_LW:
		c.guestAddr(ins.Rs, ins.Imm)
		a.Load32(x64.RAX, x64.MIdx(x64.R15, x64.RSI, 1))
		c.store(ins.Rd, x64.RAX)
	case OP_SW:
		c.guestAddr(ins.Rs, ins.Imm)
		c.load(x64.RAX, ins.Rd)
		a.Store32(x64.MIdx(x64.R15, x64.RSI, 1), x64.RAX)

	case OP_EI:
		a.AluMemImm32(x64.OR, ctxMem(OffFlags), FlagIE)
	case OP_DI:
		a.AluMemImm32(x64.AND, ctxMem(OffFlags), ^FlagIE)

	case OP_J:
		c.static(ins.Target(pc))
	case OP_JAL:
		a.StoreImm32(regMem(LR), next)
		c.static(ins.Target(pc))
	case OP_JR:
		c.load(x64.RAX, ins.Rs)
		a.AluImm32(x64.AND, x64.RAX, AddrMask)
		a.Store32(ctxMem(OffPC), x64.RAX)
		a.JmpAbs(c.env.Thunks.Dynamic)
	case OP_BEQ, OP_BNE:
		c.load(x64.RAX, ins.Rd)
		c.load(x64.RCX, ins.Rs)
		a.Alu32(x64.CMP, x64.RAX, x64.RCX)
		notTaken := a.NewLabel()
		if ins.Op == OP_BEQ {
			a.Jcc(x64.CondNE, notTaken)
		} else {
			a.Jcc(x64.CondE, notTaken)
		}
		c.static(ins.Target(pc))
		a.Bind(notTaken)
		c.static(next)
	case OP_RTI:
		a.Load32(x64.RAX, ctxMem(OffEPC))
		a.Store32(ctxMem(OffPC), x64.RAX)
		a.AluMemImm32(x64.OR, ctxMem(OffFlags), FlagIE)
		a.JmpAbs(c.env.Thunks.Dynamic)
	case OP_HALT:
		a.StoreImm32(ctxMem(OffPC), next)
		a.StoreImm32(ctxMem(OffHalted), 1)
		c.exit()
	}
}

// Compile translates the block at pc: a cycle check, the straight-line
// instructions and a terminator.
func (f *Frontend) Compile(a *x64.Assembler, pc uint32, env *jit.Env) (*jit.Translation, error) {
	c := &compiler{a: a, env: env}
	pc &= AddrMask

	type decoded struct {
		pc   uint32
		word uint32
		ins  Ins
	}
	var body []decoded
	addr := pc
	for len(body) < MaxBlockInstrs {
		buf, err := env.ReadGuest(addr, InsSize)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %#x", addr)
		}
		word := binary.LittleEndian.Uint32(buf)
		ins := Decode(word)
		body = append(body, decoded{addr, word, ins})
		addr = (addr + InsSize) & AddrMask
		if ins.EndsBlock() {
			break
		}
	}
	last := body[len(body)-1]
	n := len(body)
	if !last.ins.Valid() {
		n--
	}

	// out of cycles: leave with the context at the block start
	enter := a.NewLabel()
	a.AluMemImm32(x64.CMP, ctxMem(OffCycles), 0)
	a.Jcc(x64.CondG, enter)
	a.StoreImm32(ctxMem(OffPC), pc)
	c.exit()
	a.Bind(enter)
	if n > 0 {
		a.AluMemImm32(x64.SUB, ctxMem(OffCycles), int32(n))
		a.AluMemImm32(x64.ADD, ctxMem(OffInstrs), int32(n))
	}

	for _, d := range body {
		if !d.ins.Valid() {
			a.StoreImm32(ctxMem(OffPC), d.pc)
			a.StoreImm32(ctxMem(OffFault), d.word)
			c.exit()
			break
		}
		c.emit(d.pc, d.ins)
	}
	if !last.ins.EndsBlock() {
		c.static(addr)
	}
	return &jit.Translation{GuestSize: uint32(len(body)) * InsSize, Instrs: n}, nil
}
