package interp

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

func sizeMask(size int) uint64 {
	return ^uint64(0) >> (64 - 8*uint(size))
}

func signBit(size int) uint64 {
	return 1 << (8*uint(size) - 1)
}

// regIndex maps a decoded register to our enum and its width in bytes.
func regIndex(r x86asm.Reg) (int, int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, true
	case r == x86asm.RIP:
		return int(x64.RIP), 8, true
	}
	return 0, 0, false
}

func (c *InterpCpu) reg(r x86asm.Reg) (uint64, error) {
	idx, size, ok := regIndex(r)
	if !ok {
		return 0, errors.Errorf("unsupported register %v", r)
	}
	return c.Get(idx) & sizeMask(size), nil
}

func (c *InterpCpu) memAddr(m x86asm.Mem, next uint64) (uint64, error) {
	var addr uint64
	switch m.Base {
	case 0:
	case x86asm.RIP:
		addr = next
	default:
		v, err := c.reg(m.Base)
		if err != nil {
			return 0, err
		}
		addr = v
	}
	if m.Index != 0 {
		v, err := c.reg(m.Index)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	return addr + uint64(m.Disp), nil
}

// argSize is the operand width in bytes of a destination argument.
func argSize(inst *x86asm.Inst, a x86asm.Arg) int {
	switch v := a.(type) {
	case x86asm.Reg:
		if _, size, ok := regIndex(v); ok {
			return size
		}
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return inst.MemBytes
		}
	}
	return inst.DataSize / 8
}

func (c *InterpCpu) read(inst *x86asm.Inst, a x86asm.Arg, size int, next uint64) (uint64, error) {
	switch v := a.(type) {
	case x86asm.Reg:
		return c.reg(v)
	case x86asm.Imm:
		return uint64(v) & sizeMask(size), nil
	case x86asm.Mem:
		addr, err := c.memAddr(v, next)
		if err != nil {
			return 0, err
		}
		return c.ReadUint(addr, size, cpu.PROT_READ)
	}
	return 0, errors.Errorf("unsupported operand %v", a)
}

func (c *InterpCpu) write(inst *x86asm.Inst, a x86asm.Arg, size int, val uint64, next uint64) error {
	switch v := a.(type) {
	case x86asm.Reg:
		idx, _, ok := regIndex(v)
		if !ok {
			return errors.Errorf("unsupported register %v", v)
		}
		// 32-bit writes zero-extend
		c.Set(idx, val&sizeMask(size))
		return nil
	case x86asm.Mem:
		addr, err := c.memAddr(v, next)
		if err != nil {
			return err
		}
		if err := c.WriteUint(addr, size, cpu.PROT_WRITE, val); err != nil {
			return err
		}
		c.codeWritten(addr, size)
		return nil
	}
	return errors.Errorf("unsupported destination %v", a)
}

func (c *InterpCpu) push(val uint64) error {
	sp := c.Get(int(x64.RSP)) - 8
	if err := c.WriteUint(sp, 8, cpu.PROT_WRITE, val); err != nil {
		return err
	}
	c.Set(int(x64.RSP), sp)
	return nil
}

func (c *InterpCpu) pop() (uint64, error) {
	sp := c.Get(int(x64.RSP))
	val, err := c.ReadUint(sp, 8, cpu.PROT_READ)
	if err != nil {
		return 0, err
	}
	c.Set(int(x64.RSP), sp+8)
	return val, nil
}

func (c *InterpCpu) setFlags(res uint64, size int, cf, of bool) {
	var f uint64
	res &= sizeMask(size)
	if res == 0 {
		f |= x64.FlagZF
	}
	if res&signBit(size) != 0 {
		f |= x64.FlagSF
	}
	if cf {
		f |= x64.FlagCF
	}
	if of {
		f |= x64.FlagOF
	}
	c.Set(int(x64.RFLAGS), f)
}

func (c *InterpCpu) cond(op x86asm.Op) (bool, error) {
	f := c.Get(int(x64.RFLAGS))
	zf, sf, cf, of := f&x64.FlagZF != 0, f&x64.FlagSF != 0, f&x64.FlagCF != 0, f&x64.FlagOF != 0
	switch op {
	case x86asm.JE:
		return zf, nil
	case x86asm.JNE:
		return !zf, nil
	case x86asm.JG:
		return !zf && sf == of, nil
	case x86asm.JGE:
		return sf == of, nil
	case x86asm.JL:
		return sf != of, nil
	case x86asm.JLE:
		return zf || sf != of, nil
	case x86asm.JA:
		return !cf && !zf, nil
	case x86asm.JAE:
		return !cf, nil
	case x86asm.JB:
		return cf, nil
	case x86asm.JBE:
		return cf || zf, nil
	case x86asm.JS:
		return sf, nil
	case x86asm.JNS:
		return !sf, nil
	}
	return false, errors.Errorf("unsupported condition %v", op)
}

func (c *InterpCpu) target(inst *x86asm.Inst, next uint64) (uint64, error) {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return next + uint64(int64(rel)), nil
	}
	return c.read(inst, inst.Args[0], 8, next)
}

func (c *InterpCpu) exec(pc uint64, inst *x86asm.Inst) error {
	next := pc + uint64(inst.Len)
	rip := next
	switch inst.Op {
	case x86asm.NOP:

	case x86asm.MOV:
		size := argSize(inst, inst.Args[0])
		v, err := c.read(inst, inst.Args[1], size, next)
		if err != nil {
			return err
		}
		if err := c.write(inst, inst.Args[0], size, v, next); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP:
		size := argSize(inst, inst.Args[0])
		a, err := c.read(inst, inst.Args[0], size, next)
		if err != nil {
			return err
		}
		b, err := c.read(inst, inst.Args[1], size, next)
		if err != nil {
			return err
		}
		mask, sign := sizeMask(size), signBit(size)
		var res uint64
		var cf, of bool
		switch inst.Op {
		case x86asm.ADD:
			res = (a + b) & mask
			cf = res < a
			of = (a^res)&(b^res)&sign != 0
		case x86asm.SUB, x86asm.CMP:
			res = (a - b) & mask
			cf = a < b
			of = (a^b)&(a^res)&sign != 0
		case x86asm.AND:
			res = a & b
		case x86asm.OR:
			res = a | b
		case x86asm.XOR:
			res = a ^ b
		}
		c.setFlags(res, size, cf, of)
		if inst.Op != x86asm.CMP {
			if err := c.write(inst, inst.Args[0], size, res, next); err != nil {
				return err
			}
		}

	case x86asm.SHL, x86asm.SHR:
		size := argSize(inst, inst.Args[0])
		a, err := c.read(inst, inst.Args[0], size, next)
		if err != nil {
			return err
		}
		n, err := c.read(inst, inst.Args[1], 1, next)
		if err != nil {
			return err
		}
		if size == 8 {
			n &= 63
		} else {
			n &= 31
		}
		if n == 0 {
			break
		}
		var res uint64
		var cf bool
		if inst.Op == x86asm.SHL {
			res = (a << n) & sizeMask(size)
			cf = (a>>(8*uint64(size)-n))&1 != 0
		} else {
			res = a >> n
			cf = (a>>(n-1))&1 != 0
		}
		c.setFlags(res, size, cf, false)
		if err := c.write(inst, inst.Args[0], size, res, next); err != nil {
			return err
		}

	case x86asm.PUSH:
		v, err := c.read(inst, inst.Args[0], 8, next)
		if err != nil {
			return err
		}
		if err := c.push(v); err != nil {
			return err
		}

	case x86asm.POP:
		v, err := c.pop()
		if err != nil {
			return err
		}
		if err := c.write(inst, inst.Args[0], 8, v, next); err != nil {
			return err
		}

	case x86asm.CALL:
		dst, err := c.target(inst, next)
		if err != nil {
			return err
		}
		if err := c.push(next); err != nil {
			return err
		}
		rip = dst

	case x86asm.JMP:
		dst, err := c.target(inst, next)
		if err != nil {
			return err
		}
		rip = dst

	case x86asm.RET:
		dst, err := c.pop()
		if err != nil {
			return err
		}
		rip = dst

	case x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JS, x86asm.JNS:
		taken, err := c.cond(inst.Op)
		if err != nil {
			return err
		}
		if taken {
			rip = next + uint64(int64(inst.Args[0].(x86asm.Rel)))
		}

	case x86asm.INT:
		if !c.HasIntr() {
			return errors.Errorf("unhandled interrupt %v", inst.Args[0])
		}
		var intno uint32 = 3
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			intno = uint32(imm)
		}
		// hooks see rip after the int, like hardware, and may move it
		c.Set(int(x64.RIP), next)
		c.OnIntr(intno)
		return nil

	case x86asm.HLT:
		return errors.New("hlt")

	default:
		return errors.Errorf("unsupported instruction %v", inst.Op)
	}
	if rip != next {
		c.OnBlock(rip, 0)
	}
	c.Set(int(x64.RIP), rip)
	return nil
}
