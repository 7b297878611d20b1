package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

// longest legal x86 instruction
const maxInsLen = 15

type Builder struct{}

func (b *Builder) New() (cpu.Cpu, error) {
	c := &InterpCpu{
		Regs:    cpu.NewRegs(64, x64.Regs()),
		Mem:     cpu.NewMem(binary.LittleEndian),
		decoded: make(map[uint64]*x86asm.Inst),
	}
	c.Hooks = cpu.NewHooks(c, c.Mem)
	return c, nil
}

// InterpCpu interprets the x86-64 subset emitted by arch/x64. It stands in
// for the host processor, so translated blocks and thunks run the same way
// they would natively.
type InterpCpu struct {
	*cpu.Hooks
	*cpu.Regs
	*cpu.Mem

	// decoded instructions by address, dropped when executable memory changes
	decoded map[uint64]*x86asm.Inst

	exitRequest bool
	// Steps counts executed instructions across Start calls
	Steps uint64
}

func (c *InterpCpu) Start(begin, until uint64) error {
	c.exitRequest = false
	c.Set(int(x64.RIP), begin)
	c.OnBlock(begin, 0)
	for !c.exitRequest {
		pc := c.Get(int(x64.RIP))
		if pc == until {
			break
		}
		inst, err := c.fetch(pc)
		if err != nil {
			return err
		}
		c.OnCode(pc, uint32(inst.Len))
		// a code hook may stop us before the instruction runs
		if c.exitRequest {
			break
		}
		if err := c.exec(pc, inst); err != nil {
			return errors.Wrapf(err, "host cpu at %#x (%v)", pc, inst)
		}
		c.Steps++
	}
	return nil
}

func (c *InterpCpu) Stop() error {
	c.exitRequest = true
	return nil
}

func (c *InterpCpu) Close() error {
	c.decoded = nil
	return nil
}

func (c *InterpCpu) fetch(pc uint64) (*x86asm.Inst, error) {
	if inst, ok := c.decoded[pc]; ok {
		return inst, nil
	}
	page := c.FindPage(pc)
	if page == nil {
		c.OnFault(cpu.MEM_FETCH_UNMAPPED, pc, 1, 0)
		return nil, &cpu.MemError{Addr: pc, Size: 1, Enum: cpu.MEM_FETCH_UNMAPPED}
	}
	if page.Prot&cpu.PROT_EXEC == 0 {
		c.OnFault(cpu.MEM_FETCH_PROT, pc, 1, 0)
		return nil, &cpu.MemError{Addr: pc, Size: 1, Enum: cpu.MEM_FETCH_PROT}
	}
	off := pc - page.Addr
	end := off + maxInsLen
	if end > page.Size {
		end = page.Size
	}
	inst, err := x86asm.Decode(page.Data[off:end], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "decode at %#x: % x", pc, page.Data[off:end])
	}
	c.decoded[pc] = &inst
	return &inst, nil
}

// codeWritten drops decoded instructions that overlap a write to
// executable memory.
func (c *InterpCpu) codeWritten(addr uint64, size int) {
	if len(c.decoded) == 0 {
		return
	}
	if page := c.FindPage(addr); page == nil || page.Prot&cpu.PROT_EXEC == 0 {
		return
	}
	if size > 64 {
		c.decoded = make(map[uint64]*x86asm.Inst)
		return
	}
	start := uint64(0)
	if addr >= maxInsLen-1 {
		start = addr - (maxInsLen - 1)
	}
	for a := start; a < addr+uint64(size); a++ {
		delete(c.decoded, a)
	}
}

func (c *InterpCpu) MemWrite(addr uint64, p []byte) error {
	if err := c.Mem.MemWrite(addr, p); err != nil {
		return err
	}
	c.codeWritten(addr, len(p))
	return nil
}

func (c *InterpCpu) MemProt(addr, size uint64, prot int) error {
	c.decoded = make(map[uint64]*x86asm.Inst)
	return c.Mem.MemProt(addr, size, prot)
}

func (c *InterpCpu) MemUnmap(addr, size uint64) error {
	c.decoded = make(map[uint64]*x86asm.Inst)
	return c.Mem.MemUnmap(addr, size)
}

func (c *InterpCpu) String() string {
	var s string
	for _, r := range x64.Regs() {
		s += fmt.Sprintf("%s=%#x ", x64.Reg(r), c.Get(r))
	}
	return s
}
