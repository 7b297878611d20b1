//go:build unicorn

package unicorn

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

// x64 enum -> unicorn register
var regMap = [...]int{
	x64.RAX:    uc.X86_REG_RAX,
	x64.RCX:    uc.X86_REG_RCX,
	x64.RDX:    uc.X86_REG_RDX,
	x64.RBX:    uc.X86_REG_RBX,
	x64.RSP:    uc.X86_REG_RSP,
	x64.RBP:    uc.X86_REG_RBP,
	x64.RSI:    uc.X86_REG_RSI,
	x64.RDI:    uc.X86_REG_RDI,
	x64.R8:     uc.X86_REG_R8,
	x64.R9:     uc.X86_REG_R9,
	x64.R10:    uc.X86_REG_R10,
	x64.R11:    uc.X86_REG_R11,
	x64.R12:    uc.X86_REG_R12,
	x64.R13:    uc.X86_REG_R13,
	x64.R14:    uc.X86_REG_R14,
	x64.R15:    uc.X86_REG_R15,
	x64.RIP:    uc.X86_REG_RIP,
	x64.RFLAGS: uc.X86_REG_EFLAGS,
}

type Builder struct{}

func (b *Builder) New() (cpu.Cpu, error) {
	u, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	return &UnicornCpu{u}, nil
}

// UnicornCpu runs host code under Unicorn's x86-64 emulation.
type UnicornCpu struct {
	uc.Unicorn
}

func (u *UnicornCpu) Backend() interface{} {
	return u.Unicorn
}

func mapReg(enum int) (int, error) {
	if enum < 0 || enum >= len(regMap) {
		return 0, errors.Errorf("invalid register enum: %d", enum)
	}
	return regMap[enum], nil
}

func (u *UnicornCpu) RegRead(enum int) (uint64, error) {
	reg, err := mapReg(enum)
	if err != nil {
		return 0, err
	}
	return u.Unicorn.RegRead(reg)
}

func (u *UnicornCpu) RegWrite(enum int, val uint64) error {
	reg, err := mapReg(enum)
	if err != nil {
		return err
	}
	return u.Unicorn.RegWrite(reg, val)
}

func (u *UnicornCpu) ContextSave(reuse interface{}) (interface{}, error) {
	ctx, _ := reuse.(uc.Context)
	return u.Unicorn.ContextSave(ctx)
}

func (u *UnicornCpu) ContextRestore(ctx interface{}) error {
	return u.Unicorn.ContextRestore(ctx.(uc.Context))
}

func (u *UnicornCpu) HookAdd(htype int, cb interface{}, start uint64, end uint64, extra ...int) (cpu.Hook, error) {
	// wrap every hook so callbacks get the cpu.Cpu, not the raw engine
	var wrap interface{}
	switch htype {
	case cpu.HOOK_BLOCK, cpu.HOOK_CODE:
		cbc := cb.(func(cpu.Cpu, uint64, uint32))
		wrap = func(_ uc.Unicorn, addr uint64, size uint32) { cbc(u, addr, size) }

	case cpu.HOOK_MEM_READ, cpu.HOOK_MEM_WRITE, cpu.HOOK_MEM_READ | cpu.HOOK_MEM_WRITE:
		cbc := cb.(func(cpu.Cpu, int, uint64, int, int64))
		wrap = func(_ uc.Unicorn, access int, addr uint64, size int, val int64) { cbc(u, access, addr, size, val) }

	case cpu.HOOK_INTR:
		cbc := cb.(func(cpu.Cpu, uint32))
		wrap = func(_ uc.Unicorn, intno uint32) { cbc(u, intno) }

	default:
		if htype&cpu.HOOK_MEM_ERR != 0 {
			cbc := cb.(func(cpu.Cpu, int, uint64, int, int64) bool)
			wrap = func(_ uc.Unicorn, access int, addr uint64, size int, val int64) bool {
				return cbc(u, access, addr, size, val)
			}
		} else {
			return 0, errors.Errorf("unknown hook type: %d", htype)
		}
	}
	return u.Unicorn.HookAdd(htype, wrap, start, end, extra...)
}

func (u *UnicornCpu) HookDel(hh cpu.Hook) error {
	return u.Unicorn.HookDel(hh.(uc.Hook))
}

func (u *UnicornCpu) MemMapProt(addr, size uint64, prot int) error {
	return u.Unicorn.MemMapProt(addr, size, prot)
}

func (u *UnicornCpu) MemProt(addr, size uint64, prot int) error {
	return u.Unicorn.MemProtect(addr, size, prot)
}
