package tc32

import (
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

const Name = "tc32"

// NewGuest describes a TC32 cpu whose context is at ctxAddr and whose
// guest memory is mapped at memAddr. check may be nil.
func NewGuest(ctxAddr, memAddr uint64, check func(cpu.Cpu) error) *jit.Guest {
	return &jit.Guest{
		Name:           Name,
		AddrMask:       AddrMask,
		OffsetPC:       OffPC,
		OffsetCycles:   OffCycles,
		OffsetInstrs:   OffInstrs,
		CtxAddr:        ctxAddr,
		MemAddr:        memAddr,
		MemSize:        MemSize,
		InterruptCheck: check,
	}
}
