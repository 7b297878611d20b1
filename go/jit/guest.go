package jit

import (
	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

// Guest describes the guest cpu to the dispatch engine: its address mask
// and where the execution context and guest memory live in host memory.
type Guest struct {
	Name     string
	AddrMask uint32

	// execution context field offsets
	OffsetPC     int32
	OffsetCycles int32
	OffsetInstrs int32

	CtxAddr uint64
	MemAddr uint64
	MemSize uint64

	// InterruptCheck runs from the interrupt thunk. It may rewrite the
	// context pc before dispatch resumes.
	InterruptCheck func(c cpu.Cpu) error
}

// Thunks are the host addresses of the fixed dispatch fragments.
type Thunks struct {
	Enter          uint64
	EnterInterrupt uint64
	Exit           uint64
	Dynamic        uint64
	Static         uint64
	Compile        uint64
	Interrupt      uint64
}

// Runner is the dispatch backend as seen by the block graph.
type Runner interface {
	Install(pc uint32, host uint64)
	Invalidate(pc uint32)
	Lookup(pc uint32) uint64
	ResetAll()
	PatchEdge(site, dest uint64) error
	RestoreEdge(site uint64) error
	Thunks() Thunks
}

// Env is what a Frontend needs to translate one block.
type Env struct {
	Cpu    cpu.Cpu
	Guest  *Guest
	Thunks Thunks
}

// ReadGuest reads guest memory at a masked guest address.
func (e *Env) ReadGuest(addr uint32, size uint64) ([]byte, error) {
	return e.Cpu.MemRead(e.Guest.MemAddr+uint64(addr&e.Guest.AddrMask), size)
}

// Translation describes a compiled block.
type Translation struct {
	// guest bytes covered, for write tracking
	GuestSize uint32
	Instrs    int
}

// Frontend translates the guest block at pc into host code. Static
// branches must be emitted as "call Thunks.Static" with the target already
// stored to the context pc, dynamic ones as "jmp Thunks.Dynamic".
type Frontend interface {
	Compile(a *x64.Assembler, pc uint32, env *Env) (*Translation, error)
}
