package dispatch

import (
	"github.com/pkg/errors"

	. "github.com/jitcorn/jitcorn/go/arch/x64"
)

const thunkAlign = 32

// callee-saved registers the enter thunk preserves, in push order
var savedRegs = []Reg{RBX, RBP, R12, R13, R14, R15}

func (b *Backend) emitThunks() error {
	compileStub, err := b.calls.emit(b.code, "compile_block", b.compileBlock)
	if err != nil {
		return err
	}
	edgeStub, err := b.calls.emit(b.code, "add_edge", b.addEdge)
	if err != nil {
		return err
	}
	intrStub, err := b.calls.emit(b.code, "interrupt_check", b.interruptCheck)
	if err != nil {
		return err
	}
	var logStub uint64
	if b.opts.LogDispatchEveryN > 0 {
		if logStub, err = b.calls.emit(b.code, "log_dispatch", b.logDispatch); err != nil {
			return err
		}
	}

	g := b.guest
	pc := M(R14, g.OffsetPC)
	t := &b.thunks
	a := NewAssembler(b.code.Pos())

	// exit: undo enter and return to whoever started the cpu
	a.Align(thunkAlign)
	t.Exit = a.Addr()
	a.AluImm64(ADD, RSP, StackSize+8)
	for i := len(savedRegs) - 1; i >= 0; i-- {
		a.Pop(savedRegs[i])
	}
	a.Ret()

	// dynamic: jmp [cache + slot(pc)]
	a.Align(thunkAlign)
	t.Dynamic = a.Addr()
	if logStub != 0 {
		a.CallAbs(logStub)
	}
	shift := b.cache.Shift()
	a.MovImm64(RAX, b.cache.Addr())
	a.Load32(RCX, pc)
	a.AluImm32(AND, RCX, int32(b.cache.Mask()))
	scaleShift := shift
	if shift > 3 {
		a.Shift32(SHR, RCX, byte(shift-3))
		scaleShift = 3
	}
	a.JmpMem(MIdx(RAX, RCX, byte(slotSize>>scaleShift)))

	// compile: build the block at pc, then dispatch again
	a.Align(thunkAlign)
	t.Compile = a.Addr()
	a.Load32(RDI, pc)
	a.CallAbs(compileStub)
	a.JmpAbs(t.Dynamic)

	// static: reached by "call static" from a block, so the return
	// address locates the patch slot
	a.Align(thunkAlign)
	t.Static = a.Addr()
	a.Pop(RDI)
	if b.Linking() {
		a.AluImm64(SUB, RDI, PatchSize)
		a.Load32(RSI, pc)
		a.CallAbs(edgeStub)
	}
	a.JmpAbs(t.Dynamic)

	// interrupt: let the guest devices move pc, then dispatch
	a.Align(thunkAlign)
	t.Interrupt = a.Addr()
	a.CallAbs(intrStub)
	a.JmpAbs(t.Dynamic)

	t.Enter = b.emitEnter(a, t.Dynamic)
	t.EnterInterrupt = b.emitEnter(a, t.Interrupt)

	// the return address of enter; the cpu stops before running it
	a.Align(thunkAlign)
	b.sentinel = a.Addr()
	a.Int3()

	code, err := a.Bytes()
	if err != nil {
		return err
	}
	addr, err := b.code.Emit(code)
	if err != nil {
		return err
	}
	if addr != a.Base() {
		return errors.Errorf("thunks assembled for %#x but emitted at %#x", a.Base(), addr)
	}
	return nil
}

// emitEnter saves host state, binds r14 to the context and r15 to guest
// memory, loads the cycle budget from edi and jumps to next.
func (b *Backend) emitEnter(a *Assembler, next uint64) uint64 {
	g := b.guest
	a.Align(thunkAlign)
	addr := a.Addr()
	for _, r := range savedRegs {
		a.Push(r)
	}
	a.AluImm64(SUB, RSP, StackSize+8)
	a.MovImm64(R14, g.CtxAddr)
	a.MovImm64(R15, g.MemAddr)
	a.Store32(M(R14, g.OffsetCycles), RDI)
	a.StoreImm32(M(R14, g.OffsetInstrs), 0)
	a.JmpAbs(next)
	return addr
}
