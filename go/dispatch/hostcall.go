package dispatch

import (
	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

// host calls trap out of generated code with this interrupt
const hostCallIntr = 0x81

// HostFunc is a Go callback reachable from generated code. Its arguments
// arrive in rdi and rsi.
type HostFunc func(c cpu.Cpu, a0, a1 uint64) error

type hostCall struct {
	name string
	fn   HostFunc
}

// hostCalls owns one "int 0x81; ret" stub per callback and the interrupt
// hook that routes a stub back to its callback.
type hostCalls struct {
	cpu   cpu.Cpu
	stubs map[uint64]*hostCall
	hook  cpu.Hook
	// first callback error of the current run
	err error
}

func newHostCalls(c cpu.Cpu) (*hostCalls, error) {
	h := &hostCalls{cpu: c, stubs: make(map[uint64]*hostCall)}
	hh, err := c.HookAdd(cpu.HOOK_INTR, h.interrupt, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "adding host call hook")
	}
	h.hook = hh
	return h, nil
}

// emit places a stub for fn in code and returns its address.
func (h *hostCalls) emit(code *jit.CodeBuffer, name string, fn HostFunc) (uint64, error) {
	if err := code.Align(16); err != nil {
		return 0, err
	}
	a := x64.NewAssembler(code.Pos())
	a.Int(hostCallIntr)
	a.Ret()
	buf, err := a.Bytes()
	if err != nil {
		return 0, err
	}
	addr, err := code.Emit(buf)
	if err != nil {
		return 0, errors.Wrapf(err, "emitting %s stub", name)
	}
	h.stubs[addr] = &hostCall{name, fn}
	return addr, nil
}

func (h *hostCalls) fail(c cpu.Cpu, err error) {
	if h.err == nil {
		h.err = err
	}
	c.Stop()
}

func (h *hostCalls) interrupt(c cpu.Cpu, intno uint32) {
	if intno != hostCallIntr {
		rip, _ := c.RegRead(int(x64.RIP))
		h.fail(c, errors.Errorf("unexpected host interrupt %#x at %#x", intno, rip))
		return
	}
	rip, err := c.RegRead(int(x64.RIP))
	if err != nil {
		h.fail(c, err)
		return
	}
	// rip is past the 2-byte int
	call, ok := h.stubs[rip-2]
	if !ok {
		h.fail(c, errors.Errorf("host call from unknown stub %#x", rip-2))
		return
	}
	a0, _ := c.RegRead(int(x64.RDI))
	a1, _ := c.RegRead(int(x64.RSI))
	if err := call.fn(c, a0, a1); err != nil {
		h.fail(c, errors.Wrap(err, call.name))
	}
}

func (h *hostCalls) close() error {
	return h.cpu.HookDel(h.hook)
}
