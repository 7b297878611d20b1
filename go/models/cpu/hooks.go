package cpu

import (
	"github.com/pkg/errors"
)

type hook struct {
	htype      int
	begin, end uint64
	cb         interface{}
}

// begin > end matches every address, same as unicorn
func (h *hook) contains(addr uint64) bool {
	return h.begin > h.end || addr >= h.begin && addr <= h.end
}

// Hooks implements HookAdd/HookDel and the On* dispatchers for interpreted
// cpus. Callbacks use the same signatures as the unicorn wrapper.
type Hooks struct {
	cpu Cpu
	all []*hook

	// per-type views of all, rebuilt on add/del
	code, block, intr, mem, fault []*hook
}

// NewHooks creates a hook table. If mem is non-nil it dispatches its
// read/write/fault hooks through this table.
func NewHooks(cpu Cpu, mem *Mem) *Hooks {
	h := &Hooks{cpu: cpu}
	if mem != nil {
		mem.hooks = h
	}
	return h
}

func (h *Hooks) rebuild() {
	h.code, h.block, h.intr, h.mem, h.fault = nil, nil, nil, nil, nil
	for _, hh := range h.all {
		switch {
		case hh.htype == HOOK_CODE:
			h.code = append(h.code, hh)
		case hh.htype == HOOK_BLOCK:
			h.block = append(h.block, hh)
		case hh.htype == HOOK_INTR:
			h.intr = append(h.intr, hh)
		case hh.htype == HOOK_MEM_ERR:
			h.fault = append(h.fault, hh)
		default:
			h.mem = append(h.mem, hh)
		}
	}
}

func (h *Hooks) HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (Hook, error) {
	var ok bool
	switch htype {
	case HOOK_CODE, HOOK_BLOCK:
		_, ok = cb.(func(Cpu, uint64, uint32))
	case HOOK_INTR:
		_, ok = cb.(func(Cpu, uint32))
	case HOOK_MEM_READ, HOOK_MEM_WRITE, HOOK_MEM_READ | HOOK_MEM_WRITE:
		_, ok = cb.(func(Cpu, int, uint64, int, int64))
	case HOOK_MEM_ERR:
		_, ok = cb.(func(Cpu, int, uint64, int, int64) bool)
	default:
		return nil, errors.Errorf("unknown hook type: %d", htype)
	}
	if !ok {
		return nil, errors.Errorf("wrong callback type for hook %d: %T", htype, cb)
	}
	hh := &hook{htype: htype, begin: begin, end: end, cb: cb}
	h.all = append(h.all, hh)
	h.rebuild()
	return hh, nil
}

func (h *Hooks) HookDel(hh Hook) error {
	for i, v := range h.all {
		if v == hh {
			h.all = append(h.all[:i:i], h.all[i+1:]...)
			h.rebuild()
			return nil
		}
	}
	return errors.New("hook not found")
}

func (h *Hooks) OnBlock(addr uint64, size uint32) {
	for _, v := range h.block {
		if v.contains(addr) {
			v.cb.(func(Cpu, uint64, uint32))(h.cpu, addr, size)
		}
	}
}

func (h *Hooks) OnCode(addr uint64, size uint32) {
	for _, v := range h.code {
		if v.contains(addr) {
			v.cb.(func(Cpu, uint64, uint32))(h.cpu, addr, size)
		}
	}
}

func (h *Hooks) OnIntr(intno uint32) {
	for _, v := range h.intr {
		v.cb.(func(Cpu, uint32))(h.cpu, intno)
	}
}

// HasIntr reports whether anything will observe OnIntr.
func (h *Hooks) HasIntr() bool { return len(h.intr) > 0 }

func (h *Hooks) OnMem(access int, addr uint64, size int, val int64) {
	want := HOOK_MEM_READ
	if access == MEM_WRITE {
		want = HOOK_MEM_WRITE
	}
	for _, v := range h.mem {
		if v.htype&want != 0 && v.contains(addr) {
			v.cb.(func(Cpu, int, uint64, int, int64))(h.cpu, access, addr, size, val)
		}
	}
}

// OnFault returns true if any hook handled the fault.
func (h *Hooks) OnFault(access int, addr uint64, size int, val int64) bool {
	for _, v := range h.fault {
		if v.contains(addr) {
			if v.cb.(func(Cpu, int, uint64, int, int64) bool)(h.cpu, access, addr, size, val) {
				return true
			}
		}
	}
	return false
}
