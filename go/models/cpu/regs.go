package cpu

import (
	"github.com/pkg/errors"
)

// Regs is a slice-backed register file. Enums index directly into vals, so
// the largest enum decides the allocation; valid rejects holes.
type Regs struct {
	mask  uint64
	vals  []uint64
	valid []bool
}

func NewRegs(bits uint, enums []int) *Regs {
	max := 0
	for _, e := range enums {
		if e > max {
			max = e
		}
	}
	r := &Regs{
		mask:  ^uint64(0) >> (64 - bits),
		vals:  make([]uint64, max+1),
		valid: make([]bool, max+1),
	}
	for _, e := range enums {
		r.valid[e] = true
	}
	return r
}

func (r *Regs) ok(enum int) bool {
	return enum >= 0 && enum < len(r.valid) && r.valid[enum]
}

func (r *Regs) RegRead(enum int) (uint64, error) {
	if !r.ok(enum) {
		return 0, errors.Errorf("invalid register: %d", enum)
	}
	return r.vals[enum], nil
}

func (r *Regs) RegWrite(enum int, val uint64) error {
	if !r.ok(enum) {
		return errors.Errorf("invalid register: %d", enum)
	}
	r.vals[enum] = val & r.mask
	return nil
}

// Get and Set skip validation for interpreter hot paths.
func (r *Regs) Get(enum int) uint64 { return r.vals[enum] }

func (r *Regs) Set(enum int, val uint64) { r.vals[enum] = val & r.mask }

// state that isn't a register (flags, for example) must live in a register
// enum to survive ContextSave
func (r *Regs) ContextSave(reuse interface{}) (interface{}, error) {
	var s []uint64
	if reuse != nil {
		var ok bool
		if s, ok = reuse.([]uint64); !ok || len(s) != len(r.vals) {
			return nil, errors.New("incorrect context type")
		}
	} else {
		s = make([]uint64, len(r.vals))
	}
	copy(s, r.vals)
	return s, nil
}

func (r *Regs) ContextRestore(ctx interface{}) error {
	s, ok := ctx.([]uint64)
	if !ok || len(s) != len(r.vals) {
		return errors.New("incorrect context type")
	}
	copy(r.vals, s)
	return nil
}
