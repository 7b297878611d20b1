package tc32

import (
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

const (
	// guest address of the timer period register; a store there
	// reprograms the timer and 0 disables it
	TimerReg = 0x1ffff0
	// interrupts enter here with the old pc in epc
	IntVector = 0x100
)

// Timer raises the interrupt line every Period guest cycles.
type Timer struct {
	Period  uint64
	Pending bool
	count   uint64
}

func (t *Timer) SetPeriod(period uint64) {
	t.Period = period
	t.count = 0
	if period == 0 {
		t.Pending = false
	}
}

// Tick advances the timer by executed guest cycles.
func (t *Timer) Tick(cycles uint64) {
	if t.Period == 0 {
		return
	}
	t.count += cycles
	if t.count >= t.Period {
		t.count %= t.Period
		t.Pending = true
	}
}

// Intc delivers the timer interrupt to the guest context.
type Intc struct {
	Ctx    *Context
	Timer  *Timer
	Tracer trace.Tracer
	// interrupts delivered
	Taken uint64
}

// Ready reports whether an interrupt would be taken right now.
func (i *Intc) Ready() (bool, error) {
	if !i.Timer.Pending {
		return false, nil
	}
	flags, err := i.Ctx.Read(OffFlags)
	if err != nil {
		return false, err
	}
	return flags&FlagIE != 0, nil
}

// Check vectors the guest to IntVector if an interrupt is ready. It runs
// from the interrupt thunk, before dispatch reads the pc.
func (i *Intc) Check(c cpu.Cpu) error {
	ready, err := i.Ready()
	if err != nil || !ready {
		return err
	}
	ctx := i.Ctx
	pc, err := ctx.Read(OffPC)
	if err != nil {
		return err
	}
	flags, err := ctx.Read(OffFlags)
	if err != nil {
		return err
	}
	if err := ctx.Write(OffEPC, pc); err != nil {
		return err
	}
	if err := ctx.Write(OffPC, IntVector); err != nil {
		return err
	}
	if err := ctx.Write(OffFlags, flags&^FlagIE); err != nil {
		return err
	}
	if err := ctx.Write(OffHalted, 0); err != nil {
		return err
	}
	i.Timer.Pending = false
	i.Taken++
	if i.Tracer != nil {
		i.Tracer.Trace(&trace.Op{Kind: trace.OP_INTERRUPT, Pc: pc, Arg: IntVector})
	}
	return nil
}
