package jitcorn

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/arch/x64"
	hostcpu "github.com/jitcorn/jitcorn/go/cpu"
	"github.com/jitcorn/jitcorn/go/dispatch"
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/loader"
	"github.com/jitcorn/jitcorn/go/models"
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

// Machine is one TC32 guest running on a host cpu: its context, memory,
// code cache and devices. Machines share nothing.
type Machine struct {
	Config *models.Config

	cpu     cpu.Cpu
	code    *jit.CodeBuffer
	guest   *jit.Guest
	Backend *dispatch.Backend
	Jit     *jit.Jit
	ctx     *tc32.Context
	Timer   *tc32.Timer
	intc    *tc32.Intc
	image   *loader.Image

	Counter   *trace.Counter
	tracer    trace.Tracer
	traceFile *trace.Writer
	memHook   cpu.Hook

	// frames run and guest cycles executed
	Frames uint64
	Cycles uint64
	// set once the guest halts or faults
	exit error
}

// NewMachine maps the host layout, loads img and wires the dispatch engine.
func NewMachine(config *models.Config, img *loader.Image) (*Machine, error) {
	config = config.Init()
	c, err := hostcpu.New(config.Backend)
	if err != nil {
		return nil, err
	}
	m := &Machine{Config: config, cpu: c, image: img, Counter: &trace.Counter{}}
	if err := m.setup(); err != nil {
		c.Close()
		return nil, err
	}
	if img != nil {
		if err := m.Load(img); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) setup() error {
	config := m.Config
	tracers := trace.Multi{m.Counter}
	if config.Trace.Events {
		tracers = append(tracers, &trace.Printer{W: config.Output, Color: config.Color})
	}
	if config.Trace.Tracefile != "" {
		f, err := os.Create(config.Trace.Tracefile)
		if err != nil {
			return errors.Wrap(err, "creating trace file")
		}
		if m.traceFile, err = trace.NewWriter(f, tc32.Name, tc32.AddrMask); err != nil {
			f.Close()
			return err
		}
		tracers = append(tracers, m.traceFile)
	}
	m.tracer = tracers

	_, ctxSize := pageRange(CTX_BASE, tc32.ContextSize)
	if err := m.cpu.MemMapProt(CTX_BASE, ctxSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mapping context")
	}
	if err := m.cpu.MemMapProt(GUEST_BASE, tc32.MemSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mapping guest memory")
	}
	code, err := jit.NewCodeBuffer(m.cpu, CODE_BASE, config.CodeSize)
	if err != nil {
		return err
	}
	m.code = code

	m.ctx = tc32.NewContext(m.cpu, CTX_BASE)
	m.Timer = &tc32.Timer{}
	m.Timer.SetPeriod(uint64(config.TimerPeriod))
	m.intc = &tc32.Intc{Ctx: m.ctx, Timer: m.Timer, Tracer: m.tracer}
	m.guest = tc32.NewGuest(CTX_BASE, GUEST_BASE, m.intc.Check)

	m.Backend = dispatch.New(m.cpu, code, m.guest, &dispatch.Options{
		CacheAddr:         CACHE_BASE,
		StackTop:          STACK_TOP,
		LinkEdges:         config.LinkEdges,
		LogDispatchEveryN: config.LogDispatchEveryN,
		Tracer:            m.tracer,
	})
	m.Backend.Init()
	m.Jit = jit.New(m.cpu, m.Backend, code, &tc32.Frontend{}, m.guest, &jit.Options{
		LinkEdges: m.Backend.Linking(),
		Tracer:    m.tracer,
	})
	m.Backend.SetHandler(m.Jit)

	m.memHook, err = m.cpu.HookAdd(cpu.HOOK_MEM_WRITE, m.guestWrite, GUEST_BASE, GUEST_BASE+tc32.MemSize-1)
	if err != nil {
		return errors.Wrap(err, "adding write hook")
	}
	config.Debugf("[code %#x+%#x cache %#x ctx %#x guest %#x]\n", CODE_BASE, config.CodeSize, CACHE_BASE, CTX_BASE, GUEST_BASE)
	return nil
}

// guestWrite sees every guest store. Stores into compiled code drop the
// affected blocks; a store to the timer register reprograms it.
func (m *Machine) guestWrite(_ cpu.Cpu, access int, addr uint64, size int, val int64) {
	gaddr := uint32(addr - GUEST_BASE)
	if gaddr == tc32.TimerReg {
		m.Timer.SetPeriod(uint64(uint32(val)))
	}
	m.Jit.InvalidateRange(gaddr, uint32(size))
}

// Load copies img into guest memory and resets the context to its entry.
func (m *Machine) Load(img *loader.Image) error {
	for _, seg := range img.Segments {
		if uint64(seg.Addr)+uint64(len(seg.Data)) > tc32.MemSize {
			return errors.Errorf("segment %#x+%#x outside guest memory", seg.Addr, len(seg.Data))
		}
		if err := m.MemWrite(seg.Addr, seg.Data); err != nil {
			return err
		}
	}
	if err := m.ctx.Reset(); err != nil {
		return err
	}
	if err := m.ctx.SetReg(tc32.SP, GUEST_STACK); err != nil {
		return err
	}
	m.image = img
	m.exit = nil
	return m.SetPC(img.Entry)
}

func (m *Machine) Close() error {
	var err error
	if m.traceFile != nil {
		err = m.traceFile.Close()
		m.traceFile = nil
	}
	if m.memHook != nil {
		m.cpu.HookDel(m.memHook)
		m.memHook = nil
	}
	if m.Backend != nil {
		if cerr := m.Backend.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := m.cpu.Close(); err == nil {
		err = cerr
	}
	return err
}

// halt records why emulation ended and returns it.
func (m *Machine) halt(err error) error {
	m.exit = err
	if status, ok := err.(models.ExitStatus); ok {
		pc, _ := m.PC()
		m.tracer.Trace(&trace.Op{Kind: trace.OP_EXIT, Pc: pc, Arg: uint64(status)})
	}
	return err
}

// Exited returns the exit status or fault once the guest has stopped.
func (m *Machine) Exited() error {
	return m.exit
}

// RunFrame runs the guest for one cycle budget. A pending, enabled
// interrupt is delivered before the first dispatch.
func (m *Machine) RunFrame() error {
	if m.exit != nil {
		return m.exit
	}
	budget := m.Config.CyclesPerFrame
	ready, err := m.intc.Ready()
	if err != nil {
		return err
	}
	halted, err := m.ctx.Read(tc32.OffHalted)
	if err != nil {
		return err
	}
	if halted != 0 && !ready {
		if m.Timer.Period == 0 {
			// nothing can wake us
			return m.halt(m.exitStatus())
		}
		m.Cycles += uint64(budget)
		m.Timer.Tick(uint64(budget))
		m.Frames++
		return nil
	}

	run := m.Backend.Run
	if ready {
		run = m.Backend.RunInterrupt
	}
	if err := run(int32(budget)); err != nil {
		return m.halt(err)
	}
	remaining, err := m.ctx.Read(tc32.OffCycles)
	if err != nil {
		return err
	}
	executed := uint64(int64(budget) - int64(int32(remaining)))
	m.Cycles += executed
	m.Timer.Tick(executed)
	m.Frames++

	if fault, err := m.ctx.Read(tc32.OffFault); err != nil || fault != 0 {
		if err != nil {
			return err
		}
		pc, _ := m.PC()
		return m.halt(errors.Errorf("invalid instruction %#08x at %#x", fault, pc))
	}
	if halted, err = m.ctx.Read(tc32.OffHalted); err != nil || halted == 0 {
		return err
	}
	flags, err := m.ctx.Read(tc32.OffFlags)
	if err != nil {
		return err
	}
	if flags&tc32.FlagIE == 0 {
		return m.halt(m.exitStatus())
	}
	return nil
}

func (m *Machine) exitStatus() error {
	r1, err := m.ctx.Reg(tc32.R1)
	if err != nil {
		return err
	}
	return models.ExitStatus(int32(r1))
}

// Run loops frames until the guest halts or faults, or Config.Frames
// frames have run.
func (m *Machine) Run() error {
	for start := m.Frames; m.Config.Frames == 0 || m.Frames-start < uint64(m.Config.Frames); {
		if err := m.RunFrame(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) Reg(r int) (uint32, error)      { return m.ctx.Reg(r) }
func (m *Machine) SetReg(r int, val uint32) error { return m.ctx.SetReg(r, val) }
func (m *Machine) PC() (uint32, error)            { return m.ctx.Read(tc32.OffPC) }

func (m *Machine) SetPC(pc uint32) error {
	return m.ctx.Write(tc32.OffPC, pc&tc32.AddrMask)
}

func (m *Machine) Context() *tc32.Context { return m.ctx }
func (m *Machine) Image() *loader.Image   { return m.image }

func (m *Machine) checkRange(addr, size uint32) error {
	if uint64(addr)+uint64(size) > tc32.MemSize {
		return errors.Errorf("guest range %#x+%#x out of bounds", addr, size)
	}
	return nil
}

func (m *Machine) MemRead(addr, size uint32) ([]byte, error) {
	if err := m.checkRange(addr, size); err != nil {
		return nil, err
	}
	return m.cpu.MemRead(GUEST_BASE+uint64(addr), uint64(size))
}

// MemWrite stores into guest memory from outside the guest, dropping any
// compiled code it overwrites.
func (m *Machine) MemWrite(addr uint32, p []byte) error {
	if err := m.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	if err := m.cpu.MemWrite(GUEST_BASE+uint64(addr), p); err != nil {
		return err
	}
	m.Jit.InvalidateRange(addr, uint32(len(p)))
	return nil
}

// Invalidate forces the block at pc to be recompiled.
func (m *Machine) Invalidate(pc uint32) {
	m.Jit.InvalidateBlock(pc)
}

// Dis disassembles count guest instructions at addr.
func (m *Machine) Dis(addr uint32, count int) ([]tc32.Line, error) {
	mem, err := m.MemRead(addr&^3, uint32(count)*tc32.InsSize)
	if err != nil {
		return nil, err
	}
	return tc32.Dis(mem, addr&^3), nil
}

// Symbolicate names a guest address from the image symbols.
func (m *Machine) Symbolicate(addr uint32) string {
	if m.image == nil {
		return ""
	}
	return m.image.Symbolicate(addr)
}

// hostSym names thunks and block entries in host disassembly.
func (m *Machine) hostSym(addr uint64) (string, uint64) {
	t := m.Backend.Thunks()
	for name, base := range map[string]uint64{
		"enter": t.Enter, "enter_interrupt": t.EnterInterrupt, "exit": t.Exit,
		"dynamic": t.Dynamic, "static": t.Static, "compile": t.Compile, "interrupt": t.Interrupt,
	} {
		if addr == base {
			return name, base
		}
	}
	if b := m.Jit.BlockAtHost(addr); b != nil && b.Host == addr {
		return fmt.Sprintf("block_%x", b.Pc), addr
	}
	return "", 0
}

// HostDis disassembles the compiled code for the block at pc.
func (m *Machine) HostDis(pc uint32) ([]x64.Line, error) {
	b := m.Jit.Block(pc)
	if b == nil {
		return nil, errors.Errorf("no block at %#x", pc)
	}
	code, err := m.code.Read(b.Host, b.HostSize)
	if err != nil {
		return nil, err
	}
	return x64.Disassemble(code, b.Host, m.hostSym), nil
}

// Bits and RegDump let models.StatusDiff show guest registers.
func (m *Machine) Bits() int { return 32 }

var ctxRegs = []struct {
	name string
	off  int32
}{
	{"pc", tc32.OffPC},
	{"flags", tc32.OffFlags},
	{"epc", tc32.OffEPC},
}

func (m *Machine) RegDump() ([]models.RegVal, error) {
	var out []models.RegVal
	for i, name := range tc32.RegNames() {
		val, err := m.ctx.Reg(i)
		if err != nil {
			return nil, err
		}
		out = append(out, models.RegVal{Enum: i, Name: name, Val: uint64(val)})
	}
	for i, r := range ctxRegs {
		val, err := m.ctx.Read(r.off)
		if err != nil {
			return nil, err
		}
		out = append(out, models.RegVal{Enum: tc32.NumRegs + i, Name: r.name, Val: uint64(val)})
	}
	return out, nil
}

// Stats summarizes engine activity.
func (m *Machine) Stats() string {
	st := m.Jit.Stats()
	return fmt.Sprintf("frames=%d cycles=%d blocks=%d edges=%d compiles=%d links=%d unlinks=%d invalidations=%d flushes=%d code=%#x/%#x",
		m.Frames, m.Cycles, len(m.Jit.Blocks()), len(m.Jit.Edges()), st.Compiles, st.Links, st.Unlinks,
		st.Invalidations, st.Flushes, m.code.Used(), m.Config.CodeSize)
}
