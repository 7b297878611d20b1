package interp

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
)

const (
	codeAddr  = 0x1000
	dataAddr  = 0x3000
	stackAddr = 0x8000
	stackSize = 0x1000
)

func newCpu(t testing.TB) *InterpCpu {
	b := &Builder{}
	c, err := b.New()
	if err != nil {
		t.Fatal(err)
	}
	ic := c.(*InterpCpu)
	if err := ic.MemMapProt(codeAddr, 0x1000, cpu.PROT_READ|cpu.PROT_EXEC); err != nil {
		t.Fatal(err)
	}
	if err := ic.MemMapProt(dataAddr, 0x1000, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	if err := ic.MemMapProt(stackAddr, stackSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	ic.Set(int(x64.RSP), stackAddr+stackSize)
	return ic
}

// load assembles code at addr and returns the address after it
func load(t testing.TB, c *InterpCpu, addr uint64, emit func(a *x64.Assembler)) uint64 {
	a := x64.NewAssembler(addr)
	emit(a)
	code, err := a.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MemWrite(addr, code); err != nil {
		t.Fatal(err)
	}
	return a.Addr()
}

func reg(c *InterpCpu, r x64.Reg) uint64 {
	return c.Get(int(r))
}

func TestCallRet(t *testing.T) {
	c := newCpu(t)
	fn := uint64(codeAddr + 0x100)
	load(t, c, fn, func(a *x64.Assembler) {
		a.AluImm32(x64.ADD, x64.RAX, 1)
		a.Ret()
	})
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm32(x64.RAX, 5)
		a.CallAbs(fn)
		a.Push(x64.RAX)
		a.Pop(x64.RBX)
	})
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if v := reg(c, x64.RBX); v != 6 {
		t.Fatalf("rbx = %d, expected 6", v)
	}
	if sp := reg(c, x64.RSP); sp != stackAddr+stackSize {
		t.Fatalf("rsp = %#x, stack not balanced", sp)
	}
}

func TestAluFlags(t *testing.T) {
	cases := []struct {
		op    x64.AluOp
		a, b  uint32
		res   uint32
		flags uint64
	}{
		{x64.SUB, 1, 2, 0xffffffff, x64.FlagCF | x64.FlagSF},
		{x64.SUB, 5, 5, 0, x64.FlagZF},
		{x64.ADD, 0x7fffffff, 1, 0x80000000, x64.FlagSF | x64.FlagOF},
		{x64.ADD, 0xffffffff, 1, 0, x64.FlagCF | x64.FlagZF},
		{x64.AND, 0xf0, 0x0f, 0, x64.FlagZF},
		{x64.XOR, 0x80000000, 0, 0x80000000, x64.FlagSF},
		{x64.CMP, 3, 7, 3, x64.FlagCF | x64.FlagSF},
	}
	for i, tc := range cases {
		c := newCpu(t)
		end := load(t, c, codeAddr, func(a *x64.Assembler) {
			a.MovImm32(x64.RAX, tc.a)
			a.MovImm32(x64.RDX, tc.b)
			a.Alu32(tc.op, x64.RAX, x64.RDX)
		})
		if err := c.Start(codeAddr, end); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if v := reg(c, x64.RAX); v != uint64(tc.res) {
			t.Errorf("case %d: result %#x, expected %#x", i, v, tc.res)
		}
		if f := reg(c, x64.RFLAGS); f != tc.flags {
			t.Errorf("case %d: flags %#x, expected %#x", i, f, tc.flags)
		}
	}
}

func TestShift(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm32(x64.RCX, 0x1ffffc)
		a.Shift32(x64.SHR, x64.RCX, 2)
		a.MovImm32(x64.RDX, 0x80000001)
		a.Shift32(x64.SHL, x64.RDX, 1)
	})
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if v := reg(c, x64.RCX); v != 0x7ffff {
		t.Fatalf("shr result %#x", v)
	}
	if v := reg(c, x64.RDX); v != 2 {
		t.Fatalf("shl result %#x", v)
	}
	if reg(c, x64.RFLAGS)&x64.FlagCF == 0 {
		t.Fatal("shl did not carry out the top bit")
	}
}

// cycle check the way translated blocks do it: cmp dword [r14], 0; jg
func TestJcc(t *testing.T) {
	cases := []struct {
		cycles int32
		taken  bool
	}{{3, true}, {1, true}, {0, false}, {-4, false}}
	for _, tc := range cases {
		c := newCpu(t)
		if err := c.WriteUint(dataAddr, 4, cpu.PROT_WRITE, uint64(uint32(tc.cycles))); err != nil {
			t.Fatal(err)
		}
		end := load(t, c, codeAddr, func(a *x64.Assembler) {
			body, done := a.NewLabel(), a.NewLabel()
			a.MovImm64(x64.R14, dataAddr)
			a.AluMemImm32(x64.CMP, x64.M(x64.R14, 0), 0)
			a.Jcc(x64.CondG, body)
			a.MovImm32(x64.RAX, 1)
			a.Jmp(done)
			a.Bind(body)
			a.MovImm32(x64.RAX, 2)
			a.Bind(done)
		})
		if err := c.Start(codeAddr, end); err != nil {
			t.Fatal(err)
		}
		taken := reg(c, x64.RAX) == 2
		if taken != tc.taken {
			t.Errorf("cycles=%d: jg taken=%v, expected %v", tc.cycles, taken, tc.taken)
		}
	}
}

// the dynamic dispatch shape: jmp [rax+rcx*scale]
func TestJmpTable(t *testing.T) {
	c := newCpu(t)
	target := uint64(codeAddr + 0x200)
	end := load(t, c, target, func(a *x64.Assembler) {
		a.MovImm32(x64.RDX, 0x77)
	})
	var slot [8]byte
	if _, err := cpu.PackUint(binary.LittleEndian, 8, slot[:], target); err != nil {
		t.Fatal(err)
	}
	if err := c.MemWrite(dataAddr+0x10, slot[:]); err != nil {
		t.Fatal(err)
	}
	load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm64(x64.RAX, dataAddr)
		a.MovImm32(x64.RCX, 8)
		a.JmpMem(x64.MIdx(x64.RAX, x64.RCX, 2))
	})
	var blocks []uint64
	c.HookAdd(cpu.HOOK_BLOCK, func(_ cpu.Cpu, addr uint64, size uint32) {
		blocks = append(blocks, addr)
	}, 1, 0)
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if v := reg(c, x64.RDX); v != 0x77 {
		t.Fatalf("rdx = %#x, table jump missed", v)
	}
	if len(blocks) != 2 || blocks[1] != target {
		t.Fatalf("block hooks saw %#x", blocks)
	}
}

func TestIntHook(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.Int(0x81)
		a.MovImm32(x64.RBX, 1)
	})
	var intno uint32
	var rip uint64
	if _, err := c.HookAdd(cpu.HOOK_INTR, func(cc cpu.Cpu, n uint32) {
		intno = n
		rip, _ = cc.RegRead(int(x64.RIP))
		cc.RegWrite(int(x64.RAX), 42)
	}, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if intno != 0x81 {
		t.Fatalf("intno = %#x", intno)
	}
	if rip != codeAddr+2 {
		t.Fatalf("hook saw rip %#x, expected %#x", rip, codeAddr+2)
	}
	if reg(c, x64.RAX) != 42 || reg(c, x64.RBX) != 1 {
		t.Fatal("execution did not continue after the hook")
	}
}

func TestIntUnhandled(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) { a.Int(0x81) })
	if err := c.Start(codeAddr, end); err == nil {
		t.Fatal("int without a hook did not fail")
	}
}

func TestStopFromHook(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.Int(0x81)
		a.MovImm32(x64.RBX, 1)
	})
	c.HookAdd(cpu.HOOK_INTR, func(cc cpu.Cpu, n uint32) { cc.Stop() }, 1, 0)
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if reg(c, x64.RBX) != 0 {
		t.Fatal("executed past Stop")
	}
}

func TestUnmappedFetch(t *testing.T) {
	c := newCpu(t)
	err := c.Start(0x900000, 0)
	merr, ok := errors.Cause(err).(*cpu.MemError)
	if !ok || merr.Enum != cpu.MEM_FETCH_UNMAPPED {
		t.Fatalf("expected fetch fault, got %v", err)
	}
	// data pages are not executable
	err = c.Start(dataAddr, 0)
	if merr, ok := errors.Cause(err).(*cpu.MemError); !ok || merr.Enum != cpu.MEM_FETCH_PROT {
		t.Fatalf("expected fetch prot fault, got %v", err)
	}
}

// patching code must not run stale decoded instructions
func TestPatchedCode(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm32(x64.RAX, 1)
	})
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm32(x64.RAX, 2)
	})
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if v := reg(c, x64.RAX); v != 2 {
		t.Fatalf("ran stale code, rax = %d", v)
	}
}

func TestWriteHook(t *testing.T) {
	c := newCpu(t)
	end := load(t, c, codeAddr, func(a *x64.Assembler) {
		a.MovImm64(x64.R15, dataAddr)
		a.MovImm32(x64.RSI, 0x20)
		a.MovImm32(x64.RAX, 0xdead)
		a.Store32(x64.MIdx(x64.R15, x64.RSI, 1), x64.RAX)
		a.Load32(x64.RBX, x64.MIdx(x64.R15, x64.RSI, 1))
	})
	type write struct {
		addr uint64
		size int
		val  int64
	}
	var writes []write
	c.HookAdd(cpu.HOOK_MEM_WRITE, func(_ cpu.Cpu, access int, addr uint64, size int, val int64) {
		writes = append(writes, write{addr, size, val})
	}, dataAddr, dataAddr+0xfff)
	if err := c.Start(codeAddr, end); err != nil {
		t.Fatal(err)
	}
	if reg(c, x64.RBX) != 0xdead {
		t.Fatalf("load after store got %#x", reg(c, x64.RBX))
	}
	if len(writes) != 1 || writes[0] != (write{dataAddr + 0x20, 4, 0xdead}) {
		t.Fatalf("write hook saw %+v", writes)
	}
}

func BenchmarkLoop(b *testing.B) {
	c := newCpu(b)
	end := load(b, c, codeAddr, func(a *x64.Assembler) {
		loop := a.NewLabel()
		a.MovImm32(x64.RCX, 1000)
		a.Bind(loop)
		a.AluImm32(x64.SUB, x64.RCX, 1)
		a.Jcc(x64.CondNE, loop)
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Start(codeAddr, end); err != nil {
			b.Fatal(err)
		}
	}
}
