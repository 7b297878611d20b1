package dispatch

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/cpu/interp"
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

const (
	codeBase  = 0x10000000
	codeSize  = 0x10000
	cacheAddr = 0x20000000
	ctxAddr   = 0x30000000
	memAddr   = 0x40000000
	stackTop  = 0x80000000

	offResult = 0x10
)

var testGuest = jit.Guest{
	Name:         "test",
	AddrMask:     0xfc,
	OffsetPC:     0,
	OffsetCycles: 4,
	OffsetInstrs: 8,
	CtxAddr:      ctxAddr,
	MemAddr:      memAddr,
	MemSize:      0x1000,
}

// 0x10 branches statically to 0x20, which bumps the result and exits
type testFrontend struct{}

func (testFrontend) Compile(a *x64.Assembler, pc uint32, env *jit.Env) (*jit.Translation, error) {
	switch pc {
	case 0x10:
		a.StoreImm32(x64.M(x64.R14, env.Guest.OffsetPC), 0x20)
		a.CallAbs(env.Thunks.Static)
	case 0x20:
		a.AluMemImm32(x64.ADD, x64.M(x64.R14, offResult), 1)
		a.StoreImm32(x64.M(x64.R14, env.Guest.OffsetPC), 0x10)
		a.JmpAbs(env.Thunks.Exit)
	case 0x40:
		a.StoreImm32(x64.M(x64.R14, offResult), 0x40)
		a.JmpAbs(env.Thunks.Exit)
	default:
		return nil, errors.Errorf("unknown block %#x", pc)
	}
	return &jit.Translation{GuestSize: 4, Instrs: 1}, nil
}

type fixture struct {
	cpu cpu.Cpu
	b   *Backend
	j   *jit.Jit
}

func newFixture(t testing.TB, opts *Options) *fixture {
	c, err := (&interp.Builder{}).New()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MemMapProt(ctxAddr, 0x1000, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	code, err := jit.NewCodeBuffer(c, codeBase, codeSize)
	if err != nil {
		t.Fatal(err)
	}
	if opts == nil {
		opts = &Options{LinkEdges: true}
	}
	opts.CacheAddr = cacheAddr
	opts.StackTop = stackTop
	guest := testGuest
	b := New(c, code, &guest, opts)
	b.Init()
	j := jit.New(c, b, code, testFrontend{}, &guest, &jit.Options{LinkEdges: b.Linking()})
	b.SetHandler(j)
	return &fixture{cpu: c, b: b, j: j}
}

func (f *fixture) ctx(t testing.TB, off uint64) uint32 {
	buf, err := f.cpu.MemRead(ctxAddr+off, 4)
	if err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func (f *fixture) setPC(t testing.TB, pc uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], pc)
	if err := f.cpu.MemWrite(ctxAddr, buf[:]); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) run(t testing.TB, pc uint32) {
	f.setPC(t, pc)
	if err := f.b.Run(100); err != nil {
		t.Fatal(err)
	}
}

func TestCacheReset(t *testing.T) {
	f := newFixture(t, nil)
	c := f.b.Cache()
	if c.Entries() != 64 || c.Shift() != 2 {
		t.Fatalf("entries=%d shift=%d", c.Entries(), c.Shift())
	}
	compile := f.b.Thunks().Compile
	for pc := uint32(0); pc < 0x100; pc += 4 {
		if got := c.Lookup(pc); got != compile {
			t.Fatalf("slot %#x = %#x, want compile thunk %#x", pc, got, compile)
		}
	}
	c.Install(0x44, 0x1234)
	if got := c.Lookup(0x144); got != 0x1234 {
		t.Fatalf("masked lookup got %#x", got)
	}
	if c.Index(0x44) != c.Index(0x47) {
		t.Fatal("low bits should not change the slot")
	}
	c.ResetAll()
	if got := c.Lookup(0x44); got != compile {
		t.Fatalf("slot survived reset: %#x", got)
	}
}

func TestInstallTwicePanics(t *testing.T) {
	f := newFixture(t, nil)
	f.b.Install(0x40, 0x1000)
	defer func() {
		if recover() == nil {
			t.Fatal("second install did not panic")
		}
	}()
	f.b.Install(0x40, 0x2000)
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t, nil)
	f.b.Install(0x40, 0x1000)
	f.b.Invalidate(0x40)
	if got := f.b.Lookup(0x40); got != f.b.Thunks().Compile {
		t.Fatalf("invalidated slot = %#x", got)
	}
	// invalidating twice is harmless
	f.b.Invalidate(0x40)
	f.b.Install(0x40, 0x2000)
}

func TestThunkAlignment(t *testing.T) {
	f := newFixture(t, nil)
	th := f.b.Thunks()
	for name, addr := range map[string]uint64{
		"enter": th.Enter, "enter_interrupt": th.EnterInterrupt, "exit": th.Exit,
		"dynamic": th.Dynamic, "static": th.Static, "compile": th.Compile, "interrupt": th.Interrupt,
	} {
		if addr%thunkAlign != 0 || addr < codeBase || addr >= codeBase+codeSize {
			t.Errorf("%s thunk at %#x", name, addr)
		}
	}
}

func TestCompileOnMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t, 0x40)
	if got := f.ctx(t, offResult); got != 0x40 {
		t.Fatalf("result = %#x", got)
	}
	host := f.b.Lookup(0x40)
	if blk := f.j.Block(0x40); blk == nil || blk.Host != host {
		t.Fatalf("cache slot %#x does not match block %v", host, blk)
	}
	f.run(t, 0x40)
	if n := f.j.Stats().Compiles; n != 1 {
		t.Fatalf("compiled %d times", n)
	}
	// exit pops the sentinel pushed for enter
	if sp, _ := f.cpu.RegRead(int(x64.RSP)); sp != stackTop {
		t.Fatalf("rsp = %#x after run", sp)
	}
}

func TestLinkAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.run(t, 0x10)
	}
	if got := f.ctx(t, offResult); got != 3 {
		t.Fatalf("result = %d", got)
	}
	st := f.j.Stats()
	if st.EdgeRequests != 2 || st.Links != 1 {
		t.Fatalf("stats %+v", st)
	}
	edges := f.j.Edges()
	if len(edges) != 1 || edges[0].State != jit.Linked {
		t.Fatalf("edges %v", edges)
	}
	site := edges[0].Site
	linked, target, err := f.b.EdgeTarget(site)
	if err != nil {
		t.Fatal(err)
	}
	if !linked || target != f.b.Lookup(0x20) {
		t.Fatalf("site %#x: linked=%v target=%#x", site, linked, target)
	}

	f.j.InvalidateBlock(0x20)
	linked, target, err = f.b.EdgeTarget(site)
	if err != nil {
		t.Fatal(err)
	}
	if linked || target != f.b.Thunks().Static {
		t.Fatalf("site %#x not restored: linked=%v target=%#x", site, linked, target)
	}
	f.run(t, 0x10)
	if got := f.ctx(t, offResult); got != 4 {
		t.Fatalf("result after invalidate = %d", got)
	}
}

func TestPatchRequiresSlot(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t, 0x40)
	// the block starts with a store, not a patch slot
	if err := f.b.PatchEdge(f.b.Lookup(0x40), f.b.Thunks().Exit); err == nil {
		t.Fatal("patched a site with no branch")
	}
}

func TestPatchLinkedPanics(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		f.run(t, 0x10)
	}
	site := f.j.Edges()[0].Site
	defer func() {
		if recover() == nil {
			t.Fatal("patching a linked site did not panic")
		}
	}()
	f.b.PatchEdge(site, f.b.Thunks().Exit)
}

func TestLinkingDisabled(t *testing.T) {
	f := newFixture(t, &Options{LinkEdges: false})
	for i := 0; i < 3; i++ {
		f.run(t, 0x10)
	}
	if st := f.j.Stats(); st.EdgeRequests != 0 || st.Links != 0 {
		t.Fatalf("stats %+v", st)
	}
	if got := f.ctx(t, offResult); got != 3 {
		t.Fatalf("result = %d", got)
	}
}

func TestHostCallError(t *testing.T) {
	f := newFixture(t, nil)
	f.setPC(t, 0x80)
	err := f.b.Run(100)
	if err == nil || !strings.Contains(err.Error(), "unknown block") {
		t.Fatalf("got %v", err)
	}
	// the backend is usable after a failed run
	f.run(t, 0x40)
}

func TestLogDispatch(t *testing.T) {
	counter := &trace.Counter{}
	f := newFixture(t, &Options{LinkEdges: true, LogDispatchEveryN: 2, Tracer: counter})
	if f.b.Linking() {
		t.Fatal("logging should disable linking")
	}
	for i := 0; i < 4; i++ {
		f.run(t, 0x10)
	}
	// the first run also dispatches after each compile
	if got := f.b.Dispatches(); got != 10 {
		t.Fatalf("dispatches = %d", got)
	}
	if got := counter.Count(trace.OP_DISPATCH); got != 5 {
		t.Fatalf("logged %d dispatches", got)
	}
	if f.j.Stats().Links != 0 {
		t.Fatal("linked with logging on")
	}
}

func TestCycleBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.setPC(t, 0x40)
	if err := f.b.Run(-5); err != nil {
		t.Fatal(err)
	}
	if got := int32(f.ctx(t, 4)); got != -5 {
		t.Fatalf("cycles = %d", got)
	}
	if got := f.ctx(t, 8); got != 0 {
		t.Fatalf("instrs = %d", got)
	}
}

func BenchmarkDispatch(b *testing.B) {
	f := newFixture(b, nil)
	f.run(b, 0x40)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.run(b, 0x40)
	}
}
