package jit

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/cpu/interp"
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

const codeBase = 0x10000000

// fakeRunner keeps the cache in a map and records patches.
type fakeRunner struct {
	slots    map[uint32]uint64
	patched  map[uint64]uint64
	restored []uint64
	resets   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{slots: make(map[uint32]uint64), patched: make(map[uint64]uint64)}
}

func (r *fakeRunner) Install(pc uint32, host uint64) {
	if r.slots[pc] != 0 {
		panic("double install")
	}
	r.slots[pc] = host
}
func (r *fakeRunner) Invalidate(pc uint32)    { delete(r.slots, pc) }
func (r *fakeRunner) Lookup(pc uint32) uint64 { return r.slots[pc] }
func (r *fakeRunner) ResetAll() {
	r.slots = make(map[uint32]uint64)
	r.resets++
}
func (r *fakeRunner) PatchEdge(site, dest uint64) error {
	r.patched[site] = dest
	return nil
}
func (r *fakeRunner) RestoreEdge(site uint64) error {
	delete(r.patched, site)
	r.restored = append(r.restored, site)
	return nil
}
func (r *fakeRunner) Thunks() Thunks {
	return Thunks{Static: codeBase, Dynamic: codeBase, Exit: codeBase}
}

// every block opens with its one static branch, so its call site is its
// host address
type fakeFrontend struct {
	sizes map[uint32]uint32
	pad   int
}

func (f *fakeFrontend) Compile(a *x64.Assembler, pc uint32, env *Env) (*Translation, error) {
	size, ok := f.sizes[pc]
	if !ok {
		return nil, errors.Errorf("no block at %#x", pc)
	}
	a.CallAbs(env.Thunks.Static)
	for i := 0; i < f.pad; i++ {
		a.Nop()
	}
	return &Translation{GuestSize: size, Instrs: int(size / 4)}, nil
}

type fixture struct {
	j      *Jit
	runner *fakeRunner
	front  *fakeFrontend
	code   *CodeBuffer
	count  *trace.Counter
}

func newFixture(t *testing.T, codeSize uint64) *fixture {
	c, err := (&interp.Builder{}).New()
	if err != nil {
		t.Fatal(err)
	}
	code, err := NewCodeBuffer(c, codeBase, codeSize)
	if err != nil {
		t.Fatal(err)
	}
	// reserve the thunk area
	if _, err := code.Emit(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	code.SetMark()
	f := &fixture{
		runner: newFakeRunner(),
		front:  &fakeFrontend{sizes: map[uint32]uint32{0x1000: 8, 0x1008: 4, 0x1ffc: 8, 0x4000: 4}},
		code:   code,
		count:  &trace.Counter{},
	}
	guest := &Guest{Name: "test", AddrMask: 0x1ffffc}
	f.j = New(c, f.runner, code, f.front, guest, &Options{LinkEdges: true, Tracer: f.count})
	return f
}

func (f *fixture) compile(t *testing.T, pcs ...uint32) {
	for _, pc := range pcs {
		if err := f.j.CompileBlock(pc); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCompileInstalls(t *testing.T) {
	f := newFixture(t, 0x1000)
	f.compile(t, 0x1000)
	b := f.j.Block(0x1000)
	if b == nil {
		t.Fatal("no block")
	}
	if b.Host%blockAlign != 0 || b.Host < f.code.Mark() {
		t.Fatalf("block at %#x", b.Host)
	}
	if f.runner.Lookup(0x1000) != b.Host {
		t.Fatal("block not installed")
	}
	if f.j.BlockAtHost(b.Host+2) != b || f.j.BlockAtHost(b.Host+b.HostSize) != nil {
		t.Fatal("host range lookup")
	}
	// masking folds aliases onto the same block
	if f.j.Block(0x201000) != b {
		t.Fatal("aliased pc missed")
	}
	if f.count.Count(trace.OP_COMPILE) != 1 {
		t.Fatal("compile not traced")
	}
}

func TestCompileError(t *testing.T) {
	f := newFixture(t, 0x1000)
	if err := f.j.CompileBlock(0x2000); err == nil {
		t.Fatal("compiled unknown block")
	}
	if len(f.j.Blocks()) != 0 {
		t.Fatal("failed compile left a block")
	}
}

func TestEdgeLifecycle(t *testing.T) {
	f := newFixture(t, 0x1000)
	f.compile(t, 0x1000)
	site := f.j.Block(0x1000).Host

	if err := f.j.AddEdge(site, 0x1008); err != nil {
		t.Fatal(err)
	}
	e := f.j.Edge(site)
	if e == nil || e.State != Unlinked || e.Hits != 1 || e.From != 0x1000 {
		t.Fatalf("first request: %v", e)
	}
	// destination not compiled yet
	if err := f.j.AddEdge(site, 0x1008); err != nil {
		t.Fatal(err)
	}
	if e.State != Unlinked || len(f.runner.patched) != 0 {
		t.Fatal("linked to a missing block")
	}

	f.compile(t, 0x1008)
	if err := f.j.AddEdge(site, 0x1008); err != nil {
		t.Fatal(err)
	}
	dst := f.j.Block(0x1008)
	if e.State != Linked || f.runner.patched[site] != dst.Host {
		t.Fatalf("not linked: %v", e)
	}
	// later requests from a linked site are counted but change nothing
	if err := f.j.AddEdge(site, 0x1008); err != nil {
		t.Fatal(err)
	}
	if e.Hits != 4 || f.j.Stats().Links != 1 {
		t.Fatalf("hits=%d stats=%+v", e.Hits, f.j.Stats())
	}

	f.j.InvalidateBlock(0x1008)
	if e.State != Unlinked || len(f.runner.restored) != 1 || f.runner.restored[0] != site {
		t.Fatalf("edge not restored: %v", e)
	}
	if f.runner.Lookup(0x1008) != 0 {
		t.Fatal("slot not invalidated")
	}
	// the edge survives its destination and relinks after a recompile
	f.compile(t, 0x1008)
	if err := f.j.AddEdge(site, 0x1008); err != nil {
		t.Fatal(err)
	}
	if e.State != Linked {
		t.Fatal("did not relink")
	}
}

func TestEdgeConflictPanics(t *testing.T) {
	f := newFixture(t, 0x1000)
	f.compile(t, 0x1000)
	site := f.j.Block(0x1000).Host
	f.j.AddEdge(site, 0x1008)
	defer func() {
		if recover() == nil {
			t.Fatal("conflicting destination did not panic")
		}
	}()
	f.j.AddEdge(site, 0x4000)
}

func TestEdgeFromUnknownSite(t *testing.T) {
	f := newFixture(t, 0x1000)
	if err := f.j.AddEdge(codeBase+0x800, 0x1000); err != nil {
		t.Fatal(err)
	}
	if len(f.j.Edges()) != 0 {
		t.Fatal("recorded an edge from nowhere")
	}
}

func TestInvalidateSource(t *testing.T) {
	f := newFixture(t, 0x1000)
	f.compile(t, 0x1000, 0x1008)
	site := f.j.Block(0x1000).Host
	f.j.AddEdge(site, 0x1008)
	f.j.InvalidateBlock(0x1000)
	if f.j.Edge(site) != nil {
		t.Fatal("outgoing edge outlived its block")
	}
	// the destination's incoming set forgets it too
	f.j.InvalidateBlock(0x1008)
	if len(f.runner.restored) != 0 {
		t.Fatal("restored an edge that was never linked")
	}
}

func TestInvalidateRange(t *testing.T) {
	f := newFixture(t, 0x1000)
	f.compile(t, 0x1000, 0x1008, 0x1ffc, 0x4000)
	tests := []struct {
		addr, size uint32
		n          int
	}{
		{0x3000, 0x100, 0},
		// 0x1000+8 covers 0x1004
		{0x1004, 4, 1},
		// 0x1ffc+8 spans two pages; count it once
		{0x1000, 0x2000, 2},
		{0x4003, 1, 1},
		{0x4000, 4, 0},
	}
	for _, test := range tests {
		if n := f.j.InvalidateRange(test.addr, test.size); n != test.n {
			t.Errorf("InvalidateRange(%#x, %d) = %d, want %d", test.addr, test.size, n, test.n)
		}
	}
	if len(f.j.Blocks()) != 0 {
		t.Fatalf("blocks left: %v", f.j.Blocks())
	}
}

func TestFlushWhenFull(t *testing.T) {
	f := newFixture(t, 0x100)
	f.front.pad = 80
	f.compile(t, 0x1000, 0x1008, 0x1ffc)
	st := f.j.Stats()
	if st.Flushes == 0 || f.runner.resets != int(st.Flushes) {
		t.Fatalf("stats %+v resets=%d", st, f.runner.resets)
	}
	// the newest block survives and the flushed ones are gone
	if f.j.Block(0x1ffc) == nil || f.j.Block(0x1000) != nil {
		t.Fatalf("blocks %v", f.j.Blocks())
	}
	if f.j.Block(0x1ffc).Host < f.code.Mark() {
		t.Fatal("flush reclaimed the thunk area")
	}
}

func TestCodeBuffer(t *testing.T) {
	c, err := (&interp.Builder{}).New()
	if err != nil {
		t.Fatal(err)
	}
	code, err := NewCodeBuffer(c, codeBase, 0x40)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := code.Emit([]byte{0xc3}); err != nil {
		t.Fatal(err)
	}
	if err := code.Align(16); err != nil || code.Pos() != codeBase+16 {
		t.Fatalf("align: %v pos=%#x", err, code.Pos())
	}
	code.SetMark()
	addr, err := code.Emit(make([]byte, 0x20))
	if err != nil || addr != codeBase+16 {
		t.Fatalf("emit at %#x: %v", addr, err)
	}
	if _, err := code.Emit(make([]byte, 0x20)); err != ErrCodeFull {
		t.Fatalf("got %v, want ErrCodeFull", err)
	}
	if err := code.Write(codeBase+0x28, make([]byte, 0x10)); err == nil {
		t.Fatal("wrote past emitted code")
	}
	if err := code.Write(codeBase+0x10, []byte{0x90}); err != nil {
		t.Fatal(err)
	}
	code.Reset()
	if code.Pos() != codeBase+16 || code.Used() != 16 {
		t.Fatalf("reset to %#x", code.Pos())
	}
	buf, err := code.Read(codeBase, 1)
	if err != nil || buf[0] != 0xc3 {
		t.Fatal("code below the mark was lost")
	}
	prot := 0
	for _, m := range c.(*interp.InterpCpu).Mappings() {
		if m.Addr == codeBase {
			prot = m.Prot
		}
	}
	if prot != cpu.PROT_READ|cpu.PROT_EXEC {
		t.Fatalf("code buffer prot %d", prot)
	}
}
