package jit

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

const (
	pageShift = 12
	// translated blocks start on this boundary
	blockAlign = 16
)

type Stats struct {
	Compiles      uint64
	Flushes       uint64
	EdgeRequests  uint64
	Links         uint64
	Unlinks       uint64
	Invalidations uint64
}

type Options struct {
	// when false, edges are recorded but never patched
	LinkEdges bool
	Tracer    trace.Tracer
}

// Jit owns translated blocks and the static edges between them. It
// compiles on demand for the dispatch backend and keeps patched call sites
// consistent with invalidation.
type Jit struct {
	runner Runner
	code   *CodeBuffer
	front  Frontend
	env    Env
	opts   Options

	blocks map[uint32]*Block
	// blocks in host address order, for call site lookup
	hosts []*Block
	edges map[uint64]*Edge
	// destination pc -> call site -> edge
	incoming map[uint32]map[uint64]*Edge
	// guest page -> blocks touching it
	pages map[uint32]map[uint32]*Block

	stats Stats
}

func New(c cpu.Cpu, runner Runner, code *CodeBuffer, front Frontend, guest *Guest, opts *Options) *Jit {
	j := &Jit{
		runner: runner,
		code:   code,
		front:  front,
		env:    Env{Cpu: c, Guest: guest},
	}
	if opts != nil {
		j.opts = *opts
	}
	j.clear()
	return j
}

func (j *Jit) clear() {
	j.blocks = make(map[uint32]*Block)
	j.hosts = nil
	j.edges = make(map[uint64]*Edge)
	j.incoming = make(map[uint32]map[uint64]*Edge)
	j.pages = make(map[uint32]map[uint32]*Block)
}

func (j *Jit) trace(kind uint8, pc uint32, host, arg uint64) {
	if j.opts.Tracer != nil {
		j.opts.Tracer.Trace(&trace.Op{Kind: kind, Pc: pc, Host: host, Arg: arg})
	}
}

func (j *Jit) mask(pc uint32) uint32 {
	return pc & j.env.Guest.AddrMask
}

func (j *Jit) translate(pc uint32) (*Block, error) {
	if err := j.code.Align(blockAlign); err != nil {
		return nil, err
	}
	a := x64.NewAssembler(j.code.Pos())
	tr, err := j.front.Compile(a, pc, &j.env)
	if err != nil {
		return nil, err
	}
	code, err := a.Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "assembling block %#x", pc)
	}
	host, err := j.code.Emit(code)
	if err != nil {
		return nil, err
	}
	return &Block{
		Pc:        pc,
		GuestSize: tr.GuestSize,
		Instrs:    tr.Instrs,
		Host:      host,
		HostSize:  uint64(len(code)),
		out:       make(map[uint64]*Edge),
	}, nil
}

// CompileBlock translates the block at pc and installs it in the cache.
// A full code buffer flushes every block and retries once.
func (j *Jit) CompileBlock(pc uint32) error {
	pc = j.mask(pc)
	if old, ok := j.blocks[pc]; ok {
		// recompiling in place; drop the stale record and its slot
		j.unlinkIncoming(pc)
		j.dropBlock(old)
		j.runner.Invalidate(pc)
	}
	j.env.Thunks = j.runner.Thunks()
	b, err := j.translate(pc)
	if errors.Cause(err) == ErrCodeFull {
		j.Flush()
		b, err = j.translate(pc)
	}
	if err != nil {
		return errors.Wrapf(err, "compiling block at %#x", pc)
	}
	j.runner.Install(pc, b.Host)
	j.blocks[pc] = b
	// the bump allocator only grows between flushes, so this stays sorted
	j.hosts = append(j.hosts, b)
	first, last := b.pages()
	for page := first; page <= last; page++ {
		if j.pages[page] == nil {
			j.pages[page] = make(map[uint32]*Block)
		}
		j.pages[page][pc] = b
	}
	j.stats.Compiles++
	j.trace(trace.OP_COMPILE, pc, b.Host, trace.CompileArg(b.GuestSize, b.HostSize))
	return nil
}

// blockAt finds the live block whose host code contains addr.
func (j *Jit) blockAt(addr uint64) *Block {
	i := sort.Search(len(j.hosts), func(i int) bool { return j.hosts[i].Host+j.hosts[i].HostSize > addr })
	if i < len(j.hosts) && j.hosts[i].containsHost(addr) {
		return j.hosts[i]
	}
	return nil
}

// AddEdge records a static branch from a call site to dst. The first
// request only records it; a later one links it if dst is compiled.
func (j *Jit) AddEdge(site uint64, dst uint32) error {
	dst = j.mask(dst)
	j.stats.EdgeRequests++
	from := j.blockAt(site)
	if from == nil {
		// the source block was invalidated while it ran
		return nil
	}
	e, ok := j.edges[site]
	if !ok {
		e = &Edge{Site: site, From: from.Pc, To: dst, State: Unlinked, Hits: 1}
		j.edges[site] = e
		from.out[site] = e
		if j.incoming[dst] == nil {
			j.incoming[dst] = make(map[uint64]*Edge)
		}
		j.incoming[dst][site] = e
		return nil
	}
	if e.To != dst {
		panic(errors.Errorf("call site %#x branches to %#x and %#x", site, e.To, dst))
	}
	e.Hits++
	if e.State == Linked || !j.opts.LinkEdges {
		return nil
	}
	target, ok := j.blocks[dst]
	if !ok {
		return nil
	}
	if err := j.runner.PatchEdge(site, target.Host); err != nil {
		return err
	}
	e.State = Linked
	j.stats.Links++
	j.trace(trace.OP_LINK, e.From, site, uint64(dst))
	return nil
}

// unlinkIncoming sends every linked call site into pc back through dispatch.
func (j *Jit) unlinkIncoming(pc uint32) {
	for site, e := range j.incoming[pc] {
		if e.State != Linked {
			continue
		}
		if err := j.runner.RestoreEdge(site); err != nil {
			panic(errors.Wrapf(err, "restoring edge %v", e))
		}
		e.State = Unlinked
		j.stats.Unlinks++
		j.trace(trace.OP_UNLINK, e.From, site, uint64(pc))
	}
}

// dropBlock forgets b and its outgoing edges. Incoming edges stay recorded
// so their next traversal can relink to a recompiled block.
func (j *Jit) dropBlock(b *Block) {
	for site, e := range b.out {
		delete(j.edges, site)
		if in := j.incoming[e.To]; in != nil {
			delete(in, site)
			if len(in) == 0 {
				delete(j.incoming, e.To)
			}
		}
	}
	i := sort.Search(len(j.hosts), func(i int) bool { return j.hosts[i].Host >= b.Host })
	if i < len(j.hosts) && j.hosts[i] == b {
		j.hosts = append(j.hosts[:i], j.hosts[i+1:]...)
	}
	first, last := b.pages()
	for page := first; page <= last; page++ {
		if m := j.pages[page]; m != nil {
			delete(m, b.Pc)
			if len(m) == 0 {
				delete(j.pages, page)
			}
		}
	}
	delete(j.blocks, b.Pc)
}

// InvalidateBlock forces the block at pc to be recompiled on its next
// dispatch, unlinking every call site that jumps to it.
func (j *Jit) InvalidateBlock(pc uint32) {
	pc = j.mask(pc)
	j.unlinkIncoming(pc)
	var size uint64
	if b, ok := j.blocks[pc]; ok {
		size = uint64(b.GuestSize)
		j.dropBlock(b)
	}
	j.runner.Invalidate(pc)
	j.stats.Invalidations++
	j.trace(trace.OP_INVALIDATE, pc, 0, size)
}

// InvalidateRange invalidates every block overlapping guest memory
// [addr, addr+size). It returns how many were dropped.
func (j *Jit) InvalidateRange(addr, size uint32) int {
	if size == 0 || len(j.pages) == 0 {
		return 0
	}
	var hit []uint32
	for page := addr >> pageShift; page <= (addr+size-1)>>pageShift; page++ {
		for pc, b := range j.pages[page] {
			if b.overlaps(addr, size) {
				hit = append(hit, pc)
			}
		}
	}
	if len(hit) == 0 {
		return 0
	}
	sort.Slice(hit, func(a, b int) bool { return hit[a] < hit[b] })
	n := 0
	for i, pc := range hit {
		// a block spanning two pages shows up twice
		if i > 0 && hit[i-1] == pc {
			continue
		}
		j.InvalidateBlock(pc)
		n++
	}
	return n
}

// Flush drops every block and edge and reclaims the code buffer.
func (j *Jit) Flush() {
	n := len(j.blocks)
	j.runner.ResetAll()
	j.code.Reset()
	j.clear()
	j.stats.Flushes++
	j.trace(trace.OP_FLUSH, 0, 0, uint64(n))
}

func (j *Jit) Block(pc uint32) *Block {
	return j.blocks[j.mask(pc)]
}

// BlockAtHost returns the block containing host address addr, if any.
func (j *Jit) BlockAtHost(addr uint64) *Block {
	return j.blockAt(addr)
}

func (j *Jit) Blocks() []*Block {
	out := make([]*Block, 0, len(j.blocks))
	for _, b := range j.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Pc < out[b].Pc })
	return out
}

func (j *Jit) Edges() []*Edge {
	out := make([]*Edge, 0, len(j.edges))
	for _, e := range j.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Site < out[b].Site })
	return out
}

func (j *Jit) Edge(site uint64) *Edge {
	return j.edges[site]
}

// Outgoing returns b's edges in call site order.
func (b *Block) Outgoing() []*Edge {
	out := make([]*Edge, 0, len(b.out))
	for _, e := range b.out {
		out = append(out, e)
	}
	sort.Slice(out, func(x, y int) bool { return out[x].Site < out[y].Site })
	return out
}

func (j *Jit) Stats() Stats {
	return j.stats
}
