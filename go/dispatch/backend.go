package dispatch

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/x64"
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/models/cpu"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

const (
	// scratch frame reserved by the enter thunk for translated code
	StackSize = 0x400
	// host stack mapped below Options.StackTop
	hostStackSize = 0x10000
)

type Options struct {
	CacheAddr uint64
	StackTop  uint64

	LinkEdges bool
	// when non-zero, every Nth dynamic dispatch is traced and static
	// linking is disabled
	LogDispatchEveryN int
	Tracer            trace.Tracer
}

// Handler is the block graph side of dispatch: it compiles on cache
// misses and records static edges.
type Handler interface {
	CompileBlock(pc uint32) error
	AddEdge(site uint64, dst uint32) error
}

// Backend owns one code cache, the dispatch thunks and the host calls they
// make. Each guest cpu gets its own Backend.
type Backend struct {
	cpu     cpu.Cpu
	code    *jit.CodeBuffer
	guest   *jit.Guest
	opts    Options
	handler Handler

	cache    *Cache
	calls    *hostCalls
	thunks   jit.Thunks
	sentinel uint64

	dispatches uint64
	running    bool
}

func New(c cpu.Cpu, code *jit.CodeBuffer, guest *jit.Guest, opts *Options) *Backend {
	b := &Backend{cpu: c, code: code, guest: guest}
	if opts != nil {
		b.opts = *opts
	}
	return b
}

// SetHandler attaches the block graph. It must be set before Run.
func (b *Backend) SetHandler(h Handler) {
	b.handler = h
}

// Linking reports whether static branches get patched.
func (b *Backend) Linking() bool {
	return b.opts.LinkEdges && b.opts.LogDispatchEveryN == 0
}

// Init builds the cache for the guest address mask and emits every thunk
// below the code buffer mark. Failure is fatal.
func (b *Backend) Init() {
	var err error
	if b.cache, err = newCache(b.cpu, b.opts.CacheAddr, b.guest.AddrMask); err != nil {
		panic(errors.Wrap(err, "dispatch init"))
	}
	if err := b.cpu.MemMapProt(b.opts.StackTop-hostStackSize, hostStackSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		panic(errors.Wrap(err, "mapping host stack"))
	}
	if b.calls, err = newHostCalls(b.cpu); err != nil {
		panic(errors.Wrap(err, "dispatch init"))
	}
	if err := b.emitThunks(); err != nil {
		panic(errors.Wrap(err, "emitting thunks"))
	}
	b.code.SetMark()
	b.cache.compile = b.thunks.Compile
	b.cache.ResetAll()
}

// Close releases the cache. Thunks belong to the code buffer.
func (b *Backend) Close() error {
	var err error
	if b.calls != nil {
		err = b.calls.close()
		b.calls = nil
	}
	if b.cache != nil {
		if cerr := b.cache.Close(); err == nil {
			err = cerr
		}
		if cerr := b.cpu.MemUnmap(b.opts.StackTop-hostStackSize, hostStackSize); err == nil {
			err = cerr
		}
	}
	b.cache = nil
	return err
}

func (b *Backend) Thunks() jit.Thunks { return b.thunks }
func (b *Backend) Cache() *Cache      { return b.cache }

// Dispatches counts dynamic dispatches seen by the log stub.
func (b *Backend) Dispatches() uint64 { return b.dispatches }

func (b *Backend) Lookup(pc uint32) uint64        { return b.cache.Lookup(pc) }
func (b *Backend) Install(pc uint32, host uint64) { b.cache.Install(pc, host) }
func (b *Backend) Invalidate(pc uint32)           { b.cache.Invalidate(pc) }
func (b *Backend) ResetAll()                      { b.cache.ResetAll() }

// Run executes guest code with a cycle budget until a block exits.
func (b *Backend) Run(cycles int32) error {
	return b.run(b.thunks.Enter, cycles)
}

// RunInterrupt is Run, but services the interrupt check before the first
// dispatch.
func (b *Backend) RunInterrupt(cycles int32) error {
	return b.run(b.thunks.EnterInterrupt, cycles)
}

func (b *Backend) run(entry uint64, cycles int32) error {
	if b.handler == nil {
		return errors.New("dispatch: no handler attached")
	}
	if b.running {
		return errors.New("dispatch: run already in progress")
	}
	b.running = true
	defer func() { b.running = false }()

	// the enter thunk is "called" with the sentinel as its return address
	sp := b.opts.StackTop - 8
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], b.sentinel)
	if err := b.cpu.MemWrite(sp, ret[:]); err != nil {
		return err
	}
	if err := b.cpu.RegWrite(int(x64.RSP), sp); err != nil {
		return err
	}
	if err := b.cpu.RegWrite(int(x64.RDI), uint64(uint32(cycles))); err != nil {
		return err
	}
	b.calls.err = nil
	err := b.cpu.Start(entry, b.sentinel)
	if b.calls.err != nil {
		return b.calls.err
	}
	return errors.Wrap(err, "host cpu")
}

// host call targets

func (b *Backend) compileBlock(c cpu.Cpu, pc, _ uint64) error {
	return b.handler.CompileBlock(uint32(pc))
}

func (b *Backend) addEdge(c cpu.Cpu, site, dst uint64) error {
	return b.handler.AddEdge(site, uint32(dst))
}

func (b *Backend) interruptCheck(c cpu.Cpu, _, _ uint64) error {
	if b.guest.InterruptCheck == nil {
		return nil
	}
	return b.guest.InterruptCheck(c)
}

func (b *Backend) logDispatch(c cpu.Cpu, _, _ uint64) error {
	b.dispatches++
	if b.dispatches%uint64(b.opts.LogDispatchEveryN) != 0 || b.opts.Tracer == nil {
		return nil
	}
	var buf [4]byte
	if err := c.MemReadInto(buf[:], b.guest.CtxAddr+uint64(b.guest.OffsetPC)); err != nil {
		return err
	}
	pc := binary.LittleEndian.Uint32(buf[:])
	b.opts.Tracer.Trace(&trace.Op{Kind: trace.OP_DISPATCH, Pc: pc, Host: b.cache.Lookup(pc), Arg: b.dispatches})
	return nil
}
