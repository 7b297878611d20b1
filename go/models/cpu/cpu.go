package cpu

type Hook interface{}

// Cpu is the host processor the translated code runs on. Both the pure-Go
// x86-64 interpreter and the Unicorn wrapper implement it, so the dispatch
// engine never touches real executable memory.
type Cpu interface {
	// memory mapping
	MemMapProt(addr, size uint64, prot int) error
	MemProt(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error

	// memory IO
	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error

	// register IO
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error

	// execution
	Start(begin, until uint64) error
	Stop() error

	// hooks
	HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (Hook, error)
	HookDel(hook Hook) error

	// save/restore entire CPU state
	ContextSave(reuse interface{}) (interface{}, error)
	ContextRestore(ctx interface{}) error

	// cleanup
	Close() error
}

// hook enums match Unicorn's so the unicorn backend can pass them through
const (
	HOOK_INTR  = 1
	HOOK_CODE  = 4
	HOOK_BLOCK = 8

	HOOK_MEM_READ  = 1024
	HOOK_MEM_WRITE = 2048

	// all memory faults
	HOOK_MEM_ERR = 1008
)

// fault kinds passed to HOOK_MEM_ERR callbacks
const (
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
)

const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// access kinds passed to HOOK_MEM_* callbacks
const (
	MEM_WRITE = 16
	MEM_READ  = 17
	MEM_FETCH = 18
)
