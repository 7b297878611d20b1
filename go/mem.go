package jitcorn

// host address space layout
const (
	CODE_BASE  = 0x10000000
	CACHE_BASE = 0x20000000
	CTX_BASE   = 0x30000000
	GUEST_BASE = 0x40000000
	STACK_TOP  = 0x80000000

	PAGE_ALIGN = 4 * 1024
	// guest sp at reset, below the device registers
	GUEST_STACK = 0x1ff000
)

// pageRange widens [addr, addr+size) to whole pages.
func pageRange(addr, size uint64) (uint64, uint64) {
	const mask = ^uint64(PAGE_ALIGN - 1)
	end := (addr + size + PAGE_ALIGN - 1) & mask
	addr &= mask
	return addr, end - addr
}
