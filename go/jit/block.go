package jit

import "fmt"

type EdgeState int

const (
	// the call site still calls the static thunk
	Unlinked EdgeState = iota
	// the call site jumps straight to the destination block
	Linked
)

func (s EdgeState) String() string {
	if s == Linked {
		return "linked"
	}
	return "unlinked"
}

// Edge is a static branch from a call site in one block to a guest pc.
type Edge struct {
	Site     uint64
	From, To uint32
	State    EdgeState
	// times the static thunk was reached from this site
	Hits uint64
}

func (e *Edge) String() string {
	return fmt.Sprintf("%#x: %#x -> %#x %s (%d hits)", e.Site, e.From, e.To, e.State, e.Hits)
}

type Block struct {
	Pc        uint32
	GuestSize uint32
	Instrs    int

	Host     uint64
	HostSize uint64

	// outgoing edges by call site
	out map[uint64]*Edge
}

func (b *Block) String() string {
	return fmt.Sprintf("%#x+%d -> host %#x+%d (%d ins, %d edges)", b.Pc, b.GuestSize, b.Host, b.HostSize, b.Instrs, len(b.out))
}

func (b *Block) containsHost(addr uint64) bool {
	return addr >= b.Host && addr < b.Host+b.HostSize
}

func (b *Block) overlaps(addr, size uint32) bool {
	return addr < b.Pc+b.GuestSize && b.Pc < addr+size
}

// pages returns the first and last guest page the block covers.
func (b *Block) pages() (uint32, uint32) {
	size := b.GuestSize
	if size == 0 {
		size = 1
	}
	return b.Pc >> pageShift, (b.Pc + size - 1) >> pageShift
}
