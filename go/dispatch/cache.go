package dispatch

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/models/cpu"
)

const slotSize = 8

// Cache maps guest block addresses to host code through a direct-mapped
// table of 8-byte pointers in host memory, so the dynamic thunk can index
// it without calling out. Every slot holds either compiled code or the
// compile thunk.
type Cache struct {
	cpu     cpu.Cpu
	addr    uint64
	mask    uint32
	shift   uint
	entries uint64
	mapped  uint64
	compile uint64
}

// newCache maps the table at addr. The caller still has to ResetAll once
// the compile thunk exists.
func newCache(c cpu.Cpu, addr uint64, mask uint32) (*Cache, error) {
	if mask == 0 {
		return nil, errors.New("zero address mask")
	}
	shift := uint(bits.TrailingZeros32(mask))
	entries := uint64(mask>>shift) + 1
	mapped := (entries*slotSize + 0xfff) &^ 0xfff
	if err := c.MemMapProt(addr, mapped, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
		return nil, errors.Wrap(err, "mapping code cache")
	}
	return &Cache{cpu: c, addr: addr, mask: mask, shift: shift, entries: entries, mapped: mapped}, nil
}

func (c *Cache) Addr() uint64    { return c.addr }
func (c *Cache) Mask() uint32    { return c.mask }
func (c *Cache) Shift() uint     { return c.shift }
func (c *Cache) Entries() uint64 { return c.entries }

// Index is the slot number for a guest address.
func (c *Cache) Index(pc uint32) uint64 {
	return uint64((pc & c.mask) >> c.shift)
}

func (c *Cache) slotAddr(pc uint32) uint64 {
	return c.addr + c.Index(pc)*slotSize
}

func (c *Cache) Lookup(pc uint32) uint64 {
	var buf [slotSize]byte
	if err := c.cpu.MemReadInto(buf[:], c.slotAddr(pc)); err != nil {
		panic(errors.Wrapf(err, "reading cache slot for %#x", pc))
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (c *Cache) store(pc uint32, ptr uint64) {
	var buf [slotSize]byte
	binary.LittleEndian.PutUint64(buf[:], ptr)
	if err := c.cpu.MemWrite(c.slotAddr(pc), buf[:]); err != nil {
		panic(errors.Wrapf(err, "writing cache slot for %#x", pc))
	}
}

// Install stores freshly compiled code. The slot must hold the compile
// thunk; anything else means two compiles raced for it.
func (c *Cache) Install(pc uint32, ptr uint64) {
	if cur := c.Lookup(pc); cur != c.compile {
		panic(fmt.Sprintf("install %#x at %#x: slot %d already holds %#x", ptr, pc, c.Index(pc), cur))
	}
	c.store(pc, ptr)
}

func (c *Cache) Invalidate(pc uint32) {
	c.store(pc, c.compile)
}

// ResetAll points every slot at the compile thunk.
func (c *Cache) ResetAll() {
	buf := make([]byte, c.entries*slotSize)
	for i := uint64(0); i < c.entries; i++ {
		binary.LittleEndian.PutUint64(buf[i*slotSize:], c.compile)
	}
	if err := c.cpu.MemWrite(c.addr, buf); err != nil {
		panic(errors.Wrap(err, "resetting code cache"))
	}
}

func (c *Cache) Close() error {
	return c.cpu.MemUnmap(c.addr, c.mapped)
}
