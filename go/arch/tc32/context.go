package tc32

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/models/cpu"
)

// Execution context layout in host memory.
const (
	OffRegs   = 0x00
	OffPC     = 0x40
	OffCycles = 0x44
	OffInstrs = 0x48
	OffFlags  = 0x4c
	OffEPC    = 0x50
	OffHalted = 0x54
	OffFault  = 0x58

	ContextSize = 0x5c
)

// flags bits
const (
	FlagIE = 1 << 0
)

func regOff(r int) int32 {
	return OffRegs + int32(r)*4
}

// Context reads and writes one guest's execution context in host memory.
type Context struct {
	cpu  cpu.Cpu
	addr uint64
}

func NewContext(c cpu.Cpu, addr uint64) *Context {
	return &Context{cpu: c, addr: addr}
}

func (c *Context) Addr() uint64 { return c.addr }

func (c *Context) Read(off int32) (uint32, error) {
	var buf [4]byte
	if err := c.cpu.MemReadInto(buf[:], c.addr+uint64(off)); err != nil {
		return 0, errors.Wrapf(err, "reading context +%#x", off)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Context) Write(off int32, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return errors.Wrapf(c.cpu.MemWrite(c.addr+uint64(off), buf[:]), "writing context +%#x", off)
}

func (c *Context) Reg(r int) (uint32, error) {
	if r < 0 || r >= NumRegs {
		return 0, errors.Errorf("invalid register r%d", r)
	}
	return c.Read(regOff(r))
}

// SetReg ignores writes to r0.
func (c *Context) SetReg(r int, val uint32) error {
	if r < 0 || r >= NumRegs {
		return errors.Errorf("invalid register r%d", r)
	}
	if r == R0 {
		return nil
	}
	return c.Write(regOff(r), val)
}

// Reset zeroes the whole context.
func (c *Context) Reset() error {
	return c.cpu.MemWrite(c.addr, make([]byte, ContextSize))
}

// RegNames lists guest registers in dump order.
func RegNames() []string {
	names := make([]string, NumRegs)
	for i := range names {
		names[i] = regName(uint8(i))
	}
	return names
}

// RegByName accepts r0-r15 and the sp/lr aliases.
func RegByName(name string) (int, bool) {
	r, ok := parseReg(name)
	return int(r), ok
}
