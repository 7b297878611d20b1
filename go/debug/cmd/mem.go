package cmd

import (
	"strings"

	"github.com/jitcorn/jitcorn/go/models"
)

var MemCmd = cmd(&Command{
	Name: "mem",
	Desc: "Dump guest memory.",
	Run: func(c *Context, addr string, size uint32) error {
		a, err := c.Addr(addr)
		if err != nil {
			return err
		}
		mem, err := c.M.MemRead(a, size)
		if err != nil {
			return err
		}
		for _, line := range models.HexDump(uint64(a), mem, c.M.Bits()) {
			c.Printf("  %s\n", line)
		}
		return nil
	},
})

var WriteCmd = cmd(&Command{
	Name: "write",
	Desc: "Store a word in guest memory, invalidating code it covers.",
	Run: func(c *Context, addr string, val uint32) error {
		a, err := c.Addr(addr)
		if err != nil {
			return err
		}
		p := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
		return c.M.MemWrite(a, p)
	},
})

var DisCmd = cmd(&Command{
	Name: "dis",
	Desc: "Disassemble guest code: dis [addr] [count]",
	Run: func(c *Context, args ...string) error {
		pc, err := c.M.PC()
		if err != nil {
			return err
		}
		count := 8
		if len(args) > 0 {
			if pc, err = c.Addr(args[0]); err != nil {
				return err
			}
		}
		if len(args) > 1 {
			n, err := c.Addr(args[1])
			if err != nil {
				return err
			}
			count = int(n)
		}
		lines, err := c.M.Dis(pc, count)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if name := c.M.Symbolicate(l.Addr); name != "" && !strings.Contains(name, "+") {
				c.Printf("%s:\n", name)
			}
			c.Printf("  %s\n", l.Format(c.M.Symbolicate, c.M.Config.DisBytes))
		}
		return nil
	},
})

var SymsCmd = cmd(&Command{
	Name: "syms",
	Desc: "List image symbols.",
	Run: func(c *Context) error {
		img := c.M.Image()
		if img == nil {
			return nil
		}
		for _, s := range img.Symbols {
			c.Printf("  %#08x %s\n", s.Addr, s.Name)
		}
		return nil
	},
})
