package cmd

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/models"
)

var RunCmd = cmd(&Command{
	Name: "run",
	Desc: "Run frames: run [count]",
	Run: func(c *Context, args ...string) error {
		n := 1
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Errorf("bad frame count %q", args[0])
			}
			n = v
		}
		for i := 0; i < n; i++ {
			if err := c.M.RunFrame(); err != nil {
				if e, ok := err.(models.ExitStatus); ok {
					c.Printf("exit %d\n", int(e))
					return nil
				}
				return err
			}
		}
		pc, err := c.M.PC()
		if err != nil {
			return err
		}
		c.Printf("pc %#x after %d frames\n", pc, c.M.Frames)
		return nil
	},
})

var BlocksCmd = cmd(&Command{
	Name: "blocks",
	Desc: "List compiled blocks.",
	Run: func(c *Context) error {
		for _, b := range c.M.Jit.Blocks() {
			c.Printf("  %s\n", b)
		}
		return nil
	},
})

var EdgesCmd = cmd(&Command{
	Name: "edges",
	Desc: "List static edges and their link state.",
	Run: func(c *Context) error {
		for _, e := range c.M.Jit.Edges() {
			c.Printf("  %s\n", e)
		}
		return nil
	},
})

var LookupCmd = cmd(&Command{
	Name: "lookup",
	Desc: "Show the cache slot for a guest pc.",
	Run: func(c *Context, addr string) error {
		pc, err := c.Addr(addr)
		if err != nil {
			return err
		}
		cache := c.M.Backend.Cache()
		host := c.M.Backend.Lookup(pc)
		state := "compiled"
		if host == c.M.Backend.Thunks().Compile {
			state = "compile thunk"
		}
		c.Printf("  slot %#x -> %#x (%s)\n", cache.Index(pc), host, state)
		return nil
	},
})

var InvalidateCmd = cmd(&Command{
	Name: "invalidate",
	Desc: "Force the block at a guest pc to recompile.",
	Run: func(c *Context, addr string) error {
		pc, err := c.Addr(addr)
		if err != nil {
			return err
		}
		c.M.Invalidate(pc)
		return nil
	},
})

var FlushCmd = cmd(&Command{
	Name: "flush",
	Desc: "Drop every compiled block.",
	Run: func(c *Context) error {
		c.M.Jit.Flush()
		return nil
	},
})

var HdisCmd = cmd(&Command{
	Name: "hdis",
	Desc: "Disassemble the host code compiled for a guest pc.",
	Run: func(c *Context, addr string) error {
		pc, err := c.Addr(addr)
		if err != nil {
			return err
		}
		lines, err := c.M.HostDis(pc)
		if err != nil {
			return err
		}
		for _, l := range lines {
			c.Printf("  %s\n", l.String(c.M.Config.DisBytes))
		}
		return nil
	},
})

var StatsCmd = cmd(&Command{
	Name: "stats",
	Desc: "Show engine counters.",
	Run: func(c *Context) error {
		c.Printf("%s\n", c.M.Stats())
		return nil
	},
})
