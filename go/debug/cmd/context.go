package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	jitcorn "github.com/jitcorn/jitcorn/go"
)

// Interp runs script source against a Context's machine.
type Interp interface {
	Exec(src string) error
}

type Context struct {
	io.ReadWriter
	M *jitcorn.Machine

	// nil when scripting is unavailable
	Script Interp
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

// Addr resolves a number or an image symbol to a guest address.
func (c *Context) Addr(s string) (uint32, error) {
	if img := c.M.Image(); img != nil {
		if addr, ok := img.Lookup(s); ok {
			return addr, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("bad address %q", s)
	}
	return uint32(n), nil
}
