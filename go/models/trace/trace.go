package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/mgutz/ansi"
)

// Tracer receives engine events. Implementations must not retain op.
type Tracer interface {
	Trace(op *Op)
}

type Multi []Tracer

func (m Multi) Trace(op *Op) {
	for _, t := range m {
		t.Trace(op)
	}
}

// Counter tallies ops by kind.
type Counter struct {
	Counts [opCount]uint64
}

func (c *Counter) Trace(op *Op) {
	if int(op.Kind) < len(c.Counts) {
		c.Counts[op.Kind]++
	}
}

func (c *Counter) Count(kind uint8) uint64 {
	return c.Counts[kind]
}

func (c *Counter) String() string {
	var parts []string
	for kind, n := range c.Counts {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", opNames[kind], n))
		}
	}
	return strings.Join(parts, " ")
}

var opColors = [opCount]string{
	OP_DISPATCH:   ansi.ColorCode("cyan"),
	OP_COMPILE:    ansi.ColorCode("green"),
	OP_LINK:       ansi.ColorCode("blue+b"),
	OP_UNLINK:     ansi.ColorCode("yellow"),
	OP_INVALIDATE: ansi.ColorCode("yellow+b"),
	OP_FLUSH:      ansi.ColorCode("red+b"),
	OP_INTERRUPT:  ansi.ColorCode("magenta"),
	OP_EXIT:       ansi.ColorCode("white+b"),
}

// Printer writes one line per op.
type Printer struct {
	W     io.Writer
	Color bool
}

func (p *Printer) Trace(op *Op) {
	line := op.String()
	if p.Color && int(op.Kind) < len(opColors) && opColors[op.Kind] != "" {
		line = opColors[op.Kind] + line + ansi.Reset
	}
	fmt.Fprintln(p.W, line)
}
