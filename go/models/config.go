package models

import (
	"fmt"
	"io"
	"os"

	"github.com/lunixbochs/vtclean"
)

type TraceConfig struct {
	// print dispatch events as they happen
	Events bool
	// write a compressed event log here
	Tracefile string
}

func (t *TraceConfig) Any() bool {
	return t.Events || t.Tracefile != ""
}

type Config struct {
	Output  io.WriteCloser
	Color   bool
	Verbose bool

	// host cpu backend, see go/cpu
	Backend string
	// patch static branches into direct jumps after their second traversal
	LinkEdges bool
	// log every Nth dynamic dispatch; disables linking so every transfer is seen
	LogDispatchEveryN int
	// host code buffer size
	CodeSize uint64

	CyclesPerFrame int
	// 0 runs until the guest halts
	Frames      int
	TimerPeriod int

	Trace    TraceConfig
	DisBytes bool
}

func (c *Config) Init() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.Backend == "" {
		c.Backend = "interp"
	}
	if c.CodeSize == 0 {
		c.CodeSize = 0x800000
	}
	if c.CyclesPerFrame == 0 {
		c.CyclesPerFrame = 10000
	}
	return c
}

// Printf writes to Output, stripping color codes when color is off.
func (c *Config) Printf(format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	if !c.Color {
		s = vtclean.Clean(s, false)
	}
	c.Output.Write([]byte(s))
}

func (c *Config) Debugf(format string, args ...interface{}) {
	if c.Verbose {
		c.Printf(format, args...)
	}
}
