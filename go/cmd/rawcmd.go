package cmd

import (
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/loader"
)

// NewJitcornRawCmd runs a flat binary of TC32 words loaded at -base.
func NewJitcornRawCmd() *JitcornCmd {
	c := NewJitcornCmd()

	var base, entry *uint64
	c.MakeImage = func(path string) (*loader.Image, error) {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if *base&3 != 0 || *base+uint64(len(data)) > tc32.MemSize {
			return nil, errors.Errorf("%d bytes at %#x don't fit guest memory", len(data), *base)
		}
		img := &loader.Image{
			Entry:    uint32(*base),
			Segments: []loader.Segment{{Addr: uint32(*base), Data: data}},
		}
		if *entry != 0 {
			img.Entry = uint32(*entry)
		}
		return img, nil
	}
	c.SetupFlags = func() error {
		base = c.Flags.Uint64("base", 0x1000, "load address")
		entry = c.Flags.Uint64("entry", 0, "entry point (default: load address)")
		return nil
	}
	return c
}
