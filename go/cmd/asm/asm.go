package asm

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/cmd"
	"github.com/jitcorn/jitcorn/go/loader"
)

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	out := fs.String("o", "", "output image (default: source with .img extension)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <source.s>\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	src := fs.Arg(0)
	f, err := os.Open(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", src, err)
		os.Exit(1)
	}
	img, err := tc32.Assemble(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", src, err)
		os.Exit(1)
	}
	if *out == "" {
		*out = strings.TrimSuffix(src, filepath.Ext(src)) + ".img"
	}
	if err := loader.WriteFile(*out, img); err != nil {
		fmt.Fprintf(os.Stderr, "error writing image: %v\n", err)
		os.Exit(1)
	}
}

func init() { cmd.Register("asm", "assemble TC32 source into an image", Main) }
