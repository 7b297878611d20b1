package dis

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/cmd"
	"github.com/jitcorn/jitcorn/go/loader"
)

// Print disassembles every segment of img, labelling symbols.
func Print(img *loader.Image, showBytes bool) {
	sym := img.Symbolicate
	if len(img.Symbols) == 0 {
		sym = nil
	}
	fmt.Printf("entry %#x\n", img.Entry)
	for _, seg := range img.Segments {
		fmt.Printf("\nsegment %#x-%#x\n", seg.Addr, seg.End())
		for _, l := range tc32.Dis(seg.Data, seg.Addr) {
			if sym != nil {
				if name := sym(l.Addr); name != "" && !strings.Contains(name, "+") {
					fmt.Printf("%s:\n", name)
				}
			}
			fmt.Printf("  %s\n", l.Format(sym, showBytes))
		}
	}
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	disbytes := fs.Bool("disbytes", true, "show instruction words")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <image|source.s>\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	img, err := cmd.LoadImage(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading image: %v\n", err)
		os.Exit(1)
	}
	Print(img, *disbytes)
}

func init() { cmd.Register("dis", "disassemble a TC32 image", Main) }
