package run

import (
	"os"

	"github.com/jitcorn/jitcorn/go/cmd"
)

func Main(args []string) {
	os.Exit(cmd.NewJitcornCmd().Run(args))
}

func RawMain(args []string) {
	os.Exit(cmd.NewJitcornRawCmd().Run(args))
}

func init() {
	cmd.Register("run", "execute a TC32 image or source file", Main)
	cmd.Register("raw", "execute a flat TC32 binary", RawMain)
}
