package repl

import (
	"os"

	"github.com/jitcorn/jitcorn/go/cmd"
	"github.com/jitcorn/jitcorn/go/ui"
)

func Main(args []string) {
	c := cmd.NewJitcornCmd()
	c.RunMachine = func() error {
		r, err := ui.NewRepl(c.Machine)
		if err != nil {
			return err
		}
		return r.Run()
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("repl", "load an image and drive it from the monitor", Main) }
