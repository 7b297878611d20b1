package tui

import (
	"os"

	"github.com/jitcorn/jitcorn/go/cmd"
	"github.com/jitcorn/jitcorn/go/ui"
)

func Main(args []string) {
	c := cmd.NewJitcornCmd()
	c.RunMachine = func() error {
		t, err := ui.NewTui(c.Machine)
		if err != nil {
			return err
		}
		return t.Run()
	}
	os.Exit(c.Run(args))
}

func init() { cmd.Register("tui", "watch blocks and edges in a terminal ui while driving the monitor", Main) }
