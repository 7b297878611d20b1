package main

import (
	"github.com/jitcorn/jitcorn/go/cmd"

	_ "github.com/jitcorn/jitcorn/go/cmd/run"

	_ "github.com/jitcorn/jitcorn/go/cmd/asm"
	_ "github.com/jitcorn/jitcorn/go/cmd/dis"
	_ "github.com/jitcorn/jitcorn/go/cmd/repl"
	_ "github.com/jitcorn/jitcorn/go/cmd/trace"
	_ "github.com/jitcorn/jitcorn/go/cmd/tui"
)

func main() { cmd.Main() }
