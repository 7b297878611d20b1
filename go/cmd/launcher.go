package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type command struct {
	name, desc string
	main       func(args []string)
}

var commands = make(map[string]*command)

// Register adds a subcommand. main gets argv with the program and command
// names joined into argv[0].
func Register(name, desc string, main func(args []string)) {
	if _, ok := commands[name]; ok {
		panic("duplicate command " + name)
	}
	commands[name] = &command{name, desc, main}
}

func usage(w io.Writer, prog string) {
	names := make([]string, 0, len(commands))
	pad := 0
	for name := range commands {
		names = append(names, name)
		if len(name) > pad {
			pad = len(name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	fmt.Fprintf(w, "Usage: %s <command> [options]\n\nCommands:\n", prog)
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s | %s\n", pad, name, commands[name].desc)
	}
	fmt.Fprintf(w, "\nExample: %s run -trace -frames 10 examples/loop.asm\n\n", prog)
}

// Main dispatches os.Args to a registered subcommand.
func Main() {
	if len(os.Args) < 2 || os.Args[1] == "help" || os.Args[1] == "-h" {
		usage(os.Stderr, os.Args[0])
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Command '%s' not found.\n\n", os.Args[1])
		usage(os.Stderr, os.Args[0])
		os.Exit(1)
	}
	args := append([]string{strings.Join(os.Args[:2], " ")}, os.Args[2:]...)
	cmd.main(args)
}
