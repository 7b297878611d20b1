package cmd

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
)

type Command struct {
	Name string
	Desc string
	// func(*Context, fixed args...) error, or func(*Context, ...string) error
	// for commands with optional arguments
	Run interface{}
	// Raw commands take the rest of the line unparsed, as
	// func(*Context, string) error.
	Raw bool
}

var Commands = make(map[string]*Command)

func cmd(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	Commands[c.Name] = c
	return c
}

// Names lists registered commands in order.
func Names() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// strArgCodec converts command line words into integer arguments.
func strArgCodec(arg interface{}, vals []interface{}) error {
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
		return nil
	case *uint64:
		n, err := strconv.ParseUint(s, 0, 64)
		*v = n
		return err
	case *uint32:
		n, err := strconv.ParseUint(s, 0, 32)
		*v = uint32(n)
		return err
	case *int:
		n, err := strconv.ParseInt(s, 0, 0)
		*v = int(n)
		return err
	}
	return argjoy.NoMatch
}

var aj = argjoy.NewArgjoy()

func init() {
	aj.Register(strArgCodec)
}

func call(c *Context, cmd *Command, args []string) error {
	if fn, ok := cmd.Run.(func(*Context, ...string) error); ok {
		return fn(c, args...)
	}
	if fn, ok := cmd.Run.(func(*Context, string) error); ok && cmd.Raw {
		return fn(c, strings.Join(args, " "))
	}
	in := make([]interface{}, 0, len(args)+1)
	in = append(in, c)
	for _, a := range args {
		in = append(in, a)
	}
	out, err := aj.Call(cmd.Run, in...)
	if err != nil {
		return errors.Wrap(err, "usage")
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok {
			return err
		}
	}
	return nil
}

// Call runs a command by name with already split arguments.
func Call(c *Context, name string, args ...string) error {
	cmd, ok := Commands[name]
	if !ok {
		return errors.Errorf("command not found: %s", name)
	}
	return call(c, cmd, args)
}

// Run parses and executes one command line. Command errors are printed,
// not returned, so a monitor keeps going.
func Run(c *Context, line string) error {
	line = strings.TrimSpace(line)
	name, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		name, rest = line[:i], strings.TrimSpace(line[i:])
	}
	if cmd, ok := Commands[name]; ok && cmd.Raw {
		if err := cmd.Run.(func(*Context, string) error)(c, rest); err != nil {
			c.Printf("error: %v\n", err)
		}
		return nil
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args = args[0], args[1:]
	if cmd, ok := Commands[name]; ok {
		if err := call(c, cmd, args); err != nil {
			c.Printf("error: %v\n", err)
		}
	} else {
		c.Printf("command not found.\n")
	}
	return nil
}

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Run: func(c *Context, args ...string) error {
		for _, name := range Names() {
			c.Printf("  %-12s %s\n", name, Commands[name].Desc)
		}
		return nil
	},
})
