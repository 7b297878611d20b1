package debug

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/chzyer/readline"

	jitcorn "github.com/jitcorn/jitcorn/go"
	"github.com/jitcorn/jitcorn/go/debug/cmd"
)

func Accept(host, port string) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	fmt.Fprintf(os.Stderr, "Waiting for connection on %s\n", addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return ln.Accept()
}

// Debugger runs monitor commands against a machine on behalf of remote
// connections. Commands are serialized with the machine's own frame loop
// through Lock.
type Debugger struct {
	m  *jitcorn.Machine
	mu sync.Mutex
}

func NewDebugger(m *jitcorn.Machine) *Debugger {
	return &Debugger{m: m}
}

// Lock holds off debugger commands, e.g. while a frame runs.
func (d *Debugger) Lock()   { d.mu.Lock() }
func (d *Debugger) Unlock() { d.mu.Unlock() }

// Exec runs one command line and returns its output.
func (d *Debugger) Exec(line string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	err := cmd.Run(&cmd.Context{ReadWriter: &buf, M: d.m}, line)
	return buf.String(), err
}

func (d *Debugger) Run(c net.Conn) {
	fmt.Fprintf(os.Stderr, "Debug connection from %s\n", c.RemoteAddr())
	rl, err := readline.NewEx(&readline.Config{
		Prompt:         "> ",
		Stdin:          c,
		Stdout:         c,
		Stderr:         c,
		FuncIsTerminal: func() bool { return false },
		FuncMakeRaw:    func() error { return nil },
		FuncExitRaw:    func() error { return nil },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening readline for debugger: %v\n", err)
		c.Close()
		return
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "error in readline: %v\n", err)
			}
			break
		}
		out, err := d.Exec(line)
		io.WriteString(c, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error in command: %v\n", err)
			break
		}
	}
}
