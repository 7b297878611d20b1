package ui

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/shibukawa/configdir"

	jitcorn "github.com/jitcorn/jitcorn/go"
	"github.com/jitcorn/jitcorn/go/debug/cmd"
	"github.com/jitcorn/jitcorn/go/models"
	"github.com/jitcorn/jitcorn/go/script"
)

// Repl drives a machine from monitor commands typed at a terminal and
// shows which registers each command changed.
type Repl struct {
	m      *jitcorn.Machine
	rl     *readline.Instance
	ctx    *cmd.Context
	script *script.Script
	status models.StatusDiff
}

type nullCloser struct{ io.Writer }

func (n *nullCloser) Close() error { return nil }

type replIO struct {
	io.Reader
	io.Writer
}

// HistoryPath is where the repl keeps its line history, or "" if the
// cache folder can't be created.
func HistoryPath() string {
	configDirs := configdir.New("jitcorn", "repl")
	cacheDir := configDirs.QueryCacheFolder()
	if err := cacheDir.MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(cacheDir.Path, "history")
}

func NewRepl(m *jitcorn.Machine) (*Repl, error) {
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "\n",
		HistoryFile:     HistoryPath(),
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, err
	}
	// route machine output through readline so the prompt gets redrawn
	if m.Config.Output == os.Stderr {
		m.Config.Output = &nullCloser{rl.Stderr()}
	}
	r := &Repl{
		m:      m,
		rl:     rl,
		ctx:    &cmd.Context{ReadWriter: replIO{os.Stdin, rl.Stdout()}, M: m},
		status: models.StatusDiff{Src: m},
	}
	if r.script, err = script.Attach(r.ctx); err != nil {
		rl.Close()
		return nil, err
	}
	return r, nil
}

func completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range cmd.Names() {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func (r *Repl) setPrompt() {
	pc, err := r.m.PC()
	if err != nil {
		r.rl.SetPrompt("> ")
		return
	}
	if sym := r.m.Symbolicate(pc); sym != "" {
		r.rl.SetPrompt(fmt.Sprintf("%#x <%s>> ", pc, sym))
	} else {
		r.rl.SetPrompt(fmt.Sprintf("%#x> ", pc))
	}
}

func (r *Repl) printChanges(onlyChanged bool) {
	changes, err := r.status.Changes(onlyChanged)
	if err != nil {
		fmt.Fprintf(r.rl.Stderr(), "error reading registers: %v\n", err)
		return
	}
	if !onlyChanged || changes.Count() > 0 {
		fmt.Fprint(r.rl.Stdout(), changes.String(r.m.Config.Color))
	}
}

// Run reads commands until EOF or "quit".
func (r *Repl) Run() error {
	defer r.Close()
	r.printChanges(false)
	r.setPrompt()
	for {
		line, err := r.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return nil
		}
		if err := cmd.Run(r.ctx, line); err != nil {
			return err
		}
		r.printChanges(true)
		r.setPrompt()
	}
}

func (r *Repl) Close() {
	r.script.Close()
	r.rl.Close()
}
