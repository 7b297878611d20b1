package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jroimartin/gocui"
	"github.com/lunixbochs/vtclean"
	"github.com/pkg/errors"

	jitcorn "github.com/jitcorn/jitcorn/go"
	"github.com/jitcorn/jitcorn/go/debug/cmd"
	"github.com/jitcorn/jitcorn/go/jit"
	"github.com/jitcorn/jitcorn/go/models"
	"github.com/jitcorn/jitcorn/go/script"
)

// Tui shows the code cache next to the guest registers and runs monitor
// commands typed on its bottom line.
type Tui struct {
	m      *jitcorn.Machine
	g      *gocui.Gui
	ctx    *cmd.Context
	script *script.Script
	status models.StatusDiff
}

// lineWriter forwards whole lines with terminal codes stripped.
type lineWriter struct {
	w    io.Writer
	line string
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.line += string(p)
	for {
		i := strings.IndexByte(l.line, '\n')
		if i < 0 {
			break
		}
		if _, err := io.WriteString(l.w, vtclean.Clean(l.line[:i], false)+"\n"); err != nil {
			return 0, err
		}
		l.line = l.line[i+1:]
	}
	return len(p), nil
}

// engineLines lists blocks in pc order, each followed by its outgoing
// edges and their link state.
func engineLines(j *jit.Jit) []string {
	var out []string
	for _, b := range j.Blocks() {
		out = append(out, b.String())
		for _, e := range b.Outgoing() {
			out = append(out, fmt.Sprintf("    -> %#x %s (%d hits)", e.To, e.State, e.Hits))
		}
	}
	return out
}

func NewTui(m *jitcorn.Machine) (*Tui, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, errors.Wrap(err, "gocui failed")
	}
	t := &Tui{m: m, g: g, status: models.StatusDiff{Src: m}}
	g.SetManagerFunc(t.layout)
	if err := t.layout(g); err != nil {
		g.Close()
		return nil, err
	}
	g.Cursor = true

	v, _ := g.View("output")
	out := &lineWriter{w: v}
	if m.Config.Output == os.Stderr {
		m.Config.Output = &nullCloser{out}
	}
	t.ctx = &cmd.Context{ReadWriter: replIO{os.Stdin, out}, M: m}
	if t.script, err = script.Attach(t.ctx); err != nil {
		g.Close()
		return nil, err
	}
	if err := t.bindKeys(); err != nil {
		t.Close()
		return nil, err
	}
	t.refresh()
	return t, nil
}

func (t *Tui) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	split, bottom := maxX*2/3, maxY-10
	panes := []struct {
		name           string
		x0, y0, x1, y1 int
	}{
		{"engine", 0, 0, split - 1, bottom - 1},
		{"regs", split, 0, maxX - 1, bottom - 1},
		{"output", 0, bottom, maxX - 1, maxY - 4},
		{"cmd", 0, maxY - 3, maxX - 1, maxY - 1},
	}
	for _, p := range panes {
		v, err := g.SetView(p.name, p.x0, p.y0, p.x1, p.y1)
		if err == nil {
			continue
		} else if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = p.name
		switch p.name {
		case "output":
			v.Autoscroll = true
			v.Wrap = true
		case "cmd":
			v.Editable = true
			if _, err := g.SetCurrentView("cmd"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tui) bindKeys() error {
	quit := func(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }
	if err := t.g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		return err
	}
	return t.g.SetKeybinding("cmd", gocui.KeyEnter, gocui.ModNone, t.enter)
}

func (t *Tui) enter(g *gocui.Gui, v *gocui.View) error {
	line := strings.TrimSpace(v.Buffer())
	v.Clear()
	v.SetCursor(0, 0)
	if line == "quit" || line == "exit" {
		return gocui.ErrQuit
	}
	if line != "" {
		t.ctx.Printf("> %s\n", line)
		if err := cmd.Run(t.ctx, line); err != nil {
			return err
		}
	}
	t.refresh()
	return nil
}

// refresh redraws the engine and register panes.
func (t *Tui) refresh() {
	if v, err := t.g.View("engine"); err == nil {
		v.Clear()
		st := t.m.Jit.Stats()
		v.Title = fmt.Sprintf("blocks %d, edges %d, links %d", len(t.m.Jit.Blocks()), len(t.m.Jit.Edges()), st.Links)
		for _, line := range engineLines(t.m.Jit) {
			fmt.Fprintln(v, line)
		}
	}
	if v, err := t.g.View("regs"); err == nil {
		v.Clear()
		changes, err := t.status.Changes(false)
		if err != nil {
			fmt.Fprintf(v, "error reading registers: %v\n", err)
			return
		}
		fmt.Fprint(v, changes.String(t.m.Config.Color))
	}
}

// Run blocks until the user quits.
func (t *Tui) Run() error {
	defer t.Close()
	if err := t.g.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func (t *Tui) Close() {
	if t.script != nil {
		t.script.Close()
	}
	t.g.Close()
}
