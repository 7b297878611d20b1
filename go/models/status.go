package models

import (
	"fmt"
	"strings"

	"github.com/mgutz/ansi"
)

type RegVal struct {
	Enum int
	Name string
	Val  uint64
}

// RegSource is anything with a register file worth diffing.
type RegSource interface {
	RegDump() ([]RegVal, error)
	Bits() int
}

// StatusDiff remembers the last register dump so the next one can
// highlight what changed.
type StatusDiff struct {
	Src     RegSource
	oldRegs map[int]uint64
}

var chSame = ansi.ColorCode("default:default")
var chNew = ansi.ColorCode("default+bu:default")

func colorPad(s, color string, pad int) string {
	n := len(s)
	s = color + s + ansi.Reset
	if n < pad {
		s = strings.Repeat(" ", pad-n) + s
	}
	return s
}

type Change struct {
	Old, New uint64
	Enum     int
	Name     string
}

func (c *Change) Changed() bool {
	return c.Old != c.New
}

// nibbles splits the hex form of New into runs that match or differ from Old.
func (c *Change) nibbles(bsz int) (runs []string, changed []bool) {
	hexFmt := fmt.Sprintf("%%0%dx", bsz)
	n, o := fmt.Sprintf(hexFmt, c.New), fmt.Sprintf(hexFmt, c.Old)
	start := 0
	for i := 1; i <= len(n); i++ {
		if i == len(n) || (n[i] == o[i]) != (n[start] == o[start]) {
			runs = append(runs, n[start:i])
			changed = append(changed, n[start] != o[start])
			start = i
		}
	}
	return
}

func (c *Change) String(bsz int, color bool) string {
	hexFmt := fmt.Sprintf("%%0%dx", bsz)
	if !c.Changed() {
		return fmt.Sprintf(" %4s 0x"+hexFmt, c.Name, c.New)
	}
	if !color {
		return fmt.Sprintf("+%4s 0x"+hexFmt, c.Name, c.New)
	}
	var out strings.Builder
	fmt.Fprintf(&out, " %s 0x", colorPad(c.Name, chNew, 4))
	runs, changed := c.nibbles(bsz)
	for i, run := range runs {
		col := chSame
		if changed[i] {
			col = chNew
		}
		out.WriteString(col + run)
	}
	out.WriteString(ansi.Reset)
	return out.String()
}

type Changes struct {
	Bsz     int
	Changes []*Change
}

// String prints the registers column-major, four columns wide.
func (cs *Changes) String(color bool) string {
	const cols = 4
	var out strings.Builder
	rows := (len(cs.Changes) + cols - 1) / cols
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := c*rows + r
			if i >= len(cs.Changes) {
				break
			}
			out.WriteString(cs.Changes[i].String(cs.Bsz, color))
			out.WriteString(" ")
		}
		out.WriteString("\n")
	}
	return out.String()
}

func (cs *Changes) Count() int {
	n := 0
	for _, c := range cs.Changes {
		if c.Changed() {
			n++
		}
	}
	return n
}

func (cs *Changes) Find(enum int) *Change {
	for _, c := range cs.Changes {
		if c.Enum == enum {
			return c
		}
	}
	return nil
}

func (s *StatusDiff) Changes(onlyChanged bool) (*Changes, error) {
	regs, err := s.Src.RegDump()
	if err != nil {
		return nil, err
	}
	cs := make([]*Change, 0, len(regs))
	for _, reg := range regs {
		change := &Change{Old: s.oldRegs[reg.Enum], New: reg.Val, Enum: reg.Enum, Name: reg.Name}
		if s.oldRegs == nil {
			change.Old = change.New
		}
		if !onlyChanged || change.Changed() {
			cs = append(cs, change)
		}
	}
	s.oldRegs = make(map[int]uint64, len(regs))
	for _, r := range regs {
		s.oldRegs[r.Enum] = r.Val
	}
	return &Changes{Bsz: s.Src.Bits() / 4, Changes: cs}, nil
}
