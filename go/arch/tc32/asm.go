package tc32

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/loader"
)

// source line after comment stripping and label extraction
type asmLine struct {
	num    int
	labels []string
	op     string
	args   []string
	addr   uint32
}

type asmState struct {
	lines  []*asmLine
	labels map[string]uint32
	entry  string
}

func parseReg(s string) (uint8, bool) {
	s = strings.ToLower(s)
	switch s {
	case "sp":
		return SP, true
	case "lr":
		return LR, true
	}
	if !strings.HasPrefix(s, "r") {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= NumRegs {
		return 0, false
	}
	return uint8(n), true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || c == '.' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

func splitArgs(s string) []string {
	var args []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return args
}

func (s *asmState) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var pending []string
	num := 0
	for scanner.Scan() {
		num++
		text := scanner.Text()
		if i := strings.IndexAny(text, ";#"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		for {
			i := strings.Index(text, ":")
			if i < 0 || !isIdent(strings.TrimSpace(text[:i])) {
				break
			}
			pending = append(pending, strings.TrimSpace(text[:i]))
			text = strings.TrimSpace(text[i+1:])
		}
		if text == "" {
			continue
		}
		line := &asmLine{num: num, labels: pending}
		pending = nil
		op, args := text, ""
		if i := strings.IndexAny(text, " \t"); i >= 0 {
			op, args = text[:i], text[i+1:]
		}
		line.op = strings.ToLower(op)
		line.args = splitArgs(args)
		s.lines = append(s.lines, line)
	}
	if len(pending) > 0 {
		// trailing labels mark the end of the program
		s.lines = append(s.lines, &asmLine{num: num, labels: pending})
	}
	return scanner.Err()
}

func (l *asmLine) errorf(format string, args ...interface{}) error {
	return errors.Errorf("line %d: %s", l.num, fmt.Sprintf(format, args...))
}

// size is the number of bytes a line assembles to.
func (l *asmLine) size() (uint32, error) {
	switch l.op {
	case "", ".org", ".entry":
		return 0, nil
	case ".word":
		return uint32(len(l.args)) * InsSize, nil
	case "la":
		return 2 * InsSize, nil
	}
	if _, ok := opNames[l.op]; !ok {
		return 0, l.errorf("unknown instruction %q", l.op)
	}
	return InsSize, nil
}

// layout assigns addresses and binds labels.
func (s *asmState) layout() error {
	var addr uint32
	for _, l := range s.lines {
		if l.op == ".org" {
			if len(l.args) != 1 {
				return l.errorf(".org takes one address")
			}
			v, err := strconv.ParseUint(l.args[0], 0, 32)
			if err != nil {
				return l.errorf("bad address %q", l.args[0])
			}
			addr = uint32(v)
		}
		if l.op == ".entry" {
			if len(l.args) != 1 {
				return l.errorf(".entry takes one label")
			}
			s.entry = l.args[0]
		}
		l.addr = addr
		for _, name := range l.labels {
			if _, ok := s.labels[name]; ok {
				return l.errorf("duplicate label %q", name)
			}
			s.labels[name] = addr
		}
		size, err := l.size()
		if err != nil {
			return err
		}
		addr += size
	}
	return nil
}

func (s *asmState) value(l *asmLine, arg string) (uint32, error) {
	if addr, ok := s.labels[arg]; ok {
		return addr, nil
	}
	v, err := strconv.ParseInt(arg, 0, 64)
	if err != nil {
		if isIdent(arg) {
			return 0, l.errorf("undefined label %q", arg)
		}
		return 0, l.errorf("bad value %q", arg)
	}
	if v < -1<<31 || v > 1<<32-1 {
		return 0, l.errorf("value out of range: %s", arg)
	}
	return uint32(v), nil
}

func (s *asmState) imm(l *asmLine, arg string, bits uint, signed bool) (int32, error) {
	v, err := s.value(l, arg)
	if err != nil {
		return 0, err
	}
	n := int64(int32(v))
	if !signed {
		n = int64(v)
	}
	lo, hi := int64(0), int64(1)<<bits-1
	if signed {
		lo, hi = -1<<(bits-1), 1<<(bits-1)-1
	}
	if n < lo || n > hi {
		return 0, l.errorf("immediate %s does not fit in %d bits", arg, bits)
	}
	return int32(n), nil
}

func (s *asmState) reg(l *asmLine, arg string) (uint8, error) {
	r, ok := parseReg(arg)
	if !ok {
		return 0, l.errorf("bad register %q", arg)
	}
	return r, nil
}

// memArg splits "imm(rs)".
func (s *asmState) memArg(l *asmLine, arg string) (uint8, int32, error) {
	open := strings.Index(arg, "(")
	if open < 0 || !strings.HasSuffix(arg, ")") {
		return 0, 0, l.errorf("bad memory operand %q", arg)
	}
	rs, err := s.reg(l, strings.TrimSpace(arg[open+1:len(arg)-1]))
	if err != nil {
		return 0, 0, err
	}
	var imm int32
	if disp := strings.TrimSpace(arg[:open]); disp != "" {
		if imm, err = s.imm(l, disp, 18, true); err != nil {
			return 0, 0, err
		}
	}
	return rs, imm, nil
}

// encode assembles one instruction line.
func (s *asmState) encode(l *asmLine) ([]uint32, error) {
	if l.op == "la" {
		if len(l.args) != 2 {
			return nil, l.errorf("la takes a register and a value")
		}
		rd, err := s.reg(l, l.args[0])
		if err != nil {
			return nil, err
		}
		v, err := s.value(l, l.args[1])
		if err != nil {
			return nil, err
		}
		hi := Ins{Op: OP_LUI, Rd: rd, Imm: int32(v >> 14)}
		lo := Ins{Op: OP_ADDI, Rd: rd, Rs: rd, Imm: int32(v & 0x3fff)}
		return []uint32{hi.Encode(), lo.Encode()}, nil
	}
	op := opNames[l.op]
	ins := Ins{Op: op}
	form := opData[op].form
	want := map[int]int{F_NONE: 0, F_RI: 2, F_RRI: 3, F_RRR: 3, F_MEM: 2, F_JUMP: 1, F_REG: 1, F_BR: 3}[form]
	if len(l.args) != want {
		return nil, l.errorf("%s takes %d operands, got %d", l.op, want, len(l.args))
	}
	var err error
	switch form {
	case F_RI:
		if ins.Rd, err = s.reg(l, l.args[0]); err != nil {
			return nil, err
		}
		ins.Imm, err = s.imm(l, l.args[1], 18, op != OP_LUI)
	case F_RRI:
		if ins.Rd, err = s.reg(l, l.args[0]); err != nil {
			return nil, err
		}
		if ins.Rs, err = s.reg(l, l.args[1]); err != nil {
			return nil, err
		}
		ins.Imm, err = s.imm(l, l.args[2], 18, true)
	case F_RRR:
		if ins.Rd, err = s.reg(l, l.args[0]); err != nil {
			return nil, err
		}
		if ins.Rs, err = s.reg(l, l.args[1]); err != nil {
			return nil, err
		}
		ins.Rt, err = s.reg(l, l.args[2])
	case F_MEM:
		if ins.Rd, err = s.reg(l, l.args[0]); err != nil {
			return nil, err
		}
		ins.Rs, ins.Imm, err = s.memArg(l, l.args[1])
	case F_JUMP:
		var target uint32
		if target, err = s.value(l, l.args[0]); err != nil {
			return nil, err
		}
		if target&3 != 0 {
			return nil, l.errorf("unaligned jump target %#x", target)
		}
		ins.Imm = int32(target>>2) & 0x3ffffff
	case F_REG:
		ins.Rs, err = s.reg(l, l.args[0])
	case F_BR:
		if ins.Rd, err = s.reg(l, l.args[0]); err != nil {
			return nil, err
		}
		if ins.Rs, err = s.reg(l, l.args[1]); err != nil {
			return nil, err
		}
		var target uint32
		if target, err = s.value(l, l.args[2]); err != nil {
			return nil, err
		}
		off := int64(int32(target-l.addr-InsSize)) / InsSize
		if (target-l.addr)&3 != 0 || off < -1<<17 || off >= 1<<17 {
			return nil, l.errorf("branch target %#x out of range", target)
		}
		ins.Imm = int32(off)
	}
	if err != nil {
		return nil, err
	}
	return []uint32{ins.Encode()}, nil
}

// Assemble turns TC32 source into a loadable image. Each .org starts a new
// segment; labels become symbols.
func Assemble(r io.Reader) (*loader.Image, error) {
	s := &asmState{labels: make(map[string]uint32)}
	if err := s.parse(r); err != nil {
		return nil, err
	}
	if err := s.layout(); err != nil {
		return nil, err
	}
	img := &loader.Image{}
	var seg *loader.Segment
	for _, l := range s.lines {
		var words []uint32
		switch l.op {
		case "", ".entry":
			continue
		case ".org":
			seg = nil
			continue
		case ".word":
			for _, arg := range l.args {
				v, err := s.value(l, arg)
				if err != nil {
					return nil, err
				}
				words = append(words, v)
			}
		default:
			var err error
			if words, err = s.encode(l); err != nil {
				return nil, err
			}
		}
		if seg == nil {
			img.Segments = append(img.Segments, loader.Segment{Addr: l.addr})
			seg = &img.Segments[len(img.Segments)-1]
		}
		for _, w := range words {
			seg.Data = binary.LittleEndian.AppendUint32(seg.Data, w)
		}
	}
	for name, addr := range s.labels {
		img.Symbols = append(img.Symbols, loader.Symbol{Addr: addr, Name: name})
	}
	img.SortSymbols()
	switch {
	case s.entry != "":
		v, err := s.value(&asmLine{}, s.entry)
		if err != nil {
			return nil, errors.Wrap(err, ".entry")
		}
		img.Entry = v
	case len(img.Segments) > 0:
		img.Entry = img.Segments[0].Addr
	}
	return img, nil
}

// AssembleString is Assemble for inline source.
func AssembleString(src string) (*loader.Image, error) {
	return Assemble(strings.NewReader(src))
}
