package script

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lunixbochs/luaish"
	"github.com/lunixbochs/luaish-luar"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/debug/cmd"
	"github.com/jitcorn/jitcorn/go/models"
)

// Script is a Lua state bound to one monitor context. Every monitor
// command is a global function, guest registers are globals that are
// written back after each chunk, and the machine itself is exposed as
// "machine".
type Script struct {
	*lua.LState
	c *cmd.Context

	// register values as last published to Lua
	regs []models.RegVal
}

// New creates a Script and runs init.lua from the user's config folders.
func New(c *cmd.Context) (*Script, error) {
	s := &Script{LState: lua.NewState(), c: c}
	if err := s.bind(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "loading script bindings")
	}
	configDirs := configdir.New("jitcorn", "script")
	for _, folder := range configDirs.QueryFolders(configdir.All) {
		if data, err := folder.ReadFile("init.lua"); err == nil {
			if err := s.Exec(string(data)); err != nil {
				c.Printf("error in %s/init.lua: %v\n", folder.Path, err)
			}
		}
	}
	return s, nil
}

// Attach creates a Script and makes it the context's interpreter.
func Attach(c *cmd.Context) (*Script, error) {
	s, err := New(c)
	if err != nil {
		return nil, err
	}
	c.Script = s
	return s, nil
}

// Exec runs a chunk of Lua.
func (s *Script) Exec(src string) error {
	if err := s.pushRegs(); err != nil {
		return err
	}
	err := s.DoString(src)
	if perr := s.pullRegs(); err == nil {
		err = perr
	}
	return err
}

func (s *Script) exports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"print":   s.print,
		"read":    s.read,
		"sym":     s.sym,
		"capture": s.capture,
	}
}

func (s *Script) bind() error {
	for name, fn := range s.exports() {
		s.SetGlobal(name, s.NewFunction(fn))
	}
	for _, name := range cmd.Names() {
		s.SetGlobal(name, s.NewFunction(s.command(name)))
	}
	s.SetGlobal("machine", luar.New(s.LState, s.c.M))
	return s.DoString(sugarRc)
}

func (s *Script) pushRegs() error {
	regs, err := s.c.M.RegDump()
	if err != nil {
		return err
	}
	s.regs = regs
	for _, r := range regs {
		s.SetGlobal(r.Name, lua.LInt(r.Val))
	}
	return nil
}

// pullRegs writes back any general register or pc a chunk assigned to.
func (s *Script) pullRegs() error {
	for _, r := range s.regs {
		if r.Enum >= tc32.NumRegs && r.Name != "pc" {
			continue
		}
		v, ok := s.GetGlobal(r.Name).(lua.LInt)
		if !ok {
			return errors.Errorf("register %s is not an integer", r.Name)
		}
		val := uint32(v)
		if uint64(val) == r.Val {
			continue
		}
		var err error
		if r.Name == "pc" {
			err = s.c.M.SetPC(val)
		} else {
			err = s.c.M.SetReg(r.Enum, val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// args converts Lua arguments from index first on into command words.
func args(L *lua.LState, first int) []string {
	var out []string
	for i := first; i <= L.GetTop(); i++ {
		switch v := L.CheckAny(i).(type) {
		case lua.LInt:
			out = append(out, strconv.FormatInt(int64(v), 10))
		case lua.LFloat:
			out = append(out, strconv.FormatInt(int64(v), 10))
		default:
			out = append(out, v.String())
		}
	}
	return out
}

func (s *Script) checkErr(err error) {
	if err != nil {
		s.RaiseError("%s", err.Error())
	}
}

// command wraps a monitor command. Register globals are synced around the
// call so Lua and the command see the same machine state.
func (s *Script) command(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		s.checkErr(s.pullRegs())
		s.checkErr(cmd.Call(s.c, name, args(L, 1)...))
		s.checkErr(s.pushRegs())
		return 0
	}
}

// capture(name, args...) runs a monitor command and returns its output.
func (s *Script) capture(L *lua.LState) int {
	words := args(L, 1)
	if len(words) == 0 {
		L.RaiseError("capture needs a command name")
	}
	var buf bytes.Buffer
	c := &cmd.Context{ReadWriter: &buf, M: s.c.M, Script: s}
	s.checkErr(s.pullRegs())
	s.checkErr(cmd.Call(c, words[0], words[1:]...))
	s.checkErr(s.pushRegs())
	L.Push(lua.LString(buf.String()))
	return 1
}

func (s *Script) addr(L *lua.LState, i int) uint32 {
	switch v := L.CheckAny(i).(type) {
	case lua.LInt:
		return uint32(v)
	case lua.LString:
		addr, err := s.c.Addr(string(v))
		s.checkErr(err)
		return addr
	}
	L.RaiseError("bad address %v", L.CheckAny(i))
	return 0
}

// read(addr[, size]) returns guest memory as a string.
func (s *Script) read(L *lua.LState) int {
	addr, size := s.addr(L, 1), uint32(4)
	if L.GetTop() > 1 {
		size = uint32(L.CheckUint64(2))
	}
	mem, err := s.c.M.MemRead(addr, size)
	s.checkErr(err)
	L.Push(lua.LString(mem))
	return 1
}

func (s *Script) sym(L *lua.LState) int {
	L.Push(lua.LString(s.c.M.Symbolicate(s.addr(L, 1))))
	return 1
}

func (s *Script) print(L *lua.LState) int {
	words := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		words = append(words, pretty(L.CheckAny(i)))
	}
	s.c.Printf("%s\n", strings.Join(words, " "))
	return 0
}

func pretty(v lua.LValue) string {
	switch n := v.(type) {
	case lua.LInt:
		if n >= 0 && n < 10 {
			return fmt.Sprintf("%d", n)
		}
		return fmt.Sprintf("%#x", uint64(n))
	case lua.LFloat:
		return fmt.Sprintf("%f", float64(n))
	}
	return v.String()
}
