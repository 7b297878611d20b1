package cmd

import (
	"os"

	"github.com/pkg/errors"
)

func script(c *Context) (Interp, error) {
	if c.Script == nil {
		return nil, errors.New("scripting is not enabled here")
	}
	return c.Script, nil
}

var LuaCmd = cmd(&Command{
	Name: "lua",
	Desc: "Run Lua: lua <code>",
	Raw:  true,
	Run: func(c *Context, src string) error {
		s, err := script(c)
		if err != nil {
			return err
		}
		return s.Exec(src)
	},
})

var SourceCmd = cmd(&Command{
	Name: "source",
	Desc: "Run a Lua file.",
	Run: func(c *Context, path string) error {
		s, err := script(c)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "source")
		}
		return s.Exec(string(data))
	},
})
