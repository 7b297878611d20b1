package cmd

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
)

var strEqNumRe = regexp.MustCompile(`^([a-zA-Z0-9]+)=((-|0|0x|0b)?[0-9a-fA-F]+)$`)

func parseRegValue(s string) (uint32, error) {
	if s[0] == '-' {
		n, err := strconv.ParseInt(s, 0, 32)
		return uint32(n), err
	}
	n, err := strconv.ParseUint(s, 0, 32)
	return uint32(n), err
}

var RegCmd = cmd(&Command{
	Name: "reg",
	Desc: "Read/write regs: reg [name[=value]...]",
	Run: func(c *Context, args ...string) error {
		if len(args) == 0 {
			regs, err := c.M.RegDump()
			if err != nil {
				return err
			}
			for _, reg := range regs {
				c.Printf("%-5s %#08x\n", reg.Name, reg.Val)
			}
			return nil
		}
		for _, v := range args {
			reg := v
			var value uint32
			match := strEqNumRe.FindStringSubmatch(v)
			if len(match) > 0 {
				reg = match[1]
				var err error
				if value, err = parseRegValue(match[2]); err != nil {
					c.Printf("error parsing %s value: %v\n", reg, err)
					continue
				}
			} else if strings.Contains(v, "=") {
				c.Printf("invalid assignment: %s\n", v)
				continue
			}
			if reg == "pc" {
				if len(match) > 0 {
					if err := c.M.SetPC(value); err != nil {
						c.Printf("%s: %v\n", v, err)
					}
				} else {
					pc, _ := c.M.PC()
					c.Printf("pc    %#08x\n", pc)
				}
				continue
			}
			enum, ok := tc32.RegByName(reg)
			if !ok {
				c.Printf("reg %s not found\n", reg)
				continue
			}
			if len(match) > 0 {
				if err := c.M.SetReg(enum, value); err != nil {
					c.Printf("%s: %v\n", v, err)
				}
			} else {
				val, _ := c.M.Reg(enum)
				c.Printf("%-5s %#08x\n", reg, val)
			}
		}
		return nil
	},
})
