package tc32

import (
	"encoding/binary"
	"fmt"
)

type Line struct {
	Addr uint32
	Word uint32
	Ins  Ins
}

// Format renders the line, naming addresses with sym when non-nil.
func (l *Line) Format(sym func(uint32) string, showBytes bool) string {
	text := l.Ins.Format(l.Addr, sym)
	if showBytes {
		return fmt.Sprintf("%#08x: %08x  %s", l.Addr, l.Word, text)
	}
	return fmt.Sprintf("%#08x: %s", l.Addr, text)
}

func (l *Line) String() string {
	return l.Format(nil, true)
}

// Dis decodes whole words of mem starting at guest address addr.
func Dis(mem []byte, addr uint32) []Line {
	lines := make([]Line, 0, len(mem)/InsSize)
	for i := 0; i+InsSize <= len(mem); i += InsSize {
		word := binary.LittleEndian.Uint32(mem[i:])
		lines = append(lines, Line{Addr: addr + uint32(i), Word: word, Ins: Decode(word)})
	}
	return lines
}
