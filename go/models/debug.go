package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func printable(p []byte) string {
	o := make([]byte, len(p))
	for i, c := range p {
		if c >= 0x20 && c <= 0x7e {
			o[i] = c
		} else {
			o[i] = '.'
		}
	}
	return string(o)
}

// HexDump formats mem as lines of bits-wide words with an ascii column.
func HexDump(base uint64, mem []byte, bits int) []string {
	bsz := bits / 8
	addrFmt := fmt.Sprintf("0x%%0%dx:", bsz*2)
	const width = 80
	blockCount := ((width - (bsz*2 + 4)) * 3 / 4) / ((bsz + 1) * 2)
	lineSize := blockCount * bsz

	var out []string
	blocks := make([]string, blockCount)
	tail := make([]string, blockCount)
	for i := 0; i < len(mem); i += lineSize {
		line := mem[i:]
		for j := range blocks {
			lo, hi := j*bsz, (j+1)*bsz
			switch {
			case lo >= len(line):
				blocks[j] = strings.Repeat(" ", bsz*2)
				tail[j] = strings.Repeat(" ", bsz)
			case hi > len(line):
				pad := hi - len(line)
				blocks[j] = hex.EncodeToString(line[lo:]) + strings.Repeat("  ", pad)
				tail[j] = printable(line[lo:]) + strings.Repeat(" ", pad)
			default:
				blocks[j] = hex.EncodeToString(line[lo:hi])
				tail[j] = printable(line[lo:hi])
			}
		}
		out = append(out, fmt.Sprintf(addrFmt+" %s [%s]", base+uint64(i), strings.Join(blocks, " "), strings.Join(tail, " ")))
	}
	return out
}
