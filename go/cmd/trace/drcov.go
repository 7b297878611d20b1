package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/jitcorn/jitcorn/go/models/trace"
)

type drcovBB struct {
	Start uint32
	Size  uint16
	ModId uint16
}

var strucOptions = &struc.Options{Order: binary.LittleEndian}

// WriteDrcov writes every compiled guest block as drcov coverage against
// a single module spanning guest memory.
func WriteDrcov(tf *trace.Reader, out io.Writer) error {
	var blocks bytes.Buffer
	bbCount := 0
	seen := make(map[uint32]uint32)
	err := each(tf, func(op *trace.Op) error {
		if op.Kind != trace.OP_COMPILE {
			return nil
		}
		size, _ := op.Sizes()
		// recompiles of unchanged code add nothing
		if seen[op.Pc] == size {
			return nil
		}
		seen[op.Pc] = size
		bb := drcovBB{Start: op.Pc, Size: uint16(size)}
		if err := struc.PackWithOptions(&blocks, &bb, strucOptions); err != nil {
			return err
		}
		bbCount++
		return nil
	})
	if err != nil {
		return err
	}

	end := uint64(tf.Header.Mask) | 3
	fmt.Fprintf(out, "DRCOV VERSION: 2\n")
	fmt.Fprintf(out, "DRCOV FLAVOR: drcov-64\n")
	fmt.Fprintf(out, "Module Table: version 2, count 1\n")
	fmt.Fprintf(out, "Columns: id, base, end, entry, path\n")
	fmt.Fprintf(out, "%d, %#016x, %#016x, %#016x, [%s]\n", 0, 0, end+1, 0, tf.Header.Guest)
	fmt.Fprintf(out, "BB Table: %d bbs\n", bbCount)
	_, err = blocks.WriteTo(out)
	return err
}
