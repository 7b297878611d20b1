package trace

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var order = binary.LittleEndian

const (
	OP_NOP        = 0
	OP_DISPATCH   = 1
	OP_COMPILE    = 2
	OP_LINK       = 3
	OP_UNLINK     = 4
	OP_INVALIDATE = 5
	OP_FLUSH      = 6
	OP_INTERRUPT  = 7
	OP_EXIT       = 8

	opCount = 9
)

var opNames = [opCount]string{
	"nop", "dispatch", "compile", "link", "unlink", "invalidate", "flush", "interrupt", "exit",
}

// Op is one engine event. Pc is a guest address and Host a host code address.
// Arg depends on the op:
//
//	dispatch    number of dispatches so far
//	compile     guest block size << 32 | host code size
//	link/unlink destination guest pc (Host is the patched call site)
//	invalidate  guest block size
//	flush       blocks dropped
//	exit        exit status
type Op struct {
	Kind uint8
	Pc   uint32
	Host uint64
	Arg  uint64
}

const opSize = 1 + 4 + 8 + 8

func (o *Op) Sizeof() int { return opSize }

func (o *Op) Pack(p []byte) {
	p[0] = o.Kind
	order.PutUint32(p[1:], o.Pc)
	order.PutUint64(p[5:], o.Host)
	order.PutUint64(p[13:], o.Arg)
}

func Unpack(r io.Reader) (*Op, error) {
	var tmp [opSize]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	if tmp[0] >= opCount {
		return nil, errors.Errorf("unknown op: %d", tmp[0])
	}
	return &Op{
		Kind: tmp[0],
		Pc:   order.Uint32(tmp[1:]),
		Host: order.Uint64(tmp[5:]),
		Arg:  order.Uint64(tmp[13:]),
	}, nil
}

func CompileArg(guestSize uint32, hostSize uint64) uint64 {
	return uint64(guestSize)<<32 | hostSize&0xffffffff
}

// Sizes splits a compile op's Arg.
func (o *Op) Sizes() (guest uint32, host uint64) {
	return uint32(o.Arg >> 32), o.Arg & 0xffffffff
}

func (o *Op) Name() string {
	if int(o.Kind) < len(opNames) {
		return opNames[o.Kind]
	}
	return "?"
}

func (o *Op) String() string {
	switch o.Kind {
	case OP_DISPATCH:
		return fmt.Sprintf("dispatch pc=%#x n=%d", o.Pc, o.Arg)
	case OP_COMPILE:
		guest, host := o.Sizes()
		return fmt.Sprintf("compile pc=%#x+%d host=%#x+%d", o.Pc, guest, o.Host, host)
	case OP_LINK, OP_UNLINK:
		return fmt.Sprintf("%s site=%#x pc=%#x -> %#x", o.Name(), o.Host, o.Pc, o.Arg)
	case OP_INVALIDATE:
		return fmt.Sprintf("invalidate pc=%#x size=%d", o.Pc, o.Arg)
	case OP_FLUSH:
		return fmt.Sprintf("flush blocks=%d", o.Arg)
	case OP_INTERRUPT:
		return fmt.Sprintf("interrupt epc=%#x", o.Pc)
	case OP_EXIT:
		return fmt.Sprintf("exit pc=%#x status=%d", o.Pc, int64(o.Arg))
	}
	return o.Name()
}
