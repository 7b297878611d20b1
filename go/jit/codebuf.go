package jit

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/models/cpu"
)

var ErrCodeFull = errors.New("code buffer full")

// CodeBuffer is a bump allocator over a mapped region of host memory.
// Everything below the mark (the thunks) survives Reset.
type CodeBuffer struct {
	cpu        cpu.Cpu
	base, size uint64
	pos, mark  uint64
}

// NewCodeBuffer maps [base, base+size) read/exec on c.
func NewCodeBuffer(c cpu.Cpu, base, size uint64) (*CodeBuffer, error) {
	if err := c.MemMapProt(base, size, cpu.PROT_READ|cpu.PROT_EXEC); err != nil {
		return nil, errors.Wrap(err, "mapping code buffer")
	}
	return &CodeBuffer{cpu: c, base: base, size: size, pos: base, mark: base}, nil
}

func (b *CodeBuffer) Base() uint64 { return b.base }
func (b *CodeBuffer) Pos() uint64  { return b.pos }
func (b *CodeBuffer) Mark() uint64 { return b.mark }
func (b *CodeBuffer) Used() uint64 { return b.pos - b.base }
func (b *CodeBuffer) Free() uint64 { return b.base + b.size - b.pos }

// Align pads with nop so the next Emit lands on a multiple of n.
func (b *CodeBuffer) Align(n uint64) error {
	pad := (n - b.pos%n) % n
	if pad == 0 {
		return nil
	}
	_, err := b.Emit(bytes.Repeat([]byte{0x90}, int(pad)))
	return err
}

// Emit copies code to the current position and returns its address.
func (b *CodeBuffer) Emit(code []byte) (uint64, error) {
	if uint64(len(code)) > b.Free() {
		return 0, ErrCodeFull
	}
	addr := b.pos
	if err := b.cpu.MemWrite(addr, code); err != nil {
		return 0, errors.Wrapf(err, "writing code at %#x", addr)
	}
	b.pos += uint64(len(code))
	return addr, nil
}

// Write overwrites previously emitted code in place.
func (b *CodeBuffer) Write(addr uint64, code []byte) error {
	if addr < b.base || addr+uint64(len(code)) > b.pos {
		return errors.Errorf("patch %#x+%d outside emitted code [%#x, %#x)", addr, len(code), b.base, b.pos)
	}
	return b.cpu.MemWrite(addr, code)
}

func (b *CodeBuffer) Read(addr, size uint64) ([]byte, error) {
	return b.cpu.MemRead(addr, size)
}

func (b *CodeBuffer) SetMark() { b.mark = b.pos }

// Reset discards everything emitted after the mark.
func (b *CodeBuffer) Reset() { b.pos = b.mark }

func (b *CodeBuffer) Close() error {
	return b.cpu.MemUnmap(b.base, b.size)
}
