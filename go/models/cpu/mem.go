package cpu

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte
	Desc string
}

func (p *Page) String() string {
	prot := []byte("---")
	for i, c := range "rwx" {
		if p.Prot&(1<<uint(i)) != 0 {
			prot[i] = byte(c)
		}
	}
	desc := fmt.Sprintf("0x%x-0x%x %s", p.Addr, p.Addr+p.Size, prot)
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr-p.Addr < p.Size
}

// split cuts p at addr, returning the upper half. Both halves share Data.
func (p *Page) split(addr uint64) *Page {
	off := addr - p.Addr
	hi := &Page{Addr: addr, Size: p.Size - off, Prot: p.Prot, Data: p.Data[off:], Desc: p.Desc}
	p.Size, p.Data = off, p.Data[:off:off]
	return hi
}

// Mem is a sorted list of non-overlapping mappings with protections.
// MemRead/MemWrite are host accesses and ignore protections; ReadProt and
// WriteProt are guest accesses and fire hooks.
type Mem struct {
	pages []*Page
	last  *Page
	hooks *Hooks
	order binary.ByteOrder
}

func NewMem(order binary.ByteOrder) *Mem {
	return &Mem{order: order}
}

func (m *Mem) find(addr uint64) *Page {
	if m.last != nil && m.last.Contains(addr) {
		return m.last
	}
	i := sort.Search(len(m.pages), func(i int) bool { return m.pages[i].Addr+m.pages[i].Size > addr })
	if i < len(m.pages) && m.pages[i].Contains(addr) {
		m.last = m.pages[i]
		return m.last
	}
	return nil
}

// Mappings returns the current pages in address order.
func (m *Mem) Mappings() []*Page {
	return m.pages
}

func (m *Mem) FindPage(addr uint64) *Page {
	return m.find(addr)
}

func (m *Mem) MemMapProt(addr, size uint64, prot int) error {
	if size == 0 || addr+size < addr {
		return errors.Errorf("invalid mapping %#x+%#x", addr, size)
	}
	for _, p := range m.pages {
		if addr < p.Addr+p.Size && p.Addr < addr+size {
			return errors.Errorf("mapping %#x+%#x overlaps %s", addr, size, p)
		}
	}
	m.pages = append(m.pages, &Page{Addr: addr, Size: size, Prot: prot, Data: make([]byte, size)})
	sort.Slice(m.pages, func(i, j int) bool { return m.pages[i].Addr < m.pages[j].Addr })
	return nil
}

// isolate splits pages so [addr, addr+size) is covered by whole pages and
// returns them. The range must be fully mapped.
func (m *Mem) isolate(addr, size uint64) ([]*Page, error) {
	end := addr + size
	pos := addr
	for _, p := range m.pages {
		if p.Addr+p.Size <= addr || p.Addr >= end {
			continue
		}
		if p.Addr > pos {
			break
		}
		pos = p.Addr + p.Size
	}
	if pos < end {
		return nil, errors.Errorf("range %#x+%#x not mapped", addr, size)
	}
	var out, pages []*Page
	for _, p := range m.pages {
		if p.Addr+p.Size <= addr || p.Addr >= end {
			pages = append(pages, p)
			continue
		}
		if p.Addr < addr {
			pages = append(pages, p)
			p = p.split(addr)
		}
		if p.Addr+p.Size > end {
			hi := p.split(end)
			pages = append(pages, p, hi)
		} else {
			pages = append(pages, p)
		}
		out = append(out, p)
	}
	m.pages = pages
	m.last = nil
	return out, nil
}

func (m *Mem) MemProt(addr, size uint64, prot int) error {
	pages, err := m.isolate(addr, size)
	if err != nil {
		return err
	}
	for _, p := range pages {
		p.Prot = prot
	}
	return nil
}

func (m *Mem) MemUnmap(addr, size uint64) error {
	if _, err := m.isolate(addr, size); err != nil {
		return err
	}
	end := addr + size
	keep := m.pages[:0]
	for _, p := range m.pages {
		if p.Addr >= addr && p.Addr < end {
			continue
		}
		keep = append(keep, p)
	}
	m.pages = keep
	return nil
}

// access copies between p and memory starting at addr. Each touched page
// must have every bit of prot set.
func (m *Mem) access(addr uint64, p []byte, prot int, write bool) error {
	size := len(p)
	for len(p) > 0 {
		page := m.find(addr)
		if page == nil {
			enum := MEM_READ_UNMAPPED
			if write {
				enum = MEM_WRITE_UNMAPPED
			} else if prot&PROT_EXEC != 0 {
				enum = MEM_FETCH_UNMAPPED
			}
			return &MemError{Addr: addr, Size: size, Enum: enum}
		}
		if page.Prot&prot != prot {
			enum := MEM_READ_PROT
			if write {
				enum = MEM_WRITE_PROT
			} else if prot&PROT_EXEC != 0 {
				enum = MEM_FETCH_PROT
			}
			return &MemError{Addr: addr, Size: size, Enum: enum}
		}
		off := addr - page.Addr
		var n int
		if write {
			n = copy(page.Data[off:], p)
		} else {
			n = copy(p, page.Data[off:])
		}
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.access(addr, p, 0, false)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.access(addr, p, 0, true)
}

func (m *Mem) fault(err error, addr uint64, size int, val int64) {
	if merr, ok := err.(*MemError); ok && m.hooks != nil {
		m.hooks.OnFault(merr.Enum, addr, size, val)
	}
}

// ReadProt reads while checking protections, for interpreters.
func (m *Mem) ReadProt(addr uint64, p []byte, prot int) error {
	if err := m.access(addr, p, prot, false); err != nil {
		m.fault(err, addr, len(p), 0)
		return err
	}
	if m.hooks != nil && prot&PROT_EXEC == 0 {
		m.hooks.OnMem(MEM_READ, addr, len(p), 0)
	}
	return nil
}

// WriteProt writes while checking protections and fires write hooks after
// the data lands. val is the value reported to hooks.
func (m *Mem) WriteProt(addr uint64, p []byte, prot int, val int64) error {
	if err := m.access(addr, p, prot, true); err != nil {
		m.fault(err, addr, len(p), val)
		return err
	}
	if m.hooks != nil {
		m.hooks.OnMem(MEM_WRITE, addr, len(p), val)
	}
	return nil
}

func (m *Mem) ReadUint(addr uint64, size, prot int) (uint64, error) {
	var buf [8]byte
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	if err := m.ReadProt(addr, buf[:size], prot); err != nil {
		return 0, err
	}
	return UnpackUint(m.order, size, buf[:size])
}

func (m *Mem) WriteUint(addr uint64, size, prot int, val uint64) error {
	var buf [8]byte
	if _, err := PackUint(m.order, size, buf[:], val); err != nil {
		return err
	}
	return m.WriteProt(addr, buf[:size], prot, int64(val))
}

// PackUint writes the low size bytes of n into buf (allocated if nil).
func PackUint(order binary.ByteOrder, size int, buf []byte, n uint64) ([]byte, error) {
	if buf == nil {
		buf = make([]byte, size)
	} else if len(buf) < size {
		return nil, errors.Errorf("buffer too small (%d < %d)", len(buf), size)
	}
	switch size {
	case 1:
		buf[0] = byte(n)
	case 2:
		order.PutUint16(buf, uint16(n))
	case 4:
		order.PutUint32(buf, uint32(n))
	case 8:
		order.PutUint64(buf, n)
	default:
		return nil, errors.Errorf("unsupported uint size: %d", size)
	}
	return buf[:size], nil
}

func UnpackUint(order binary.ByteOrder, size int, buf []byte) (uint64, error) {
	if len(buf) < size {
		return 0, errors.Errorf("buffer too small (%d < %d)", len(buf), size)
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf)), nil
	case 4:
		return uint64(order.Uint32(buf)), nil
	case 8:
		return order.Uint64(buf), nil
	}
	return 0, errors.Errorf("unsupported uint size: %d", size)
}
