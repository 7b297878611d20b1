package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	IMAGE_MAGIC   = "TC32"
	IMAGE_VERSION = 1
)

var strucOpts = &struc.Options{Order: binary.LittleEndian}

type imageHeader struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Entry   uint32
	NumSegs uint32
	NumSyms uint32
}

type imageSegment struct {
	Addr uint32
	Size uint32 `struc:"sizeof=Data"`
	Data []byte
}

type imageSymbol struct {
	Addr    uint32
	NameLen uint16 `struc:"sizeof=Name"`
	Name    string
}

type Segment struct {
	Addr uint32
	Data []byte
}

func (s *Segment) End() uint32 { return s.Addr + uint32(len(s.Data)) }

type Symbol struct {
	Addr uint32
	Name string
}

// Image is a guest program: initialized memory, an entry point and
// symbols for the monitor.
type Image struct {
	Entry    uint32
	Segments []Segment
	Symbols  []Symbol
}

// Lookup returns the address of a named symbol.
func (i *Image) Lookup(name string) (uint32, bool) {
	for _, s := range i.Symbols {
		if s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}

// Symbolicate names addr as "sym" or "sym+off" using the closest symbol at
// or below it.
func (i *Image) Symbolicate(addr uint32) string {
	var best *Symbol
	for n := range i.Symbols {
		s := &i.Symbols[n]
		if s.Addr <= addr && (best == nil || s.Addr > best.Addr) {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	if best.Addr == addr {
		return best.Name
	}
	return fmt.Sprintf("%s+%#x", best.Name, addr-best.Addr)
}

// SortSymbols orders symbols by address, then name.
func (i *Image) SortSymbols() {
	sort.Slice(i.Symbols, func(a, b int) bool {
		if i.Symbols[a].Addr == i.Symbols[b].Addr {
			return i.Symbols[a].Name < i.Symbols[b].Name
		}
		return i.Symbols[a].Addr < i.Symbols[b].Addr
	})
}

// Save writes img in the packed image format.
func Save(w io.Writer, img *Image) error {
	header := &imageHeader{
		Magic:   IMAGE_MAGIC,
		Version: IMAGE_VERSION,
		Entry:   img.Entry,
		NumSegs: uint32(len(img.Segments)),
		NumSyms: uint32(len(img.Symbols)),
	}
	if err := struc.PackWithOptions(w, header, strucOpts); err != nil {
		return errors.Wrap(err, "failed to pack header")
	}
	for _, s := range img.Segments {
		seg := &imageSegment{Addr: s.Addr, Data: s.Data}
		if err := struc.PackWithOptions(w, seg, strucOpts); err != nil {
			return errors.Wrapf(err, "failed to pack segment %#x", s.Addr)
		}
	}
	for _, s := range img.Symbols {
		if len(s.Name) > 0xffff {
			return errors.Errorf("symbol name too long: %.32s...", s.Name)
		}
		sym := &imageSymbol{Addr: s.Addr, Name: s.Name}
		if err := struc.PackWithOptions(w, sym, strucOpts); err != nil {
			return errors.Wrapf(err, "failed to pack symbol %s", s.Name)
		}
	}
	return nil
}

// Load reads an image written by Save.
func Load(r io.Reader) (*Image, error) {
	var header imageHeader
	if err := struc.UnpackWithOptions(r, &header, strucOpts); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if header.Magic != IMAGE_MAGIC {
		return nil, errors.WithStack(UnknownMagic)
	}
	if header.Version != IMAGE_VERSION {
		return nil, errors.Errorf("unsupported image version %d", header.Version)
	}
	img := &Image{Entry: header.Entry}
	for n := uint32(0); n < header.NumSegs; n++ {
		var seg imageSegment
		if err := struc.UnpackWithOptions(r, &seg, strucOpts); err != nil {
			return nil, errors.Wrapf(err, "failed to unpack segment %d", n)
		}
		img.Segments = append(img.Segments, Segment{Addr: seg.Addr, Data: seg.Data})
	}
	for n := uint32(0); n < header.NumSyms; n++ {
		var sym imageSymbol
		if err := struc.UnpackWithOptions(r, &sym, strucOpts); err != nil {
			return nil, errors.Wrapf(err, "failed to unpack symbol %d", n)
		}
		img.Symbols = append(img.Symbols, Symbol{Addr: sym.Addr, Name: sym.Name})
	}
	return img, nil
}

// Bytes is Save into memory.
func (i *Image) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := Save(&buf, i); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
