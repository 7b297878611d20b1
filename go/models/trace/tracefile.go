package trace

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var TRACE_MAGIC = "JCTR"

const TRACE_VERSION = 1

var strucOpts = &struc.Options{Order: binary.LittleEndian}

type TraceHeader struct {
	// MAGIC ("JCTR")
	Magic   string `struc:"[4]byte"`
	Version uint32
	// guest isa name, right-null-padded
	Guest string `struc:"[16]byte"`
	// guest address mask the cache was built with
	Mask uint32
}

// Writer packs ops into a snappy stream following an uncompressed header.
type Writer struct {
	w   io.WriteCloser
	zw  *snappy.Writer
	buf [opSize]byte
	err error
}

func NewWriter(w io.WriteCloser, guest string, mask uint32) (*Writer, error) {
	header := &TraceHeader{
		Magic:   TRACE_MAGIC,
		Version: TRACE_VERSION,
		Guest:   guest,
		Mask:    mask,
	}
	if err := struc.PackWithOptions(w, header, strucOpts); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

// Trace keeps the first write error for Close.
func (t *Writer) Trace(op *Op) {
	if t.err != nil {
		return
	}
	op.Pack(t.buf[:])
	_, t.err = t.zw.Write(t.buf[:])
}

func (t *Writer) Close() error {
	err := t.zw.Close()
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	if t.err != nil {
		return t.err
	}
	return err
}

type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header TraceHeader
}

func NewReader(r io.ReadCloser) (*Reader, error) {
	t := &Reader{r: r}
	if err := struc.UnpackWithOptions(r, &t.Header, strucOpts); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	if t.Header.Version != TRACE_VERSION {
		return nil, errors.Errorf("unsupported trace version %d", t.Header.Version)
	}
	t.Header.Guest = strings.TrimRight(t.Header.Guest, "\x00")
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns io.EOF after the last op.
func (t *Reader) Next() (*Op, error) {
	return Unpack(t.zr)
}

func (t *Reader) Close() error {
	t.zr.Reset(nil)
	return t.r.Close()
}
