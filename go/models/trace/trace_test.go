package trace

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (c *closeBuffer) Close() error {
	c.closed = true
	return nil
}

var testOps = []*Op{
	{Kind: OP_COMPILE, Pc: 0x1000, Host: 0x10000400, Arg: 4<<32 | 48},
	{Kind: OP_COMPILE, Pc: 0x1004, Host: 0x10000440, Arg: 8<<32 | 32},
	{Kind: OP_LINK, Pc: 0x1000, Host: 0x10000420, Arg: 0x1004},
	{Kind: OP_INVALIDATE, Pc: 0x1004, Arg: 4},
	{Kind: OP_UNLINK, Pc: 0x1000, Host: 0x10000420, Arg: 0x1004},
	{Kind: OP_FLUSH, Arg: 2},
	{Kind: OP_EXIT, Pc: 0x1010, Arg: 3},
}

func TestTracefile(t *testing.T) {
	var buf closeBuffer
	w, err := NewWriter(&buf, "tc32", 0x1ffffc)
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range testOps {
		w.Trace(op)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !buf.closed {
		t.Fatal("writer did not close its output")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("JCTR")) {
		t.Fatalf("missing magic: %x", buf.Bytes()[:8])
	}

	r, err := NewReader(io.NopCloser(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatal(err)
	}
	if r.Header.Guest != "tc32" || r.Header.Mask != 0x1ffffc {
		t.Fatalf("bad header %+v", r.Header)
	}
	for i, want := range testOps {
		op, err := r.Next()
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if *op != *want {
			t.Fatalf("op %d: got %v, expected %v", i, op, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	r.Close()
}

func TestBadMagic(t *testing.T) {
	data := append([]byte("UCIR"), make([]byte, 24)...)
	if _, err := NewReader(io.NopCloser(bytes.NewReader(data))); err == nil {
		t.Fatal("accepted a foreign trace file")
	}
}

func TestMultiCounter(t *testing.T) {
	var c Counter
	var out bytes.Buffer
	m := Multi{&c, &Printer{W: &out}}
	for _, op := range testOps {
		m.Trace(op)
	}
	if c.Count(OP_COMPILE) != 2 || c.Count(OP_LINK) != 1 || c.Count(OP_DISPATCH) != 0 {
		t.Fatalf("bad counts: %s", &c)
	}
	if c.String() != "compile=2 link=1 unlink=1 invalidate=1 flush=1 exit=1" {
		t.Fatalf("bad summary %q", c.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(testOps) {
		t.Fatalf("printed %d lines", len(lines))
	}
	if lines[0] != "compile pc=0x1000+4 host=0x10000400+48" {
		t.Fatalf("bad compile line %q", lines[0])
	}
	if lines[2] != "link site=0x10000420 pc=0x1000 -> 0x1004" {
		t.Fatalf("bad link line %q", lines[2])
	}
	if strings.Contains(out.String(), "\x1b[") {
		t.Fatal("colorless printer emitted escapes")
	}
}

func BenchmarkWriter(b *testing.B) {
	var buf closeBuffer
	w, err := NewWriter(&buf, "tc32", 0x1ffffc)
	if err != nil {
		b.Fatal(err)
	}
	op := &Op{Kind: OP_DISPATCH, Pc: 0x1000, Arg: 1}
	for i := 0; i < b.N; i++ {
		w.Trace(op)
	}
	w.Close()
}
