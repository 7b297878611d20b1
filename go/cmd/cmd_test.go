package cmd

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/loader"
)

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "prog.s")
	if err := ioutil.WriteFile(src, []byte(".org 0x2000\nmain: halt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	img, err := LoadImage(src)
	if err != nil {
		t.Fatal(err)
	}
	if img.Entry != 0x2000 {
		t.Fatalf("entry %#x", img.Entry)
	}
	packed := filepath.Join(dir, "prog.img")
	if err := loader.WriteFile(packed, img); err != nil {
		t.Fatal(err)
	}
	again, err := LoadImage(packed)
	if err != nil {
		t.Fatal(err)
	}
	if addr, ok := again.Lookup("main"); !ok || addr != 0x2000 {
		t.Fatalf("main at %#x, %v", addr, ok)
	}

	bad := filepath.Join(dir, "bad.s")
	ioutil.WriteFile(bad, []byte("bogus r1\n"), 0644)
	if _, err := LoadImage(bad); err == nil {
		t.Fatal("assembled garbage")
	}
}

func TestRawImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.bin")
	word := tc32.Ins{Op: tc32.OP_HALT}.Encode()
	if err := ioutil.WriteFile(path, []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}, 0644); err != nil {
		t.Fatal(err)
	}
	c := NewJitcornRawCmd()
	if err := c.SetupFlags(); err != nil {
		t.Fatal(err)
	}
	if err := c.Flags.Parse([]string{"-base", "0x3000"}); err != nil {
		t.Fatal(err)
	}
	img, err := c.MakeImage(path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Entry != 0x3000 || len(img.Segments) != 1 || img.Segments[0].Addr != 0x3000 {
		t.Fatalf("bad image %+v", img)
	}

	c.Flags.Parse([]string{"-base", "0x1ffffe"})
	if _, err := c.MakeImage(path); err == nil {
		t.Fatal("accepted a misaligned base")
	}
}

func TestRunExitStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit.s")
	if err := ioutil.WriteFile(path, []byte(".org 0x1000\naddi r1, r0, 7\nhalt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out.log")
	c := NewJitcornCmd()
	if code := c.Run([]string{"run", "-o", out, path}); code != 7 {
		t.Fatalf("exit code %d", code)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatal(err)
	}
}

func TestUsage(t *testing.T) {
	Register("zz-test", "placeholder", func([]string) {})
	defer delete(commands, "zz-test")
	var buf strings.Builder
	usage(&buf, "jitcorn")
	if !strings.Contains(buf.String(), "zz-test | placeholder") {
		t.Fatalf("usage: %q", buf.String())
	}
}
