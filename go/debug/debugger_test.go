package debug

import (
	"fmt"
	"strings"
	"testing"

	jitcorn "github.com/jitcorn/jitcorn/go"
	"github.com/jitcorn/jitcorn/go/arch/tc32"
	"github.com/jitcorn/jitcorn/go/models"
)

type nopCloser struct{ strings.Builder }

func (n *nopCloser) Close() error { return nil }

func TestDebuggerExec(t *testing.T) {
	img, err := tc32.AssembleString(".org 0x100\nstart: addi r1, r0, 9\nhalt\n")
	if err != nil {
		t.Fatal(err)
	}
	m, err := jitcorn.NewMachine(&models.Config{Output: &nopCloser{}}, img)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	d := NewDebugger(m)
	out, err := d.Exec("run")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "exit 9") {
		t.Fatalf("run: %q", out)
	}
	out, _ = d.Exec("reg r1")
	if out != fmt.Sprintf("%-5s %#08x\n", "r1", 9) {
		t.Fatalf("reg: %q", out)
	}
}
