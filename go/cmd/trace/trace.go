package trace

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/jitcorn/jitcorn/go/cmd"
	"github.com/jitcorn/jitcorn/go/models/trace"
)

// each feeds every op in tf to fn.
func each(tf *trace.Reader, fn func(op *trace.Op) error) error {
	for {
		op, err := tf.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace operation")
		}
		if err := fn(op); err != nil {
			return err
		}
	}
}

func PrintJson(tf *trace.Reader, w io.Writer) error {
	out, err := json.Marshal(&tf.Header)
	if err != nil {
		return errors.Wrap(err, "error printing header")
	}
	fmt.Fprintf(w, "%s\n", out)
	return each(tf, func(op *trace.Op) error {
		out, _ := json.Marshal(op)
		fmt.Fprintf(w, "%s\n", out)
		return nil
	})
}

func PrintPretty(tf *trace.Reader, w io.Writer, color bool) error {
	fmt.Fprintf(w, "guest %s mask %#x\n", tf.Header.Guest, tf.Header.Mask)
	p := &trace.Printer{W: w, Color: color}
	return each(tf, func(op *trace.Op) error {
		p.Trace(op)
		return nil
	})
}

func PrintStats(tf *trace.Reader, w io.Writer) error {
	var c trace.Counter
	if err := each(tf, func(op *trace.Op) error {
		c.Trace(op)
		return nil
	}); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", &c)
	return nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output trace as line-delimited JSON objects")
	prettyFlag := fs.Bool("pretty", false, "output trace as human-readable console text")
	statsFlag := fs.Bool("stats", false, "count events by kind")
	drcovFlag := fs.String("drcov", "", "output compiled blocks to drcov file")
	fs.Usage = func() {
		fmt.Printf("Usage: %s [options] <tracefile>\n", args[0])
		fs.PrintDefaults()
	}

	fs.Parse(args[1:])
	if fs.NArg() == 0 || !(*jsonFlag || *prettyFlag || *statsFlag || *drcovFlag != "") {
		fs.Usage()
		os.Exit(1)
	}
	args = fs.Args()

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", args[0], err)
		os.Exit(1)
	}
	tf, err := trace.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening trace file: %v\n", err)
		os.Exit(1)
	}
	defer tf.Close()
	switch {
	case *jsonFlag:
		err = PrintJson(tf, os.Stdout)
	case *prettyFlag:
		err = PrintPretty(tf, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	case *statsFlag:
		err = PrintStats(tf, os.Stdout)
	default:
		var out *os.File
		if out, err = os.Create(*drcovFlag); err == nil {
			err = WriteDrcov(tf, out)
			out.Close()
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() { cmd.Register("trace", "inspect a saved engine trace", Main) }
