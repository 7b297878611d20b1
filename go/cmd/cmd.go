package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	jitcorn "github.com/jitcorn/jitcorn/go"
	"github.com/jitcorn/jitcorn/go/arch/tc32"
	hostcpu "github.com/jitcorn/jitcorn/go/cpu"
	"github.com/jitcorn/jitcorn/go/debug"
	"github.com/jitcorn/jitcorn/go/loader"
	"github.com/jitcorn/jitcorn/go/models"
)

// LoadImage reads a packed image, or assembles TC32 source ending in .s
// or .asm.
func LoadImage(path string) (*loader.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".s", ".asm":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, err := tc32.Assemble(f)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}
		return img, nil
	}
	return loader.ReadFile(path)
}

type JitcornCmd struct {
	Config *models.Config

	SetupFlags   func() error
	MakeImage    func(path string) (*loader.Image, error)
	SetupMachine func() error
	RunMachine   func() error
	Teardown     func()

	// the subcommand builds its own image without a path argument
	NoImage bool

	Machine  *jitcorn.Machine
	Debugger *debug.Debugger
	Flags    *flag.FlagSet
}

func NewJitcornCmd() *JitcornCmd {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	return &JitcornCmd{Flags: fs, MakeImage: LoadImage}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

// deepestStack returns the innermost stack recorded in err's cause chain.
func deepestStack(err error) errors.StackTrace {
	var st errors.StackTrace
	for err != nil {
		if t, ok := err.(stackTracer); ok {
			st = t.StackTrace()
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return st
}

// PrintError writes err to stderr, followed by the frames leading to it
// when it carries a stack.
func (c *JitcornCmd) PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s\nError: %s\n", strings.Repeat("-", 40), err)
	st := deepestStack(err)
	lines := make([][2]string, 0, len(st))
	width := 0
	for _, f := range st {
		fn := fmt.Sprintf("%n", f)
		loc := fmt.Sprintf("%s:%d", f, f)
		if len(loc) > width {
			width = len(loc)
		}
		lines = append(lines, [2]string{loc, fn})
		if fn == "main" {
			break
		}
	}
	for _, l := range lines {
		fmt.Fprintf(os.Stderr, "  %-*s | %s()\n", width, l[0], l[1])
	}
}

// Run parses argv, builds the machine and runs it, returning the process
// exit code.
func (c *JitcornCmd) Run(argv []string) int {
	fs := c.Flags
	backend := fs.String("backend", "interp", "host cpu backend ("+strings.Join(hostcpu.Names(), ", ")+")")
	nolink := fs.Bool("nolink", false, "never patch static branches into direct jumps")
	logn := fs.Int("logdispatch", 0, "log every Nth dynamic dispatch (disables linking)")
	codeSize := fs.Uint64("codesize", 0x800000, "host code buffer size")
	cycles := fs.Int("cycles", 10000, "guest cycles per frame")
	frames := fs.Int("frames", 0, "stop after this many frames (0 runs until halt)")
	timer := fs.Int("timer", 0, "timer interrupt period in cycles (0 disables)")
	stats := fs.Bool("stats", false, "print engine counters after execution")

	// used for Usage grouping
	tnames := []string{"trace", "to", "disbytes"}
	traceEvents := fs.Bool("trace", false, "print engine events as they happen")
	tracefile := fs.String("to", "", "binary trace output file")
	disbytes := fs.Bool("disbytes", false, "show instruction bytes with disassembly")

	nocolor := fs.Bool("nocolor", false, "disable colored output")
	verbose := fs.Bool("v", false, "verbose output")
	outfile := fs.String("o", "", "redirect debugging output to file (default stderr)")
	listen := fs.Int("listen", -1, "listen for debug connection on localhost:<port>")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to <file>")
	memprofile := fs.String("memprofile", "", "write mem profile to <file>")

	fs.Usage = func() {
		usage := "Usage: %s [options]"
		if !c.NoImage {
			usage += " <image|source.s>"
		}
		usage += "\n\nOptions:\n"
		fmt.Fprintf(os.Stderr, usage, argv[0])
		var flags, tflags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) {
			for _, name := range tnames {
				if name == f.Name {
					tflags = append(tflags, f)
					return
				}
			}
			flags = append(flags, f)
		})
		models.PrintFlags(os.Stderr, flags)
		fmt.Fprintf(os.Stderr, "\nTrace Options:\n")
		models.PrintFlags(os.Stderr, tflags)
		fmt.Fprintf(os.Stderr, "\nExample:\n  %s -trace -frames 10 examples/loop.asm\n", argv[0])
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			panic(err)
		}
	}
	fs.Parse(argv[1:])

	path := ""
	if !c.NoImage {
		if fs.NArg() < 1 {
			fs.Usage()
			return 1
		}
		path = fs.Arg(0)
	}

	config := &models.Config{
		Color:             !*nocolor && isatty.IsTerminal(os.Stderr.Fd()),
		Verbose:           *verbose,
		Backend:           *backend,
		LinkEdges:         !*nolink,
		LogDispatchEveryN: *logn,
		CodeSize:          *codeSize,
		CyclesPerFrame:    *cycles,
		Frames:            *frames,
		TimerPeriod:       *timer,
		DisBytes:          *disbytes,
		Trace: models.TraceConfig{
			Events:    *traceEvents,
			Tracefile: *tracefile,
		},
	}
	c.Config = config
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			c.PrintError(err)
			return 1
		}
		config.Output = out
		config.Color = false
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			c.PrintError(err)
			return 1
		}
		pprof.StartCPUProfile(f)
	}
	teardown := func() {
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not write heap profile: %s\n", err)
			} else {
				pprof.WriteHeapProfile(f)
				f.Close()
			}
		}
		if c.Teardown != nil {
			c.Teardown()
		}
		if c.Machine != nil {
			if *stats {
				fmt.Fprintf(os.Stderr, "%s\n%s\n", c.Machine.Stats(), c.Machine.Counter)
			}
			c.Machine.Close()
		}
	}
	defer teardown()

	img, err := c.MakeImage(path)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	m, err := jitcorn.NewMachine(config, img)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	c.Machine = m
	if c.SetupMachine != nil {
		if err := c.SetupMachine(); err != nil {
			c.PrintError(err)
			return 1
		}
	}

	if *listen > 0 {
		conn, err := debug.Accept("localhost", strconv.Itoa(*listen))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error accepting conn on port %d: %v\n", *listen, err)
			return 1
		}
		c.Debugger = debug.NewDebugger(m)
		go c.Debugger.Run(conn)
	}

	if c.RunMachine != nil {
		err = c.RunMachine()
	} else {
		err = c.runFrames()
	}
	if err != nil {
		if e, ok := err.(models.ExitStatus); ok {
			return int(e)
		}
		c.PrintError(err)
		return 1
	}
	return 0
}

// runFrames is the default loop. With a debugger attached, commands run
// between frames.
func (c *JitcornCmd) runFrames() error {
	m := c.Machine
	if c.Debugger == nil {
		return m.Run()
	}
	for start := m.Frames; c.Config.Frames == 0 || m.Frames-start < uint64(c.Config.Frames); {
		c.Debugger.Lock()
		err := m.RunFrame()
		c.Debugger.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
