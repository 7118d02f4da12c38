// sqrun runs compiled script programs.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	sqvm "github.com/xirelogy/go-sqvm"
)

var log = commonlog.GetLogger("sqvm.cmd")

func main() {
	configPath := flag.String("config", "", "Engine configuration file (.toml, .yaml)")
	entry := flag.String("entry", "", "Global function to call after the program has run")
	trace := flag.Bool("trace", false, "Trace calls, returns and lines to stderr")
	disasm := flag.Bool("disasm", false, "Print the program's bytecode and exit")
	suspendable := flag.Bool("suspendable", false, "Let the entry call suspend; it is woken until it completes")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet, 1 = info, 2 = debug)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqrun [options] program.sqbc [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled program, then optionally calls one of its functions with args.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sqrun main.sqbc                   # Run the top-level function\n")
		fmt.Fprintf(os.Stderr, "  sqrun -entry add main.sqbc 1 2    # Run, then call add(1, 2)\n")
		fmt.Fprintf(os.Stderr, "  sqrun -disasm main.sqbc           # List bytecode\n")
	}
	flag.Parse()
	commonlog.Configure(*verbosity, nil)

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	code, err := run(options{
		config:      *configPath,
		entry:       *entry,
		trace:       *trace,
		disasm:      *disasm,
		suspendable: *suspendable,
		program:     flag.Arg(0),
		args:        flag.Args()[1:],
	}, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

type options struct {
	config      string
	entry       string
	trace       bool
	disasm      bool
	suspendable bool
	program     string
	args        []string
}

func run(opts options, stdout, stderr io.Writer) (int, error) {
	engine := sqvm.NewEngine(nil)
	if opts.config != "" {
		var err error
		if engine, err = sqvm.LoadEngine(opts.config); err != nil {
			return 1, err
		}
	}
	prog, err := engine.LoadFile(opts.program)
	if err != nil {
		return 1, err
	}
	if opts.disasm {
		return 0, prog.Disassemble(stdout)
	}

	machine := engine.NewVM()
	defer machine.Close()
	if opts.trace {
		machine.SetTraceHook(newTracer(stderr, colorEnabled(stderr)))
	}
	log.Info("running program", "program", prog.Name(), "vm", machine.ID())

	res, err := machine.Run(prog)
	if err != nil {
		return 1, err
	}
	if opts.entry != "" {
		args := make([]any, len(opts.args))
		for i, a := range opts.args {
			args[i] = parseArg(a)
		}
		if res, err = call(machine, opts.entry, args, opts.suspendable); err != nil {
			return 1, err
		}
	}
	if !res.IsNull() {
		fmt.Fprintln(stdout, res.Format())
	}
	// An integer result doubles as the exit code.
	if n, ok := res.Int(); ok && n >= 0 && n < 256 {
		return int(n), nil
	}
	return 0, nil
}

func call(machine *sqvm.VM, entry string, args []any, suspendable bool) (sqvm.VmValue, error) {
	if !suspendable {
		return machine.Call(entry, args...)
	}
	res, suspended, err := machine.CallSuspendable(entry, args...)
	for wakes := 1; err == nil && suspended; wakes++ {
		log.Debug("waking suspended call", "entry", entry, "wakes", wakes)
		res, suspended, err = machine.WakeUp(nil)
	}
	return res, err
}

// parseArg reads integers and floats as numbers and everything else as a
// string.
func parseArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

const (
	ansiReset = "\x1b[0m"
	ansiDim   = "\x1b[2m"
	ansiGreen = "\x1b[32m"
	ansiBlue  = "\x1b[34m"
)

func newTracer(w io.Writer, color bool) sqvm.TraceHook {
	return func(info sqvm.TraceInfo) {
		label, paint := "line", ansiDim
		switch info.Event {
		case 'c':
			label, paint = "call", ansiGreen
		case 'r':
			label, paint = "ret ", ansiBlue
		}
		if !color {
			paint = ""
		}
		reset := ""
		if paint != "" {
			reset = ansiReset
		}
		fmt.Fprintf(w, "%s%s %s:%d %s%s\n", paint, label, info.Source, info.Line, info.Function, reset)
	}
}
