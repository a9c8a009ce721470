package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/guest"
	"github.com/wippyai/wasm-tls/machine"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

type options struct {
	wasmFile string
	target   string
	entry    string
	arg      string
	maxSteps int
	verbose  bool
	list     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wasmFile, "wasm", "", "Path to core wasm module")
	flag.StringVar(&opts.target, "target", "linux", "Target OS: linux, macos, windows")
	flag.StringVar(&opts.entry, "entry", "main", "Exported function to run as the main thread")
	flag.StringVar(&opts.arg, "arg", "0", "Argument passed to the entry (decimal or 0x hex)")
	flag.IntVar(&opts.maxSteps, "max-steps", 0, "Abort after this many steps (0 = unlimited)")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose debug logging to stderr")
	flag.BoolVar(&opts.list, "list", false, "List exported functions and exit")
	interactive := flag.Bool("i", false, "Interactive stepper with TUI")
	flag.Parse()

	if opts.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: tlsrun -wasm <file.wasm> [-target linux|macos|windows] [-entry name] [-arg n]")
		fmt.Fprintln(os.Stderr, "       tlsrun -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       tlsrun -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	if opts.verbose {
		if err := enableDebugLogging(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	if *interactive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i needs an interactive terminal")
			os.Exit(1)
		}
		err = runInteractive(opts)
	} else {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func enableDebugLogging() error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	tls.SetLogger(log.Named("tls"))
	machine.SetLogger(log.Named("machine"))
	guest.SetLogger(log.Named("guest"))
	return nil
}

// session is a loaded program with its entry thread spawned.
type session struct {
	machine *machine.Machine
	program *guest.Program
}

func openSession(ctx context.Context, opts options) (*session, error) {
	tgt, err := target.Parse(opts.target)
	if err != nil {
		return nil, err
	}
	arg, err := strconv.ParseUint(opts.arg, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("parse -arg: %w", err)
	}

	data, err := os.ReadFile(opts.wasmFile)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	m := machine.New(&machine.Config{Target: tgt, MaxSteps: opts.maxSteps})
	p, err := guest.Load(ctx, m, data, nil)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if opts.list {
		return &session{machine: m, program: p}, nil
	}
	if _, err := p.Spawn(opts.entry, tls.Scalar(arg)); err != nil {
		p.Close(ctx)
		return nil, err
	}
	return &session{machine: m, program: p}, nil
}

func run(opts options) error {
	ctx := context.Background()

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.program.Close(ctx)

	styled := term.IsTerminal(int(os.Stdout.Fd()))
	paint := func(style lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return style.Render(text)
	}

	fmt.Printf("Module: %s\n", opts.wasmFile)
	fmt.Printf("Target: %s (%s)\n", s.machine.Target(), s.machine.Target().Strategy())
	fmt.Printf("\nExported functions:\n")
	for _, name := range s.program.Exports() {
		ptr, _ := s.machine.FuncAddr(name)
		fmt.Printf("  %s %s\n", paint(funcStyle, name), paint(helpStyle, fmt.Sprintf("@%#x", uint64(ptr))))
	}
	if opts.list {
		return nil
	}

	fmt.Printf("\nRunning %s...\n", opts.entry)
	s.machine.Subscribe(machine.ObserverFunc(func(e machine.Event) {
		fmt.Println(formatEvent(e, paint))
	}))

	if err := guard(func() error { return s.machine.Run(ctx) }); err != nil {
		return fmt.Errorf("step %d: %w", s.machine.Steps(), err)
	}

	fmt.Println(paint(resultStyle, fmt.Sprintf("\nAll threads exited after %d steps.", s.machine.Steps())))
	return nil
}

// guard runs fn and turns an interpreter assertion panic into its error.
// Other panics propagate.
func guard(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(*errors.Error); ok && e.Kind == errors.KindAssertion {
			err = e
			return
		}
		panic(r)
	}()
	return fn()
}

func formatEvent(e machine.Event, paint func(lipgloss.Style, string) string) string {
	var b strings.Builder
	b.WriteString(paint(helpStyle, fmt.Sprintf("%5d ", e.Step)))
	b.WriteString(paint(threadStyle, fmt.Sprintf("t%-3d ", e.Thread)))
	b.WriteString(paint(eventStyle, fmt.Sprintf("%-10s", e.Type)))
	if e.Func != "" {
		b.WriteString(" ")
		b.WriteString(paint(funcStyle, e.Func))
	}
	if len(e.Args) > 0 {
		b.WriteString(" ")
		b.WriteString(formatScalars(e.Args))
	}
	return b.String()
}

func formatScalars(values []tls.Scalar) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%#x", uint64(v))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
