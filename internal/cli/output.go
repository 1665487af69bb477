package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// ColorMode represents color output mode
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseColorMode parses a string into a ColorMode
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q: must be auto, always, or never", s)
	}
}

// ResolveColors determines whether to use colors based on mode and environment.
// In auto mode colors follow whether out is a terminal.
func ResolveColors(mode ColorMode, out io.Writer) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && isTerminal(f)
}

// Printer handles formatted output. Messages may arrive from redirect
// timers, so writes are serialized.
type Printer struct {
	mu        sync.Mutex
	out       io.Writer
	err       io.Writer
	useColors bool
}

// NewPrinter creates a printer writing results to out and diagnostics to errOut.
func NewPrinter(out, errOut io.Writer, useColors bool) *Printer {
	return &Printer{out: out, err: errOut, useColors: useColors}
}

func (p *Printer) write(w io.Writer, c color.Attribute, symbol, plain, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.useColors {
		cc := color.New(c)
		cc.EnableColor()
		cc.Fprintf(w, symbol+format+"\n", args...)
		return
	}
	fmt.Fprintf(w, plain+format+"\n", args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...any) {
	p.write(p.out, color.FgCyan, "", "", format, args...)
}

// Success prints a success message
func (p *Printer) Success(format string, args ...any) {
	p.write(p.out, color.FgGreen, "✓ ", "[OK] ", format, args...)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...any) {
	p.write(p.err, color.FgYellow, "⚠ ", "[WARN] ", format, args...)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...any) {
	p.write(p.err, color.FgRed, "✗ ", "[ERROR] ", format, args...)
}

// Field prints an aligned "label: value" line.
func (p *Printer) Field(label, value string) {
	if value == "" {
		value = "-"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.useColors {
		bold := color.New(color.Bold)
		bold.EnableColor()
		bold.Fprintf(p.out, "%-13s", label+":")
		fmt.Fprintf(p.out, " %s\n", value)
		return
	}
	fmt.Fprintf(p.out, "%-13s %s\n", label+":", value)
}
