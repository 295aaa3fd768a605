package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

const DefaultWidth = 120

// Mode selects how the terminal is driven
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeAlways Mode = "always"
	ModeNever  Mode = "never"
)

// ParseMode validates an interactive mode flag value
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeAlways, ModeNever:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("invalid interactive mode %q: must be one of %s, %s, %s", s, ModeAuto, ModeAlways, ModeNever)
	}
}

// DetectInteractive resolves a mode against the output file. Auto mode is interactive
// only on a real terminal outside CI.
func DetectInteractive(mode Mode, out *os.File) bool {
	switch mode {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	}
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		return false
	}
	if os.Getenv("CI") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// DetectWidth returns the terminal width of out, or DefaultWidth
func DetectWidth(out *os.File) int {
	if out == nil {
		return DefaultWidth
	}
	w, _, err := term.GetSize(int(out.Fd()))
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	return w
}

// Terminal writes frames and permanent blocks. In interactive mode the live frame is
// erased and redrawn in place; otherwise output is append-only and plain.
type Terminal struct {
	out         io.Writer
	interactive bool
	width       int
	frameLines  int
}

// NewTerminal creates a terminal sink. A width of 0 uses DefaultWidth.
func NewTerminal(out io.Writer, interactive bool, width int) *Terminal {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Terminal{out: out, interactive: interactive, width: width}
}

// NewStdoutTerminal creates a terminal on os.Stdout with mode detection
func NewStdoutTerminal(mode Mode) *Terminal {
	return NewTerminal(os.Stdout, DetectInteractive(mode, os.Stdout), DetectWidth(os.Stdout))
}

func (t *Terminal) Interactive() bool {
	return t.interactive
}

func (t *Terminal) Width() int {
	return t.width
}

// Frame replaces the live frame with lines. Lines are clipped to the terminal width so
// the number of rows to erase next time is exact.
func (t *Terminal) Frame(lines []string) error {
	if !t.interactive {
		return t.Print(strings.Join(lines, "\n"))
	}

	var b strings.Builder
	t.erase(&b)
	for _, line := range lines {
		b.WriteString(text.Trim(line, t.width))
		b.WriteString("\x1b[0m\n")
	}
	if _, err := io.WriteString(t.out, b.String()); err != nil {
		return err
	}
	t.frameLines = len(lines)
	return nil
}

// Print writes a permanent block. In interactive mode the live frame is cleared first
// and is not restored until the next Frame call.
func (t *Terminal) Print(block string) error {
	if block == "" {
		return nil
	}
	var b strings.Builder
	if t.interactive {
		t.erase(&b)
		b.WriteString(block)
	} else {
		b.WriteString(stripansi.Strip(block))
	}
	if !strings.HasSuffix(block, "\n") {
		b.WriteString("\n")
	}
	if _, err := io.WriteString(t.out, b.String()); err != nil {
		return err
	}
	t.frameLines = 0
	return nil
}

// erase moves the cursor to the start of the live frame and clears to the end of screen
func (t *Terminal) erase(b *strings.Builder) {
	if t.frameLines > 0 {
		fmt.Fprintf(b, "\x1b[%dF\x1b[J", t.frameLines)
	}
}
