// Package terminal redraws a block of text in place on an ANSI terminal.
package terminal

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const (
	hideCursor = "\x1b[?25l"
	showCursor = "\x1b[?25h"
	clearLine  = "\x1b[K"
	clearBelow = "\x1b[J"
)

// Screen is a redrawable output area.
type Screen interface {
	// Erase moves the cursor back over the last rows lines written.
	Erase(rows int) error

	// Draw writes lines and returns the number of terminal rows they use.
	Draw(lines []string) (int, error)

	// Close restores the terminal state.
	Close() error
}

// ANSIScreen implements Screen with ANSI escape sequences.
// Lines are truncated to the terminal width so that one line is exactly
// one row and Erase can move back precisely.
type ANSIScreen struct {
	out    io.Writer
	width  func() int
	hidden bool
}

// NewANSIScreen creates a screen writing to out. The width is read from
// fd before every draw; 0 disables truncation.
func NewANSIScreen(out io.Writer, fd int) *ANSIScreen {
	return &ANSIScreen{
		out:   out,
		width: func() int { return Width(fd) },
	}
}

// NewStdoutScreen creates a screen on the process's standard output.
func NewStdoutScreen() *ANSIScreen {
	return NewANSIScreen(os.Stdout, int(os.Stdout.Fd()))
}

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Width returns the column count of the terminal at fd, or 0 when it is
// not a terminal.
func Width(fd int) int {
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func (s *ANSIScreen) Erase(rows int) error {
	if rows <= 0 {
		return nil
	}
	_, err := fmt.Fprintf(s.out, "\x1b[%dF", rows)
	return err
}

func (s *ANSIScreen) Draw(lines []string) (int, error) {
	w := bufio.NewWriter(s.out)
	if !s.hidden {
		w.WriteString(hideCursor)
		s.hidden = true
	}

	width := s.width()
	for _, line := range lines {
		if width > 0 {
			line = Truncate(line, width)
		}
		w.WriteString(line)
		w.WriteString(clearLine)
		w.WriteString("\n")
	}
	w.WriteString(clearBelow)

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("draw: %w", err)
	}
	return len(lines), nil
}

func (s *ANSIScreen) Close() error {
	if !s.hidden {
		return nil
	}
	s.hidden = false
	_, err := io.WriteString(s.out, showCursor)
	return err
}
