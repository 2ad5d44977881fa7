package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type Spinner struct {
	*spinner.Spinner
	msg string
	// plain output when stderr is not a terminal: no animation, only the final line
	plain io.Writer
}

// NewSpinner creates a new spinner with the given message.
func NewSpinner(msg string) *Spinner {
	if !IsTerminal(os.Stderr) {
		return &Spinner{spinner.New(spinner.CharSets[14], time.Hour, spinner.WithWriter(io.Discard)), msg, os.Stderr}
	}

	s := &Spinner{
		spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" "+msg),
		),
		msg,
		nil,
	}
	s.Start()
	return s
}

// IsTerminal tells whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// UpdateMessage updates the spinner message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	s.Lock()
	s.Spinner.Suffix = " " + msg
	s.Unlock()
	s.msg = msg
}

// Println prints a line above the spinner.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Println(line string) {
	if s == nil {
		return
	}
	if s.plain != nil {
		_, _ = fmt.Fprintln(s.plain, line)
		return
	}
	s.Lock()
	defer s.Unlock()
	_, _ = fmt.Fprintf(os.Stderr, "\r\033[2K%s\n", line)
}

// Plain tells whether the spinner is not animated, stderr not being a terminal.
func (s *Spinner) Plain() bool {
	return s == nil || s.plain != nil
}

// Success stops the spinner and prints a success message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success(msg ...string) {
	s.stop(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Warn(msg ...string) {
	s.stop(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail(msg ...string) {
	s.stop(color.HiRedString("✗"), msg)
}

func (s *Spinner) stop(symbol string, msg []string) {
	if s == nil {
		return
	}
	if len(msg) == 0 {
		msg = []string{s.msg}
	}
	final := fmt.Sprintf("%s %s\n", symbol, msg[0])
	if s.plain != nil {
		_, _ = fmt.Fprint(s.plain, final)
		return
	}
	s.Spinner.FinalMSG = final
	s.Stop()
}
