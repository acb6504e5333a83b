package util

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner wraps spinner for elegant terminal output
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

// NewUISpinner creates a new spinner on out with the given message. In plain
// mode (debug output or no terminal) messages are printed as lines instead.
func NewUISpinner(out io.Writer, plain bool, message string) *UISpinner {
	s := &UISpinner{out: out, plain: plain}

	if !plain {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(out, "  %s\n", message)
	}

	return s
}

// Update replaces the spinner message.
func (s *UISpinner) Update(message string) {
	if s.plain {
		fmt.Fprintf(s.out, "  %s\n", message)
		return
	}
	s.sp.Lock()
	s.sp.Suffix = " " + message
	s.sp.Unlock()
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

func (s *UISpinner) finish(mark, message string) {
	if s.plain {
		fmt.Fprintf(s.out, "  %s %s\n", mark, message)
		return
	}
	s.sp.Stop()
	fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message) // \033[K clears the line
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if !s.plain {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K") // Clear the line
	}
}
