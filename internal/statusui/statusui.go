// Package statusui renders operator-facing progress for long-running
// commands: step headers for `add` (parse and insert APKs, regenerate
// static files, done) and, for `validate`, one failure line per issue found
// followed by a single pass or summary line. It is the ambient-logging
// idiom the teacher uses in place of a structured logging library:
// spinners, step headers, and colored status lines written straight to
// stderr, gated by a verbose flag that controls whether a failure's full
// causal chain is printed. There is no JSON output and no log levels
// beyond this.
package statusui

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// NoColor disables ANSI styling when true. It defaults to false, and no
// command-line flag sets it.
var NoColor = false

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiDim   = "\x1b[2m"
	ansiGreen = "\x1b[32m"
	ansiRed   = "\x1b[31m"
	ansiBlue  = "\x1b[34m"
)

func style(code, s string) string {
	if NoColor {
		return s
	}
	return code + s + ansiReset
}

// StepTracker prints a banner-style header for each phase of a multi-step
// command.
type StepTracker struct {
	current int
	total   int
	out     *os.File
}

// NewStepTracker creates a tracker for a command with a known number of
// phases.
func NewStepTracker(total int) *StepTracker {
	return &StepTracker{total: total, out: os.Stderr}
}

// Step begins the next phase, printing a header with its 1-based position.
func (s *StepTracker) Step(name string) {
	s.current++
	line := strings.Repeat("-", 50)
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, style(ansiDim, line))
	fmt.Fprintf(s.out, "%s\n", style(ansiBold, fmt.Sprintf(" %d/%d  %s", s.current, s.total, name)))
	fmt.Fprintln(s.out, style(ansiDim, line))
}

// Sub prints an indented detail line under the current step.
func (s *StepTracker) Sub(format string, args ...any) {
	fmt.Fprintf(s.out, "  %s\n", fmt.Sprintf(format, args...))
}

// Done prints the command's final pass/fail line.
func (s *StepTracker) Done(ok bool, message string) {
	fmt.Fprintln(s.out)
	if ok {
		fmt.Fprintf(s.out, "%s %s\n", style(ansiGreen, "done"), message)
	} else {
		fmt.Fprintf(s.out, "%s %s\n", style(ansiRed, "failed"), message)
	}
}

// Spinner animates a message on stderr while a long operation runs. It is
// a cosmetic aid only: nothing blocks on it, and it is safe to Stop from
// any goroutine once.
type Spinner struct {
	message string
	frames  []string
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  bool
}

var spinnerFrames = []string{"|", "/", "-", "\\"}

// NewSpinner constructs a stopped spinner with the given message.
func NewSpinner(message string) *Spinner {
	return &Spinner{message: message, frames: spinnerFrames, stop: make(chan struct{})}
}

// Start begins animating. Calling Start twice without an intervening Stop
// is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		i := 0
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				fmt.Fprintf(os.Stderr, "\r%s %s", s.frames[i%len(s.frames)], s.message)
				i++
			}
		}
	}()
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
	fmt.Fprint(os.Stderr, "\r\x1b[K")
}

// Info prints a neutral status line.
func Info(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", style(ansiBlue, "*"), fmt.Sprintf(format, args...))
}

// Success prints a passing status line, such as `validate`'s single
// line for a valid repository.
func Success(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", style(ansiGreen, "ok"), fmt.Sprintf(format, args...))
}

// Fail prints a failing status line. In verbose mode the caller should
// pass apperr.Render(err, true) as part of format/args so the causal
// chain is included; in normal mode only the top-level message.
func Fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", style(ansiRed, "FAIL"), fmt.Sprintf(format, args...))
}
