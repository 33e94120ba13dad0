// Package output handles logging, report serialization and progress
// reporting for the CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Progress reports test status to stderr as "[elapsed] message" lines.
// It is safe for use by concurrent generators.
type Progress struct {
	enabled bool
	verbose bool
	start   time.Time

	mu sync.Mutex
	w  io.Writer
}

// NewProgress creates a Progress reporter. Set enabled=false for --quiet mode.
func NewProgress(enabled bool) *Progress {
	return &Progress{
		enabled: enabled,
		start:   time.Now(),
		w:       os.Stderr,
	}
}

// NewVerboseProgress creates a Progress reporter with debug lines enabled.
func NewVerboseProgress(enabled, verbose bool) *Progress {
	p := NewProgress(enabled || verbose) // verbose implies enabled
	p.verbose = verbose
	return p
}

// SetOutput redirects progress lines.
func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	p.w = w
	p.mu.Unlock()
}

// Log prints a progress message if enabled.
func (p *Progress) Log(format string, args ...interface{}) {
	if !p.enabled {
		return
	}
	p.print("", format, args...)
}

// Debug prints a debug message if verbose is enabled.
func (p *Progress) Debug(format string, args ...interface{}) {
	if !p.verbose {
		return
	}
	p.print("DEBUG: ", format, args...)
}

func (p *Progress) print(prefix, format string, args ...interface{}) {
	elapsed := time.Since(p.start).Round(time.Millisecond)
	msg := fmt.Sprintf(format, args...)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s%s\n", elapsed, prefix, msg)
}
