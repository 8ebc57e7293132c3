package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// DefaultLabel prefixes every line written by LineReporter.
const DefaultLabel = "metric"

const (
	labelColor = "\x1b[1;36m"
	resetColor = "\x1b[0m"
)

// LineReporter writes one "<label>: <value>" line per value.
type LineReporter struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	color bool
	err   error
}

// NewLineReporter returns a LineReporter writing to w. When w is a terminal
// the label is colorized.
func NewLineReporter(w io.Writer, label string) *LineReporter {
	if label == "" {
		label = DefaultLabel
	}
	r := &LineReporter{w: w, label: label}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) && os.Getenv("TERM") != "dumb" {
		r.w = colorable.NewColorable(f)
		r.color = true
	}
	return r
}

func (r *LineReporter) prefix() string {
	if r.color {
		return labelColor + r.label + ":" + resetColor
	}
	return r.label + ":"
}

// Report implements Reporter.
func (r *LineReporter) Report(value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(fmt.Sprintf("%s %d\n", r.prefix(), value))
}

// ReportLevel implements LevelSink.
func (r *LineReporter) ReportLevel(value uint32, level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(fmt.Sprintf("%s %d (%.0f%%)\n", r.prefix(), value, level*100))
}

// WriteLine writes s as a line, without label.
func (r *LineReporter) WriteLine(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(s + "\n")
}

func (r *LineReporter) write(s string) {
	if r.err != nil {
		return
	}
	_, r.err = io.WriteString(r.w, s)
}

// Err returns the first write error, after which nothing else is written.
func (r *LineReporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
