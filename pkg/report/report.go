// Package report contains the sinks that receive the values extracted by
// the trap controller. Every sink runs synchronously in the caller's
// goroutine and never buffers more than one value.
package report

// Reporter receives the value extracted at every hit, in hit order.
type Reporter interface {
	Report(value uint32)
}

// Func adapts a function to the Reporter interface.
type Func func(value uint32)

// Report calls f(value).
func (f Func) Report(value uint32) { f(value) }

// Multi reports every value to all its reporters, in order.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(value uint32) {
	for _, r := range m {
		r.Report(value)
	}
}

// Dedup forwards a value only if it differs from the previous one.
type Dedup struct {
	Next Reporter

	last uint32
	seen bool
}

// NewDedup returns a Dedup forwarding to next.
func NewDedup(next Reporter) *Dedup {
	return &Dedup{Next: next}
}

// Report implements Reporter.
func (d *Dedup) Report(value uint32) {
	if d.seen && value == d.last {
		return
	}
	d.last, d.seen = value, true
	d.Next.Report(value)
}
