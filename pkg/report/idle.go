package report

import (
	"sync"
	"time"

	"github.com/regtap/regtap/pkg/logflags"
)

// DefaultIdleTimeout is how long Idle waits for a new value.
const DefaultIdleTimeout = 3 * time.Second

// Idle forwards values to Next and notices when they stop coming. The
// first value arms it; once Timeout elapses without a new value OnIdle is
// called, a single time, and Idle waits for the next value to arm again.
type Idle struct {
	Next    Reporter
	Timeout time.Duration
	// OnIdle is called from a timer goroutine. When nil a message is
	// logged instead.
	OnIdle func()

	mu     sync.Mutex
	timer  *time.Timer
	active bool
	gen    uint64
}

// NewIdle returns an Idle forwarding to next.
func NewIdle(next Reporter, timeout time.Duration, onIdle func()) *Idle {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Idle{Next: next, Timeout: timeout, OnIdle: onIdle}
}

// Report implements Reporter.
func (i *Idle) Report(value uint32) {
	i.mu.Lock()
	if !i.active {
		logflags.ReportLogger().Infof("receiving values")
		i.active = true
	}
	i.gen++
	gen := i.gen
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(i.Timeout, func() { i.fire(gen) })
	i.mu.Unlock()

	if i.Next != nil {
		i.Next.Report(value)
	}
}

func (i *Idle) fire(gen uint64) {
	i.mu.Lock()
	if gen != i.gen || !i.active {
		i.mu.Unlock()
		return
	}
	i.active = false
	i.mu.Unlock()

	if i.OnIdle != nil {
		i.OnIdle()
		return
	}
	logflags.ReportLogger().Warnf("value hasn't changed in a while, the target may be idle")
}

// Stop disarms the timer.
func (i *Idle) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.active = false
}
