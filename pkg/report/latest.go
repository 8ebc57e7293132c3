package report

import (
	"context"
	"sync"
)

// Latest keeps only the most recent value. Consumers are notified through
// a channel with a single slot, so a slow consumer skips values instead of
// making the producer wait.
type Latest struct {
	mu      sync.Mutex
	value   uint32
	version uint64
	changed chan struct{}
}

// NewLatest returns an empty Latest.
func NewLatest() *Latest {
	return &Latest{changed: make(chan struct{}, 1)}
}

// Report implements Reporter. It never blocks.
func (l *Latest) Report(value uint32) {
	l.mu.Lock()
	l.value = value
	l.version++
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Load returns the current value and the number of values reported so far.
func (l *Latest) Load() (uint32, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.version
}

// Changed returns a channel that receives after Report has been called.
func (l *Latest) Changed() <-chan struct{} {
	return l.changed
}

// Forward reports the latest value to next every time it changes, until
// ctx is done. It is meant to run in its own goroutine.
func (l *Latest) Forward(ctx context.Context, next Reporter) {
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.changed:
			v, version := l.Load()
			if version != seen {
				seen = version
				next.Report(v)
			}
		}
	}
}
