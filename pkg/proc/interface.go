package proc

import (
	"context"
	"time"
)

// Backend attaches to processes. Both methods return a Target that is
// halted and exclusively owned by the caller.
type Backend interface {
	// Attach attaches to the already running process pid.
	Attach(pid int) (Target, error)
	// WaitFor blocks until a process matching wf is launched and attaches
	// to it.
	WaitFor(ctx context.Context, wf *WaitFor) (Target, error)
}

// Target represents an attached process.
type Target interface {
	Info
	MemoryReader
	ProcessManipulation
	BreakpointManipulation
}

// Info is an interface that provides general information on the target.
type Info interface {
	Pid() int
	// Valid returns true if the process is still attached and has not
	// exited, otherwise it returns false and the reason.
	Valid() (bool, error)
	// ExecutablePath returns the path of the target's own executable.
	ExecutablePath() string
	// Images returns the executable and every library mapped in the target.
	Images() ([]*Image, error)
}

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ProcessManipulation is an interface for changing the execution state of a process.
type ProcessManipulation interface {
	// Continue resumes the target and blocks until a breakpoint whose
	// callback asks to halt is hit, a manual stop is requested or the
	// process exits. Breakpoint callbacks run synchronously inside
	// Continue, with the target halted.
	Continue() (trapthread Thread, err error)
	// RequestManualStop asks a running Continue to return. It is safe to
	// call from another goroutine.
	RequestManualStop() error
	// CheckAndClearManualStopRequest reports whether the last Continue
	// returned because of RequestManualStop.
	CheckAndClearManualStopRequest() bool
	// Detach detaches from the target, removing every breakpoint, and
	// optionally kills it.
	Detach(kill bool) error
}

// BreakpointManipulation is an interface for managing breakpoints.
type BreakpointManipulation interface {
	Breakpoints() *BreakpointMap
	// SetBreakpoint installs a breakpoint at addr.
	SetBreakpoint(addr uint64, cb BreakpointCallback) (*Breakpoint, error)
	// SetBreakpointByName installs a breakpoint on the entry point of the
	// named function. If no mapped image exports the symbol yet the
	// breakpoint is pending and resolved when the image is loaded.
	SetBreakpointByName(name string, oneShot bool, cb BreakpointCallback) (*Breakpoint, error)
	ClearBreakpoint(bp *Breakpoint) error
}

// Thread represents a thread of the target stopped at a breakpoint.
type Thread interface {
	ThreadID() int
	// Registers returns the register set of the thread at the time it was
	// stopped.
	Registers() (Registers, error)
	// Breakpoint returns the breakpoint the thread is stopped at, if any.
	Breakpoint() *Breakpoint
}

// WaitFor describes a process to wait for before attaching.
type WaitFor struct {
	// Name is matched against the base name of the executable and against
	// the command name of every new process.
	Name string
	// Interval is the polling interval.
	Interval time.Duration
	// Duration is the maximum time to wait, zero waits forever.
	Duration time.Duration
}

// Valid returns true if wf describes a process to wait for.
func (wf *WaitFor) Valid() bool {
	return wf != nil && wf.Name != ""
}
