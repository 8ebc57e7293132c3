package tap

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// Acquire obtains the target selected by mode.
//
// With AttachExisting the process is attached to directly and returned
// halted; it is assumed to have finished initializing itself already.
//
// With AttachOnLaunch Acquire blocks until a process with the given name
// is launched, attaches to it, sets a one-shot breakpoint on gate.Symbol
// and resumes the target until that breakpoint is hit. The target is
// returned halted right after the gate, past its own unpacking. No other
// breakpoint can be installed before this happens.
//
// On failure the target, if any, is detached before returning.
func Acquire(ctx context.Context, backend proc.Backend, mode AcquisitionMode, gate GateConfig) (proc.Target, error) {
	log := logflags.AcquireLogger()

	if err := mode.Valid(); err != nil {
		return nil, &AcquireError{Kind: AttachFailed, Mode: mode, Err: err}
	}

	if pid, ok := mode.Pid(); ok {
		t, err := backend.Attach(pid)
		if err != nil {
			return nil, &AcquireError{Kind: AttachFailed, Mode: mode, Err: err}
		}
		log.Infof("attached to running process %d (%s)", t.Pid(), t.ExecutablePath())
		return t, nil
	}

	name, _ := mode.Name()
	wf := &proc.WaitFor{Name: name, Interval: gate.WaitInterval, Duration: gate.WaitTimeout}
	if wf.Interval <= 0 {
		wf.Interval = DefaultWaitInterval
	}
	log.Infof("waiting for %s to be launched", name)
	t, err := backend.WaitFor(ctx, wf)
	if err != nil {
		return nil, &AcquireError{Kind: AttachFailed, Mode: mode, Err: err}
	}
	log.Infof("attached to new process %d (%s)", t.Pid(), t.ExecutablePath())

	if kind, err := passGate(ctx, t, gate.Symbol); err != nil {
		if derr := t.Detach(false); derr != nil {
			log.Warnf("could not detach from %d: %v", t.Pid(), derr)
		}
		return nil, &AcquireError{Kind: kind, Mode: mode, Err: err}
	}
	return t, nil
}

// passGate runs t until the first call to symbol.
func passGate(ctx context.Context, t proc.Target, symbol string) (AcquireErrorKind, error) {
	log := logflags.AcquireLogger()
	if symbol == "" {
		symbol = DefaultGateSymbol
	}

	bp, err := t.SetBreakpointByName(symbol, true, nil)
	if err != nil {
		return AttachFailed, fmt.Errorf("could not set gating breakpoint on %s: %w", symbol, err)
	}
	if bp.Pending() && symbol == DefaultGateSymbol && runtime.GOOS != "darwin" {
		// The library defining it only exists on macOS.
		if err := t.ClearBreakpoint(bp); err != nil {
			log.Debugf("could not clear gating breakpoint: %v", err)
		}
		return AttachFailed, fmt.Errorf("%s is not defined on %s, choose a gate function the target calls once initialized (--gate)", symbol, runtime.GOOS)
	}
	if bp.Pending() {
		log.Debugf("gating breakpoint on %s is pending until its library is loaded", symbol)
	} else {
		log.Debugf("gating breakpoint on %s at %#x", symbol, bp.Addr)
	}

	release := stopOnCancel(ctx, t)
	th, err := t.Continue()
	release()

	switch {
	case err != nil:
		return ResumeFailed, fmt.Errorf("target did not reach %s: %w", symbol, err)
	case t.CheckAndClearManualStopRequest():
		cause := ctx.Err()
		if cause == nil {
			cause = errors.New("manual stop requested")
		}
		return ResumeFailed, fmt.Errorf("stopped before reaching %s: %w", symbol, cause)
	case th == nil || th.Breakpoint() != bp:
		return ResumeFailed, fmt.Errorf("target stopped before reaching %s", symbol)
	}

	// One-shot breakpoints are removed by the backend when hit.
	if cur, ok := t.Breakpoints().Find(bp.Addr); ok && cur == bp {
		if err := t.ClearBreakpoint(bp); err != nil {
			return ResumeFailed, fmt.Errorf("could not clear gating breakpoint: %w", err)
		}
	}
	log.Infof("%s reached at %#x by thread %d, target initialized", symbol, bp.Addr, th.ThreadID())
	return 0, nil
}

// stopOnCancel asks t to stop when ctx is cancelled, until release is
// called.
func stopOnCancel(ctx context.Context, t proc.Target) (release func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := t.RequestManualStop(); err != nil {
				logflags.TrapLogger().Debugf("manual stop: %v", err)
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}
