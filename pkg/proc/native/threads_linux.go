//go:build linux && amd64

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/regtap/regtap/pkg/proc"
)

type waitStatus sys.WaitStatus

// osSpecificDetails hold Linux specific
// process details.
type osSpecificDetails struct {
	delayedSignal int
	running       bool
	setbp         bool
}

// nativeThread represents a single thread in the traced process.
// ID represents the thread id, dbp holds a reference to the
// Process struct that contains info on the process as
// a whole, and Status represents the last result of a `wait` call
// on this thread.
type nativeThread struct {
	ID                int              // Thread ID
	Status            *waitStatus      // Status returned from last wait call
	CurrentBreakpoint *proc.Breakpoint // Breakpoint thread is currently stopped at

	dbp *nativeProcess
	os  *osSpecificDetails
}

// ThreadID returns the ID of this thread.
func (t *nativeThread) ThreadID() int {
	return t.ID
}

// Breakpoint returns the breakpoint the thread is stopped at.
func (t *nativeThread) Breakpoint() *proc.Breakpoint {
	return t.CurrentBreakpoint
}

// Registers obtains register values from the debugged process.
func (t *nativeThread) Registers() (proc.Registers, error) {
	var (
		regs proc.AMD64Registers
		err  error
	)
	t.dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.ID, (*sys.PtraceRegs)(&regs.Regs)) })
	if err != nil {
		if err == sys.ESRCH {
			return nil, proc.ErrProcessExited{Pid: t.dbp.pid, Status: t.dbp.exitStatus}
		}
		return nil, fmt.Errorf("could not read registers of thread %d: %v", t.ID, err)
	}
	return &regs, nil
}

func (t *nativeThread) pc() (uint64, error) {
	regs, err := t.Registers()
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

func (t *nativeThread) setPC(pc uint64) error {
	var err error
	t.dbp.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(t.ID, &regs); err != nil {
			return
		}
		regs.SetPC(pc)
		err = sys.PtraceSetRegs(t.ID, &regs)
	})
	return err
}

func (t *nativeThread) stop() (err error) {
	err = sys.Tgkill(t.dbp.pid, t.ID, sys.SIGSTOP)
	if err != nil {
		if err == sys.ESRCH {
			return
		}
		err = fmt.Errorf("stop err %s on thread %d", err, t.ID)
		return
	}
	return
}

func (t *nativeThread) resume() error {
	sig := t.os.delayedSignal
	t.os.delayedSignal = 0
	return t.resumeWithSig(sig)
}

func (t *nativeThread) resumeWithSig(sig int) (err error) {
	t.os.running = true
	t.dbp.execPtraceFunc(func() { err = ptraceCont(t.ID, sig) })
	return
}

func (t *nativeThread) singleStep() (err error) {
	sig := 0
	for {
		t.dbp.execPtraceFunc(func() { err = ptraceSingleStep(t.ID, sig) })
		sig = 0
		if err != nil {
			return err
		}
		wpid, status, err := t.dbp.waitFast(t.ID)
		if err != nil {
			return err
		}
		if (status == nil || status.Exited()) && wpid == t.dbp.pid {
			t.dbp.postExit()
			rs := 0
			if status != nil {
				rs = status.ExitStatus()
			}
			return proc.ErrProcessExited{Pid: t.dbp.pid, Status: rs}
		}
		if wpid == t.ID {
			switch s := status.StopSignal(); s {
			case sys.SIGTRAP:
				return nil
			case sys.SIGSTOP:
				// delay SIGSTOP
				t.os.delayedSignal = int(sys.SIGSTOP)
			default:
				// deliver all other signals
				sig = int(s)
			}
		}
	}
}

// setCurrentBreakpoint sets the current breakpoint of a thread that
// stopped with SIGTRAP, rewinding the pc past the int3.
func (t *nativeThread) setCurrentBreakpoint() error {
	t.CurrentBreakpoint = nil
	pc, err := t.pc()
	if err != nil {
		return err
	}
	bp, ok := t.dbp.findBreakpoint(pc - uint64(len(breakpointInstruction)))
	if !ok {
		return nil
	}
	if err := t.setPC(bp.Addr); err != nil {
		return err
	}
	t.CurrentBreakpoint = bp
	return nil
}

func (t *nativeThread) writeMemory(addr uint64, data []byte) (written int, err error) {
	if t.dbp.exited {
		return 0, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	if len(data) == 0 {
		return
	}
	t.dbp.execPtraceFunc(func() { written, err = sys.PtracePokeData(t.ID, uintptr(addr), data) })
	return
}

func (t *nativeThread) readMemory(data []byte, addr uint64) (n int, err error) {
	if t.dbp.exited {
		return 0, proc.ErrProcessExited{Pid: t.dbp.pid}
	}
	if len(data) == 0 {
		return
	}
	t.dbp.execPtraceFunc(func() { n, err = processVmRead(t.ID, uintptr(addr), data) })
	if err != nil || n != len(data) {
		// process_vm_readv is not available on every kernel and fails for
		// pages that are not readable by the target, ptrace can still
		// read them.
		t.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(t.ID, uintptr(addr), data) })
	}
	return
}
