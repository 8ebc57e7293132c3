// Package fake implements proc.Backend entirely in memory. A Process runs
// a fixed script of instruction executions, which makes every hit
// sequence, exit and failure reproducible in tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/regtap/regtap/pkg/proc"
)

// Step is one instruction execution in the script of a Process.
type Step struct {
	// Addr is the address of the executed instruction.
	Addr uint64
	// Regs is the register state of the thread executing it.
	Regs proc.AMD64PtraceRegs
	// ThreadID defaults to the process id.
	ThreadID int
	// Load maps symbols in a newly loaded library, making them available
	// to pending breakpoints.
	Load map[string]uint64
	// RegsErr, if set, is returned by Registers instead of Regs.
	RegsErr error
}

// Segment is a contiguous piece of the memory of a Process.
type Segment struct {
	Addr uint64
	Data []byte
}

// Process is a scripted target.
type Process struct {
	PID        int
	Name       string
	Exe        string
	ImageList  []*proc.Image
	Memory     []Segment
	Symbols    map[string]uint64
	Script     []Step
	ExitStatus int

	// ReadErr, when set, is returned by every ReadMemory call.
	ReadErr error
	// ContinueErr, when set, is returned by Continue instead of running.
	ContinueErr error
	// BadAddrs lists addresses where SetBreakpoint fails.
	BadAddrs map[uint64]bool

	mu     sync.Mutex
	log    []string
	pc     int
	bps    *proc.BreakpointMap
	stopRq bool
	manual bool

	attached, exited, detached bool
}

// Backend is a proc.Backend over a fixed set of processes.
type Backend struct {
	// Running processes, visible to Attach.
	Running []*Process
	// Launches are returned by WaitFor in order, one per call.
	Launches []*Process
	// WaitForErr, when set, is returned by WaitFor.
	WaitForErr error
}

// Attach implements proc.Backend.
func (b *Backend) Attach(pid int) (proc.Target, error) {
	for _, p := range b.Running {
		if p.PID == pid {
			return p.attach()
		}
	}
	return nil, fmt.Errorf("could not attach to pid %d: %w", pid, proc.ErrNoSuchProcess)
}

// WaitFor implements proc.Backend.
func (b *Backend) WaitFor(ctx context.Context, wf *proc.WaitFor) (proc.Target, error) {
	if b.WaitForErr != nil {
		return nil, b.WaitForErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, p := range b.Launches {
		if p.Name == wf.Name {
			b.Launches = append(b.Launches[:i], b.Launches[i+1:]...)
			b.Running = append(b.Running, p)
			return p.attach()
		}
	}
	return nil, proc.ErrWaitForTimeout
}

func (p *Process) attach() (proc.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return nil, fmt.Errorf("process %d is already being traced", p.PID)
	}
	p.attached = true
	p.bps = proc.NewBreakpointMap()
	p.logf("attach %d", p.PID)
	return p, nil
}

// Log returns the events recorded so far: attach, setbp, hit, continue,
// exit, detach.
func (p *Process) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

// Detached returns true if the process was detached.
func (p *Process) Detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

func (p *Process) logf(format string, args ...interface{}) {
	p.log = append(p.log, fmt.Sprintf(format, args...))
}

// Pid implements proc.Info.
func (p *Process) Pid() int { return p.PID }

// Valid implements proc.Info.
func (p *Process) Valid() (bool, error) {
	if p.detached {
		return false, proc.ProcessDetachedError{}
	}
	if p.exited {
		return false, proc.ErrProcessExited{Pid: p.PID, Status: p.ExitStatus}
	}
	return true, nil
}

// ExecutablePath implements proc.Info.
func (p *Process) ExecutablePath() string { return p.Exe }

// Images implements proc.Info.
func (p *Process) Images() ([]*proc.Image, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	return p.ImageList, nil
}

// ReadMemory implements proc.MemoryReader.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if ok, err := p.Valid(); !ok {
		return 0, err
	}
	if p.ReadErr != nil {
		return 0, p.ReadErr
	}
	for _, seg := range p.Memory {
		if addr >= seg.Addr && addr < seg.Addr+uint64(len(seg.Data)) {
			return copy(buf, seg.Data[addr-seg.Addr:]), nil
		}
	}
	return 0, fmt.Errorf("address %#x not mapped", addr)
}

// Breakpoints implements proc.BreakpointManipulation.
func (p *Process) Breakpoints() *proc.BreakpointMap { return p.bps }

// SetBreakpoint implements proc.BreakpointManipulation.
func (p *Process) SetBreakpoint(addr uint64, cb proc.BreakpointCallback) (*proc.Breakpoint, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	if addr == 0 || p.BadAddrs[addr] {
		return nil, proc.InvalidAddressError{Address: addr}
	}
	bp := &proc.Breakpoint{Addr: addr, Callback: cb}
	if err := p.bps.Add(bp); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.logf("setbp %#x", addr)
	p.mu.Unlock()
	return bp, nil
}

// SetBreakpointByName implements proc.BreakpointManipulation.
func (p *Process) SetBreakpointByName(name string, oneShot bool, cb proc.BreakpointCallback) (*proc.Breakpoint, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	bp := &proc.Breakpoint{FunctionName: name, OneShot: oneShot, Callback: cb}
	bp.Addr = p.Symbols[name]
	if err := p.bps.Add(bp); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if bp.Pending() {
		p.logf("setbp %s pending", name)
	} else {
		p.logf("setbp %s %#x", name, bp.Addr)
	}
	p.mu.Unlock()
	return bp, nil
}

// ClearBreakpoint implements proc.BreakpointManipulation.
func (p *Process) ClearBreakpoint(bp *proc.Breakpoint) error {
	if ok, err := p.Valid(); !ok {
		return err
	}
	p.bps.Remove(bp)
	return nil
}

// Continue implements proc.ProcessManipulation.
func (p *Process) Continue() (proc.Thread, error) {
	if ok, err := p.Valid(); !ok {
		return nil, err
	}
	if p.ContinueErr != nil {
		return nil, p.ContinueErr
	}
	p.mu.Lock()
	p.logf("continue")
	p.mu.Unlock()
	for p.pc < len(p.Script) {
		if p.takeStopRequest() {
			return nil, nil
		}
		step := p.Script[p.pc]
		p.pc++
		for name, addr := range step.Load {
			p.resolvePending(name, addr)
		}
		bp, ok := p.bps.Find(step.Addr)
		if !ok {
			continue
		}
		if bp.OneShot {
			p.bps.Remove(bp)
		}
		th := &thread{id: step.ThreadID, regs: proc.AMD64Registers{Regs: step.Regs}, regsErr: step.RegsErr, bp: bp}
		if th.id == 0 {
			th.id = p.PID
		}
		p.mu.Lock()
		p.logf("hit %#x", step.Addr)
		p.mu.Unlock()
		if bp.Hit(th) {
			return th, nil
		}
	}
	if p.takeStopRequest() {
		return nil, nil
	}
	p.mu.Lock()
	p.exited = true
	p.logf("exit %d", p.ExitStatus)
	p.mu.Unlock()
	return nil, proc.ErrProcessExited{Pid: p.PID, Status: p.ExitStatus}
}

func (p *Process) resolvePending(name string, addr uint64) {
	for _, bp := range p.bps.Pending() {
		if bp.FunctionName == name {
			if err := p.bps.Resolve(bp, addr); err == nil {
				p.mu.Lock()
				p.logf("resolve %s %#x", name, addr)
				p.mu.Unlock()
			}
			return
		}
	}
}

func (p *Process) takeStopRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopRq {
		p.stopRq = false
		p.manual = true
		return true
	}
	return false
}

// RequestManualStop implements proc.ProcessManipulation.
func (p *Process) RequestManualStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return proc.ErrProcessExited{Pid: p.PID, Status: p.ExitStatus}
	}
	p.stopRq = true
	return nil
}

// CheckAndClearManualStopRequest implements proc.ProcessManipulation.
func (p *Process) CheckAndClearManualStopRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.manual
	p.manual = false
	return r
}

// Detach implements proc.ProcessManipulation.
func (p *Process) Detach(kill bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return nil
	}
	p.detached = true
	p.logf("detach")
	return nil
}

type thread struct {
	id      int
	regs    proc.AMD64Registers
	regsErr error
	bp      *proc.Breakpoint
}

func (th *thread) ThreadID() int { return th.id }

func (th *thread) Registers() (proc.Registers, error) {
	if th.regsErr != nil {
		return nil, th.regsErr
	}
	return &th.regs, nil
}

func (th *thread) Breakpoint() *proc.Breakpoint { return th.bp }
