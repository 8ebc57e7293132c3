package tap

import (
	"context"
	"fmt"
	"strings"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// State is the state of a Controller.
type State uint8

const (
	Idle State = iota
	InstallBreakpoint
	Armed
	ExtractRegister
	InvokeCallback
	Resume
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InstallBreakpoint:
		return "InstallBreakpoint"
	case Armed:
		return "Armed"
	case ExtractRegister:
		return "ExtractRegister"
	case InvokeCallback:
		return "InvokeCallback"
	case Resume:
		return "Resume"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Controller installs the instrumentation breakpoint and reports the value
// of a register every time it is hit. A Controller is used for a single
// Run.
type Controller struct {
	spec  BreakpointSpec
	onHit func(HitEvent)

	// OnTransition, if set, is called on every state change.
	OnTransition func(from, to State)

	state     State
	hits      uint64
	err       error
	cancelled bool
	exited    bool
}

// NewController returns a Controller for spec. onHit is called
// synchronously, with the target halted, once per hit.
func NewController(spec BreakpointSpec, onHit func(HitEvent)) *Controller {
	return &Controller{spec: spec, onHit: onHit}
}

// Run installs a breakpoint at spec.Addr and runs t until it exits, in which
// case it returns nil, or ctx is cancelled, in which case it returns
// ErrCancelled.
func Run(ctx context.Context, t proc.Target, spec BreakpointSpec, onHit func(HitEvent)) error {
	return NewController(spec, onHit).Run(ctx, t)
}

// State returns the current state of c.
func (c *Controller) State() State { return c.state }

// Hits returns the number of hits handled so far.
func (c *Controller) Hits() uint64 { return c.hits }

func (c *Controller) setState(s State) {
	if c.OnTransition != nil {
		c.OnTransition(c.state, s)
	}
	c.state = s
}

// Run runs the controller against t, see the Run function.
func (c *Controller) Run(ctx context.Context, t proc.Target) error {
	log := logflags.TrapLogger().WithField("addr", fmt.Sprintf("%#x", c.spec.Addr))
	if c.state != Idle {
		return fmt.Errorf("controller already used")
	}

	c.setState(InstallBreakpoint)
	bp, err := t.SetBreakpoint(c.spec.Addr, c.callback(ctx))
	if err != nil {
		c.setState(Done)
		return &TrapError{Kind: InstallFailed, Addr: c.spec.Addr, Err: err}
	}
	defer func() {
		if ok, _ := t.Valid(); ok {
			if err := t.ClearBreakpoint(bp); err != nil {
				log.Debugf("could not clear breakpoint: %v", err)
			}
		}
	}()
	log.Infof("breakpoint installed, reporting %s", c.spec.Register)
	c.setState(Armed)

	release := stopOnCancel(ctx, t)
	defer release()
	defer c.setState(Done)

	for {
		th, err := t.Continue()
		switch {
		case c.err != nil:
			return c.err
		case c.exited:
			log.Infof("target exited after %d hits", c.hits)
			return nil
		case err != nil:
			if proc.IsExited(err) {
				log.Infof("%v after %d hits", err, c.hits)
				return nil
			}
			return fmt.Errorf("could not resume target: %w", err)
		}
		if c.cancelled || t.CheckAndClearManualStopRequest() {
			log.Infof("cancelled after %d hits", c.hits)
			return ErrCancelled
		}
		if th != nil && th.Breakpoint() != bp {
			log.Debugf("thread %d halted at %v, resuming", th.ThreadID(), th.Breakpoint())
		}
	}
}

// callback extracts the register on every hit. It never halts the target
// unless the controller must stop.
func (c *Controller) callback(ctx context.Context) proc.BreakpointCallback {
	log := logflags.TrapLogger()
	return func(th proc.Thread) bool {
		if ctx.Err() != nil {
			c.cancelled = true
			return true
		}

		c.setState(ExtractRegister)
		regs, err := th.Registers()
		if err != nil {
			if proc.IsExited(err) {
				c.exited = true
			} else {
				c.err = fmt.Errorf("could not read %s: %w", c.spec.Register, err)
			}
			return true
		}
		reg, ok := proc.FindRegister(regs, proc.GeneralPurposeRegisters, c.spec.Register)
		if !ok {
			c.err = &TrapError{Kind: RegisterNotFound, Addr: c.spec.Addr, Err: unknownRegister(regs, c.spec.Register)}
			return true
		}
		ev := HitEvent{Value: uint32(reg.Value)}
		c.hits++
		log.Debugf("hit %d on thread %d: %v", c.hits, th.ThreadID(), reg)

		c.setState(InvokeCallback)
		if c.onHit != nil {
			c.onHit(ev)
		}
		c.setState(Resume)
		c.setState(Armed)
		return false
	}
}

func unknownRegister(regs proc.Registers, name string) error {
	suggestions := proc.SuggestRegisters(proc.RegisterNames(regs, proc.GeneralPurposeRegisters), name)
	if len(suggestions) == 0 {
		return fmt.Errorf("no register named %q", name)
	}
	return fmt.Errorf("no register named %q, did you mean %s?", name, strings.Join(suggestions, ", "))
}

// ValidRegister checks name against the AMD64 general purpose registers
// before any target is attached.
func ValidRegister(name string) error {
	var regs proc.AMD64Registers
	if _, ok := proc.FindRegister(&regs, proc.GeneralPurposeRegisters, name); !ok {
		return unknownRegister(&regs, name)
	}
	return nil
}
