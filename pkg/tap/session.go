package tap

import (
	"context"
	"fmt"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
	"github.com/regtap/regtap/pkg/report"
)

// Session ties together the whole instrumentation of one target:
// Acquire, Locate and Run.
type Session struct {
	Backend proc.Backend
	Mode    AcquisitionMode
	Gate    GateConfig

	Section   string
	Signature Signature
	Register  string

	// Reporter receives every extracted value.
	Reporter report.Reporter

	// OnAcquired, if set, is called with the halted target right after
	// it has been acquired.
	OnAcquired func(t proc.Target)
}

// Run instruments the target until it exits or ctx is cancelled. The
// target is always detached before Run returns. Errors carry the name of
// the failing step.
func (s *Session) Run(ctx context.Context) error {
	log := logflags.AcquireLogger()
	sig := s.Signature
	if len(sig) == 0 {
		sig = DefaultSignature
	}
	register := s.Register
	if register == "" {
		register = DefaultRegister
	}
	if s.Backend == nil {
		return fmt.Errorf("acquire: no backend")
	}

	t, err := Acquire(ctx, s.Backend, s.Mode, s.Gate)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer func() {
		if err := t.Detach(false); err != nil && !proc.IsExited(err) {
			log.Warnf("could not detach from %d: %v", t.Pid(), err)
		}
	}()
	if s.OnAcquired != nil {
		s.OnAcquired(t)
	}

	addr, err := Locate(t, s.Section, sig)
	if err != nil {
		return fmt.Errorf("locate: %w", err)
	}

	spec := BreakpointSpec{Addr: addr, Register: register}
	err = Run(ctx, t, spec, func(ev HitEvent) {
		if s.Reporter != nil {
			s.Reporter.Report(ev.Value)
		}
	})
	if err != nil {
		return fmt.Errorf("trap: %w", err)
	}
	return nil
}
