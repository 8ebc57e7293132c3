package tap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AcquisitionMode selects how Acquire obtains the target: either by
// attaching to a running process or by waiting for a named process to be
// launched. The zero value selects nothing and is invalid.
type AcquisitionMode struct {
	pid  int
	name string
}

// AttachExisting selects the already running process pid.
func AttachExisting(pid int) AcquisitionMode {
	return AcquisitionMode{pid: pid}
}

// AttachOnLaunch selects the next process called name to be launched.
func AttachOnLaunch(name string) AcquisitionMode {
	return AcquisitionMode{name: name}
}

// Pid returns the pid of an AttachExisting mode.
func (m AcquisitionMode) Pid() (int, bool) {
	return m.pid, m.name == "" && m.pid > 0
}

// Name returns the process name of an AttachOnLaunch mode.
func (m AcquisitionMode) Name() (string, bool) {
	return m.name, m.name != ""
}

// Valid returns an error unless exactly one mode is selected.
func (m AcquisitionMode) Valid() error {
	switch {
	case m.name != "" && m.pid != 0:
		return errors.New("both a pid and a process name were selected")
	case m.name == "" && m.pid <= 0:
		return errors.New("no valid pid or process name selected")
	}
	return nil
}

func (m AcquisitionMode) String() string {
	if m.name != "" {
		return fmt.Sprintf("AttachOnLaunch(%s)", m.name)
	}
	return fmt.Sprintf("AttachExisting(%d)", m.pid)
}

// GateConfig configures the one-shot gating breakpoint used by
// AttachOnLaunch.
type GateConfig struct {
	// Symbol is the library function the target calls once it has finished
	// initializing itself.
	Symbol string
	// WaitInterval is the polling interval used while waiting for the
	// launch.
	WaitInterval time.Duration
	// WaitTimeout bounds the wait for the launch, zero waits forever.
	WaitTimeout time.Duration
}

// DefaultGateSymbol is first called by macOS applications when they start
// drawing.
const DefaultGateSymbol = "CGBitmapContextCreate"

// DefaultWaitInterval is the default polling interval for AttachOnLaunch.
const DefaultWaitInterval = 100 * time.Millisecond

// Signature is a literal byte sequence searched for in the code of the
// target.
type Signature []byte

// DefaultSignature encodes `mov dword ptr [rax+rcx*4+0xdc], ebx`.
var DefaultSignature = Signature{0x89, 0x9C, 0x88, 0xDC, 0x00, 0x00, 0x00}

// ParseSignature parses a hex byte sequence. Bytes may be separated by
// spaces, commas or colons and may carry a 0x or \x prefix.
func ParseSignature(s string) (Signature, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t'
	})
	var b strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		f = strings.ReplaceAll(f, `\x`, "")
		if len(fields) > 1 && len(f) == 1 {
			f = "0" + f
		}
		b.WriteString(f)
	}
	sig, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %v", s, err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return Signature(sig), nil
}

func (s Signature) String() string {
	var b strings.Builder
	for i, c := range s {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

// DefaultRegister is the register holding the value stored by the
// instruction matched by DefaultSignature.
const DefaultRegister = "ebx"

// BreakpointSpec is the instrumentation point found by Locate and the
// register read on every hit.
type BreakpointSpec struct {
	Addr     uint64
	Register string
}

func (bs BreakpointSpec) String() string {
	return fmt.Sprintf("%#x/%s", bs.Addr, bs.Register)
}

// HitEvent is produced every time the instrumentation point is executed.
// Value holds the low 32 bits of the register.
type HitEvent struct {
	Value uint32
}
