package tap

import (
	"errors"
	"fmt"
)

// AcquireErrorKind classifies failures of Acquire. Kinds are errors
// themselves, so errors.Is(err, AttachFailed) works on wrapped errors.
type AcquireErrorKind uint8

const (
	AttachFailed AcquireErrorKind = iota + 1
	ResumeFailed
)

func (k AcquireErrorKind) Error() string {
	switch k {
	case AttachFailed:
		return "attach failed"
	case ResumeFailed:
		return "resume failed"
	}
	return "unknown acquire error"
}

// AcquireError is returned by Acquire.
type AcquireError struct {
	Kind AcquireErrorKind
	Mode AcquisitionMode
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("%v (%v): %v", e.Kind, e.Mode, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

func (e *AcquireError) Is(target error) bool {
	k, ok := target.(AcquireErrorKind)
	return ok && k == e.Kind
}

// LocateErrorKind classifies failures of Locate.
type LocateErrorKind uint8

const (
	ModuleNotFound LocateErrorKind = iota + 1
	SectionNotFound
	MemoryReadFailed
	SignatureNotFound
)

func (k LocateErrorKind) Error() string {
	switch k {
	case ModuleNotFound:
		return "module not found"
	case SectionNotFound:
		return "section not found"
	case MemoryReadFailed:
		return "memory read failed"
	case SignatureNotFound:
		return "signature not found"
	}
	return "unknown locate error"
}

// LocateError is returned by Locate.
type LocateError struct {
	Kind LocateErrorKind
	// What names the module, section or signature that was looked for.
	What string
	Err  error
}

func (e *LocateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.What)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.What, e.Err)
}

func (e *LocateError) Unwrap() error { return e.Err }

func (e *LocateError) Is(target error) bool {
	k, ok := target.(LocateErrorKind)
	return ok && k == e.Kind
}

// TrapErrorKind classifies failures of Run.
type TrapErrorKind uint8

const (
	InstallFailed TrapErrorKind = iota + 1
	RegisterNotFound
)

func (k TrapErrorKind) Error() string {
	switch k {
	case InstallFailed:
		return "breakpoint install failed"
	case RegisterNotFound:
		return "register not found"
	}
	return "unknown trap error"
}

// TrapError is returned by Run.
type TrapError struct {
	Kind TrapErrorKind
	Addr uint64
	Err  error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("%v at %#x: %v", e.Kind, e.Addr, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

func (e *TrapError) Is(target error) bool {
	k, ok := target.(TrapErrorKind)
	return ok && k == e.Kind
}

// ErrCancelled is returned by Run when the caller cancelled the
// instrumentation.
var ErrCancelled = errors.New("instrumentation cancelled")
