//go:build !linux || !amd64

package native

import (
	"context"
	"errors"

	"github.com/regtap/regtap/pkg/proc"
)

// ErrNativeBackendDisabled is returned by every operation on platforms
// without a native backend.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Backend returns ErrNativeBackendDisabled.
type Backend struct{}

// Attach returns ErrNativeBackendDisabled.
func (Backend) Attach(int) (proc.Target, error) {
	return nil, ErrNativeBackendDisabled
}

// WaitFor returns ErrNativeBackendDisabled.
func (Backend) WaitFor(context.Context, *proc.WaitFor) (proc.Target, error) {
	return nil, ErrNativeBackendDisabled
}

// FindProcess returns ErrNativeBackendDisabled.
func FindProcess(string) ([]int, error) {
	return nil, ErrNativeBackendDisabled
}
