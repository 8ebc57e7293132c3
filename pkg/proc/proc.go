package proc

import (
	"errors"
	"fmt"
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that we detached from the target process.
type ProcessDetachedError struct{}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

var (
	// ErrWaitForTimeout is returned by Backend.WaitFor when no matching
	// process was launched within WaitFor.Duration.
	ErrWaitForTimeout = errors.New("waitfor duration expired")

	// ErrNoSuchProcess is returned by Backend.Attach when the pid does not exist.
	ErrNoSuchProcess = errors.New("no such process")
)

// IsExited returns true if err reports that the target exited.
func IsExited(err error) bool {
	var pe ErrProcessExited
	if errors.As(err, &pe) {
		return true
	}
	var ppe *ErrProcessExited
	return errors.As(err, &ppe)
}
