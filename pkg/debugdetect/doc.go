// Package debugdetect finds out whether a process is already being traced.
//
// Only one tracer can be attached to a process at any time, attaching to a
// process that is already traced fails with EPERM, which is also the error
// returned when the tracer lacks the privileges to attach. TracerPid tells
// the two cases apart.
package debugdetect
