// Package proc describes the capability surface regtap consumes from a
// debugging backend.
//
// proc defines:
// * Backend, used to attach to a process by id or by waiting for its launch
// * Target, an attached and halted process: memory reads, images, breakpoints, continue
// * Thread and Registers, used to inspect the thread that hit a breakpoint
//
// Concrete implementations live in the native (ptrace) and fake (in-memory)
// subpackages.
package proc
