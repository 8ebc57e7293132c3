package proc

import (
	"fmt"
	"sort"
)

// BreakpointCallback is called with the target halted every time a thread
// hits a breakpoint. Returning true halts the target and makes Continue
// return; returning false resumes it.
type BreakpointCallback func(th Thread) bool

// Breakpoint represents a single breakpoint. Stores information on the break
// point including the bytes of data that originally were stored at that
// address.
type Breakpoint struct {
	ID           int
	Addr         uint64 // zero while the breakpoint is pending
	FunctionName string
	OriginalData []byte

	// OneShot breakpoints are removed the first time they are hit, before
	// their callback runs.
	OneShot bool
	// Internal breakpoints are owned by the backend and never returned to
	// callers.
	Internal bool

	Callback BreakpointCallback
	HitCount uint64
}

func (bp *Breakpoint) String() string {
	if bp.Addr == 0 {
		return fmt.Sprintf("Breakpoint %d (pending) on %s", bp.ID, bp.FunctionName)
	}
	if bp.FunctionName != "" {
		return fmt.Sprintf("Breakpoint %d at %#x %s", bp.ID, bp.Addr, bp.FunctionName)
	}
	return fmt.Sprintf("Breakpoint %d at %#x", bp.ID, bp.Addr)
}

// Pending returns true if the breakpoint's symbol has not been resolved yet.
func (bp *Breakpoint) Pending() bool {
	return bp.Addr == 0
}

// Hit records a hit on bp by th and reports whether the target should halt.
// Breakpoints without a callback always halt.
func (bp *Breakpoint) Hit(th Thread) bool {
	bp.HitCount++
	if bp.Callback == nil {
		return true
	}
	return bp.Callback(th)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint set for it.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("breakpoint exists at %#x", bpe.Addr)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

// BreakpointMap represents an (address, breakpoint) map plus the
// breakpoints that are waiting for their symbol to be loaded.
type BreakpointMap struct {
	M       map[uint64]*Breakpoint
	pending []*Breakpoint

	breakpointIDCounter int
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() *BreakpointMap {
	return &BreakpointMap{
		M: make(map[uint64]*Breakpoint),
	}
}

// Add assigns an ID to bp and stores it, as pending if bp.Addr is zero.
func (bpmap *BreakpointMap) Add(bp *Breakpoint) error {
	if bp.Addr != 0 {
		if _, exists := bpmap.M[bp.Addr]; exists {
			return BreakpointExistsError{bp.Addr}
		}
	}
	bpmap.breakpointIDCounter++
	bp.ID = bpmap.breakpointIDCounter
	if bp.Addr == 0 {
		bpmap.pending = append(bpmap.pending, bp)
		return nil
	}
	bpmap.M[bp.Addr] = bp
	return nil
}

// Find returns the breakpoint installed at addr.
func (bpmap *BreakpointMap) Find(addr uint64) (*Breakpoint, bool) {
	bp, ok := bpmap.M[addr]
	return bp, ok
}

// Resolve moves a pending breakpoint to addr.
func (bpmap *BreakpointMap) Resolve(bp *Breakpoint, addr uint64) error {
	if _, exists := bpmap.M[addr]; exists {
		return BreakpointExistsError{addr}
	}
	bpmap.removePending(bp)
	bp.Addr = addr
	bpmap.M[addr] = bp
	return nil
}

// Remove forgets bp.
func (bpmap *BreakpointMap) Remove(bp *Breakpoint) {
	if bp.Addr == 0 {
		bpmap.removePending(bp)
		return
	}
	if cur, ok := bpmap.M[bp.Addr]; ok && cur == bp {
		delete(bpmap.M, bp.Addr)
	}
}

// Pending returns the breakpoints whose symbol is not resolved yet.
func (bpmap *BreakpointMap) Pending() []*Breakpoint {
	return bpmap.pending
}

// Sorted returns all installed breakpoints ordered by ID.
func (bpmap *BreakpointMap) Sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

func (bpmap *BreakpointMap) removePending(bp *Breakpoint) {
	for i := range bpmap.pending {
		if bpmap.pending[i] == bp {
			copy(bpmap.pending[i:], bpmap.pending[i+1:])
			bpmap.pending = bpmap.pending[:len(bpmap.pending)-1]
			return
		}
	}
}
