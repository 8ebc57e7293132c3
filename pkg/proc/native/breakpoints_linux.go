//go:build linux && amd64

package native

import (
	"fmt"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// int3
var breakpointInstruction = []byte{0xCC}

// loaderBreakpointSymbol is called by the dynamic loader every time the
// set of loaded libraries changes.
const loaderBreakpointSymbol = "_dl_debug_state"

// ReadMemory reads len(buf) bytes at addr. Bytes replaced by breakpoints
// are returned with their original value.
func (dbp *nativeProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	if ok, err := dbp.Valid(); !ok {
		return 0, err
	}
	th, err := dbp.memthread()
	if err != nil {
		return 0, err
	}
	n, err := th.readMemory(buf, addr)
	if err != nil {
		return n, err
	}
	mask := func(bp *proc.Breakpoint) {
		if bp == nil || bp.Addr < addr || bp.Addr >= addr+uint64(n) {
			return
		}
		copy(buf[bp.Addr-addr:n], bp.OriginalData)
	}
	for _, bp := range dbp.breakpoints.M {
		mask(bp)
	}
	mask(dbp.loaderBp)
	return n, nil
}

// SetBreakpoint sets a breakpoint at addr.
func (dbp *nativeProcess) SetBreakpoint(addr uint64, cb proc.BreakpointCallback) (*proc.Breakpoint, error) {
	if ok, err := dbp.Valid(); !ok {
		return nil, err
	}
	if _, ok := dbp.findBreakpoint(addr); ok {
		return nil, proc.BreakpointExistsError{Addr: addr}
	}
	bp := &proc.Breakpoint{Addr: addr, Callback: cb}
	if err := dbp.writeBreakpoint(bp); err != nil {
		return nil, err
	}
	if err := dbp.breakpoints.Add(bp); err != nil {
		_ = dbp.restoreOriginal(bp)
		return nil, err
	}
	logflags.NativeLogger().Debugf("set %v", bp)
	return bp, nil
}

// SetBreakpointByName sets a breakpoint on the function called name. If no
// mapped image defines name the breakpoint stays pending until a library
// defining it is loaded.
func (dbp *nativeProcess) SetBreakpointByName(name string, oneShot bool, cb proc.BreakpointCallback) (*proc.Breakpoint, error) {
	if ok, err := dbp.Valid(); !ok {
		return nil, err
	}
	images, err := dbp.loadedImages()
	if err != nil {
		return nil, err
	}
	bp := &proc.Breakpoint{FunctionName: name, OneShot: oneShot, Callback: cb}
	if addr, ok := lookupSymbol(images, name); ok {
		bp.Addr = addr
		if _, exists := dbp.findBreakpoint(addr); exists {
			return nil, proc.BreakpointExistsError{Addr: addr}
		}
		if err := dbp.writeBreakpoint(bp); err != nil {
			return nil, err
		}
		if err := dbp.breakpoints.Add(bp); err != nil {
			_ = dbp.restoreOriginal(bp)
			return nil, err
		}
		logflags.NativeLogger().Debugf("set %v", bp)
		return bp, nil
	}

	if err := dbp.setLoaderBreakpoint(images); err != nil {
		return nil, fmt.Errorf("could not find function %s: %v", name, err)
	}
	if err := dbp.breakpoints.Add(bp); err != nil {
		return nil, err
	}
	logflags.NativeLogger().Debugf("set %v", bp)
	return bp, nil
}

// ClearBreakpoint removes bp from the target.
func (dbp *nativeProcess) ClearBreakpoint(bp *proc.Breakpoint) error {
	if ok, err := dbp.Valid(); !ok {
		return err
	}
	if bp.Pending() {
		dbp.breakpoints.Remove(bp)
		return dbp.clearLoaderBreakpointIfUnused()
	}
	return dbp.clearBreakpoint(bp)
}

// findBreakpoint returns the breakpoint installed at addr, including the
// loader breakpoint.
func (dbp *nativeProcess) findBreakpoint(addr uint64) (*proc.Breakpoint, bool) {
	if bp, ok := dbp.breakpoints.Find(addr); ok {
		return bp, true
	}
	if dbp.loaderBp != nil && dbp.loaderBp.Addr == addr {
		return dbp.loaderBp, true
	}
	return nil, false
}

func (dbp *nativeProcess) installed(bp *proc.Breakpoint) bool {
	cur, ok := dbp.findBreakpoint(bp.Addr)
	return ok && cur == bp
}

// writeBreakpoint saves the original bytes at bp.Addr and replaces them
// with an int3.
func (dbp *nativeProcess) writeBreakpoint(bp *proc.Breakpoint) error {
	th, err := dbp.memthread()
	if err != nil {
		return err
	}
	orig := make([]byte, len(breakpointInstruction))
	if n, err := th.readMemory(orig, bp.Addr); err != nil || n != len(orig) {
		return proc.InvalidAddressError{Address: bp.Addr}
	}
	if _, err := th.writeMemory(bp.Addr, breakpointInstruction); err != nil {
		return fmt.Errorf("could not write breakpoint at %#x: %v", bp.Addr, err)
	}
	bp.OriginalData = orig
	return nil
}

func (dbp *nativeProcess) restoreOriginal(bp *proc.Breakpoint) error {
	th, err := dbp.memthread()
	if err != nil {
		return err
	}
	_, err = th.writeMemory(bp.Addr, bp.OriginalData)
	return err
}

// clearBreakpoint restores the original instruction at bp.Addr and forgets
// bp.
func (dbp *nativeProcess) clearBreakpoint(bp *proc.Breakpoint) error {
	if !dbp.installed(bp) {
		return nil
	}
	if !dbp.exited {
		if err := dbp.restoreOriginal(bp); err != nil {
			return fmt.Errorf("could not clear breakpoint at %#x: %v", bp.Addr, err)
		}
	}
	if bp == dbp.loaderBp {
		dbp.loaderBp = nil
	} else {
		dbp.breakpoints.Remove(bp)
	}
	logflags.NativeLogger().Debugf("cleared %v", bp)
	return nil
}

// stepOverBreakpoint executes the instruction replaced by the breakpoint th
// is stopped at, then puts the breakpoint back.
func (dbp *nativeProcess) stepOverBreakpoint(th *nativeThread) error {
	bp := th.CurrentBreakpoint
	if !dbp.installed(bp) {
		return nil
	}
	if err := dbp.restoreOriginal(bp); err != nil {
		return err
	}
	if err := th.singleStep(); err != nil {
		return err
	}
	if _, err := th.writeMemory(bp.Addr, breakpointInstruction); err != nil {
		return fmt.Errorf("could not reinsert breakpoint at %#x: %v", bp.Addr, err)
	}
	return nil
}

// setLoaderBreakpoint installs the loader breakpoint, used to resolve
// pending breakpoints when libraries are loaded.
func (dbp *nativeProcess) setLoaderBreakpoint(images []*loadedImage) error {
	if dbp.loaderBp != nil {
		return nil
	}
	ld := interpreterImage(images)
	if ld == nil {
		return fmt.Errorf("no dynamic loader mapped in process %d", dbp.pid)
	}
	addr, ok := ld.symbol(loaderBreakpointSymbol)
	if !ok {
		return fmt.Errorf("%s not found in %s", loaderBreakpointSymbol, ld.path)
	}
	bp := &proc.Breakpoint{
		Addr:         addr,
		FunctionName: loaderBreakpointSymbol,
		Internal:     true,
		Callback:     dbp.loaderCallback,
	}
	if err := dbp.writeBreakpoint(bp); err != nil {
		return err
	}
	dbp.loaderBp = bp
	logflags.NativeLogger().Debugf("set loader breakpoint at %#x in %s", addr, ld.path)
	return nil
}

func (dbp *nativeProcess) clearLoaderBreakpointIfUnused() error {
	if dbp.loaderBp == nil || len(dbp.breakpoints.Pending()) > 0 {
		return nil
	}
	return dbp.clearBreakpoint(dbp.loaderBp)
}

func (dbp *nativeProcess) loaderCallback(proc.Thread) bool {
	if err := dbp.resolvePending(); err != nil {
		logflags.NativeLogger().Warnf("could not resolve pending breakpoints: %v", err)
	}
	return false
}

// resolvePending installs every pending breakpoint whose function is now
// defined by a mapped image.
func (dbp *nativeProcess) resolvePending() error {
	if len(dbp.breakpoints.Pending()) == 0 {
		return dbp.clearLoaderBreakpointIfUnused()
	}
	images, err := dbp.loadedImages()
	if err != nil {
		return err
	}
	log := logflags.NativeLogger()
	for _, bp := range append([]*proc.Breakpoint(nil), dbp.breakpoints.Pending()...) {
		addr, ok := lookupSymbol(images, bp.FunctionName)
		if !ok {
			continue
		}
		if _, exists := dbp.findBreakpoint(addr); exists {
			log.Warnf("%s resolved to %#x, which already has a breakpoint", bp.FunctionName, addr)
			continue
		}
		resolved := *bp
		resolved.Addr = addr
		if err := dbp.writeBreakpoint(&resolved); err != nil {
			return err
		}
		bp.OriginalData = resolved.OriginalData
		if err := dbp.breakpoints.Resolve(bp, addr); err != nil {
			return err
		}
		log.Debugf("resolved %v", bp)
	}
	return dbp.clearLoaderBreakpointIfUnused()
}
