//go:build linux && amd64

// Package native implements proc.Backend on top of ptrace(2), for
// linux/amd64.
//
// Every ptrace call is made from a single goroutine locked to its OS
// thread, since the kernel only accepts requests from the thread that
// attached. The target is stopped as a whole (all-stop): when a thread
// traps every other thread is stopped before breakpoint callbacks run.
package native

import (
	"runtime"
	"sort"
	"sync"

	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// nativeProcess represents all of the information the backend is holding
// onto regarding the attached process.
type nativeProcess struct {
	pid     int
	exePath string
	comm    string

	// List of threads mapped as such: pid -> *nativeThread
	threads map[int]*nativeThread

	breakpoints *proc.BreakpointMap
	// loaderBp is the internal breakpoint on the dynamic loader's
	// notification function, used to resolve pending breakpoints.
	loaderBp *proc.Breakpoint
	images   *imageCache

	stopMu              sync.Mutex
	running             bool
	manualStopRequested bool

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited, detached bool
	exitStatus       int
}

// newProcess returns an initialized nativeProcess struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *nativeProcess {
	dbp := &nativeProcess{
		pid:            pid,
		threads:        make(map[int]*nativeThread),
		breakpoints:    proc.NewBreakpointMap(),
		images:         newImageCache(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

func (dbp *nativeProcess) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *nativeProcess) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *nativeProcess) postExit() {
	dbp.stopMu.Lock()
	if dbp.exited {
		dbp.stopMu.Unlock()
		return
	}
	dbp.exited = true
	dbp.running = false
	dbp.stopMu.Unlock()
	close(dbp.ptraceChan)
	close(dbp.ptraceDoneChan)
}

// Pid returns the process ID.
func (dbp *nativeProcess) Pid() int {
	return dbp.pid
}

// Valid returns whether the process is still attached to and
// has not exited.
func (dbp *nativeProcess) Valid() (bool, error) {
	if dbp.detached {
		return false, proc.ProcessDetachedError{}
	}
	if dbp.exited {
		return false, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
	}
	return true, nil
}

// ExecutablePath returns the path of the executable of the process.
func (dbp *nativeProcess) ExecutablePath() string {
	return dbp.exePath
}

// Breakpoints returns the breakpoints installed by callers.
func (dbp *nativeProcess) Breakpoints() *proc.BreakpointMap {
	return dbp.breakpoints
}

// RequestManualStop sets the `halt` flag and, if the target is running,
// sends it a SIGTRAP.
func (dbp *nativeProcess) RequestManualStop() error {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
	}
	dbp.manualStopRequested = true
	if !dbp.running {
		return nil
	}
	return dbp.requestManualStop()
}

// CheckAndClearManualStopRequest checks if a manual stop has
// been requested, and then clears that state.
func (dbp *nativeProcess) CheckAndClearManualStopRequest() bool {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()

	msr := dbp.manualStopRequested
	dbp.manualStopRequested = false

	return msr
}

func (dbp *nativeProcess) manualStopPending() bool {
	dbp.stopMu.Lock()
	defer dbp.stopMu.Unlock()
	return dbp.manualStopRequested
}

// Continue resumes the process until a breakpoint asks to halt, a manual
// stop is requested or the process exits.
func (dbp *nativeProcess) Continue() (proc.Thread, error) {
	if ok, err := dbp.Valid(); !ok {
		return nil, err
	}
	for {
		if dbp.manualStopPending() {
			return nil, nil
		}
		if err := dbp.resume(); err != nil {
			return nil, dbp.exitGuard(err)
		}
		trapthread, err := dbp.trapWait(-1)
		if err != nil {
			return nil, err
		}
		if err := dbp.stop(trapthread); err != nil {
			return nil, err
		}
		th, err := dbp.handleHits(trapthread)
		if err != nil {
			return nil, err
		}
		if th != nil {
			return th, nil
		}
	}
}

// handleHits runs the callbacks of every breakpoint hit during the last
// stop, starting with the thread that trapped first, and returns the first
// thread whose breakpoint asked to halt.
func (dbp *nativeProcess) handleHits(trapthread *nativeThread) (*nativeThread, error) {
	log := logflags.NativeLogger()
	hit := make([]*nativeThread, 0, len(dbp.threads))
	for _, th := range dbp.threads {
		if th.CurrentBreakpoint != nil {
			hit = append(hit, th)
		}
	}
	sort.Slice(hit, func(i, j int) bool {
		if hit[i] == trapthread || hit[j] == trapthread {
			return hit[i] == trapthread
		}
		return hit[i].ID < hit[j].ID
	})

	var halted *nativeThread
	for _, th := range hit {
		bp := th.CurrentBreakpoint
		if bp.OneShot {
			if err := dbp.clearBreakpoint(bp); err != nil {
				return nil, err
			}
		}
		log.Debugf("thread %d hit %v", th.ID, bp)
		if bp.Hit(th) && !bp.Internal && halted == nil {
			halted = th
		}
	}
	return halted, nil
}
