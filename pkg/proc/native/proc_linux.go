//go:build linux && amd64

package native

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/regtap/regtap/pkg/debugdetect"
	"github.com/regtap/regtap/pkg/logflags"
	"github.com/regtap/regtap/pkg/proc"
)

// Process statuses
const (
	statusZombie = 'Z'

	// Kernel 2.6 has TraceStop as T
	statusTraceStopT = 'T'
)

// commLen is the maximum length of the command name of a process,
// TASK_COMM_LEN minus the terminating NUL.
const commLen = 15

// Backend is the ptrace backend.
type Backend struct{}

var _ proc.Backend = Backend{}

// Attach to an existing process with the given PID. The process is
// returned stopped.
func (Backend) Attach(pid int) (proc.Target, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, fmt.Errorf("could not attach to pid %d: %w", pid, proc.ErrNoSuchProcess)
	}
	if tracer, err := debugdetect.TracerPid(pid); err == nil && tracer != 0 {
		return nil, fmt.Errorf("could not attach to pid %d: already traced by process %d", pid, tracer)
	}

	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.postExit()
		if err == sys.ESRCH {
			return nil, fmt.Errorf("could not attach to pid %d: %w", pid, proc.ErrNoSuchProcess)
		}
		return nil, attachErrorMessage(pid, err)
	}
	abort := func(err error) (proc.Target, error) {
		dbp.execPtraceFunc(func() {
			for tid := range dbp.threads {
				if tid != dbp.pid {
					_ = ptraceDetach(tid, 0)
				}
			}
			_ = ptraceDetach(dbp.pid, 0)
		})
		dbp.detached = true
		dbp.postExit()
		return nil, err
	}
	if _, _, err = dbp.wait(dbp.pid, 0); err != nil {
		return abort(err)
	}
	if err := dbp.initialize(); err != nil {
		return abort(err)
	}
	logflags.NativeLogger().Debugf("attached to %d (%s), %d threads", dbp.pid, dbp.exePath, len(dbp.threads))
	return dbp, nil
}

// WaitFor waits for a new process matching wf to be launched and attaches
// to it. Processes already running when WaitFor is called never match.
func (b Backend) WaitFor(ctx context.Context, wf *proc.WaitFor) (proc.Target, error) {
	if !wf.Valid() {
		return nil, errors.New("no process name to wait for")
	}
	interval := wf.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	seen := make(map[int]struct{})
	if _, err := waitForSearchProcess("", seen); err != nil {
		return nil, err
	}

	t0 := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for wf.Duration == 0 || time.Since(t0) < wf.Duration {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		pid, err := waitForSearchProcess(wf.Name, seen)
		if err != nil {
			return nil, err
		}
		if pid != 0 {
			return b.Attach(pid)
		}
	}
	return nil, proc.ErrWaitForTimeout
}

// FindProcess returns the pids of the running processes called name.
func FindProcess(name string) ([]int, error) {
	des, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var r []int
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		pid, _ := strconv.Atoi(de.Name())
		if pid == os.Getpid() {
			continue
		}
		if processMatches(pid, name) {
			r = append(r, pid)
		}
	}
	return r, nil
}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// waitForSearchProcess returns the first process not in seen whose name is
// name. An empty name adds every running process to seen instead.
// Processes that do not match are examined again on the next call, a
// newly forked child only gets its name once it calls exec.
func waitForSearchProcess(name string, seen map[int]struct{}) (int, error) {
	log := logflags.NativeLogger()
	des, err := os.ReadDir("/proc")
	if err != nil {
		log.Errorf("error reading proc: %v", err)
		return 0, nil
	}
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		dname := de.Name()
		if !isProcDir(dname) {
			continue
		}
		pid, _ := strconv.Atoi(dname)
		if _, isseen := seen[pid]; isseen {
			continue
		}
		if name == "" {
			seen[pid] = struct{}{}
			continue
		}
		if processMatches(pid, name) {
			log.Debugf("waitfor: new process %d matches %q", pid, name)
			return pid, nil
		}
	}
	return 0, nil
}

func processMatches(pid int, name string) bool {
	comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	// exe is not readable for processes of other users, the command line is.
	exe, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	var argv0 string
	if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		if i := bytes.IndexByte(cmdline, 0); i >= 0 {
			cmdline = cmdline[:i]
		}
		argv0 = string(cmdline)
	}
	return nameMatches(name, strings.TrimSuffix(string(comm), "\n"), exe, argv0)
}

// nameMatches reports whether a process with the given command name,
// executable path and first argument is called name.
func nameMatches(name, comm, exe, argv0 string) bool {
	if name == "" {
		return false
	}
	exe = strings.TrimSuffix(exe, " (deleted)")
	if (exe != "" && filepath.Base(exe) == name) || (argv0 != "" && filepath.Base(argv0) == name) {
		return true
	}
	if len(name) > commLen {
		return comm == name[:commLen]
	}
	return comm == name
}

func (dbp *nativeProcess) initialize() error {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", dbp.pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", dbp.pid))
		if err != nil {
			return fmt.Errorf("could not read proc stat: %v", err)
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", dbp.pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("regexp compile error: %v", err)
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, dbp.pid)
		}
		comm = match[1]
	}
	dbp.comm = strings.ReplaceAll(string(comm), "%", "%%")

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", dbp.pid))
	if err != nil {
		return fmt.Errorf("could not find the executable of %d: %v", dbp.pid, err)
	}
	dbp.exePath = strings.TrimSuffix(exe, " (deleted)")

	return dbp.updateThreadList()
}

// kill kills the target process.
func (dbp *nativeProcess) kill() error {
	if dbp.exited {
		return nil
	}
	if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil {
		return errors.New("could not deliver signal " + err.Error())
	}
	return nil
}

func (dbp *nativeProcess) requestManualStop() (err error) {
	return sys.Kill(dbp.pid, sys.SIGTRAP)
}

const ptraceOptionsNormal = syscall.PTRACE_O_TRACECLONE

// Attach to a newly created thread, and store that thread in our list of
// known threads.
func (dbp *nativeProcess) addThread(tid int, attach bool) (*nativeThread, error) {
	if thread, ok := dbp.threads[tid]; ok {
		return thread, nil
	}

	var err error
	if attach {
		dbp.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			// Do not return err if err == EPERM,
			// we may already be tracing this thread due to
			// PTRACE_O_TRACECLONE. We will surely blow up later
			// if we truly don't have permissions.
			return nil, fmt.Errorf("could not attach to new thread %d %s", tid, err)
		}
		pid, status, err := dbp.waitFast(tid)
		if err != nil {
			return nil, err
		}
		if status.Exited() {
			return nil, fmt.Errorf("thread already exited %d", pid)
		}
	}

	dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptionsNormal) })
	if err == syscall.ESRCH {
		if _, _, err = dbp.waitFast(tid); err != nil {
			return nil, fmt.Errorf("error while waiting after adding thread: %d %s", tid, err)
		}
		dbp.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, ptraceOptionsNormal) })
		if err == syscall.ESRCH {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("could not set options for new traced thread %d %s", tid, err)
		}
	}

	dbp.threads[tid] = &nativeThread{
		ID:  tid,
		dbp: dbp,
		os:  new(osSpecificDetails),
	}
	return dbp.threads[tid], nil
}

func (dbp *nativeProcess) updateThreadList() error {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	for _, tidpath := range tids {
		tidstr := filepath.Base(tidpath)
		tid, err := strconv.Atoi(tidstr)
		if err != nil {
			return err
		}
		if _, err := dbp.addThread(tid, tid != dbp.pid); err != nil {
			return err
		}
	}
	return nil
}

// memthread returns the thread used to access the memory of the process.
func (dbp *nativeProcess) memthread() (*nativeThread, error) {
	if th, ok := dbp.threads[dbp.pid]; ok {
		return th, nil
	}
	for _, th := range dbp.threads {
		return th, nil
	}
	return nil, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
}

func (dbp *nativeProcess) trapWait(pid int) (*nativeThread, error) {
	return dbp.trapWaitInternal(pid, 0)
}

type trapWaitOptions uint8

const (
	trapWaitHalt trapWaitOptions = 1 << iota
	trapWaitNohang
	trapWaitDontCallExitGuard
)

func (dbp *nativeProcess) trapWaitInternal(pid int, options trapWaitOptions) (*nativeThread, error) {
	halt := options&trapWaitHalt != 0
	for {
		wopt := 0
		if options&trapWaitNohang != 0 {
			wopt = sys.WNOHANG
		}
		wpid, status, err := dbp.wait(pid, wopt)
		if err != nil {
			return nil, fmt.Errorf("wait err %s %d", err, pid)
		}
		if wpid == 0 {
			if options&trapWaitNohang != 0 {
				return nil, nil
			}
			continue
		}
		th, ok := dbp.threads[wpid]
		if ok {
			th.Status = (*waitStatus)(status)
		}
		if status == nil {
			// The thread group leader became a zombie.
			dbp.postExit()
			return nil, proc.ErrProcessExited{Pid: wpid, Status: dbp.exitStatus}
		}
		if status.Exited() {
			if wpid == dbp.pid {
				dbp.exitStatus = status.ExitStatus()
				dbp.postExit()
				return nil, proc.ErrProcessExited{Pid: wpid, Status: dbp.exitStatus}
			}
			delete(dbp.threads, wpid)
			continue
		}
		if status.Signaled() {
			// Signaled means the thread was terminated due to a signal.
			if wpid == dbp.pid {
				dbp.exitStatus = -int(status.Signal())
				dbp.postExit()
				return nil, proc.ErrProcessExited{Pid: wpid, Status: dbp.exitStatus}
			}
			delete(dbp.threads, wpid)
			continue
		}
		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			// A traced thread has cloned a new thread, grab the pid and
			// add it to our list of traced threads.
			var cloned uint
			dbp.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
			if err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					continue
				}
				return nil, fmt.Errorf("could not get event message: %s", err)
			}
			th, err = dbp.addThread(int(cloned), false)
			if err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					delete(dbp.threads, int(cloned))
					continue
				}
				return nil, err
			}
			if halt {
				th.os.running = false
				if parent, ok := dbp.threads[wpid]; ok {
					parent.os.running = false
				}
				return nil, nil
			}
			if err = th.resume(); err != nil {
				if err == sys.ESRCH {
					// thread died while we were adding it
					delete(dbp.threads, th.ID)
					continue
				}
				return nil, fmt.Errorf("could not continue new thread %d %s", cloned, err)
			}
			if parent, ok := dbp.threads[wpid]; ok {
				if err = parent.resume(); err != nil && err != sys.ESRCH {
					return nil, fmt.Errorf("could not continue existing thread %d %s", wpid, err)
				}
			}
			continue
		}
		if th == nil {
			// Sometimes we get an unknown thread, ignore it?
			continue
		}
		if (halt && status.StopSignal() == sys.SIGSTOP) || (status.StopSignal() == sys.SIGTRAP) {
			th.os.running = false
			if status.StopSignal() == sys.SIGTRAP {
				th.os.setbp = true
			}
			return th, nil
		}

		if halt && !th.os.running {
			// We are trying to stop the process, queue this signal to be delivered
			// to the thread when we resume.
			// Do not do this for threads that were running because we sent them a
			// STOP signal and we need to observe it so we don't mistakenly deliver
			// it later.
			th.os.delayedSignal = int(status.StopSignal())
			th.os.running = false
			return th, nil
		} else if err := th.resumeWithSig(int(status.StopSignal())); err != nil {
			if err != sys.ESRCH {
				return nil, err
			}
			// do the same thing we do if a thread quit
			if wpid == dbp.pid {
				dbp.postExit()
				return nil, proc.ErrProcessExited{Pid: wpid, Status: status.ExitStatus()}
			}
			delete(dbp.threads, wpid)
		}
	}
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parentheses.
	// The name of the task is the base name of the executable for this process limited to TASK_COMM_LEN characters
	// Since both parenthesis and spaces can appear inside the name of the task and no escaping happens we need to read the name of the executable first
	// See: include/linux/sched.c:315 and include/linux/sched.c:1510
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

// waitFast is like wait but does not handle process-exit correctly
func (dbp *nativeProcess) waitFast(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

func (dbp *nativeProcess) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	if (pid != dbp.pid) || (options != 0) {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever this is apparently intended
	// behaviour in the linux kernel because it's just so convenient.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	// References:
	// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
	// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WNOHANG|sys.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if status(pid, dbp.comm) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (dbp *nativeProcess) exitGuard(err error) error {
	if err != sys.ESRCH {
		return err
	}
	if status(dbp.pid, dbp.comm) == statusZombie {
		_, err := dbp.trapWaitInternal(-1, trapWaitDontCallExitGuard)
		return err
	}

	return err
}

// resume steps every thread stopped at a breakpoint past it, then resumes
// all threads.
func (dbp *nativeProcess) resume() error {
	for _, thread := range dbp.threads {
		if thread.CurrentBreakpoint != nil {
			if err := dbp.stepOverBreakpoint(thread); err != nil {
				return err
			}
			thread.CurrentBreakpoint = nil
		}
	}

	dbp.stopMu.Lock()
	dbp.running = true
	if dbp.manualStopRequested {
		_ = dbp.requestManualStop()
	}
	dbp.stopMu.Unlock()

	for _, thread := range dbp.threads {
		if err := thread.resume(); err != nil && err != sys.ESRCH {
			return err
		}
	}
	return nil
}

// stop stops all running threads and sets the current breakpoint of every
// thread that trapped.
func (dbp *nativeProcess) stop(trapthread *nativeThread) error {
	if dbp.exited {
		return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
	}

	for _, th := range dbp.threads {
		th.os.setbp = false
	}
	trapthread.os.setbp = true

	// check if any other thread simultaneously received a SIGTRAP
	for {
		th, err := dbp.trapWaitInternal(-1, trapWaitNohang)
		if err != nil {
			return dbp.exitGuard(err)
		}
		if th == nil {
			break
		}
	}

	// stop all threads that are still running
	for _, th := range dbp.threads {
		if th.os.running {
			if err := th.stop(); err != nil {
				if err == sys.ESRCH {
					// thread exited
					delete(dbp.threads, th.ID)
				} else {
					return dbp.exitGuard(err)
				}
			}
		}
	}

	// wait for all threads to stop
	for {
		allstopped := true
		for _, th := range dbp.threads {
			if th.os.running {
				allstopped = false
				break
			}
		}
		if allstopped {
			break
		}
		_, err := dbp.trapWaitInternal(-1, trapWaitHalt)
		if err != nil {
			return err
		}
	}

	dbp.stopMu.Lock()
	dbp.running = false
	dbp.stopMu.Unlock()

	// set breakpoints on SIGTRAP threads
	var err1 error
	for _, th := range dbp.threads {
		if !th.os.setbp {
			continue
		}
		if err := th.setCurrentBreakpoint(); err != nil {
			err1 = err
			continue
		}
		if th.CurrentBreakpoint == nil && !dbp.manualStopPending() {
			logflags.NativeLogger().Debugf("thread %d received SIGTRAP outside of any breakpoint", th.ID)
		}
	}
	return err1
}

func (dbp *nativeProcess) detach(kill bool) error {
	for threadID := range dbp.threads {
		err := ptraceDetach(threadID, 0)
		if err != nil {
			return err
		}
	}
	if kill {
		return nil
	}
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(dbp.pid, dbp.comm); s == statusTraceStopT {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	return nil
}

// Detach from the process being debugged, optionally killing it. Every
// breakpoint is removed first.
func (dbp *nativeProcess) Detach(kill bool) (err error) {
	if dbp.exited || dbp.detached {
		return nil
	}
	for _, bp := range dbp.breakpoints.Sorted() {
		if err := dbp.clearBreakpoint(bp); err != nil {
			logflags.NativeLogger().Warnf("could not clear %v: %v", bp, err)
		}
	}
	for _, bp := range append([]*proc.Breakpoint(nil), dbp.breakpoints.Pending()...) {
		dbp.breakpoints.Remove(bp)
	}
	if dbp.loaderBp != nil {
		if err := dbp.clearBreakpoint(dbp.loaderBp); err != nil {
			logflags.NativeLogger().Warnf("could not clear loader breakpoint: %v", err)
		}
	}
	for _, th := range dbp.threads {
		th.CurrentBreakpoint = nil
	}

	dbp.execPtraceFunc(func() {
		err = dbp.detach(kill)
		if err != nil {
			return
		}
		if kill {
			err = dbp.kill()
		}
	})
	dbp.detached = true
	dbp.postExit()
	return
}
