package native

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

const ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// CheckPtraceScope returns an error if the Yama security module keeps the
// current user from attaching to processes that are not its children.
func CheckPtraceScope() error {
	bs, err := os.ReadFile(ptraceScopePath)
	if err != nil {
		// Yama not enabled
		return nil
	}
	return ptraceScopeError(strings.TrimSpace(string(bs)), os.Geteuid())
}

// ptraceScopeError interprets the value of ptrace_scope.
// Yama documentation: https://www.kernel.org/doc/Documentation/security/Yama.txt
func ptraceScopeError(scope string, euid int) error {
	switch scope {
	case "", "0":
		return nil
	case "1", "2":
		if euid == 0 {
			return nil
		}
		return fmt.Errorf("ptrace_scope is %s: this could be caused by a kernel security setting, try writing \"0\" to %s or running as root", scope, ptraceScopePath)
	case "3":
		return fmt.Errorf("ptrace_scope is 3: attaching is disabled until reboot")
	default:
		return fmt.Errorf("unknown ptrace_scope %q", scope)
	}
}

func attachErrorMessage(pid int, err error) error {
	fallbackerr := fmt.Errorf("could not attach to pid %d: %w", pid, err)
	if serr, ok := err.(syscall.Errno); ok && serr == syscall.EPERM {
		if scopeErr := CheckPtraceScope(); scopeErr != nil {
			return fmt.Errorf("could not attach to pid %d: %w (%v)", pid, err, scopeErr)
		}
		fi, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
		if err != nil {
			return fallbackerr
		}
		if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Uid != uint32(os.Getuid()) {
			return fmt.Errorf("could not attach to pid %d: current user does not own the process: %w", pid, serr)
		}
	}
	return fallbackerr
}
