package debugdetect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TracerPid returns the pid of the process tracing pid, zero if it is not
// traced. Pass os.Getpid() to check the current process.
func TracerPid(pid int) (int, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()
	return parseTracerPid(f, path)
}

// IsDebuggerAttached returns true if the current process is being traced.
func IsDebuggerAttached() (bool, error) {
	pid, err := TracerPid(os.Getpid())
	return pid != 0, err
}

func parseTracerPid(r io.Reader, path string) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TracerPid:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("malformed TracerPid line in %s: %s", path, line)
			}
			pid, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("failed to parse TracerPid value: %w", err)
			}
			return pid, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading %s: %w", path, err)
	}

	return 0, fmt.Errorf("TracerPid field not found in %s", path)
}
