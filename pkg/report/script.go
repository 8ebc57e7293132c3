package report

import (
	"fmt"
	"io"
	"sync"

	"go.starlark.net/starlark"

	"github.com/regtap/regtap/pkg/logflags"
)

// ScriptHook is the function a script must define. It is called with the
// value of every hit; a string return value is written as a line, None
// writes nothing.
const ScriptHook = "on_hit"

// ScriptMaxSteps bounds the work of a single call to the hook, so that a
// slow script cannot stall the target.
const ScriptMaxSteps = 1 << 20

// Script formats values with a starlark script.
type Script struct {
	mu   sync.Mutex
	out  *LineReporter
	path string
	fn   *starlark.Function
	errs int
}

// NewScript loads the script at path. If src is not nil it is used as the
// source of the script instead of reading path. The global variable label
// is predeclared with the value of label.
func NewScript(path string, src interface{}, out io.Writer, label string) (*Script, error) {
	s := &Script{out: NewLineReporter(out, label), path: path}
	predeclared := starlark.StringDict{
		"label": starlark.String(s.out.label),
	}
	globals, err := starlark.ExecFile(s.newThread(), path, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", path, err)
	}
	fnval, ok := globals[ScriptHook]
	if !ok {
		return nil, fmt.Errorf("%s does not define %s", path, ScriptHook)
	}
	fn, ok := fnval.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", ScriptHook)
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("wrong number of arguments for %s", ScriptHook)
	}
	s.fn = fn
	return s, nil
}

// newThread returns a thread with a fresh step budget. Steps accumulate
// over the lifetime of a thread.
func (s *Script) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name:  s.path,
		Print: func(_ *starlark.Thread, msg string) { s.out.WriteLine(msg) },
	}
	thread.SetMaxExecutionSteps(ScriptMaxSteps)
	return thread
}

// Report implements Reporter.
func (s *Script) Report(value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := starlark.Call(s.newThread(), s.fn, starlark.Tuple{starlark.MakeUint(uint(value))}, nil)
	if err != nil {
		s.errs++
		if s.errs == 1 {
			logflags.ReportLogger().Errorf("%s(%d): %v", ScriptHook, value, err)
		}
		return
	}
	switch res := res.(type) {
	case starlark.NoneType:
	case starlark.String:
		s.out.WriteLine(string(res))
	default:
		s.out.WriteLine(res.String())
	}
}

// Errors returns the number of failed calls to the hook.
func (s *Script) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}
