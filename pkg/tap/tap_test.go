package tap_test

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/regtap/regtap/pkg/proc"
	"github.com/regtap/regtap/pkg/proc/fake"
	"github.com/regtap/regtap/pkg/tap"
)

const (
	textBase = 0x401000
	gateAddr = 0x7f3a00001230
	exePath  = "/opt/game/game"
)

type collector []uint32

func (c *collector) Report(v uint32) { *c = append(*c, v) }

// newProcess returns a target whose .text section is code, with
// DefaultSignature at sigOff if sigOff >= 0.
func newProcess(codeSize, sigOff int) *fake.Process {
	code := make([]byte, codeSize)
	for i := range code {
		code[i] = 0x90
	}
	if sigOff >= 0 {
		copy(code[sigOff:], tap.DefaultSignature)
	}
	return &fake.Process{
		PID:  1234,
		Name: "game",
		Exe:  exePath,
		ImageList: []*proc.Image{
			{Path: exePath, Sections: []proc.Section{{Name: ".text", Addr: textBase, Size: uint64(codeSize), Executable: true}}},
			{Path: "/usr/lib/libgfx.so", StaticBase: 0x7f3a00000000},
		},
		Memory:  []fake.Segment{{Addr: textBase, Data: code}},
		Symbols: map[string]uint64{tap.DefaultGateSymbol: gateAddr},
	}
}

func hitStep(addr uint64, ebx uint64) fake.Step {
	return fake.Step{Addr: addr, Regs: proc.AMD64PtraceRegs{Rbx: ebx, Rip: addr}}
}

func TestFindSignature(t *testing.T) {
	sig := tap.Signature{0xde, 0xad, 0xbe, 0xef}
	tests := []struct {
		code []byte
		off  int
		ok   bool
	}{
		{[]byte{0xde, 0xad, 0xbe, 0xef}, 0, true},
		{[]byte{0x00, 0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef}, 1, true},
		{[]byte{0xde, 0xad, 0xde, 0xad, 0xbe, 0xef}, 2, true},
		{[]byte{0xde, 0xad, 0xbe}, 0, false},
		{[]byte{0xde, 0xad, 0xbe, 0xee, 0x00}, 0, false},
		{nil, 0, false},
	}
	for _, tc := range tests {
		off, ok := tap.FindSignature(tc.code, sig)
		if ok != tc.ok {
			t.Fatalf("FindSignature(% x): found %v, expected %v", tc.code, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if off != tc.off {
			t.Fatalf("FindSignature(% x) = %d, expected %d", tc.code, off, tc.off)
		}
		if !bytes.Equal(tc.code[off:off+len(sig)], sig) {
			t.Fatalf("FindSignature(% x) = %d, which does not match", tc.code, off)
		}
	}
}

func TestCountSignature(t *testing.T) {
	code := []byte{0xaa, 0xaa, 0xaa, 0x00, 0xaa, 0xaa}
	if n := tap.CountSignature(code, tap.Signature{0xaa, 0xaa}); n != 3 {
		t.Fatalf("expected 3 matches, got %d", n)
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in  string
		out tap.Signature
		err bool
	}{
		{"89 9C 88 DC 00 00 00", tap.DefaultSignature, false},
		{"899c88dc000000", tap.DefaultSignature, false},
		{"0x89,0x9c,0x88,0xdc,0x0,0x0,0x0", tap.DefaultSignature, false},
		{`\x89\x9c\x88\xdc\x00\x00\x00`, tap.DefaultSignature, false},
		{"89:9c:88:dc:00:00:00", tap.DefaultSignature, false},
		{"8 9", tap.Signature{0x08, 0x09}, false},
		{"", nil, true},
		{"zz", nil, true},
		{"899", nil, true},
	}
	for _, tc := range tests {
		sig, err := tap.ParseSignature(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("ParseSignature(%q): expected error, got %v", tc.in, sig)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSignature(%q): %v", tc.in, err)
		}
		if !bytes.Equal(sig, tc.out) {
			t.Fatalf("ParseSignature(%q) = %v, expected %v", tc.in, sig, tc.out)
		}
	}
	if s := tap.DefaultSignature.String(); s != "89 9c 88 dc 00 00 00" {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestLocate(t *testing.T) {
	p := newProcess(1<<20, 4096)
	// A later copy must not change the result.
	copy(p.Memory[0].Data[8192:], tap.DefaultSignature)

	tgt, err := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := tap.Locate(tgt, ".text", tap.DefaultSignature)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if addr != textBase+4096 {
		t.Fatalf("expected %#x, got %#x", textBase+4096, addr)
	}

	addr, err = tap.Locate(tgt, "__text", tap.DefaultSignature)
	if err != nil || addr != textBase+4096 {
		t.Fatalf("alias section: %#x %v", addr, err)
	}

	// A match ending on the last byte of the section.
	last := len(tap.DefaultSignature)
	p = newProcess(64, 64-last)
	tgt, _ = (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)
	addr, err = tap.Locate(tgt, ".text", tap.DefaultSignature)
	if err != nil || addr != uint64(textBase+64-last) {
		t.Fatalf("match at the end of the section: %#x %v", addr, err)
	}
}

func TestLocateErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(p *fake.Process)
		sec    string
		expect tap.LocateErrorKind
	}{
		{"no image", func(p *fake.Process) { p.ImageList = p.ImageList[1:] }, ".text", tap.ModuleNotFound},
		{"no section", func(p *fake.Process) {}, ".init", tap.SectionNotFound},
		{"refused read", func(p *fake.Process) { p.ReadErr = errors.New("EIO") }, ".text", tap.MemoryReadFailed},
		{"short read", func(p *fake.Process) { p.Memory[0].Data = p.Memory[0].Data[:100] }, ".text", tap.MemoryReadFailed},
		{"absent signature", func(p *fake.Process) { p.Memory[0].Data[0] = 0 }, ".text", tap.SignatureNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newProcess(4096, 0)
			tc.setup(p)
			tgt, err := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)
			if err != nil {
				t.Fatal(err)
			}
			addr, err := tap.Locate(tgt, tc.sec, tap.DefaultSignature)
			if !errors.Is(err, tc.expect) {
				t.Fatalf("expected %v, got %#x %v", tc.expect, addr, err)
			}
			var lerr *tap.LocateError
			if !errors.As(err, &lerr) || lerr.Kind != tc.expect {
				t.Fatalf("expected a *LocateError, got %T", err)
			}
		})
	}
}

func TestLocateInFile(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		t.Fatal(err)
	}
	text := f.Section(".text")
	code, err := text.Data()
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	const off = 256
	sig := tap.Signature(code[off : off+16])

	matches, err := tap.LocateInFile(exe, "", sig)
	if err != nil {
		t.Fatalf("LocateInFile: %v", err)
	}
	m := matches[0]
	if m.Offset > off || m.Addr != text.Addr+m.Offset {
		t.Fatalf("unexpected first match %#v", m)
	}
	if !bytes.Equal(code[m.Offset:m.Offset+16], sig) {
		t.Fatalf("match at %#x does not match", m.Addr)
	}

	if _, err := tap.LocateInFile(exe, ".nosuchsection", sig); !errors.Is(err, tap.SectionNotFound) {
		t.Fatalf("expected SectionNotFound, got %v", err)
	}
	if _, err := tap.LocateInFile("/nonexistent", "", sig); !errors.Is(err, tap.ModuleNotFound) {
		t.Fatalf("expected ModuleNotFound, got %v", err)
	}
}

func TestDescribeInstruction(t *testing.T) {
	s := tap.DescribeInstruction(tap.DefaultSignature)
	if !strings.HasPrefix(strings.ToLower(s), "mov dword ptr [rax+rcx*4+0xdc], ebx") {
		t.Fatalf("unexpected disassembly %q", s)
	}
	if s := tap.DescribeInstruction(nil); !strings.Contains(s, "undecodable") {
		t.Fatalf("unexpected disassembly of nothing %q", s)
	}
}

func TestAcquireExistingMissing(t *testing.T) {
	_, err := tap.Acquire(context.Background(), &fake.Backend{}, tap.AttachExisting(1234), tap.GateConfig{})
	if !errors.Is(err, tap.AttachFailed) {
		t.Fatalf("expected AttachFailed, got %v", err)
	}
	if !errors.Is(err, proc.ErrNoSuchProcess) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestAcquireInvalidMode(t *testing.T) {
	for _, mode := range []tap.AcquisitionMode{{}, tap.AttachExisting(-1), tap.AttachOnLaunch("")} {
		if _, err := tap.Acquire(context.Background(), &fake.Backend{}, mode, tap.GateConfig{}); !errors.Is(err, tap.AttachFailed) {
			t.Fatalf("%v: expected AttachFailed, got %v", mode, err)
		}
	}
}

func TestAcquireExisting(t *testing.T) {
	p := newProcess(64, 0)
	tgt, err := tap.Acquire(context.Background(), &fake.Backend{Running: []*fake.Process{p}}, tap.AttachExisting(1234), tap.GateConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Pid() != 1234 {
		t.Fatalf("wrong target %d", tgt.Pid())
	}
	// No gating when attaching to a running process.
	if log := p.Log(); len(log) != 1 || log[0] != "attach 1234" {
		t.Fatalf("unexpected events %q", log)
	}
}

func TestAcquireOnLaunchGate(t *testing.T) {
	p := newProcess(64, 0)
	p.Script = []fake.Step{
		hitStep(textBase+0x20, 0),
		hitStep(gateAddr, 0),
		hitStep(textBase, 1),
	}
	b := &fake.Backend{Launches: []*fake.Process{p}}
	tgt, err := tap.Acquire(context.Background(), b, tap.AttachOnLaunch("game"), tap.GateConfig{})
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{
		"attach 1234",
		fmt.Sprintf("setbp %s %#x", tap.DefaultGateSymbol, gateAddr),
		"continue",
		fmt.Sprintf("hit %#x", gateAddr),
	}
	if log := p.Log(); strings.Join(log, "|") != strings.Join(expected, "|") {
		t.Fatalf("unexpected events:\n%q\nexpected:\n%q", log, expected)
	}
	if _, ok := tgt.Breakpoints().Find(gateAddr); ok {
		t.Fatal("gating breakpoint still installed")
	}
	if p.Detached() {
		t.Fatal("target detached")
	}
}

func TestAcquireOnLaunchPendingGate(t *testing.T) {
	p := newProcess(64, 0)
	p.Symbols = nil
	p.Script = []fake.Step{
		hitStep(textBase+0x20, 0),
		{Addr: textBase + 0x24, Load: map[string]uint64{"XOpenDisplay": gateAddr}},
		hitStep(gateAddr, 0),
	}
	b := &fake.Backend{Launches: []*fake.Process{p}}
	_, err := tap.Acquire(context.Background(), b, tap.AttachOnLaunch("game"), tap.GateConfig{Symbol: "XOpenDisplay"})
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{
		"attach 1234",
		"setbp XOpenDisplay pending",
		"continue",
		fmt.Sprintf("resolve XOpenDisplay %#x", gateAddr),
		fmt.Sprintf("hit %#x", gateAddr),
	}
	if log := p.Log(); strings.Join(log, "|") != strings.Join(expected, "|") {
		t.Fatalf("unexpected events:\n%q\nexpected:\n%q", log, expected)
	}
}

func TestAcquireDefaultGateUnavailable(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("the default gate exists on macOS")
	}
	p := newProcess(64, 0)
	p.Symbols = nil
	p.Script = []fake.Step{hitStep(textBase, 0)}
	b := &fake.Backend{Launches: []*fake.Process{p}}
	_, err := tap.Acquire(context.Background(), b, tap.AttachOnLaunch("game"), tap.GateConfig{})
	if !errors.Is(err, tap.AttachFailed) || !strings.Contains(err.Error(), "--gate") {
		t.Fatalf("expected AttachFailed with a hint, got %v", err)
	}
	for _, ev := range p.Log() {
		if ev == "continue" {
			t.Fatalf("target resumed with an unreachable gate: %q", p.Log())
		}
	}
	if !p.Detached() || len(p.Breakpoints().Pending()) != 0 {
		t.Fatal("gating breakpoint left behind")
	}
}

func TestAcquireGateNotReached(t *testing.T) {
	p := newProcess(64, 0)
	p.Script = []fake.Step{hitStep(textBase, 0)}
	b := &fake.Backend{Launches: []*fake.Process{p}}
	_, err := tap.Acquire(context.Background(), b, tap.AttachOnLaunch("game"), tap.GateConfig{})
	if !errors.Is(err, tap.ResumeFailed) {
		t.Fatalf("expected ResumeFailed, got %v", err)
	}
	if !proc.IsExited(err) {
		t.Fatalf("exit status lost: %v", err)
	}
	if !p.Detached() {
		t.Fatal("target not detached after failure")
	}
}

func TestAcquireWaitTimeout(t *testing.T) {
	_, err := tap.Acquire(context.Background(), &fake.Backend{}, tap.AttachOnLaunch("game"), tap.GateConfig{})
	if !errors.Is(err, tap.AttachFailed) || !errors.Is(err, proc.ErrWaitForTimeout) {
		t.Fatalf("expected AttachFailed wrapping the timeout, got %v", err)
	}
}

func TestRunHits(t *testing.T) {
	p := newProcess(64, 8)
	bpAddr := uint64(textBase + 8)
	p.Script = []fake.Step{
		hitStep(textBase, 99),
		hitStep(bpAddr, 5),
		hitStep(textBase+16, 99),
		hitStep(bpAddr, 12),
		hitStep(bpAddr, 0x1_0000_000c),
	}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	var got collector
	err := tap.Run(context.Background(), tgt, tap.BreakpointSpec{Addr: bpAddr, Register: "EBX"}, func(ev tap.HitEvent) {
		got.Report(ev.Value)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The last value is truncated to 32 bits.
	if fmt.Sprint(got) != "[5 12 12]" {
		t.Fatalf("unexpected values %v", got)
	}
	// Every hit resumed the target: a single continue drove the whole run.
	n := 0
	for _, ev := range p.Log() {
		if ev == "continue" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected 1 continue, got %d: %q", n, p.Log())
	}
}

func TestRunExitMidResume(t *testing.T) {
	p := newProcess(64, 0)
	p.ExitStatus = 3
	p.Script = []fake.Step{hitStep(textBase, 7)}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	var got collector
	err := tap.Run(context.Background(), tgt, tap.BreakpointSpec{Addr: textBase, Register: "ebx"}, func(ev tap.HitEvent) {
		got.Report(ev.Value)
	})
	if err != nil {
		t.Fatalf("exit must end the loop without error, got %v", err)
	}
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("unexpected values %v", got)
	}
	if log := p.Log(); log[len(log)-1] != "exit 3" {
		t.Fatalf("target resumed after exit: %q", log)
	}
}

func TestRunRegistersError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		exited bool
	}{
		{"io error", errors.New("input/output error"), false},
		{"exited", proc.ErrProcessExited{Pid: 1234}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newProcess(64, 0)
			p.Script = []fake.Step{
				hitStep(textBase, 7),
				{Addr: textBase, RegsErr: tc.err},
				hitStep(textBase, 8),
			}
			tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

			var got collector
			err := tap.Run(context.Background(), tgt, tap.BreakpointSpec{Addr: textBase, Register: "ebx"}, func(ev tap.HitEvent) {
				got.Report(ev.Value)
			})
			if tc.exited {
				if err != nil {
					t.Fatalf("exit must end the loop without error, got %v", err)
				}
			} else if err == nil || !errors.Is(err, tc.err) || proc.IsExited(err) {
				t.Fatalf("register read failure reported as %v", err)
			}
			if fmt.Sprint(got) != "[7]" {
				t.Fatalf("unexpected values %v", got)
			}
		})
	}
}

func TestRunRegisterNotFound(t *testing.T) {
	p := newProcess(64, 0)
	p.Script = []fake.Step{hitStep(textBase, 7)}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	err := tap.Run(context.Background(), tgt, tap.BreakpointSpec{Addr: textBase, Register: "ebz"}, nil)
	if !errors.Is(err, tap.RegisterNotFound) {
		t.Fatalf("expected RegisterNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "ebx") {
		t.Fatalf("no suggestion in %q", err)
	}
}

func TestRunInstallFailed(t *testing.T) {
	p := newProcess(64, 0)
	p.BadAddrs = map[uint64]bool{textBase: true}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	c := tap.NewController(tap.BreakpointSpec{Addr: textBase, Register: "ebx"}, nil)
	err := c.Run(context.Background(), tgt)
	var terr *tap.TrapError
	if !errors.As(err, &terr) || terr.Kind != tap.InstallFailed || terr.Addr != textBase {
		t.Fatalf("expected InstallFailed, got %v", err)
	}
	if c.State() != tap.Done {
		t.Fatalf("unexpected state %v", c.State())
	}
}

func TestRunCancelled(t *testing.T) {
	p := newProcess(64, 0)
	for i := 1; i <= 4; i++ {
		p.Script = append(p.Script, hitStep(textBase, uint64(i)))
	}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got collector
	err := tap.Run(ctx, tgt, tap.BreakpointSpec{Addr: textBase, Register: "ebx"}, func(ev tap.HitEvent) {
		got.Report(ev.Value)
		if len(got) == 2 {
			cancel()
		}
	})
	if err != tap.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if fmt.Sprint(got) != "[1 2]" {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestControllerTransitions(t *testing.T) {
	p := newProcess(64, 0)
	p.Script = []fake.Step{hitStep(textBase, 1)}
	tgt, _ := (&fake.Backend{Running: []*fake.Process{p}}).Attach(p.PID)

	var states []string
	c := tap.NewController(tap.BreakpointSpec{Addr: textBase, Register: "ebx"}, nil)
	c.OnTransition = func(from, to tap.State) { states = append(states, to.String()) }
	if err := c.Run(context.Background(), tgt); err != nil {
		t.Fatal(err)
	}
	expected := "InstallBreakpoint Armed ExtractRegister InvokeCallback Resume Armed Done"
	if s := strings.Join(states, " "); s != expected {
		t.Fatalf("unexpected transitions %q", s)
	}
	if c.Hits() != 1 {
		t.Fatalf("expected 1 hit, got %d", c.Hits())
	}
	if err := c.Run(context.Background(), tgt); err == nil {
		t.Fatal("controller reused")
	}
}

func TestValidRegister(t *testing.T) {
	for _, name := range []string{"ebx", "RAX", "r15d", "al"} {
		if err := tap.ValidRegister(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	err := tap.ValidRegister("r16d")
	if err == nil || !strings.Contains(err.Error(), "r1") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSession(t *testing.T) {
	p := newProcess(4096, 100)
	bpAddr := uint64(textBase + 100)
	p.Script = []fake.Step{
		hitStep(bpAddr, 1), // before the gate, must not be reported
		hitStep(gateAddr, 0),
		hitStep(bpAddr, 5),
		hitStep(bpAddr, 12),
		hitStep(bpAddr, 12),
	}
	var got collector
	s := &tap.Session{
		Backend:  &fake.Backend{Launches: []*fake.Process{p}},
		Mode:     tap.AttachOnLaunch("game"),
		Reporter: &got,
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fmt.Sprint(got) != "[5 12 12]" {
		t.Fatalf("unexpected values %v", got)
	}
	if !p.Detached() {
		t.Fatal("target not detached")
	}

	// No code breakpoint before the gate fired.
	gateHit := -1
	for i, ev := range p.Log() {
		if ev == fmt.Sprintf("hit %#x", gateAddr) {
			gateHit = i
		}
		if ev == fmt.Sprintf("setbp %#x", bpAddr) && gateHit < 0 {
			t.Fatalf("breakpoint installed before the gate: %q", p.Log())
		}
	}
	if gateHit < 0 {
		t.Fatalf("gate never hit: %q", p.Log())
	}
}

func TestSessionErrors(t *testing.T) {
	p := newProcess(4096, -1)
	s := &tap.Session{
		Backend:  &fake.Backend{Running: []*fake.Process{p}},
		Mode:     tap.AttachExisting(p.PID),
		Reporter: new(collector),
	}
	err := s.Run(context.Background())
	if !errors.Is(err, tap.SignatureNotFound) || !strings.HasPrefix(err.Error(), "locate: ") {
		t.Fatalf("unexpected error %v", err)
	}
	if !p.Detached() {
		t.Fatal("target not detached after failure")
	}
	for _, ev := range p.Log() {
		if strings.HasPrefix(ev, "setbp") {
			t.Fatalf("breakpoint installed without a signature match: %q", p.Log())
		}
	}

	s.Mode = tap.AttachExisting(4321)
	if err := s.Run(context.Background()); !errors.Is(err, tap.AttachFailed) || !strings.HasPrefix(err.Error(), "acquire: ") {
		t.Fatalf("unexpected error %v", err)
	}
}
