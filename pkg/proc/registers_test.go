package proc_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/regtap/regtap/pkg/proc"
)

func TestFindRegister(t *testing.T) {
	regs := &proc.AMD64Registers{Regs: proc.AMD64PtraceRegs{
		Rbx:    0xdeadbeef0000002a,
		Rip:    0x401000,
		Rsp:    0x7ffc0000,
		Eflags: 0x246,
		Fs:     0x33,
	}}
	if regs.PC() != 0x401000 || regs.SP() != 0x7ffc0000 {
		t.Fatalf("wrong PC/SP")
	}

	tests := []struct {
		group, name string
		size        int
		value       uint64
		ok          bool
	}{
		{proc.GeneralPurposeRegisters, "rbx", 8, 0xdeadbeef0000002a, true},
		{proc.GeneralPurposeRegisters, "ebx", 4, 0x2a, true},
		{proc.GeneralPurposeRegisters, "EBX", 4, 0x2a, true},
		{proc.GeneralPurposeRegisters, "bx", 2, 0x2a, true},
		{proc.GeneralPurposeRegisters, "bl", 1, 0x2a, true},
		{proc.GeneralPurposeRegisters, "rip", 8, 0x401000, true},
		{proc.GeneralPurposeRegisters, "eflags", 4, 0x246, true},
		{proc.GeneralPurposeRegisters, "fs", 0, 0, false},
		{"Segment Registers", "fs", 8, 0x33, true},
		{proc.GeneralPurposeRegisters, "xmm0", 0, 0, false},
	}
	for _, tc := range tests {
		r, ok := proc.FindRegister(regs, tc.group, tc.name)
		if ok != tc.ok {
			t.Fatalf("%s/%s: found %v", tc.group, tc.name, ok)
		}
		if ok && (r.Size != tc.size || r.Value != tc.value) {
			t.Fatalf("%s/%s: got %v", tc.group, tc.name, r)
		}
	}

	r, _ := proc.FindRegister(regs, proc.GeneralPurposeRegisters, "ebx")
	if s := r.String(); s != "ebx = 0x0000002a" {
		t.Fatalf("unexpected formatting %q", s)
	}
}

func TestRegisterString(t *testing.T) {
	tests := []struct {
		reg proc.Register
		out string
	}{
		{proc.Register{Name: "rbx", Size: 8, Value: 0x2a}, "rbx = 0x000000000000002a"},
		{proc.Register{Name: "ebx", Size: 4, Value: 0xdeadbeef}, "ebx = 0xdeadbeef"},
		{proc.Register{Name: "bx", Size: 2, Value: 0x2a}, "bx = 0x002a"},
		{proc.Register{Name: "bl", Size: 1, Value: 0}, "bl = 0x00"},
	}
	for _, tc := range tests {
		if s := tc.reg.String(); s != tc.out {
			t.Fatalf("expected %q, got %q", tc.out, s)
		}
	}
}

func TestSuggestRegisters(t *testing.T) {
	names := proc.AMD64GeneralPurposeNames()
	if len(names) != 16*4+3 {
		t.Fatalf("unexpected number of general purpose registers %d", len(names))
	}
	tests := []struct {
		name string
		out  string
	}{
		{"ebz", "ebp ebx"},
		{"r8x", "r8 r8d r8l r8w"},
		{"EF", "eflags"},
		{"q", ""},
	}
	for _, tc := range tests {
		if s := strings.Join(proc.SuggestRegisters(names, tc.name), " "); s != tc.out {
			t.Fatalf("SuggestRegisters(%q) = %q, expected %q", tc.name, s, tc.out)
		}
	}
}

type memory []byte

func (m memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < 0x1000 || addr >= 0x1000+uint64(len(m)) {
		return 0, errors.New("unmapped")
	}
	return copy(buf, m[addr-0x1000:]), nil
}

func TestReadRegion(t *testing.T) {
	mem := memory("0123456789")
	region, err := proc.ReadRegion(mem, proc.Section{Name: ".text", Addr: 0x1002, Size: 4})
	if err != nil {
		t.Fatal(err)
	}
	if string(region.Bytes) != "2345" || region.Base != 0x1002 || region.Size != 4 {
		t.Fatalf("unexpected region %#v", region)
	}
	if !region.Contains(0x1005) || region.Contains(0x1006) || region.Contains(0x1001) {
		t.Fatal("wrong bounds")
	}
	if _, err := proc.ReadRegion(mem, proc.Section{Addr: 0x1008, Size: 4}); err == nil {
		t.Fatal("short read not reported")
	}
	if _, err := proc.ReadRegion(mem, proc.Section{Addr: 0x10, Size: 4}); err == nil {
		t.Fatal("failed read not reported")
	}
}

func TestImageSection(t *testing.T) {
	image := &proc.Image{Path: "/usr/bin/game", Sections: []proc.Section{{Name: ".text", Addr: 0x401000}}}
	if image.Name() != "game" {
		t.Fatalf("unexpected name %q", image.Name())
	}
	if sec, ok := image.Section(".text"); !ok || sec.Addr != 0x401000 {
		t.Fatal(".text not found")
	}
	if _, ok := image.Section(".data"); ok {
		t.Fatal(".data found")
	}
}

func TestIsExited(t *testing.T) {
	err := proc.ErrProcessExited{Pid: 1, Status: 2}
	if !proc.IsExited(err) || !proc.IsExited(&err) {
		t.Fatal("exit not detected")
	}
	if proc.IsExited(proc.ErrNoSuchProcess) {
		t.Fatal("false positive")
	}
	if s := err.Error(); s != "Process 1 has exited with status 2" {
		t.Fatalf("unexpected message %q", s)
	}
}
