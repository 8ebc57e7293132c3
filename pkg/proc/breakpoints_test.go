package proc_test

import (
	"errors"
	"testing"

	"github.com/regtap/regtap/pkg/proc"
)

func TestBreakpointMap(t *testing.T) {
	bpmap := proc.NewBreakpointMap()

	bp1 := &proc.Breakpoint{Addr: 0x1000}
	bp2 := &proc.Breakpoint{FunctionName: "XOpenDisplay"}
	bp3 := &proc.Breakpoint{Addr: 0x2000}
	for _, bp := range []*proc.Breakpoint{bp1, bp2, bp3} {
		if err := bpmap.Add(bp); err != nil {
			t.Fatalf("Add(%v): %v", bp, err)
		}
	}
	if bp1.ID != 1 || bp2.ID != 2 || bp3.ID != 3 {
		t.Fatalf("unexpected IDs %d %d %d", bp1.ID, bp2.ID, bp3.ID)
	}

	var exists proc.BreakpointExistsError
	if err := bpmap.Add(&proc.Breakpoint{Addr: 0x1000}); !errors.As(err, &exists) || exists.Addr != 0x1000 {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}

	if !bp2.Pending() || len(bpmap.Pending()) != 1 {
		t.Fatalf("bp2 should be pending")
	}
	if _, ok := bpmap.Find(0); ok {
		t.Fatalf("pending breakpoint found at address zero")
	}
	if err := bpmap.Resolve(bp2, 0x2000); err == nil {
		t.Fatalf("resolved on top of an existing breakpoint")
	}
	if err := bpmap.Resolve(bp2, 0x3000); err != nil {
		t.Fatal(err)
	}
	if found, ok := bpmap.Find(0x3000); !ok || found != bp2 || len(bpmap.Pending()) != 0 {
		t.Fatalf("resolve failed")
	}

	sorted := bpmap.Sorted()
	if len(sorted) != 3 || sorted[0] != bp1 || sorted[1] != bp2 || sorted[2] != bp3 {
		t.Fatalf("unexpected order %v", sorted)
	}

	bpmap.Remove(bp1)
	bpmap.Remove(&proc.Breakpoint{Addr: 0x2000})
	if _, ok := bpmap.Find(0x1000); ok {
		t.Fatal("bp1 not removed")
	}
	if _, ok := bpmap.Find(0x2000); !ok {
		t.Fatal("removing a different breakpoint at the same address removed bp3")
	}
}

func TestBreakpointHit(t *testing.T) {
	bp := &proc.Breakpoint{Addr: 0x1000}
	if !bp.Hit(nil) {
		t.Fatal("breakpoints without callback must halt")
	}
	calls := 0
	bp.Callback = func(th proc.Thread) bool {
		calls++
		return false
	}
	if bp.Hit(nil) || calls != 1 || bp.HitCount != 2 {
		t.Fatalf("unexpected hit accounting: calls %d, hit count %d", calls, bp.HitCount)
	}
}

func TestBreakpointString(t *testing.T) {
	tests := []struct {
		bp  proc.Breakpoint
		out string
	}{
		{proc.Breakpoint{ID: 1, FunctionName: "f"}, "Breakpoint 1 (pending) on f"},
		{proc.Breakpoint{ID: 2, Addr: 0x10, FunctionName: "f"}, "Breakpoint 2 at 0x10 f"},
		{proc.Breakpoint{ID: 3, Addr: 0x10}, "Breakpoint 3 at 0x10"},
	}
	for _, tc := range tests {
		if s := tc.bp.String(); s != tc.out {
			t.Fatalf("expected %q, got %q", tc.out, s)
		}
	}
}
